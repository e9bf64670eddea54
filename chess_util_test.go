package main

import (
	"errors"
	"testing"

	"github.com/notnil/chess"
)

func TestParseSquare(t *testing.T) {
	sq, ok := parseSquare("a1")
	if !ok || sq != chess.Square(0) {
		t.Fatalf("a1 should map to index 0, got %v ok=%v", sq, ok)
	}
	sq, ok = parseSquare("h8")
	if !ok || sq != chess.Square(63) {
		t.Fatalf("h8 should map to index 63, got %v ok=%v", sq, ok)
	}
	for _, bad := range []string{"", "e", "i4", "e9", "e44"} {
		if _, ok := parseSquare(bad); ok {
			t.Fatalf("%q should not parse", bad)
		}
	}
}

func TestWhitePOVFlipsForBlackToMove(t *testing.T) {
	white := mustPosition(t, startPositionFEN)
	if got := whitePOV(white, 42); got != 42 {
		t.Fatalf("white to move keeps the sign, got %d", got)
	}
	black := mustPosition(t, "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3 0 1")
	if got := whitePOV(black, 42); got != -42 {
		t.Fatalf("black to move flips the sign, got %d", got)
	}
}

func TestFullMoveNumberReadsFENTail(t *testing.T) {
	pos := mustPosition(t, "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 12")
	if got := fullMoveNumber(pos); got != 12 {
		t.Fatalf("expected move 12, got %d", got)
	}
	if got := fullMoveNumber(mustPosition(t, startPositionFEN)); got != 1 {
		t.Fatalf("expected move 1, got %d", got)
	}
}

func TestTruncatePVCapsAndCopies(t *testing.T) {
	pv := []string{"e2e4", "e7e5", "g1f3", "b8c6"}
	got := truncatePV(pv, 2)
	if len(got) != 2 || got[0] != "e2e4" {
		t.Fatalf("unexpected truncation %v", got)
	}
	got[0] = "mutated"
	if pv[0] != "e2e4" {
		t.Fatalf("truncation must not alias the input")
	}
	if got := truncatePV(pv, 0); len(got) != 4 {
		t.Fatalf("zero cap keeps everything, got %v", got)
	}
}

func TestDecodeUCIMoveRejectsIllegalMoves(t *testing.T) {
	pos := mustPosition(t, startPositionFEN)
	if _, err := decodeUCIMove(pos, "e2e5"); err == nil {
		t.Fatalf("pawn cannot jump three squares")
	}
	move, err := decodeUCIMove(pos, "g1f3")
	if err != nil {
		t.Fatalf("knight move should decode: %v", err)
	}
	if sanForMove(pos, move) != "Nf3" {
		t.Fatalf("unexpected san %q", sanForMove(pos, move))
	}

	// Well-formed move text that is not legal here must hit the sentinel:
	// a8a1 moves a piece that does not exist, e1e3 is a two-square king step.
	sparse := mustPosition(t, "4k3/8/8/8/3Q4/8/8/4K3 w - - 0 1")
	for _, bad := range []string{"a8a1", "e1e3"} {
		if _, err := decodeUCIMove(sparse, bad); !errors.Is(err, ErrIllegalMove) {
			t.Fatalf("expected illegal move sentinel for %q, got %v", bad, err)
		}
	}
}

func TestDecodeUCIMoveCarriesCheckTag(t *testing.T) {
	pos := mustPosition(t, "4k3/8/8/8/3Q4/8/8/4K3 w - - 0 1")
	move, err := decodeUCIMove(pos, "d4d8")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !move.HasTag(chess.Check) {
		t.Fatalf("Qd8+ must carry the check tag")
	}
	if sanForMove(pos, move) != "Qd8+" {
		t.Fatalf("unexpected san %q", sanForMove(pos, move))
	}
}

func TestColorAndPieceNames(t *testing.T) {
	if c, ok := colorFromName("White"); !ok || c != chess.White {
		t.Fatalf("long color names should parse")
	}
	if c, ok := colorFromName("b"); !ok || c != chess.Black {
		t.Fatalf("short color names should parse")
	}
	if _, ok := colorFromName("green"); ok {
		t.Fatalf("unknown color must not parse")
	}
	if p, ok := pieceTypeFromLetter("q"); !ok || p != chess.Queen {
		t.Fatalf("piece letters are case-insensitive")
	}
	if _, ok := pieceTypeFromLetter("Z"); ok {
		t.Fatalf("unknown piece must not parse")
	}
}

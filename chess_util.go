package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/notnil/chess"
)

// positionFromFEN parses a FEN through the rules library, wrapping parse
// failures in the malformed-position sentinel so callers can fail fast
// before touching the engine.
func positionFromFEN(fen string) (*chess.Position, error) {
	opt, err := chess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPosition, err)
	}
	game := chess.NewGame(opt)
	return game.Position(), nil
}

// decodeUCIMove turns engine move text (e2e4, e7e8q) into a legal move for
// the position, or the illegal-move sentinel. UCINotation.Decode only parses
// squares; the move must be resolved against the legal move list to reject
// illegal engine output and to carry the castle/check tags.
func decodeUCIMove(pos *chess.Position, text string) (*chess.Move, error) {
	parsed, err := chess.UCINotation{}.Decode(pos, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %q in %q: %v", ErrIllegalMove, text, pos.String(), err)
	}
	for _, move := range pos.ValidMoves() {
		if move.S1() == parsed.S1() && move.S2() == parsed.S2() && move.Promo() == parsed.Promo() {
			return move, nil
		}
	}
	return nil, fmt.Errorf("%w: %q in %q", ErrIllegalMove, text, pos.String())
}

func sanForMove(pos *chess.Position, move *chess.Move) string {
	return chess.AlgebraicNotation{}.Encode(pos, move)
}

// whitePOV converts a side-to-move relative score into white's point of view.
func whitePOV(pos *chess.Position, stmScoreCP int) int {
	if pos.Turn() == chess.White {
		return stmScoreCP
	}
	return -stmScoreCP
}

// parseSquare maps "e4" onto the rules library's square index (a1 = 0).
func parseSquare(text string) (chess.Square, bool) {
	if len(text) != 2 {
		return chess.NoSquare, false
	}
	file := text[0]
	rank := text[1]
	if file < 'a' || file > 'h' || rank < '1' || rank > '8' {
		return chess.NoSquare, false
	}
	return chess.Square(int(rank-'1')*8 + int(file-'a')), true
}

func pieceTypeFromLetter(letter string) (chess.PieceType, bool) {
	switch strings.ToUpper(letter) {
	case "K":
		return chess.King, true
	case "Q":
		return chess.Queen, true
	case "R":
		return chess.Rook, true
	case "B":
		return chess.Bishop, true
	case "N":
		return chess.Knight, true
	case "P":
		return chess.Pawn, true
	}
	return chess.PieceType(0), false
}

func colorFromName(name string) (chess.Color, bool) {
	switch strings.ToLower(name) {
	case "w", "white":
		return chess.White, true
	case "b", "black":
		return chess.Black, true
	}
	return chess.NoColor, false
}

// fullMoveNumber reads the move counter straight off the FEN tail.
func fullMoveNumber(pos *chess.Position) int {
	fields := strings.Fields(pos.String())
	if len(fields) < 6 {
		return 1
	}
	n, err := strconv.Atoi(fields[5])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// truncatePV caps a principal variation at maxPlies moves.
func truncatePV(pv []string, maxPlies int) []string {
	if maxPlies > 0 && len(pv) > maxPlies {
		pv = pv[:maxPlies]
	}
	return append([]string(nil), pv...)
}

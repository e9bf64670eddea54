package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/notnil/chess"
)

// fakeAnalyser scripts engine responses so investigations run without a
// subprocess. Tests key responses off the fen and requested depth.
type fakeAnalyser struct {
	mu      sync.Mutex
	calls   int
	respond func(ctx context.Context, fen string, depth, multipv int) ([]EvaluationInfo, error)
}

func (f *fakeAnalyser) Analyse(ctx context.Context, fen string, depth, multipv int) ([]EvaluationInfo, int, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	infos, err := f.respond(ctx, fen, depth, multipv)
	return infos, 0, err
}

func (f *fakeAnalyser) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func mustPosition(t *testing.T, fen string) *chess.Position {
	t.Helper()
	pos, err := positionFromFEN(fen)
	if err != nil {
		t.Fatalf("bad test fen %q: %v", fen, err)
	}
	return pos
}

func childFEN(t *testing.T, fen, uci string) string {
	t.Helper()
	pos := mustPosition(t, fen)
	move, err := decodeUCIMove(pos, uci)
	if err != nil {
		t.Fatalf("bad test move %q: %v", uci, err)
	}
	return pos.Update(move).String()
}

func TestScanDualDepthFlagsOverestimatedMoves(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShallowDepth = 2
	cfg.DeepDepth = 16
	cfg.BranchingLimit = 4
	cfg.SignificanceThresholdCP = 60

	// Reply scores are the reply side's view. With shallow 50 the e2e4 branch
	// drops exactly 60, sitting on the threshold; d2d4 drops 61 and must be
	// the only flagged move. b1c3 has no scripted reply and fails.
	branchReplies := map[string]EvaluationInfo{
		childFEN(t, startPositionFEN, "e2e4"): {ScoreCP: 10, Depth: 16, PV: []string{"e7e5"}},
		childFEN(t, startPositionFEN, "d2d4"): {ScoreCP: 21, Depth: 16, PV: []string{"d7d5"}},
		childFEN(t, startPositionFEN, "g1f3"): {ScoreCP: -30, Depth: 16, PV: []string{"d7d5"}},
	}
	fake := &fakeAnalyser{respond: func(ctx context.Context, fen string, depth, multipv int) ([]EvaluationInfo, error) {
		switch {
		case depth == cfg.ShallowDepth:
			return []EvaluationInfo{
				{ScoreCP: 50, Depth: 2, PV: []string{"e2e4", "e7e5"}},
				{ScoreCP: 40, Depth: 2, PV: []string{"d2d4", "d7d5"}},
				{ScoreCP: 30, Depth: 2, PV: []string{"g1f3", "d7d5"}},
				{ScoreCP: 20, Depth: 2, PV: []string{"b1c3", "e7e5"}},
			}, nil
		case fen == startPositionFEN:
			return []EvaluationInfo{
				{ScoreCP: 30, Depth: 16, PV: []string{"e2e4", "e7e5", "g1f3"}},
				{ScoreCP: 10, Depth: 16, PV: []string{"d2d4", "d7d5"}},
			}, nil
		default:
			reply, ok := branchReplies[fen]
			if !ok {
				return nil, errors.New("engine crashed mid-branch")
			}
			return []EvaluationInfo{reply}, nil
		}
	}}

	inv := NewInvestigator(fake, NewConfigStore(cfg), nil, testLogger())
	res, err := inv.ScanDualDepth(context.Background(), startPositionFEN)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	if res.EvalShallowCP != 50 {
		t.Fatalf("expected shallow eval 50, got %d", res.EvalShallowCP)
	}
	if res.EvalDeepCP != 30 {
		t.Fatalf("expected deep eval 30, got %d", res.EvalDeepCP)
	}
	if res.BestMoveDeep != "e4" {
		t.Fatalf("expected best move e4, got %q", res.BestMoveDeep)
	}
	if res.SecondBestMoveDeep != "d4" || res.SecondBestMoveDeepEvalCP == nil || *res.SecondBestMoveDeepEvalCP != 10 {
		t.Fatalf("unexpected second best: %q %v", res.SecondBestMoveDeep, res.SecondBestMoveDeepEvalCP)
	}

	if len(res.OverestimatedMoves) != 1 || res.OverestimatedMoves[0] != "d4" {
		t.Fatalf("expected only d4 flagged, got %v", res.OverestimatedMoves)
	}

	if res.Tree == nil || len(res.Tree.Branches) != 4 {
		t.Fatalf("expected 4 explored branches, got %+v", res.Tree)
	}
	bySAN := map[string]BranchNode{}
	for _, branch := range res.Tree.Branches {
		bySAN[branch.SAN] = branch
	}
	if e4 := bySAN["e4"]; e4.Overestimated {
		t.Fatalf("a drop equal to the threshold must not be flagged")
	}
	if nc3 := bySAN["Nc3"]; !nc3.EvalFailed || nc3.Overestimated || nc3.VerifiedScoreCP != nil {
		t.Fatalf("failed branch must stay unflagged: %+v", nc3)
	}

	if res.IsWinning {
		t.Fatalf("30 cp is not winning")
	}
	if !res.IsCritical {
		t.Fatalf("an overestimated move makes the position critical")
	}
	if !strings.Contains(res.AnnotatedTranscript, "1. e4") {
		t.Fatalf("transcript missing mainline: %q", res.AnnotatedTranscript)
	}
	if !strings.Contains(res.AnnotatedTranscript, "{+0.30/16}") {
		t.Fatalf("transcript missing evaluation tag: %q", res.AnnotatedTranscript)
	}
}

func TestScanDualDepthMalformedFENFailsFast(t *testing.T) {
	fake := &fakeAnalyser{respond: func(ctx context.Context, fen string, depth, multipv int) ([]EvaluationInfo, error) {
		return nil, errors.New("must not be reached")
	}}
	inv := NewInvestigator(fake, NewConfigStore(DefaultConfig()), nil, testLogger())

	_, err := inv.ScanDualDepth(context.Background(), "this is not a position")
	if !errors.Is(err, ErrMalformedPosition) {
		t.Fatalf("expected malformed position error, got %v", err)
	}
	if fake.callCount() != 0 {
		t.Fatalf("malformed input must not reach the engine, saw %d calls", fake.callCount())
	}
}

func TestScanTimeoutReturnsStructuredError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TimeoutSeconds = 0.01
	fake := &fakeAnalyser{respond: func(ctx context.Context, fen string, depth, multipv int) ([]EvaluationInfo, error) {
		<-ctx.Done()
		return nil, ErrTimeout
	}}
	inv := NewInvestigator(fake, NewConfigStore(cfg), nil, testLogger())

	res, scanErr := inv.Scan(context.Background(), startPositionFEN)
	if res != nil {
		t.Fatalf("expected no result on timeout, got %+v", res)
	}
	if scanErr == nil || !strings.Contains(scanErr.Error, "scan timeout after") {
		t.Fatalf("expected structured timeout error, got %+v", scanErr)
	}
}

func TestScanReportsWhitePOVForBlackToMove(t *testing.T) {
	const fen = "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3 0 1"
	cfg := DefaultConfig()
	cfg.BranchingLimit = 1

	replyFEN := childFEN(t, fen, "e7e5")
	fake := &fakeAnalyser{respond: func(ctx context.Context, reqFEN string, depth, multipv int) ([]EvaluationInfo, error) {
		switch {
		case depth == cfg.ShallowDepth:
			return []EvaluationInfo{{ScoreCP: 20, Depth: 2, PV: []string{"e7e5"}}}, nil
		case reqFEN == fen:
			return []EvaluationInfo{{ScoreCP: -10, Depth: 16, PV: []string{"e7e5", "g1f3"}}}, nil
		case reqFEN == replyFEN:
			return []EvaluationInfo{{ScoreCP: 15, Depth: 16, PV: []string{"g1f3"}}}, nil
		}
		return nil, errors.New("unexpected position")
	}}
	inv := NewInvestigator(fake, NewConfigStore(cfg), nil, testLogger())

	res, err := inv.ScanDualDepth(context.Background(), fen)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	// Engine scores are side-to-move relative; with black to move the report
	// flips them to white's point of view.
	if res.EvalShallowCP != -20 {
		t.Fatalf("expected shallow eval -20 from white's view, got %d", res.EvalShallowCP)
	}
	if res.EvalDeepCP != 10 {
		t.Fatalf("expected deep eval +10 from white's view, got %d", res.EvalDeepCP)
	}
	if res.BestMoveDeep != "e5" {
		t.Fatalf("expected best move e5, got %q", res.BestMoveDeep)
	}
}

func TestScanSurfacesShallowSweepFailure(t *testing.T) {
	fake := &fakeAnalyser{respond: func(ctx context.Context, fen string, depth, multipv int) ([]EvaluationInfo, error) {
		return nil, ErrEngineUnavailable
	}}
	inv := NewInvestigator(fake, NewConfigStore(DefaultConfig()), nil, testLogger())

	res, scanErr := inv.Scan(context.Background(), startPositionFEN)
	if res != nil || scanErr == nil {
		t.Fatalf("expected structured error, got res=%+v err=%+v", res, scanErr)
	}
	if !strings.Contains(scanErr.Error, "shallow sweep") {
		t.Fatalf("error should name the failed stage, got %q", scanErr.Error)
	}
}

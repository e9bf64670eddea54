package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/notnil/chess"
	"github.com/rs/zerolog"
)

// MoveCandidate is one ranked entry from the shallow breadth sweep. Scores
// are side-to-move relative while the candidate list is being worked on.
type MoveCandidate struct {
	Move    string   `json:"move"`
	SAN     string   `json:"san"`
	ScoreCP int      `json:"score_cp"`
	PV      []string `json:"pv"`
}

// BranchNode records one explored continuation: its shallow appeal and what
// deeper reply search made of it. VerifiedScoreCP is nil when the deep branch
// evaluation failed; such branches are kept in the tree but never flagged.
type BranchNode struct {
	Move            string   `json:"move"`
	SAN             string   `json:"san"`
	ShallowScoreCP  int      `json:"shallow_score_cp"`
	VerifiedScoreCP *int     `json:"verified_score_cp,omitempty"`
	Overestimated   bool     `json:"overestimated"`
	EvalFailed      bool     `json:"eval_failed,omitempty"`
	ReplyPV         []string `json:"reply_pv,omitempty"`
}

type ExplorationTree struct {
	FEN         string          `json:"fen"`
	ShallowEval *EvaluationInfo `json:"shallow_eval,omitempty"`
	DeepEval    *EvaluationInfo `json:"deep_eval,omitempty"`
	BestMove    string          `json:"best_move"`
	Branches    []BranchNode    `json:"branches"`
}

// InvestigationResult is the artifact handed to downstream collaborators.
// Evaluation fields are white point of view.
type InvestigationResult struct {
	ID                       string              `json:"id"`
	FEN                      string              `json:"fen"`
	EvalShallowCP            int                 `json:"eval_shallow"`
	EvalDeepCP               int                 `json:"eval_deep"`
	BestMoveDeep             string              `json:"best_move_deep"`
	BestMoveDeepEvalCP       int                 `json:"best_move_deep_eval"`
	SecondBestMoveDeep       string              `json:"second_best_move_deep,omitempty"`
	SecondBestMoveDeepEvalCP *int                `json:"second_best_move_deep_eval,omitempty"`
	IsCritical               bool                `json:"is_critical"`
	IsWinning                bool                `json:"is_winning"`
	TopMovesShallow          []MoveCandidate     `json:"top_moves_shallow"`
	OverestimatedMoves       []string            `json:"overestimated_moves"`
	Tree                     *ExplorationTree    `json:"exploration_tree"`
	AnnotatedTranscript      string              `json:"annotated_transcript,omitempty"`
	Goal                     *TargetOutcome      `json:"goal,omitempty"`
	Confidence               *ConfidenceSignals  `json:"confidence,omitempty"`
}

// ScanError is the structured object the scan boundary returns instead of
// propagating an exception to the API layer.
type ScanError struct {
	Error string `json:"error"`
}

// investigationBuilder accumulates the stages of a scan and produces the
// final result once, so no caller ever observes a half-built artifact.
type investigationBuilder struct {
	res InvestigationResult
}

func newInvestigationBuilder(id, fen string) *investigationBuilder {
	return &investigationBuilder{res: InvestigationResult{
		ID:                 id,
		FEN:                fen,
		TopMovesShallow:    []MoveCandidate{},
		OverestimatedMoves: []string{},
	}}
}

func (b *investigationBuilder) Build() *InvestigationResult {
	res := b.res
	return &res
}

// Investigator performs dual-depth exploration and assembles evidence for
// narration. All engine traffic goes through the injected analyser.
type Investigator struct {
	analyser positionAnalyser
	config   *ConfigStore
	hub      *AnalysisHub
	log      zerolog.Logger
}

func NewInvestigator(analyser positionAnalyser, config *ConfigStore, hub *AnalysisHub, log zerolog.Logger) *Investigator {
	return &Investigator{
		analyser: analyser,
		config:   config,
		hub:      hub,
		log:      log.With().Str("component", "investigator").Logger(),
	}
}

func (inv *Investigator) publish(event analysisEvent) {
	if inv.hub != nil {
		inv.hub.Publish(event)
	}
}

// Scan wraps a dual-depth investigation in the policy's wall-clock budget.
// On expiry the investigation is abandoned and a structured error object is
// returned; an in-flight engine call may finish on its own afterwards.
func (inv *Investigator) Scan(ctx context.Context, fen string) (*InvestigationResult, *ScanError) {
	cfg := inv.config.Get()
	timeout := time.Duration(cfg.TimeoutSeconds * float64(time.Second))
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type scanOutcome struct {
		res *InvestigationResult
		err error
	}
	outcomeCh := make(chan scanOutcome, 1)
	go func() {
		res, err := inv.ScanDualDepth(scanCtx, fen)
		outcomeCh <- scanOutcome{res: res, err: err}
	}()

	select {
	case out := <-outcomeCh:
		if out.err != nil {
			if errors.Is(out.err, ErrTimeout) {
				return nil, &ScanError{Error: fmt.Sprintf("scan timeout after %gs", cfg.TimeoutSeconds)}
			}
			return nil, &ScanError{Error: out.err.Error()}
		}
		return out.res, nil
	case <-scanCtx.Done():
		if errors.Is(scanCtx.Err(), context.DeadlineExceeded) {
			inv.log.Warn().Str("fen", fen).Float64("timeout_s", cfg.TimeoutSeconds).Msg("scan abandoned on deadline")
			return nil, &ScanError{Error: fmt.Sprintf("scan timeout after %gs", cfg.TimeoutSeconds)}
		}
		return nil, &ScanError{Error: scanCtx.Err().Error()}
	}
}

// ScanDualDepth runs the two-depth exploration: a cheap breadth sweep at the
// shallow depth, a deep verification of the root, then one deep reply search
// per shallow candidate to expose moves whose shallow appeal evaporates.
func (inv *Investigator) ScanDualDepth(ctx context.Context, fen string) (*InvestigationResult, error) {
	cfg := inv.config.Get()

	pos, err := positionFromFEN(fen)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	builder := newInvestigationBuilder(id, fen)
	inv.publish(analysisEvent{Event: "scan_started", InvestigationID: id, FEN: fen})
	start := time.Now()

	shallowInfos, _, err := inv.analyser.Analyse(ctx, fen, cfg.ShallowDepth, cfg.BranchingLimit)
	if err != nil {
		return nil, fmt.Errorf("shallow sweep: %w", err)
	}
	candidates := candidatesFromInfos(pos, shallowInfos, cfg.MaxPVPlies)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("shallow sweep produced no candidates for %q", fen)
	}
	builder.res.TopMovesShallow = candidates
	builder.res.EvalShallowCP = whitePOV(pos, candidates[0].ScoreCP)

	deepInfos, engineID, err := inv.analyser.Analyse(ctx, fen, cfg.DeepDepth, 2)
	if err != nil {
		return nil, fmt.Errorf("deep verification: %w", err)
	}
	deepBest := deepInfos[0]
	_, bestSAN := firstPVMove(pos, deepBest.PV)
	builder.res.EvalDeepCP = whitePOV(pos, deepBest.ScoreCP)
	builder.res.BestMoveDeep = bestSAN
	builder.res.BestMoveDeepEvalCP = whitePOV(pos, deepBest.ScoreCP)
	var deepGapCP int
	if len(deepInfos) > 1 {
		_, secondSAN := firstPVMove(pos, deepInfos[1].PV)
		secondEval := whitePOV(pos, deepInfos[1].ScoreCP)
		builder.res.SecondBestMoveDeep = secondSAN
		builder.res.SecondBestMoveDeepEvalCP = &secondEval
		deepGapCP = deepBest.ScoreCP - deepInfos[1].ScoreCP
	}
	inv.publish(analysisEvent{
		Event:           "root_evaluated",
		InvestigationID: id,
		Move:            bestSAN,
		ScoreCP:         intPtr(builder.res.EvalDeepCP),
	})
	inv.log.Debug().Int("engine_id", engineID).Str("best", bestSAN).Int("eval_deep", builder.res.EvalDeepCP).Msg("root verified")

	branches := inv.exploreBranches(ctx, pos, candidates, cfg, id)

	tree := &ExplorationTree{
		FEN:         fen,
		ShallowEval: &shallowInfos[0],
		DeepEval:    &deepBest,
		BestMove:    bestSAN,
		Branches:    branches,
	}
	builder.res.Tree = tree
	for _, branch := range branches {
		if branch.Overestimated {
			builder.res.OverestimatedMoves = append(builder.res.OverestimatedMoves, branch.SAN)
		}
	}

	builder.res.IsWinning = deepBest.ScoreCP >= cfg.WinningThresholdCP
	builder.res.IsCritical = deepGapCP >= cfg.CriticalGapCP || len(builder.res.OverestimatedMoves) > 0

	if cfg.IncludeAnnotatedTranscript {
		builder.res.AnnotatedTranscript = renderTranscript(pos, deepBest, builder.res.EvalDeepCP, branches, cfg)
	}

	inv.publish(analysisEvent{
		Event:           "scan_complete",
		InvestigationID: id,
		Move:            bestSAN,
		ScoreCP:         intPtr(builder.res.EvalDeepCP),
	})
	inv.log.Info().
		Str("fen", fen).
		Str("best", bestSAN).
		Int("branches", len(branches)).
		Int("overestimated", len(builder.res.OverestimatedMoves)).
		Dur("elapsed", time.Since(start)).
		Msg("scan complete")
	return builder.Build(), nil
}

// exploreBranches applies each shallow candidate and verifies it with a deep
// reply search. A failed branch evaluation is logged and the branch kept
// unflagged; one bad branch never aborts the investigation.
func (inv *Investigator) exploreBranches(ctx context.Context, pos *chess.Position, candidates []MoveCandidate, cfg Config, id string) []BranchNode {
	limit := cfg.BranchingLimit
	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}
	branches := make([]BranchNode, 0, limit)
	for _, cand := range candidates[:limit] {
		node := BranchNode{
			Move:           cand.Move,
			SAN:            cand.SAN,
			ShallowScoreCP: cand.ScoreCP,
		}
		move, err := decodeUCIMove(pos, cand.Move)
		if err != nil {
			inv.log.Warn().Err(err).Str("move", cand.Move).Msg("skipping unplayable candidate")
			node.EvalFailed = true
			branches = append(branches, node)
			continue
		}
		child := pos.Update(move)
		branchInfos, _, err := inv.analyser.Analyse(ctx, child.String(), cfg.DeepDepth, 1)
		if err != nil {
			inv.log.Warn().Err(err).Str("move", cand.SAN).Msg("branch evaluation failed, omitting")
			node.EvalFailed = true
			branches = append(branches, node)
			continue
		}
		// The branch score is the reply side's view; negate to compare with
		// the candidate's shallow score. Strictly greater than the threshold:
		// jitter-sized differences are not traps.
		verified := -branchInfos[0].ScoreCP
		node.VerifiedScoreCP = &verified
		node.ReplyPV = truncatePV(branchInfos[0].PV, cfg.MaxPVPlies)
		node.Overestimated = cand.ScoreCP-verified > cfg.SignificanceThresholdCP
		branches = append(branches, node)
		inv.publish(analysisEvent{
			Event:           "branch_evaluated",
			InvestigationID: id,
			Move:            cand.SAN,
			ScoreCP:         intPtr(verified),
			Overestimated:   &node.Overestimated,
		})
	}
	return branches
}

// candidatesFromInfos turns ranked multipv lines into move candidates,
// dropping lines without a playable first move.
func candidatesFromInfos(pos *chess.Position, infos []EvaluationInfo, maxPVPlies int) []MoveCandidate {
	candidates := make([]MoveCandidate, 0, len(infos))
	for _, info := range infos {
		if len(info.PV) == 0 {
			continue
		}
		move, err := decodeUCIMove(pos, info.PV[0])
		if err != nil {
			continue
		}
		candidates = append(candidates, MoveCandidate{
			Move:    info.PV[0],
			SAN:     sanForMove(pos, move),
			ScoreCP: info.ScoreCP,
			PV:      truncatePV(info.PV, maxPVPlies),
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].ScoreCP > candidates[j].ScoreCP
	})
	return candidates
}

func firstPVMove(pos *chess.Position, pv []string) (uciMove, san string) {
	if len(pv) == 0 {
		return "", ""
	}
	move, err := decodeUCIMove(pos, pv[0])
	if err != nil {
		return pv[0], pv[0]
	}
	return pv[0], sanForMove(pos, move)
}

// renderTranscript produces the evaluation-tagged SAN transcript of the deep
// principal variation, with explored alternatives appended as variations.
func renderTranscript(pos *chess.Position, deep EvaluationInfo, deepEvalWhiteCP int, branches []BranchNode, cfg Config) string {
	var sb strings.Builder
	moveNumber := fullMoveNumber(pos)
	current := pos
	plies := truncatePV(deep.PV, cfg.MaxPVPlies)
	for i, uci := range plies {
		move, err := decodeUCIMove(current, uci)
		if err != nil {
			break
		}
		san := sanForMove(current, move)
		if current.Turn() == chess.White {
			sb.WriteString(fmt.Sprintf("%d. %s", moveNumber, san))
		} else {
			if i == 0 {
				sb.WriteString(fmt.Sprintf("%d... %s", moveNumber, san))
			} else {
				sb.WriteString(san)
			}
			moveNumber++
		}
		if i == 0 {
			sb.WriteString(fmt.Sprintf(" {%s/%d}", formatEvalCP(deepEvalWhiteCP), deep.Depth))
		}
		sb.WriteString(" ")
		current = current.Update(move)
	}

	for _, branch := range branches {
		if branch.VerifiedScoreCP == nil {
			continue
		}
		marker := ""
		if branch.Overestimated {
			marker = "?"
		}
		sb.WriteString(fmt.Sprintf("(%s%s {shallow %s, deep %s}) ",
			branch.SAN, marker,
			formatEvalCP(branch.ShallowScoreCP),
			formatEvalCP(*branch.VerifiedScoreCP)))
	}

	transcript := strings.TrimSpace(sb.String())
	if cfg.TranscriptMaxChars > 0 && len(transcript) > cfg.TranscriptMaxChars {
		transcript = transcript[:cfg.TranscriptMaxChars]
	}
	return transcript
}

func formatEvalCP(cp int) string {
	return fmt.Sprintf("%+.2f", float64(cp)/100.0)
}

func intPtr(v int) *int {
	return &v
}

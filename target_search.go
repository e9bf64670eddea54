package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/notnil/chess"
	"github.com/rs/zerolog"
)

// Goal-directed search: find a move sequence (witness line) under which a
// declarative predicate becomes true, within a bounded effort budget.

const (
	GoalStatusSuccess = "success"
	GoalStatusFailure = "failure"
	GoalStatusError   = "error"
)

// playedMove is one ply of a candidate line.
type playedMove struct {
	UCI   string
	SAN   string
	Color chess.Color
	Tags  []chess.MoveTag
}

// searchState is a node of the beam: a position plus the line that reached it.
type searchState struct {
	pos     *chess.Position
	line    []playedMove
	scoreCP int // root side's point of view
}

// Predicate is a declarative search target. Composite nodes delegate to their
// children; leaves inspect the candidate state directly.
type Predicate interface {
	Holds(state *searchState) bool
}

type And struct{ Children []Predicate }

func (p And) Holds(state *searchState) bool {
	for _, child := range p.Children {
		if !child.Holds(state) {
			return false
		}
	}
	return true
}

type Or struct{ Children []Predicate }

func (p Or) Holds(state *searchState) bool {
	for _, child := range p.Children {
		if child.Holds(state) {
			return true
		}
	}
	return false
}

type Not struct{ Child Predicate }

func (p Not) Holds(state *searchState) bool {
	return p.Child != nil && !p.Child.Holds(state)
}

type PredicateKind string

const (
	PredPieceOnSquare PredicateKind = "piece_on_square"
	PredCastles       PredicateKind = "castles"
	PredMovePlayed    PredicateKind = "move_played"
	PredInCheck       PredicateKind = "in_check"
	PredSideToMove    PredicateKind = "side_to_move"
)

// Leaf is a single testable condition over a state.
type Leaf struct {
	Kind   PredicateKind
	Piece  string // piece_on_square: K Q R B N P
	Color  string // piece_on_square, castles, in_check, side_to_move
	Square string // piece_on_square
	Side   string // castles: kingside, queenside, any
	SAN    string // move_played
}

func (p Leaf) Holds(state *searchState) bool {
	switch p.Kind {
	case PredPieceOnSquare:
		square, ok := parseSquare(p.Square)
		if !ok {
			return false
		}
		pieceType, ok := pieceTypeFromLetter(p.Piece)
		if !ok {
			return false
		}
		color, ok := colorFromName(p.Color)
		if !ok {
			return false
		}
		piece := state.pos.Board().Piece(square)
		return piece != chess.NoPiece && piece.Type() == pieceType && piece.Color() == color
	case PredCastles:
		color, ok := colorFromName(p.Color)
		if !ok {
			return false
		}
		for _, move := range state.line {
			if move.Color != color {
				continue
			}
			kingside := hasTag(move.Tags, chess.KingSideCastle)
			queenside := hasTag(move.Tags, chess.QueenSideCastle)
			switch strings.ToLower(p.Side) {
			case "kingside":
				if kingside {
					return true
				}
			case "queenside":
				if queenside {
					return true
				}
			default:
				if kingside || queenside {
					return true
				}
			}
		}
		return false
	case PredMovePlayed:
		for _, move := range state.line {
			if move.SAN == p.SAN || move.UCI == p.SAN {
				return true
			}
		}
		return false
	case PredInCheck:
		if len(state.line) == 0 {
			return false
		}
		last := state.line[len(state.line)-1]
		if !hasTag(last.Tags, chess.Check) {
			return false
		}
		if p.Color == "" {
			return true
		}
		color, ok := colorFromName(p.Color)
		// The checked side is the one to move after the checking move.
		return ok && state.pos.Turn() == color
	case PredSideToMove:
		color, ok := colorFromName(p.Color)
		return ok && state.pos.Turn() == color
	}
	return false
}

func hasTag(tags []chess.MoveTag, tag chess.MoveTag) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// decodePredicate parses the wire form of a predicate tree:
// {"op":"and","children":[...]} | {"op":"not","child":{...}} |
// {"predicate":"piece_on_square","args":{"piece":"Q","color":"w","square":"e4"}}.
func decodePredicate(raw json.RawMessage) (Predicate, error) {
	var node struct {
		Op        string            `json:"op"`
		Children  []json.RawMessage `json:"children"`
		Child     json.RawMessage   `json:"child"`
		Predicate string            `json:"predicate"`
		Args      map[string]string `json:"args"`
	}
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("predicate decode: %w", err)
	}
	switch {
	case node.Op == "and" || node.Op == "or":
		children := make([]Predicate, 0, len(node.Children))
		for _, rawChild := range node.Children {
			child, err := decodePredicate(rawChild)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		if len(children) == 0 {
			return nil, errors.New("predicate decode: empty composite")
		}
		if node.Op == "and" {
			return And{Children: children}, nil
		}
		return Or{Children: children}, nil
	case node.Op == "not":
		if len(node.Child) == 0 {
			return nil, errors.New("predicate decode: not without child")
		}
		child, err := decodePredicate(node.Child)
		if err != nil {
			return nil, err
		}
		return Not{Child: child}, nil
	case node.Predicate != "":
		return Leaf{
			Kind:   PredicateKind(node.Predicate),
			Piece:  node.Args["piece"],
			Color:  node.Args["color"],
			Square: node.Args["square"],
			Side:   node.Args["side"],
			SAN:    node.Args["san"],
		}, nil
	}
	return nil, errors.New("predicate decode: unrecognized node")
}

// StopPolicy bounds the total effort a goal search may spend.
type StopPolicy struct {
	MaxTime        time.Duration `json:"-"`
	MaxTimeSeconds float64       `json:"max_time_seconds"`
	MaxEngineCalls int           `json:"max_engine_calls"`
	MaxLLMCalls    int           `json:"max_llm_calls"`
}

// GoalObject is created per request and discarded once the investigation is
// done.
type GoalObject struct {
	Objective          string     `json:"objective"`
	Predicate          Predicate  `json:"-"`
	ConfidenceRequired float64    `json:"confidence_required"`
	RequiredArtifacts  []string   `json:"required_artifacts"`
	Stop               StopPolicy `json:"stop_policy"`
}

// TargetPolicy shapes the beam search.
type TargetPolicy struct {
	QueryType          string `json:"query_type"` // existence
	MaxDepth           int    `json:"max_depth"`
	BeamWidth          int    `json:"beam_width"`
	BranchingLimit     int    `json:"branching_limit"`
	OpponentModel      string `json:"opponent_model"` // best-reply
	EngineDepthPropose int    `json:"engine_depth_propose"`
	EngineDepthReply   int    `json:"engine_depth_reply"`
	TopKWitnesses      int    `json:"top_k_witnesses"`
}

type TargetAttempt struct {
	Attempt   int    `json:"attempt"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// TargetOutcome is always a value: "no witness found" is an expected result,
// never an exception.
type TargetOutcome struct {
	GoalStatus   string          `json:"goal_status"`
	WitnessLine  []string        `json:"witness_line"`
	WitnessLines [][]string      `json:"witness_lines,omitempty"`
	EngineCalls  int             `json:"engine_calls"`
	ElapsedMs    int64           `json:"elapsed_ms"`
	Note         string          `json:"note,omitempty"`
	Attempts     []TargetAttempt `json:"attempts,omitempty"`
}

// TargetSearcher runs bounded beam search toward a goal predicate.
type TargetSearcher struct {
	analyser positionAnalyser
	config   *ConfigStore
	hub      *AnalysisHub
	log      zerolog.Logger
}

func NewTargetSearcher(analyser positionAnalyser, config *ConfigStore, hub *AnalysisHub, log zerolog.Logger) *TargetSearcher {
	return &TargetSearcher{
		analyser: analyser,
		config:   config,
		hub:      hub,
		log:      log.With().Str("component", "target_search").Logger(),
	}
}

func (ts *TargetSearcher) policyDefaults(policy TargetPolicy) TargetPolicy {
	cfg := ts.config.Get()
	if policy.QueryType == "" {
		policy.QueryType = "existence"
	}
	if policy.MaxDepth < 0 {
		policy.MaxDepth = 0
	}
	// Zero is meaningful (root-only check), so the configured depth acts as
	// a ceiling rather than a default.
	if cfg.TargetMaxDepth > 0 && policy.MaxDepth > cfg.TargetMaxDepth {
		policy.MaxDepth = cfg.TargetMaxDepth
	}
	if policy.BeamWidth <= 0 {
		policy.BeamWidth = cfg.TargetBeamWidth
	}
	if policy.BranchingLimit <= 0 {
		policy.BranchingLimit = cfg.TargetBranchingLimit
	}
	if policy.OpponentModel == "" {
		policy.OpponentModel = "best-reply"
	}
	if policy.EngineDepthPropose <= 0 {
		policy.EngineDepthPropose = cfg.TargetDepthPropose
	}
	if policy.EngineDepthReply <= 0 {
		policy.EngineDepthReply = cfg.TargetDepthReply
	}
	if policy.TopKWitnesses <= 0 {
		policy.TopKWitnesses = cfg.TargetTopKWitnesses
	}
	return policy
}

// InvestigateTarget searches for witness lines satisfying the goal predicate.
// Infrastructure failures come back as an error; an exhausted search is a
// failure-status outcome.
func (ts *TargetSearcher) InvestigateTarget(ctx context.Context, fen string, goal GoalObject, policy TargetPolicy) (*TargetOutcome, error) {
	if goal.Predicate == nil {
		return nil, errors.New("goal has no predicate")
	}
	policy = ts.policyDefaults(policy)
	cfg := ts.config.Get()

	pos, err := positionFromFEN(fen)
	if err != nil {
		return nil, err
	}

	maxEngineCalls := goal.Stop.MaxEngineCalls
	if maxEngineCalls <= 0 {
		maxEngineCalls = cfg.TargetMaxEngineCalls
	}
	deadline := time.Time{}
	if goal.Stop.MaxTime > 0 {
		deadline = time.Now().Add(goal.Stop.MaxTime)
	} else if goal.Stop.MaxTimeSeconds > 0 {
		deadline = time.Now().Add(time.Duration(goal.Stop.MaxTimeSeconds * float64(time.Second)))
	}

	start := time.Now()
	outcome := &TargetOutcome{GoalStatus: GoalStatusFailure, WitnessLine: []string{}}
	rootSide := pos.Turn()

	root := &searchState{pos: pos}
	if goal.Predicate.Holds(root) {
		outcome.GoalStatus = GoalStatusSuccess
		outcome.ElapsedMs = time.Since(start).Milliseconds()
		return outcome, nil
	}
	if policy.MaxDepth == 0 {
		outcome.Note = "predicate does not hold in the starting position"
		outcome.ElapsedMs = time.Since(start).Milliseconds()
		return outcome, nil
	}

	var witnesses [][]string
	frontier := []*searchState{root}
	engineCalls := 0

	budgetExceeded := func() bool {
		if engineCalls >= maxEngineCalls {
			return true
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return true
		}
		return false
	}

	for ply := 1; ply <= policy.MaxDepth && len(frontier) > 0; ply++ {
		var next []*searchState
		for _, state := range frontier {
			if budgetExceeded() {
				outcome.Note = "stop policy budget exhausted"
				break
			}

			// Existence queries on the root side's turn get a cheap oracle
			// first: any legal move that already satisfies the predicate is
			// a witness without an engine call. Opponent plies never go
			// through the oracle; under best-reply the opponent does not
			// volunteer a cooperating move.
			if state.pos.Turn() == rootSide {
				if lines := immediateWitnesses(state, goal.Predicate, policy.TopKWitnesses-len(witnesses)); len(lines) > 0 {
					for _, line := range lines {
						witnesses = appendWitness(witnesses, witnessSANs(line))
					}
					if len(witnesses) >= policy.TopKWitnesses {
						return ts.successOutcome(outcome, witnesses, engineCalls, start), nil
					}
					continue
				}
			}

			proposeDepth := policy.EngineDepthPropose
			proposeWidth := policy.BranchingLimit
			if state.pos.Turn() != rootSide && policy.OpponentModel == "best-reply" {
				proposeDepth = policy.EngineDepthReply
				proposeWidth = 1
			}

			infos, _, err := ts.analyser.Analyse(ctx, state.pos.String(), proposeDepth, proposeWidth)
			engineCalls++
			if err != nil {
				if errors.Is(err, ErrEngineUnavailable) || errors.Is(err, ErrTimeout) {
					return nil, fmt.Errorf("target search: %w", err)
				}
				ts.log.Warn().Err(err).Msg("proposal failed, dropping state")
				continue
			}

			for _, info := range infos {
				if len(info.PV) == 0 {
					continue
				}
				child, ok := advanceState(state, info.PV[0])
				if !ok {
					continue
				}
				if state.pos.Turn() == rootSide {
					child.scoreCP = info.ScoreCP
				} else {
					child.scoreCP = -info.ScoreCP
				}
				if goal.Predicate.Holds(child) {
					witnesses = appendWitness(witnesses, witnessSANs(child.line))
					if len(witnesses) >= policy.TopKWitnesses {
						return ts.successOutcome(outcome, witnesses, engineCalls, start), nil
					}
					continue
				}
				next = append(next, child)
			}
		}

		sort.SliceStable(next, func(i, j int) bool {
			return next[i].scoreCP > next[j].scoreCP
		})
		if len(next) > policy.BeamWidth {
			next = next[:policy.BeamWidth]
		}
		frontier = next

		if ts.hub != nil {
			ts.hub.Publish(analysisEvent{
				Event: "target_progress",
				FEN:   fen,
				Ply:   ply,
				Beam:  len(frontier),
			})
		}
	}

	if len(witnesses) > 0 {
		return ts.successOutcome(outcome, witnesses, engineCalls, start), nil
	}
	outcome.EngineCalls = engineCalls
	outcome.ElapsedMs = time.Since(start).Milliseconds()
	if outcome.Note == "" {
		outcome.Note = "search depth exhausted without a witness"
	}
	return outcome, nil
}

func (ts *TargetSearcher) successOutcome(outcome *TargetOutcome, witnesses [][]string, engineCalls int, start time.Time) *TargetOutcome {
	outcome.GoalStatus = GoalStatusSuccess
	outcome.WitnessLine = witnesses[0]
	outcome.WitnessLines = witnesses
	outcome.EngineCalls = engineCalls
	outcome.ElapsedMs = time.Since(start).Milliseconds()
	return outcome
}

// RetryInvestigateTarget re-runs the search on transient infrastructure
// failures only, recording every attempt. Semantic failures (no witness
// within bounds) are never retried.
func (ts *TargetSearcher) RetryInvestigateTarget(ctx context.Context, fen string, goal GoalObject, policy TargetPolicy, maxRetries int) (*TargetOutcome, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	var attempts []TargetAttempt
	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		attemptStart := time.Now()
		outcome, err := ts.InvestigateTarget(ctx, fen, goal, policy)
		record := TargetAttempt{
			Attempt:   attempt,
			ElapsedMs: time.Since(attemptStart).Milliseconds(),
		}
		if err == nil {
			record.Status = outcome.GoalStatus
			attempts = append(attempts, record)
			outcome.Attempts = attempts
			return outcome, nil
		}
		record.Status = GoalStatusError
		record.Error = err.Error()
		attempts = append(attempts, record)
		lastErr = err
		if !errors.Is(err, ErrEngineUnavailable) && !errors.Is(err, ErrTimeout) {
			break
		}
		ts.log.Warn().Err(err).Int("attempt", attempt).Msg("target search attempt failed, retrying")
	}
	outcome := &TargetOutcome{
		GoalStatus:  GoalStatusError,
		WitnessLine: []string{},
		Note:        lastErr.Error(),
		Attempts:    attempts,
	}
	return outcome, nil
}

// immediateWitnesses scans the legal moves of a state for up to limit moves
// that satisfy the predicate on their own.
func immediateWitnesses(state *searchState, predicate Predicate, limit int) [][]playedMove {
	if limit < 1 {
		limit = 1
	}
	var lines [][]playedMove
	for _, move := range state.pos.ValidMoves() {
		child := applyMove(state, move)
		if predicate.Holds(child) {
			lines = append(lines, child.line)
			if len(lines) >= limit {
				break
			}
		}
	}
	return lines
}

func advanceState(state *searchState, uci string) (*searchState, bool) {
	move, err := decodeUCIMove(state.pos, uci)
	if err != nil {
		return nil, false
	}
	return applyMove(state, move), true
}

func applyMove(state *searchState, move *chess.Move) *searchState {
	san := sanForMove(state.pos, move)
	played := playedMove{
		UCI:   chess.UCINotation{}.Encode(state.pos, move),
		SAN:   san,
		Color: state.pos.Turn(),
		Tags:  moveTags(move),
	}
	line := make([]playedMove, 0, len(state.line)+1)
	line = append(line, state.line...)
	line = append(line, played)
	return &searchState{
		pos:     state.pos.Update(move),
		line:    line,
		scoreCP: state.scoreCP,
	}
}

func moveTags(move *chess.Move) []chess.MoveTag {
	all := []chess.MoveTag{
		chess.KingSideCastle,
		chess.QueenSideCastle,
		chess.Capture,
		chess.EnPassant,
		chess.Check,
	}
	var tags []chess.MoveTag
	for _, tag := range all {
		if move.HasTag(tag) {
			tags = append(tags, tag)
		}
	}
	return tags
}

func witnessSANs(line []playedMove) []string {
	sans := make([]string, 0, len(line))
	for _, move := range line {
		sans = append(sans, move.SAN)
	}
	return sans
}

// appendWitness adds a line if it is distinct from the ones already found.
func appendWitness(witnesses [][]string, line []string) [][]string {
	key := strings.Join(line, " ")
	for _, existing := range witnesses {
		if strings.Join(existing, " ") == key {
			return witnesses
		}
	}
	return append(witnesses, line)
}

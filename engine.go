package main

import (
	"bufio"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const startPositionFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Mate scores are clamped into the centipawn scale so downstream arithmetic
// never sees engine-native mate encodings.
const mateScoreCP = 900

var (
	ErrEngineUnavailable = errors.New("engine unavailable")
	ErrTimeout           = errors.New("timeout")
	ErrIllegalMove       = errors.New("illegal move")
	ErrMalformedPosition = errors.New("malformed position")
)

// EvaluationInfo is one engine line: a score and its principal variation.
// Scores are side-to-move relative, the engine's native convention; the
// investigator converts to white point of view at the reporting boundary.
type EvaluationInfo struct {
	ScoreCP int      `json:"score_cp"`
	Mate    int      `json:"mate,omitempty"`
	Depth   int      `json:"depth"`
	PV      []string `json:"pv"`
}

// UCIEngine wraps a single UCI engine subprocess. It is not safe for
// concurrent commands; callers go through an EngineQueue.
type UCIEngine struct {
	id     int
	cmd    *exec.Cmd
	stdin  *bufio.Writer
	stdout *bufio.Scanner
	log    zerolog.Logger
}

func NewUCIEngine(path string, id int, log zerolog.Logger) (*UCIEngine, error) {
	cmd := exec.Command(path)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrEngineUnavailable, err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrEngineUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %q: %v", ErrEngineUnavailable, path, err)
	}

	engine := &UCIEngine{
		id:     id,
		cmd:    cmd,
		stdin:  bufio.NewWriter(stdinPipe),
		stdout: bufio.NewScanner(stdoutPipe),
		log:    log.With().Int("engine_id", id).Logger(),
	}

	engine.sendCommand("uci")
	if !engine.waitForToken("uciok") {
		engine.kill()
		return nil, fmt.Errorf("%w: no uciok from %q", ErrEngineUnavailable, path)
	}
	engine.sendCommand("isready")
	if !engine.waitForToken("readyok") {
		engine.kill()
		return nil, fmt.Errorf("%w: no readyok from %q", ErrEngineUnavailable, path)
	}

	engine.log.Info().Str("path", path).Msg("engine started")
	return engine, nil
}

func (e *UCIEngine) ID() int { return e.id }

func (e *UCIEngine) sendCommand(cmd string) {
	e.stdin.WriteString(cmd + "\n")
	e.stdin.Flush()
}

func (e *UCIEngine) waitForToken(expected string) bool {
	for e.stdout.Scan() {
		if strings.Contains(e.stdout.Text(), expected) {
			return true
		}
	}
	return false
}

// Analyse evaluates a position at the given depth, returning up to multipv
// ranked lines. Lines are ordered best first.
func (e *UCIEngine) Analyse(fen string, depth, multipv int) ([]EvaluationInfo, error) {
	if depth < 1 {
		depth = 1
	}
	if multipv < 1 {
		multipv = 1
	}

	e.sendCommand(fmt.Sprintf("setoption name MultiPV value %d", multipv))
	e.sendCommand(fmt.Sprintf("position fen %s", fen))
	e.sendCommand(fmt.Sprintf("go depth %d", depth))

	lines := make(map[int]EvaluationInfo)
	sawBestMove := false
	for e.stdout.Scan() {
		line := e.stdout.Text()
		if strings.HasPrefix(line, "bestmove") {
			sawBestMove = true
			break
		}
		if !strings.HasPrefix(line, "info") {
			continue
		}
		info, rank, ok := parseInfoLine(line)
		if !ok {
			continue
		}
		// Keep the deepest report per rank; the engine emits one per depth.
		if prev, exists := lines[rank]; !exists || info.Depth >= prev.Depth {
			lines[rank] = info
		}
	}
	if !sawBestMove {
		return nil, fmt.Errorf("%w: engine stream ended mid-search", ErrEngineUnavailable)
	}

	results := make([]EvaluationInfo, 0, multipv)
	for rank := 1; rank <= multipv; rank++ {
		info, ok := lines[rank]
		if !ok {
			break
		}
		results = append(results, info)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("engine produced no evaluation for %q", fen)
	}
	return results, nil
}

// parseInfoLine extracts the score, depth, multipv rank and pv from a UCI
// "info" line. Returns ok=false for lines without a score (e.g. currmove
// progress reports).
func parseInfoLine(line string) (EvaluationInfo, int, bool) {
	parts := strings.Fields(line)
	info := EvaluationInfo{}
	rank := 1
	hasScore := false
	for i := 0; i < len(parts); i++ {
		switch parts[i] {
		case "depth":
			if i+1 < len(parts) {
				info.Depth, _ = strconv.Atoi(parts[i+1])
			}
		case "multipv":
			if i+1 < len(parts) {
				rank, _ = strconv.Atoi(parts[i+1])
			}
		case "score":
			if i+2 >= len(parts) {
				continue
			}
			value, err := strconv.Atoi(parts[i+2])
			if err != nil {
				continue
			}
			switch parts[i+1] {
			case "cp":
				info.ScoreCP = clampScoreCP(value)
				hasScore = true
			case "mate":
				info.Mate = value
				if value >= 0 {
					info.ScoreCP = mateScoreCP
				} else {
					info.ScoreCP = -mateScoreCP
				}
				hasScore = true
			}
		case "pv":
			info.PV = append([]string(nil), parts[i+1:]...)
			i = len(parts)
		}
	}
	if !hasScore {
		return EvaluationInfo{}, 0, false
	}
	if rank < 1 {
		rank = 1
	}
	return info, rank, true
}

func clampScoreCP(cp int) int {
	if cp > mateScoreCP {
		return mateScoreCP
	}
	if cp < -mateScoreCP {
		return -mateScoreCP
	}
	return cp
}

// Health runs a minimal-depth round trip on the start position.
func (e *UCIEngine) Health() bool {
	_, err := e.Analyse(startPositionFEN, 1, 1)
	return err == nil
}

// Close asks the engine to quit and kills it if it does not exit promptly.
func (e *UCIEngine) Close() error {
	if e.cmd == nil || e.stdin == nil {
		return nil
	}
	e.sendCommand("quit")
	done := make(chan error, 1)
	go func() { done <- e.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		e.log.Warn().Msg("engine did not quit, killing")
		e.kill()
		return <-done
	}
}

func (e *UCIEngine) kill() {
	if e.cmd != nil && e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
	}
}

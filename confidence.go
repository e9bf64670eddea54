package main

// Confidence signals are derived from evaluation deltas only: no engine
// calls, no search. Every signal is optional; when an input is missing the
// signal stays nil rather than being fabricated.

type ConfidenceSignals struct {
	EvalStability *float64 `json:"eval_stability,omitempty"`
	Volatility    *float64 `json:"volatility,omitempty"`
	Horizon       *float64 `json:"horizon,omitempty"`
	Notes         []string `json:"notes,omitempty"`
}

type ConfidenceInputs struct {
	EvalShallowCP *int
	EvalDeepCP    *int
	Top1CP        *int
	Top2CP        *int
	ShallowDepth  int // 0 means unknown
}

const (
	stabilityRampCP  = 120.0
	volatilityRampCP = 80.0
)

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func floatPtr(v float64) *float64 { return &v }

// ComputeConfidenceSignals derives the three bounded heuristics.
//
// Stability: shallow/deep agreement, 1.0 at zero delta, 0.0 at >=120 cp.
// Volatility: spread between the top two candidates on an 80 cp ramp.
// Horizon: risk band keyed off the shallow depth; unknown depth falls back
// to 0.6.
func ComputeConfidenceSignals(in ConfidenceInputs) ConfidenceSignals {
	var signals ConfidenceSignals

	if in.EvalShallowCP != nil && in.EvalDeepCP != nil {
		delta := float64(abs(*in.EvalDeepCP - *in.EvalShallowCP))
		signals.EvalStability = floatPtr(clamp01(1.0 - delta/stabilityRampCP))
	} else {
		signals.Notes = append(signals.Notes, "eval_stability: missing shallow or deep evaluation")
	}

	if in.Top1CP != nil && in.Top2CP != nil {
		spread := float64(abs(*in.Top1CP - *in.Top2CP))
		signals.Volatility = floatPtr(clamp01(spread / volatilityRampCP))
	} else {
		signals.Notes = append(signals.Notes, "volatility: missing second candidate evaluation")
	}

	signals.Horizon = floatPtr(horizonRisk(in.ShallowDepth))
	if in.ShallowDepth <= 0 {
		signals.Notes = append(signals.Notes, "horizon: shallow depth unknown, using default band")
	}

	return signals
}

func horizonRisk(shallowDepth int) float64 {
	switch {
	case shallowDepth <= 0:
		return 0.6
	case shallowDepth <= 6:
		return 1.0
	case shallowDepth <= 10:
		return 0.7
	case shallowDepth <= 14:
		return 0.4
	default:
		return 0.25
	}
}

// DeriveConfidence pulls the inputs out of a finished investigation.
func DeriveConfidence(res *InvestigationResult, shallowDepth int) ConfidenceSignals {
	in := ConfidenceInputs{
		EvalShallowCP: intPtr(res.EvalShallowCP),
		EvalDeepCP:    intPtr(res.EvalDeepCP),
		Top1CP:        intPtr(res.BestMoveDeepEvalCP),
		Top2CP:        res.SecondBestMoveDeepEvalCP,
		ShallowDepth:  shallowDepth,
	}
	return ComputeConfidenceSignals(in)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

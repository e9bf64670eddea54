package main

import (
	"fmt"
	"sort"
	"strings"
)

// Evidence is the compact, canonical reduction of an exploration tree that
// the narration collaborator consumes. Reduction is deterministic: the same
// investigation always yields byte-identical evidence.

type PrimaryClaim struct {
	Move   string   `json:"move"`
	EvalCP int      `json:"eval_cp"`
	Line   []string `json:"line,omitempty"`
}

type RejectedAlternative struct {
	Move       string `json:"move"`
	ShallowCP  int    `json:"shallow_cp"`
	VerifiedCP int    `json:"verified_cp"`
	DropCP     int    `json:"drop_cp"`
	Refutation string `json:"refutation,omitempty"`
}

type Evidence struct {
	PrimaryClaim         PrimaryClaim          `json:"primary_claim"`
	RejectedAlternatives []RejectedAlternative `json:"rejected_alternatives"`
	Threats              []string              `json:"threats"`
	Summary              string                `json:"summary"`
}

// ReduceEvidence folds a finished investigation into evidence form.
func ReduceEvidence(res *InvestigationResult) Evidence {
	evidence := Evidence{
		RejectedAlternatives: []RejectedAlternative{},
		Threats:              []string{},
	}

	evidence.PrimaryClaim = PrimaryClaim{
		Move:   res.BestMoveDeep,
		EvalCP: res.BestMoveDeepEvalCP,
	}
	if res.Tree != nil && res.Tree.DeepEval != nil {
		evidence.PrimaryClaim.Line = append([]string(nil), res.Tree.DeepEval.PV...)
	}

	if res.Tree != nil {
		for _, branch := range res.Tree.Branches {
			if !branch.Overestimated || branch.VerifiedScoreCP == nil {
				continue
			}
			alt := RejectedAlternative{
				Move:       branch.SAN,
				ShallowCP:  branch.ShallowScoreCP,
				VerifiedCP: *branch.VerifiedScoreCP,
				DropCP:     branch.ShallowScoreCP - *branch.VerifiedScoreCP,
			}
			if len(branch.ReplyPV) > 0 {
				alt.Refutation = branch.ReplyPV[0]
			}
			evidence.RejectedAlternatives = append(evidence.RejectedAlternatives, alt)
			if alt.Refutation != "" {
				evidence.Threats = appendUnique(evidence.Threats, alt.Refutation)
			}
		}
	}

	// Largest shallow-to-deep drop first; ties break on move text so the
	// ordering never depends on map iteration or exploration order.
	sort.SliceStable(evidence.RejectedAlternatives, func(i, j int) bool {
		a, b := evidence.RejectedAlternatives[i], evidence.RejectedAlternatives[j]
		if a.DropCP != b.DropCP {
			return a.DropCP > b.DropCP
		}
		return a.Move < b.Move
	})
	sort.Strings(evidence.Threats)

	evidence.Summary = summarize(res, evidence)
	return evidence
}

func summarize(res *InvestigationResult, evidence Evidence) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Best move %s (%s).", res.BestMoveDeep, formatEvalCP(res.BestMoveDeepEvalCP)))
	if res.SecondBestMoveDeep != "" && res.SecondBestMoveDeepEvalCP != nil {
		sb.WriteString(fmt.Sprintf(" Second choice %s (%s).", res.SecondBestMoveDeep, formatEvalCP(*res.SecondBestMoveDeepEvalCP)))
	}
	if len(evidence.RejectedAlternatives) > 0 {
		names := make([]string, 0, len(evidence.RejectedAlternatives))
		for _, alt := range evidence.RejectedAlternatives {
			names = append(names, alt.Move)
		}
		sb.WriteString(fmt.Sprintf(" Shallow search overestimates %s.", strings.Join(names, ", ")))
	}
	if res.IsWinning {
		sb.WriteString(" The side to move is winning.")
	}
	if res.IsCritical {
		sb.WriteString(" The position is critical: only the top choice holds.")
	}
	return sb.String()
}

func appendUnique(items []string, item string) []string {
	for _, existing := range items {
		if existing == item {
			return items
		}
	}
	return append(items, item)
}

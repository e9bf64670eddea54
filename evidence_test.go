package main

import (
	"reflect"
	"strings"
	"testing"
)

func sampleInvestigation() *InvestigationResult {
	d4Verified := -40
	c4Verified := 10
	nf3Verified := 35
	return &InvestigationResult{
		BestMoveDeep:             "e4",
		BestMoveDeepEvalCP:       45,
		SecondBestMoveDeep:       "d4",
		SecondBestMoveDeepEvalCP: intPtr(20),
		IsCritical:               true,
		Tree: &ExplorationTree{
			DeepEval: &EvaluationInfo{ScoreCP: 45, Depth: 16, PV: []string{"e2e4", "e7e5"}},
			Branches: []BranchNode{
				{SAN: "Nf3", ShallowScoreCP: 30, VerifiedScoreCP: &nf3Verified},
				{SAN: "c4", ShallowScoreCP: 80, VerifiedScoreCP: &c4Verified, Overestimated: true, ReplyPV: []string{"e7e5"}},
				{SAN: "d4", ShallowScoreCP: 40, VerifiedScoreCP: &d4Verified, Overestimated: true, ReplyPV: []string{"d7d5"}},
				{SAN: "g3", EvalFailed: true},
			},
		},
	}
}

func TestReduceEvidenceKeepsOnlyOverestimatedBranches(t *testing.T) {
	evidence := ReduceEvidence(sampleInvestigation())

	if evidence.PrimaryClaim.Move != "e4" || evidence.PrimaryClaim.EvalCP != 45 {
		t.Fatalf("unexpected primary claim %+v", evidence.PrimaryClaim)
	}
	if !reflect.DeepEqual(evidence.PrimaryClaim.Line, []string{"e2e4", "e7e5"}) {
		t.Fatalf("primary line should carry the deep pv, got %v", evidence.PrimaryClaim.Line)
	}

	if len(evidence.RejectedAlternatives) != 2 {
		t.Fatalf("only overestimated verified branches qualify, got %+v", evidence.RejectedAlternatives)
	}
	// d4 drops 80, c4 drops 70: largest drop leads.
	if evidence.RejectedAlternatives[0].Move != "d4" || evidence.RejectedAlternatives[0].DropCP != 80 {
		t.Fatalf("expected d4 first with drop 80, got %+v", evidence.RejectedAlternatives[0])
	}
	if evidence.RejectedAlternatives[1].Move != "c4" || evidence.RejectedAlternatives[1].DropCP != 70 {
		t.Fatalf("expected c4 second with drop 70, got %+v", evidence.RejectedAlternatives[1])
	}

	if !reflect.DeepEqual(evidence.Threats, []string{"d7d5", "e7e5"}) {
		t.Fatalf("threats must be the sorted refutation moves, got %v", evidence.Threats)
	}
}

func TestReduceEvidenceSummaryNamesTheFindings(t *testing.T) {
	evidence := ReduceEvidence(sampleInvestigation())
	for _, want := range []string{
		"Best move e4 (+0.45).",
		"Second choice d4 (+0.20).",
		"overestimates d4, c4",
		"critical",
	} {
		if !strings.Contains(evidence.Summary, want) {
			t.Fatalf("summary missing %q: %q", want, evidence.Summary)
		}
	}
}

func TestReduceEvidenceIsDeterministic(t *testing.T) {
	first := ReduceEvidence(sampleInvestigation())
	second := ReduceEvidence(sampleInvestigation())
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("identical investigations must reduce identically")
	}
}

func TestReduceEvidenceBreaksDropTiesByMove(t *testing.T) {
	bVerified := 0
	aVerified := 0
	res := &InvestigationResult{
		BestMoveDeep:       "e4",
		BestMoveDeepEvalCP: 45,
		Tree: &ExplorationTree{
			Branches: []BranchNode{
				{SAN: "b3", ShallowScoreCP: 70, VerifiedScoreCP: &bVerified, Overestimated: true},
				{SAN: "a3", ShallowScoreCP: 70, VerifiedScoreCP: &aVerified, Overestimated: true},
			},
		},
	}
	evidence := ReduceEvidence(res)
	if evidence.RejectedAlternatives[0].Move != "a3" {
		t.Fatalf("equal drops order by move text, got %+v", evidence.RejectedAlternatives)
	}
}

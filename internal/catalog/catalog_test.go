// Copyright 2025 James Ross
package catalog

import "testing"

func TestPhasesDescendingPriority(t *testing.T) {
	ordered := PhasesDescendingPriority()
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1].Priority < ordered[i].Priority {
			t.Fatalf("phases not descending: %v before %v", ordered[i-1], ordered[i])
		}
	}
}

func TestJobPriorityWeighting(t *testing.T) {
	hi := JobPriority(JobPriorityInput{Geography: LevelNation, Variables: []string{"B01003_001E"}, Phase: PhaseFoundation})
	lo := JobPriority(JobPriorityInput{Geography: LevelBlockGroup, Variables: []string{"B15003_022E"}, Phase: PhaseDetailed})
	if hi <= lo {
		t.Fatalf("expected nation/foundation priority %d > block_group/detailed priority %d", hi, lo)
	}
}

func TestEstimateRecordsClampedByFilter(t *testing.T) {
	full := EstimateRecords(LevelCounty, nil)
	if full != 3144 {
		t.Fatalf("expected full county estimate 3144, got %d", full)
	}
	clamped := EstimateRecords(LevelCounty, []string{"06037", "06059"})
	if clamped != 2 {
		t.Fatalf("expected clamped estimate 2, got %d", clamped)
	}
}

func TestDependenciesSatisfied(t *testing.T) {
	terminal := map[PhaseName]bool{PhaseFoundation: true}
	ok := DependenciesSatisfied([]PhaseName{PhaseFoundation}, func(p PhaseName) bool { return terminal[p] })
	if !ok {
		t.Fatal("expected dependencies satisfied")
	}
	ok = DependenciesSatisfied([]PhaseName{PhaseExpansion}, func(p PhaseName) bool { return terminal[p] })
	if ok {
		t.Fatal("expected dependencies unsatisfied for incomplete phase")
	}
}

func TestValidateDAGPasses(t *testing.T) {
	if err := ValidateDAG(); err != nil {
		t.Fatalf("expected valid DAG, got %v", err)
	}
}

package workflow

import "testing"

func TestBuildPlanGroupsIndependentStepsInOneWave(t *testing.T) {
	def := Definition{
		Name: "fanout",
		Steps: []Step{
			{ID: "a", Assignee: "alice"},
			{ID: "b", Assignee: "bob"},
		},
	}
	plan, err := BuildPlan(def)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if len(plan.Waves) != 1 || len(plan.Waves[0]) != 2 {
		t.Fatalf("Waves = %+v, want one wave of two steps", plan.Waves)
	}
}

func TestBuildPlanOrdersDependentStepsIntoLaterWaves(t *testing.T) {
	def := Definition{
		Name: "chain",
		Steps: []Step{
			{ID: "a", Assignee: "alice"},
			{ID: "b", Assignee: "bob", DependsOn: []string{"a"}},
			{ID: "c", Assignee: "carol", DependsOn: []string{"b"}},
		},
	}
	plan, err := BuildPlan(def)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if len(plan.Waves) != 3 {
		t.Fatalf("len(Waves) = %d, want 3", len(plan.Waves))
	}
	if plan.Waves[0][0].ID != "a" || plan.Waves[1][0].ID != "b" || plan.Waves[2][0].ID != "c" {
		t.Fatalf("unexpected wave order: %+v", plan.Waves)
	}
}

func TestBuildPlanRejectsUnknownDependency(t *testing.T) {
	def := Definition{
		Name:  "broken",
		Steps: []Step{{ID: "a", Assignee: "alice", DependsOn: []string{"ghost"}}},
	}
	if _, err := BuildPlan(def); err == nil {
		t.Fatal("expected error for dependency on unknown step")
	}
}

func TestBuildPlanRejectsDuplicateStepID(t *testing.T) {
	def := Definition{
		Name: "dupes",
		Steps: []Step{
			{ID: "a", Assignee: "alice"},
			{ID: "a", Assignee: "bob"},
		},
	}
	if _, err := BuildPlan(def); err == nil {
		t.Fatal("expected error for duplicate step id")
	}
}

func TestBuildPlanRejectsCycle(t *testing.T) {
	def := Definition{
		Name: "cycle",
		Steps: []Step{
			{ID: "a", Assignee: "alice", DependsOn: []string{"b"}},
			{ID: "b", Assignee: "bob", DependsOn: []string{"a"}},
		},
	}
	if _, err := BuildPlan(def); err == nil {
		t.Fatal("expected error for dependency cycle")
	}
}

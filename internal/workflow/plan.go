// Package workflow implements the DAG-based workflow engine (spec
// §4.9): a workflow definition is a set of steps with dependencies,
// topologically sorted into "waves" (every step in a wave depends only
// on earlier waves) and then run one step at a time, in wave order, so
// the executor can poll its cancel token between every step. Grounded
// on coordinator/{plan,executor,waiter}.go's Kahn's-algorithm topoSort
// and Executor.Execute/Waiter.WaitForTask shape.
package workflow

import (
	"fmt"
)

// Step is one node in a workflow definition's DAG.
type Step struct {
	ID        string   `yaml:"id" json:"id"`
	Assignee  string   `yaml:"assignee" json:"assignee"`
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	RunCommands []string `yaml:"run_commands,omitempty" json:"run_commands,omitempty"`
}

// Definition is a full workflow definition, as loaded from YAML and
// schema-validated (spec §4.9 "workflow yaml definitions").
type Definition struct {
	Name     string `yaml:"name" json:"name"`
	Schedule string `yaml:"schedule,omitempty" json:"schedule,omitempty"` // cron expression, supplemental
	Steps    []Step `yaml:"steps" json:"steps"`
}

// Plan is a Definition's steps grouped into execution waves: every
// step in wave[i] depends only on steps in wave[0..i-1].
type Plan struct {
	Definition Definition
	Waves      [][]Step
}

// BuildPlan topologically sorts a Definition's steps into waves using
// Kahn's algorithm, the same approach as coordinator/plan.go's
// topoSort. Returns an error if the DAG has a cycle or references an
// unknown step ID.
func BuildPlan(def Definition) (Plan, error) {
	byID := make(map[string]Step, len(def.Steps))
	for _, s := range def.Steps {
		if _, dup := byID[s.ID]; dup {
			return Plan{}, fmt.Errorf("duplicate step id %q", s.ID)
		}
		byID[s.ID] = s
	}
	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return Plan{}, fmt.Errorf("step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}

	inDegree := make(map[string]int, len(def.Steps))
	dependents := make(map[string][]string, len(def.Steps))
	for _, s := range def.Steps {
		inDegree[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var waves [][]Step
	remaining := len(def.Steps)
	for remaining > 0 {
		var wave []Step
		for _, s := range def.Steps {
			if inDegree[s.ID] == 0 {
				wave = append(wave, s)
			}
		}
		if len(wave) == 0 {
			return Plan{}, fmt.Errorf("workflow %q has a dependency cycle", def.Name)
		}
		waves = append(waves, wave)
		for _, s := range wave {
			inDegree[s.ID] = -1 // mark visited, exclude from future waves
			remaining--
			for _, dependent := range dependents[s.ID] {
				inDegree[dependent]--
			}
		}
	}
	return Plan{Definition: def, Waves: waves}, nil
}

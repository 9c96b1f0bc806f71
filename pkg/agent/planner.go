package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/calyptra/drover/pkg/types"
)

// taskKeywords drives the rules-based goal matcher. No LLM is involved
// in planning; plans are deterministic for a given goal and directive.
var taskKeywords = map[string][]string{
	types.TaskLogTriage:       {"log", "logs", "triage", "analyze", "error", "warning", "event"},
	types.TaskGPUReport:       {"gpu", "nvidia", "vram", "utilization", "memory", "video", "graphics"},
	types.TaskServiceMap:      {"service", "map", "network", "container", "port", "connection", "expose"},
	types.TaskRepoCopilotPlan: {"repo", "repository", "plan", "branch", "refactor", "change", "code"},
}

const (
	// maxPlannedTasks bounds plan length regardless of goal breadth.
	maxPlannedTasks = 5

	// interStepWaitSeconds is the pause inserted between task calls.
	interStepWaitSeconds = 2
)

// Plan converts an operator goal into an ordered step list constrained
// to the directive's task list. Tasks are ranked by keyword hits in the
// goal; with no hits the first allowed task is used. Wait steps are
// interleaved between consecutive task calls and step indices are
// contiguous from zero.
func Plan(goal string, directive types.DirectiveSnapshot) ([]*types.AgentStep, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, fmt.Errorf("%w: goal cannot be empty", types.ErrValidation)
	}

	allowed := directive.TaskList
	if len(allowed) == 0 {
		allowed = []string{types.TaskLogTriage, types.TaskGPUReport, types.TaskServiceMap}
	}

	goalLower := strings.ToLower(goal)
	type scored struct {
		taskKey string
		score   int
	}
	ranked := make([]scored, 0, len(allowed))
	for _, taskKey := range allowed {
		score := 0
		for _, kw := range taskKeywords[taskKey] {
			if strings.Contains(goalLower, kw) {
				score++
			}
		}
		ranked = append(ranked, scored{taskKey, score})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	var planTasks []string
	for _, r := range ranked {
		if r.score > 0 {
			planTasks = append(planTasks, r.taskKey)
		}
	}
	if len(planTasks) == 0 {
		planTasks = []string{allowed[0]}
	}
	if len(planTasks) > maxPlannedTasks {
		planTasks = planTasks[:maxPlannedTasks]
	}

	var steps []*types.AgentStep
	for i, taskKey := range planTasks {
		if i > 0 {
			steps = append(steps, &types.AgentStep{
				Type:   types.StepWait,
				Status: types.StepPending,
				Inputs: map[string]any{"seconds": interStepWaitSeconds},
			})
		}
		steps = append(steps, &types.AgentStep{
			Type:    types.StepTaskCall,
			TaskKey: taskKey,
			Status:  types.StepPending,
			Inputs:  map[string]any{"goal": goal},
		})
	}
	for i, step := range steps {
		step.StepIndex = i
	}
	return steps, nil
}

// ValidatePlan checks a plan against its directive: non-empty,
// contiguous indices, and task calls restricted to the allowed list.
func ValidatePlan(steps []*types.AgentStep, directive types.DirectiveSnapshot) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: empty plan", types.ErrValidation)
	}
	allowed := make(map[string]bool, len(directive.TaskList))
	for _, t := range directive.TaskList {
		allowed[t] = true
	}
	for i, step := range steps {
		if step.StepIndex != i {
			return fmt.Errorf("%w: step indices not contiguous at %d", types.ErrValidation, i)
		}
		if step.Type == types.StepTaskCall && len(allowed) > 0 && !allowed[step.TaskKey] {
			return fmt.Errorf("%w: task %q not permitted by directive", types.ErrValidation, step.TaskKey)
		}
	}
	return nil
}

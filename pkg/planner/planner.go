// Package planner expands flows into the ordered tasks of a job.
package planner

import (
	"errors"
	"fmt"
	"time"

	"github.com/dukex/devicefarm/pkg/models"
	"github.com/dukex/devicefarm/pkg/services"
	"github.com/dukex/devicefarm/pkg/template"
	"github.com/google/uuid"
)

var (
	ErrFlowCycle = fmt.Errorf("%w: flow edges form a cycle", services.ErrInvalidRequest)
	ErrEmptyFlow = fmt.Errorf("%w: %w", services.ErrInvalidRequest, models.ErrEmptyFlow)

	ErrInvalidTemplate = fmt.Errorf("%w: node config template", services.ErrInvalidRequest)
)

// TaskSpec is one planned node iteration.
type TaskSpec struct {
	NodeID      string
	NodeType    string
	Iteration   int
	Sequence    int
	Input       map[string]any
	DelayBefore time.Duration
	// Skipped marks the placeholder of a node whose condition evaluated false.
	Skipped bool
}

// Input is the job environment the flow is planned against.
type Input struct {
	Record map[string]any
	Job    map[string]any
	// Variables are the records of the variable source collection, if any.
	// Iteration i receives Variables[(i-1) mod len(Variables)].
	Variables []map[string]any
}

func (in Input) vars(iteration int) map[string]any {
	if len(in.Variables) == 0 {
		return map[string]any{}
	}

	return in.Variables[(iteration-1)%len(in.Variables)]
}

func (in Input) env(iteration int) map[string]any {
	record := in.Record
	if record == nil {
		record = map[string]any{}
	}

	job := in.Job
	if job == nil {
		job = map[string]any{}
	}

	return map[string]any{"record": record, "job": job, "vars": in.vars(iteration)}
}

// Plan walks the flow nodes in execution order and emits one TaskSpec per
// node per iteration. Iterations of a node are emitted together before the
// next node; a node gated by a false condition yields a single skipped
// placeholder. Sequences start at 1.
func Plan(flow *models.Flow, config models.CampaignFlow, in Input) ([]TaskSpec, error) {
	nodes, err := Order(flow)
	if err != nil {
		return nil, err
	}

	iterations := config.Iterations()
	delay := time.Duration(config.DelayBetweenRepeats) * time.Second
	specs := make([]TaskSpec, 0, len(nodes)*iterations)
	sequence := 0

	for _, node := range nodes {
		include, err := included(node.ID, config.Conditions, in.env(1))
		if err != nil {
			return nil, fmt.Errorf("flow %s node %s: %w", flow.ID, node.ID, err)
		}

		if !include {
			sequence++
			specs = append(specs, TaskSpec{
				NodeID:    node.ID,
				NodeType:  node.Type,
				Iteration: 1,
				Sequence:  sequence,
				Skipped:   true,
			})

			continue
		}

		for iteration := 1; iteration <= iterations; iteration++ {
			sequence++

			env := in.env(iteration)
			env["iteration"] = iteration

			config, err := template.RenderConfig(node.Config, env)
			if err != nil {
				return nil, fmt.Errorf("%w: flow %s node %s: %w", ErrInvalidTemplate, flow.ID, node.ID, err)
			}

			spec := TaskSpec{
				NodeID:    node.ID,
				NodeType:  node.Type,
				Iteration: iteration,
				Sequence:  sequence,
				Input: map[string]any{
					"config":    config,
					"record":    in.Record,
					"vars":      in.vars(iteration),
					"iteration": iteration,
				},
			}

			if iteration > 1 {
				spec.DelayBefore = delay
			}

			specs = append(specs, spec)
		}
	}

	return specs, nil
}

func included(nodeID string, conditions []models.Condition, env map[string]any) (bool, error) {
	for _, condition := range conditions {
		if !condition.AppliesTo(nodeID) {
			continue
		}

		ok, err := condition.Evaluate(env)
		if err != nil {
			return false, err
		}

		if !ok {
			return false, nil
		}
	}

	return true, nil
}

// Order returns the flow nodes in execution order: a topological order of
// the edges, ties broken by definition order. Without edges this is the
// definition order itself.
func Order(flow *models.Flow) ([]*models.FlowNode, error) {
	err := flow.Validate()
	if err != nil {
		if errors.Is(err, models.ErrEmptyFlow) {
			return nil, fmt.Errorf("flow %s: %w", flow.ID, ErrEmptyFlow)
		}

		return nil, fmt.Errorf("%w: %w", services.ErrInvalidRequest, err)
	}

	index := make(map[string]int, len(flow.Nodes))
	for i, node := range flow.Nodes {
		index[node.ID] = i
	}

	indegree := make([]int, len(flow.Nodes))
	next := make([][]int, len(flow.Nodes))

	for _, edge := range flow.Edges {
		source, target := index[edge.Source], index[edge.Target]
		next[source] = append(next[source], target)
		indegree[target]++
	}

	done := make([]bool, len(flow.Nodes))
	ordered := make([]*models.FlowNode, 0, len(flow.Nodes))

	for len(ordered) < len(flow.Nodes) {
		pick := -1

		for i := range flow.Nodes {
			if !done[i] && indegree[i] == 0 {
				pick = i

				break
			}
		}

		if pick < 0 {
			return nil, fmt.Errorf("flow %s: %w", flow.ID, ErrFlowCycle)
		}

		done[pick] = true
		ordered = append(ordered, flow.Nodes[pick])

		for _, target := range next[pick] {
			indegree[target]--
		}
	}

	return ordered, nil
}

// Step is one flow of a job with its campaign configuration.
type Step struct {
	Flow   *models.Flow
	Config models.CampaignFlow
	Input  Input
}

// Build materializes the items and tasks of job, one item per step in the
// given order, and assigns their identifiers. Counters are left to the job
// state machine.
func Build(job *models.WorkflowJob, steps []Step) (*models.JobTree, error) {
	if job.ID == "" {
		id, err := newID()
		if err != nil {
			return nil, err
		}

		job.ID = id
	}

	tree := &models.JobTree{Job: job}

	for i, step := range steps {
		specs, err := Plan(step.Flow, step.Config, step.Input)
		if err != nil {
			return nil, err
		}

		itemID, err := newID()
		if err != nil {
			return nil, err
		}

		tree.Items = append(tree.Items, &models.JobWorkflowItem{
			ID:                itemID,
			JobID:             job.ID,
			FlowID:            step.Flow.ID,
			Sequence:          i + 1,
			IterationStrategy: step.Config.Strategy(),
			Status:            models.StatusPending,
		})

		for _, spec := range specs {
			taskID, err := newID()
			if err != nil {
				return nil, err
			}

			task := &models.JobTask{
				ID:          taskID,
				JobID:       job.ID,
				ItemID:      itemID,
				NodeID:      spec.NodeID,
				NodeType:    spec.NodeType,
				Iteration:   spec.Iteration,
				Sequence:    spec.Sequence,
				Status:      models.StatusPending,
				Input:       spec.Input,
				DelayBefore: spec.DelayBefore,
			}

			if spec.Skipped {
				task.Status = models.StatusSkipped
				task.Placeholder = true
			}

			tree.Tasks = append(tree.Tasks, task)
		}
	}

	return tree, nil
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}

	return id.String(), nil
}

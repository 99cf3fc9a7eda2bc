package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"time"

	"github.com/tmshq/tms/internal/allocation"
	"github.com/tmshq/tms/internal/execution"
	"github.com/tmshq/tms/internal/logr"
	"github.com/tmshq/tms/internal/pubsub"
	"github.com/tmshq/tms/internal/resource"
	"github.com/tmshq/tms/internal/rule"
)

// defaultAssignInterval is how often the assigner re-evaluates the queue
// absent any event; a safety net against missed events.
const defaultAssignInterval = 10 * time.Second

type (
	// assigner binds queued executions to eligible runners. Only one
	// assigner must be active on a tms cluster at any one time; per-runner
	// capacity is enforced transactionally by the allocation tracker, so a
	// second assigner cannot overshoot capacity, only waste work.
	assigner struct {
		logr.Logger

		executions assignerExecutionClient
		runners    assignerRunnerClient
		rules      assignerRuleClient

		interval time.Duration
		// next runner index per round-robin rule
		roundRobin map[resource.ID]int
	}

	assignerExecutionClient interface {
		Watch(name string) (<-chan pubsub.Event[*execution.Execution], func())
		ListQueued(ctx context.Context) ([]*execution.Execution, error)
		Allocate(ctx context.Context, executionID, runnerID resource.ID) (*execution.Execution, error)
	}

	assignerRunnerClient interface {
		Watch(name string) (<-chan pubsub.Event[*Runner], func())
		ListEligible(ctx context.Context) ([]*Runner, error)
	}

	assignerRuleClient interface {
		ListActive(ctx context.Context) ([]*rule.Rule, error)
	}
)

func newAssigner(logger logr.Logger, executions assignerExecutionClient, runners assignerRunnerClient, rules assignerRuleClient, interval time.Duration) *assigner {
	if interval <= 0 {
		interval = defaultAssignInterval
	}
	return &assigner{
		Logger:     logger.WithValues("component", "assigner"),
		executions: executions,
		runners:    runners,
		rules:      rules,
		interval:   interval,
		roundRobin: make(map[resource.ID]int),
	}
}

// Start runs the assigner until the context is cancelled: an assignment pass
// over the queue on every execution or runner event, and on a periodic tick.
// Should be invoked in a go routine.
func (a *assigner) Start(ctx context.Context) error {
	execSub, execUnsub := a.executions.Watch("assigner-")
	defer execUnsub()
	runnerSub, runnerUnsub := a.runners.Watch("assigner-")
	defer runnerUnsub()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	// initial pass picks up executions queued before the assigner started
	if err := a.assignAll(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, open := <-execSub:
			if !open {
				return pubsub.ErrSubscriptionTerminated
			}
		case _, open := <-runnerSub:
			if !open {
				return pubsub.ErrSubscriptionTerminated
			}
		case <-ticker.C:
		}
		if err := a.assignAll(ctx); err != nil {
			return err
		}
	}
}

// assignAll makes one assignment pass over the queue. Executions that cannot
// be assigned stay queued for the next pass; that is backpressure, not an
// error.
func (a *assigner) assignAll(ctx context.Context) error {
	queued, err := a.executions.ListQueued(ctx)
	if err != nil {
		return fmt.Errorf("listing queued executions: %w", err)
	}
	if len(queued) == 0 {
		return nil
	}
	runners, err := a.runners.ListEligible(ctx)
	if err != nil {
		return fmt.Errorf("listing eligible runners: %w", err)
	}
	rules, err := a.rules.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("listing active rules: %w", err)
	}
	for _, e := range queued {
		selected := a.selectRunner(e, runners, rules)
		if selected == nil {
			continue
		}
		_, err := a.executions.Allocate(ctx, e.ID, selected.ID)
		switch {
		case errors.Is(err, allocation.ErrRunnerAtCapacity), errors.Is(err, allocation.ErrRunnerIneligible):
			// lost a race with another allocation; leave queued
			a.V(1).Info("runner no longer available", "execution", e, "runner", selected)
			continue
		case err != nil:
			a.Error(err, "assigning execution", "execution", e, "runner", selected)
			continue
		}
		// track capacity consumed in this pass so a later execution does not
		// pick an exhausted runner
		selected.CurrentJobs++
	}
	return nil
}

// selectRunner picks a runner for an execution, or nil to leave it queued:
// an eligible pinned runner wins, then the first matching active rule's
// strategy, then the eligible runner with the most free capacity.
func (a *assigner) selectRunner(e *execution.Execution, runners []*Runner, rules []*rule.Rule) *Runner {
	candidates := make([]*Runner, 0, len(runners))
	for _, r := range runners {
		if !r.Eligible() || r.FreeCapacity() < 1 {
			continue
		}
		if e.RequestedRunnerType != nil && r.Type != *e.RequestedRunnerType {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil
	}

	// a pin names one runner: it is used if and only if eligible, otherwise
	// the execution stays queued rather than being silently reassigned
	if e.RequestedRunnerID != nil {
		return findRunner(candidates, *e.RequestedRunnerID)
	}

	for _, r := range rules {
		if !r.Matches(e.TestSuite, e.Environment) {
			continue
		}
		matching := make([]*Runner, 0, len(candidates))
		for _, c := range candidates {
			if r.MatchesRunnerType(c.Type) {
				matching = append(matching, c)
			}
		}
		if selected := a.applyRule(r, matching); selected != nil {
			return selected
		}
		if r.Type == rule.Pinned && !r.Config.Advisory {
			// strict pin with an ineligible target: stay queued
			return nil
		}
		// advisory rule could not produce a runner; fall back
		break
	}

	return mostFreeCapacity(candidates)
}

func (a *assigner) applyRule(r *rule.Rule, matching []*Runner) *Runner {
	if len(matching) == 0 {
		return nil
	}
	switch r.Type {
	case rule.Pinned:
		return findRunner(matching, *r.Config.RunnerID)
	case rule.RoundRobin:
		next := a.roundRobin[r.ID] % len(matching)
		a.roundRobin[r.ID] = next + 1
		return matching[next]
	case rule.Weighted:
		return weighted(matching)
	default:
		a.Error(nil, "unknown rule type", "rule", r)
		return nil
	}
}

func findRunner(candidates []*Runner, id resource.ID) *Runner {
	for _, c := range candidates {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// mostFreeCapacity returns the runner with the largest free capacity, ties
// broken by priority descending then id ascending for determinism.
func mostFreeCapacity(candidates []*Runner) *Runner {
	sorted := slices.Clone(candidates)
	slices.SortFunc(sorted, func(a, b *Runner) int {
		if n := b.FreeCapacity() - a.FreeCapacity(); n != 0 {
			return n
		}
		if n := b.Priority - a.Priority; n != 0 {
			return n
		}
		return a.ID.Compare(b.ID)
	})
	return sorted[0]
}

// weighted picks a runner with probability proportional to its priority.
func weighted(candidates []*Runner) *Runner {
	total := 0
	for _, c := range candidates {
		if c.Priority > 0 {
			total += c.Priority
		}
	}
	if total == 0 {
		return mostFreeCapacity(candidates)
	}
	n := rand.Intn(total)
	for _, c := range candidates {
		if c.Priority <= 0 {
			continue
		}
		n -= c.Priority
		if n < 0 {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

package execution

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmshq/tms/internal"
	"github.com/tmshq/tms/internal/logr"
	"github.com/tmshq/tms/internal/pubsub"
	"github.com/tmshq/tms/internal/resource"
)

// fakeStore is an in-memory store for service tests.
type fakeStore struct {
	executions map[resource.ID]*Execution
	// shard executions per parent
	links map[resource.ID][]shardLink
}

type shardLink struct {
	index int
	id    resource.ID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		executions: make(map[resource.ID]*Execution),
		links:      make(map[resource.ID][]shardLink),
	}
}

func (f *fakeStore) Tx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func (f *fakeStore) create(ctx context.Context, e *Execution) error {
	if _, ok := f.executions[e.ID]; ok {
		return internal.ErrResourceAlreadyExists
	}
	f.executions[e.ID] = e
	return nil
}

func (f *fakeStore) get(ctx context.Context, id resource.ID) (*Execution, error) {
	e, ok := f.executions[id]
	if !ok {
		return nil, internal.ErrResourceNotFound
	}
	return e, nil
}

func (f *fakeStore) list(ctx context.Context, opts ListOptions) ([]*Execution, error) {
	var out []*Execution
	for _, e := range f.executions {
		if opts.Status != nil && e.Status != *opts.Status {
			continue
		}
		if opts.Environment != nil && e.Environment != *opts.Environment {
			continue
		}
		if opts.TestSuite != nil && e.TestSuite != *opts.TestSuite {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeStore) listQueued(ctx context.Context) ([]*Execution, error) {
	var out []*Execution
	for _, e := range f.executions {
		if e.Status == Queued && !e.IsParent() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) listExpired(ctx context.Context, now time.Time) ([]*Execution, error) {
	var out []*Execution
	for _, e := range f.executions {
		if e.Status == Running && e.TimeoutAt != nil && e.TimeoutAt.Before(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) queuedAge(ctx context.Context, now time.Time) (float64, error) {
	var sum float64
	var n int
	for _, e := range f.executions {
		if e.Status == Queued {
			sum += now.Sub(e.CreatedAt).Seconds()
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

func (f *fakeStore) update(ctx context.Context, id resource.ID, fn func(context.Context, *Execution) error) (*Execution, error) {
	e, err := f.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (f *fakeStore) insertShard(ctx context.Context, parentID resource.ID, index int, shardID resource.ID) error {
	f.links[parentID] = append(f.links[parentID], shardLink{index: index, id: shardID})
	return nil
}

func (f *fakeStore) listShards(ctx context.Context, parentID resource.ID) ([]*Shard, error) {
	links := slices.Clone(f.links[parentID])
	slices.SortFunc(links, func(a, b shardLink) int { return a.index - b.index })
	shards := make([]*Shard, len(links))
	for i, link := range links {
		e, err := f.get(ctx, link.id)
		if err != nil {
			return nil, err
		}
		shards[i] = &Shard{Execution: *e, ShardIndex: link.index}
	}
	return shards, nil
}

func (f *fakeStore) shardBelongsTo(ctx context.Context, parentID, shardID resource.ID) (bool, error) {
	for _, link := range f.links[parentID] {
		if link.id == shardID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) parentOf(ctx context.Context, shardID resource.ID) (resource.ID, bool, error) {
	for parentID, links := range f.links {
		for _, link := range links {
			if link.id == shardID {
				return parentID, true, nil
			}
		}
	}
	return resource.EmptyID, false, nil
}

type fakeAllocations struct {
	allocated map[resource.ID]resource.ID
	released  []resource.ID
}

func (f *fakeAllocations) Allocate(ctx context.Context, runnerID, executionID resource.ID) error {
	f.allocated[executionID] = runnerID
	return nil
}

func (f *fakeAllocations) Release(ctx context.Context, executionID resource.ID) error {
	f.released = append(f.released, executionID)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeStore, *fakeAllocations) {
	t.Helper()
	store := newFakeStore()
	allocations := &fakeAllocations{allocated: make(map[resource.ID]resource.ID)}
	svc := &Service{
		Logger:      logr.Discard(),
		db:          store,
		broker:      pubsub.NewBroker[*Execution](logr.Discard()),
		allocations: allocations,
	}
	svc.api = &apiHandlers{svc}
	return svc, store, allocations
}

// drainEvents returns the number of buffered events of the given type for
// the given execution.
func drainEvents(sub <-chan pubsub.Event[*Execution], eventType pubsub.EventType, id resource.ID) int {
	var n int
	for {
		select {
		case event := <-sub:
			if event.Type == eventType && event.Payload.ID == id {
				n++
			}
		default:
			return n
		}
	}
}

func TestService_Cancel(t *testing.T) {
	ctx := context.Background()
	runnerID := resource.NewID(resource.RunnerKind)

	t.Run("cancelling an assigned execution releases its allocation", func(t *testing.T) {
		svc, _, allocations := newTestService(t)
		e, err := svc.Create(ctx, CreateOptions{TestSuite: "smoke", Environment: "staging"})
		require.NoError(t, err)
		_, err = svc.Allocate(ctx, e.ID, runnerID)
		require.NoError(t, err)

		cancelled, err := svc.Cancel(ctx, e.ID)
		require.NoError(t, err)

		assert.Equal(t, Cancelled, cancelled.Status)
		assert.Nil(t, cancelled.AssignedRunnerID)
		assert.Equal(t, []resource.ID{e.ID}, allocations.released)
	})

	t.Run("cancelling a queued execution holds no allocation", func(t *testing.T) {
		svc, _, allocations := newTestService(t)
		e, err := svc.Create(ctx, CreateOptions{TestSuite: "smoke", Environment: "staging"})
		require.NoError(t, err)

		cancelled, err := svc.Cancel(ctx, e.ID)
		require.NoError(t, err)

		assert.Equal(t, Cancelled, cancelled.Status)
		assert.Empty(t, allocations.released)
	})

	t.Run("cancelling a terminal execution fails", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		e, err := svc.Create(ctx, CreateOptions{TestSuite: "smoke", Environment: "staging"})
		require.NoError(t, err)
		_, err = svc.Cancel(ctx, e.ID)
		require.NoError(t, err)

		_, err = svc.Cancel(ctx, e.ID)
		assert.ErrorIs(t, err, internal.ErrInvalidStateTransition)
	})
}

func TestService_Finish_idempotent(t *testing.T) {
	ctx := context.Background()
	runnerID := resource.NewID(resource.RunnerKind)

	svc, _, allocations := newTestService(t)
	e, err := svc.Create(ctx, CreateOptions{TestSuite: "smoke", Environment: "staging"})
	require.NoError(t, err)
	_, err = svc.Allocate(ctx, e.ID, runnerID)
	require.NoError(t, err)
	_, err = svc.Start(ctx, e.ID)
	require.NoError(t, err)

	sub, unsub := svc.Watch("test-")
	defer unsub()

	finished, err := svc.Finish(ctx, e.ID, Completed, &Results{Total: 1, Passed: 1})
	require.NoError(t, err)
	require.NotNil(t, finished)

	// redelivery: no state change, no second event, no double release
	again, err := svc.Finish(ctx, e.ID, Completed, &Results{Total: 1, Passed: 1})
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Equal(t, 1, drainEvents(sub, pubsub.ExecutionCompleted, e.ID))
	assert.Equal(t, []resource.ID{e.ID}, allocations.released)
}

func TestService_Retry(t *testing.T) {
	ctx := context.Background()

	t.Run("terminal execution is requeued with lineage", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		e, err := svc.Create(ctx, CreateOptions{TestSuite: "smoke", Environment: "staging"})
		require.NoError(t, err)
		_, err = svc.Cancel(ctx, e.ID)
		require.NoError(t, err)

		re, err := svc.Retry(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, Queued, re.Status)
		assert.Equal(t, &e.ID, re.RetryOf)
	})

	t.Run("parallel parent is rejected", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		parent, err := svc.Create(ctx, CreateOptions{
			TestSuite:      "smoke",
			Environment:    "staging",
			ParallelShards: 2,
		})
		require.NoError(t, err)
		_, err = svc.Cancel(ctx, parent.ID)
		require.NoError(t, err)

		_, err = svc.Retry(ctx, parent.ID)
		assert.ErrorIs(t, err, internal.ErrExecutionNotRetryable)
	})
}

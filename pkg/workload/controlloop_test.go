package workload

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/orbital/pkg/config"
	"github.com/cuemby/orbital/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter is a minimal runtime.Adapter test double; grounded on the
// package's own exported contract rather than any mocking library, since
// none of the stack's dependencies supply one for Go.
type fakeAdapter struct {
	mu          sync.Mutex
	createCalls int
	createErr   error
	deleteErr   error
	states      map[string]types.ExecutionState
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{states: map[string]types.ExecutionState{}}
}

func (f *fakeAdapter) Create(ctx context.Context, name types.WorkloadInstanceName, spec types.WorkloadSpec, controlInterfacePath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	return "instance-1", nil
}

func (f *fakeAdapter) Start(ctx context.Context, instanceID string) error { return nil }

func (f *fakeAdapter) Delete(ctx context.Context, instanceID string) error {
	return f.deleteErr
}

func (f *fakeAdapter) ListStates(ctx context.Context) (map[string]types.ExecutionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states, nil
}

func (f *fakeAdapter) ListByLabel(ctx context.Context, key, value string) ([]string, error) {
	return nil, nil
}

func (f *fakeAdapter) ListNamesByLabel(ctx context.Context, key, value string) ([]string, error) {
	return nil, nil
}

func (f *fakeAdapter) StoreSidecar(ctx context.Context, name string, data []byte) error { return nil }

func (f *fakeAdapter) ReadSidecar(ctx context.Context, name string) ([]byte, error) { return nil, nil }

func testName() types.WorkloadInstanceName {
	return types.WorkloadInstanceName{WorkloadName: "nginx", ContentHash: "abcd", AgentName: "agent_A"}
}

func collectReports() (StateReporter, func() []types.ExecutionState) {
	var mu sync.Mutex
	var reports []types.ExecutionState
	reporter := func(instanceID string, state types.ExecutionState) {
		mu.Lock()
		defer mu.Unlock()
		reports = append(reports, state)
	}
	getter := func() []types.ExecutionState {
		mu.Lock()
		defer mu.Unlock()
		out := make([]types.ExecutionState, len(reports))
		copy(out, reports)
		return out
	}
	return reporter, getter
}

func TestControlLoopCreateSuccessReportsStarting(t *testing.T) {
	adapter := newFakeAdapter()
	reporter, reports := collectReports()
	loop := New(testName(), adapter, config.DefaultPolicy(), "", reporter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	loop.Send(Create{Spec: types.WorkloadSpec{Name: "nginx"}})
	require.Eventually(t, func() bool { return len(reports()) >= 1 }, time.Second, time.Millisecond)

	assert.Equal(t, types.ExecutionStarting, reports()[0].Kind)
}

func TestControlLoopDeleteSuccessReportsRemovedAndTerminates(t *testing.T) {
	adapter := newFakeAdapter()
	reporter, reports := collectReports()
	loop := New(testName(), adapter, config.DefaultPolicy(), "", reporter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	loop.Send(Create{Spec: types.WorkloadSpec{Name: "nginx"}})
	require.Eventually(t, func() bool { return len(reports()) >= 1 }, time.Second, time.Millisecond)

	loop.Send(Delete{})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("control loop did not terminate after successful delete")
	}

	last := reports()[len(reports())-1]
	assert.Equal(t, types.ExecutionRemoved, last.Kind)
}

func TestControlLoopDeleteFailureRetainsIDAndDoesNotTerminate(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.deleteErr = fmt.Errorf("simulated delete failure")
	reporter, reports := collectReports()
	loop := New(testName(), adapter, config.DefaultPolicy(), "", reporter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	loop.Send(Create{Spec: types.WorkloadSpec{Name: "nginx"}})
	require.Eventually(t, func() bool { return len(reports()) >= 1 }, time.Second, time.Millisecond)

	loop.Send(Delete{})
	time.Sleep(50 * time.Millisecond)

	select {
	case <-done:
		t.Fatal("control loop terminated despite failed delete")
	default:
	}
}

func TestControlLoopRestartsStopAfterMaxRestarts(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.createErr = fmt.Errorf("simulated create failure")
	reporter, reports := collectReports()

	policy := config.Policy{MaxRestarts: 2, RetryWait: time.Millisecond, ListingMaxAge: time.Second}
	loop := New(testName(), adapter, policy, "", reporter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	loop.Send(Create{Spec: types.WorkloadSpec{Name: "nginx"}})

	require.Eventually(t, func() bool {
		adapter.mu.Lock()
		defer adapter.mu.Unlock()
		return adapter.createCalls >= 3 // initial + 2 restarts
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	adapter.mu.Lock()
	finalCalls := adapter.createCalls
	adapter.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	adapter.mu.Lock()
	assert.Equal(t, finalCalls, adapter.createCalls, "restarts must stop once MaxRestarts is exceeded")
	adapter.mu.Unlock()

	for _, r := range reports() {
		assert.Equal(t, types.ExecutionFailed, r.Kind)
	}
}

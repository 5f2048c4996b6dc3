package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lv-tradehook/internal/model"
	"lv-tradehook/internal/venue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	// failTimes bounds how many calls return fail[id]
	failTimes int
	done      chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: map[string]int{}, fail: map[string]error{}, done: make(chan string, 16)}
}

func (r *fakeRunner) Execute(_ context.Context, _ string, job model.Job) (model.OrderResult, error) {
	r.mu.Lock()
	r.calls[job.ID]++
	n := r.calls[job.ID]
	err := r.fail[job.ID]
	r.mu.Unlock()
	if err != nil && (r.failTimes == 0 || n <= r.failTimes) {
		r.done <- job.ID
		return model.OrderResult{}, err
	}
	r.done <- job.ID
	return model.OrderResult{ID: "x"}, nil
}

func (r *fakeRunner) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func fastOpts(maxRequeues int) Options {
	return Options{Workers: 2, MaxRequeues: maxRequeues, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func waitCalls(t *testing.T, r *fakeRunner, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d calls", i, n)
		}
	}
}

func TestEnqueueReturnsIDAndRuns(t *testing.T) {
	r := newFakeRunner()
	q := New(r, fastOpts(3), zaptest.NewLogger(t), nil)
	q.Start(context.Background())

	id, err := q.Enqueue(context.Background(), model.Job{ID: "j1", Venue: "binance", Amount: "1"})
	require.NoError(t, err)
	assert.Equal(t, "j1", id)
	waitCalls(t, r, 1)
	q.Shutdown()
	assert.Equal(t, 1, r.count("j1"))
}

func TestTransientFailuresRequeue(t *testing.T) {
	r := newFakeRunner()
	r.fail["j2"] = venue.NetworkError("binance", errors.New("reset"))
	r.failTimes = 2
	q := New(r, fastOpts(5), zaptest.NewLogger(t), nil)
	q.Start(context.Background())

	_, _ = q.Enqueue(context.Background(), model.Job{ID: "j2", Amount: "1"})
	waitCalls(t, r, 3)
	q.Shutdown()
	assert.Equal(t, 3, r.count("j2"))
}

func TestRequeueLimitAndBusinessErrors(t *testing.T) {
	r := newFakeRunner()
	r.fail["net"] = venue.NetworkError("binance", errors.New("reset"))
	r.fail["biz"] = venue.BusinessError("binance", "insufficient balance")
	q := New(r, fastOpts(2), zaptest.NewLogger(t), nil)
	q.Start(context.Background())

	_, _ = q.Enqueue(context.Background(), model.Job{ID: "net", Amount: "1"})
	_, _ = q.Enqueue(context.Background(), model.Job{ID: "biz", Amount: "1"})
	waitCalls(t, r, 4)
	// give a stray requeue time to show up if the limit were broken
	time.Sleep(50 * time.Millisecond)
	q.Shutdown()
	assert.Equal(t, 3, r.count("net"), "first run plus two requeues")
	assert.Equal(t, 1, r.count("biz"))
}

type ctxRecorder struct {
	mu   sync.Mutex
	errs map[string]error
}

func (r *ctxRecorder) Execute(ctx context.Context, _ string, job model.Job) (model.OrderResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[job.ID] = ctx.Err()
	if err := ctx.Err(); err != nil {
		return model.OrderResult{}, err
	}
	return model.OrderResult{ID: job.ID}, nil
}

func TestShutdownDrainsAfterStartContextCancelled(t *testing.T) {
	r := &ctxRecorder{errs: map[string]error{}}
	q := New(r, fastOpts(3), zaptest.NewLogger(t), nil)
	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(context.Background(), model.Job{ID: id, Amount: "1"})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Start(ctx)
	q.Shutdown()

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.errs, 3)
	for id, err := range r.errs {
		assert.NoError(t, err, "job %s ran with a cancelled context", id)
	}
	assert.Zero(t, q.Len())
}

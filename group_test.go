package coord

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnJoin(t *testing.T) {
	g := NewGroup(context.Background(), Config{Logger: quietLogger()})

	type args struct{ word string }
	got := make(chan string, 2)

	task := func(ctx context.Context, id int, a args) error {
		got <- a.word
		return nil
	}

	h1, err := Spawn(g, task, args{"one"})
	require.NoError(t, err)
	h2, err := Spawn(g, task, args{"two"})
	require.NoError(t, err)

	assert.Equal(t, 1, h1.ID())
	assert.Equal(t, 2, h2.ID())

	assert.NoError(t, h1.Join())
	assert.NoError(t, h2.Join())

	close(got)
	words := []string{}
	for w := range got {
		words = append(words, w)
	}
	assert.ElementsMatch(t, []string{"one", "two"}, words)
}

func TestSpawnArgsAreCopied(t *testing.T) {
	g := NewGroup(context.Background(), Config{Logger: quietLogger()})

	type args struct{ n int }
	a := args{n: 1}
	release := make(chan struct{})
	seen := make(chan int, 1)

	h, err := Spawn(g, func(ctx context.Context, id int, a args) error {
		<-release
		seen <- a.n
		return nil
	}, a)
	require.NoError(t, err)

	a.n = 2
	close(release)

	require.NoError(t, h.Join())
	assert.Equal(t, 1, <-seen)
}

func TestJoinPropagatesTaskError(t *testing.T) {
	g := NewGroup(context.Background(), Config{Logger: quietLogger()})
	sentinel := errors.New("intentional")

	h, err := Spawn(g, func(ctx context.Context, id int, _ struct{}) error {
		return sentinel
	}, struct{}{})
	require.NoError(t, err)

	assert.ErrorIs(t, h.Join(), sentinel)
}

func TestJoinTwiceIsMisuse(t *testing.T) {
	g := NewGroup(context.Background(), Config{Logger: quietLogger()})

	h, err := Spawn(g, func(ctx context.Context, id int, _ struct{}) error {
		return nil
	}, struct{}{})
	require.NoError(t, err)

	require.NoError(t, h.Join())

	err = h.Join()
	assert.ErrorIs(t, err, ErrMisuse)

	var misuse *MisuseError
	if assert.ErrorAs(t, err, &misuse) {
		assert.Equal(t, "join", misuse.Op)
	}
}

func TestJoinRecoversPanic(t *testing.T) {
	g := NewGroup(context.Background(), Config{Logger: quietLogger()})
	cause := errors.New("boom")

	h, err := Spawn(g, func(ctx context.Context, id int, _ struct{}) error {
		panic(cause)
	}, struct{}{})
	require.NoError(t, err)

	err = h.Join()

	var p *PanicError
	require.ErrorAs(t, err, &p)
	assert.Equal(t, 1, p.Worker)
	assert.NotEmpty(t, p.Trace)
	assert.ErrorIs(t, err, cause)
}

func TestGroupWaitJoinsRemaining(t *testing.T) {
	g := NewGroup(context.Background(), Config{Logger: quietLogger()})
	sentinel := errors.New("intentional")

	var ran atomic.Int64
	ok := func(ctx context.Context, id int, _ struct{}) error {
		ran.Add(1)
		return nil
	}
	fail := func(ctx context.Context, id int, _ struct{}) error {
		ran.Add(1)
		return sentinel
	}

	h, err := Spawn(g, ok, struct{}{})
	require.NoError(t, err)
	_, err = Spawn(g, fail, struct{}{})
	require.NoError(t, err)
	_, err = Spawn(g, ok, struct{}{})
	require.NoError(t, err)

	require.NoError(t, h.Join())

	err = g.Wait()
	assert.ErrorIs(t, err, sentinel)
	assert.Contains(t, err.Error(), "worker 2")
	assert.Equal(t, int64(3), ran.Load())

	// Everything is joined now.
	assert.NoError(t, g.Wait())
}

func TestSpawnMaxWorkers(t *testing.T) {
	g := NewGroup(context.Background(), Config{MaxWorkers: 2, Logger: quietLogger()})
	noop := func(ctx context.Context, id int, _ struct{}) error { return nil }

	for i := 0; i < 2; i++ {
		_, err := Spawn(g, noop, struct{}{})
		require.NoError(t, err)
	}

	_, err := Spawn(g, noop, struct{}{})
	assert.ErrorIs(t, err, ErrResourceExhausted)

	assert.NoError(t, g.Wait())
}

func TestSpawnConcurrencyLimit(t *testing.T) {
	const concurrency = 3
	const workers = 12

	g := NewGroup(context.Background(), Config{Concurrency: concurrency, Logger: quietLogger()})

	var active, maxActive atomic.Int64

	for i := 0; i < workers; i++ {
		_, err := Spawn(g, func(ctx context.Context, id int, _ struct{}) error {
			cur := active.Add(1)
			for {
				prev := maxActive.Load()
				if cur <= prev || maxActive.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return nil
		}, struct{}{})
		require.NoError(t, err)
	}

	require.NoError(t, g.Wait())

	assert.LessOrEqual(t, maxActive.Load(), int64(concurrency))
	assert.Greater(t, maxActive.Load(), int64(0))
}

func TestSpawnCanceledWhileWaitingForSlot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := NewGroup(ctx, Config{Concurrency: 1, Logger: quietLogger()})

	release := make(chan struct{})
	_, err := Spawn(g, func(ctx context.Context, id int, _ struct{}) error {
		<-release
		return nil
	}, struct{}{})
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = Spawn(g, func(ctx context.Context, id int, _ struct{}) error { return nil }, struct{}{})
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	assert.NoError(t, g.Wait())
}

func TestSpawnCanceledDoesNotConsumeWorkerBudget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := NewGroup(ctx, Config{MaxWorkers: 2, Concurrency: 1, Logger: quietLogger()})

	release := make(chan struct{})
	h, err := Spawn(g, func(ctx context.Context, id int, _ struct{}) error {
		<-release
		return nil
	}, struct{}{})
	require.NoError(t, err)
	require.Equal(t, 1, h.ID())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = Spawn(g, func(ctx context.Context, id int, _ struct{}) error { return nil }, struct{}{})
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrResourceExhausted)

	g.mu.Lock()
	reserved, spawned := g.reserved, g.spawned
	g.mu.Unlock()

	assert.Equal(t, 1, reserved, "a spawn that never started must give its budget back")
	assert.Equal(t, 1, spawned, "a spawn that never started must not take an identity")

	close(release)
	assert.NoError(t, g.Wait())
}

func TestSpawnIdentitiesFollowStartOrder(t *testing.T) {
	g := NewGroup(context.Background(), Config{MaxWorkers: 3, Concurrency: 1, Logger: quietLogger()})
	noop := func(ctx context.Context, id int, _ struct{}) error { return nil }

	ids := []int{}
	for i := 0; i < 3; i++ {
		h, err := Spawn(g, noop, struct{}{})
		require.NoError(t, err)
		ids = append(ids, h.ID())
	}

	assert.Equal(t, []int{1, 2, 3}, ids)

	_, err := Spawn(g, noop, struct{}{})
	assert.ErrorIs(t, err, ErrResourceExhausted)

	assert.NoError(t, g.Wait())
}

func TestGroupWaitJoinsWorkersSpawnedByWorkers(t *testing.T) {
	g := NewGroup(context.Background(), Config{Logger: quietLogger()})
	sentinel := errors.New("intentional")

	var finished atomic.Bool
	child := func(ctx context.Context, id int, _ struct{}) error {
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
		return sentinel
	}

	_, err := Spawn(g, func(ctx context.Context, id int, g *Group) error {
		_, err := Spawn(g, child, struct{}{})
		return err
	}, g)
	require.NoError(t, err)

	err = g.Wait()
	assert.True(t, finished.Load(), "g.Wait() returned before the nested worker finished")
	assert.ErrorIs(t, err, sentinel)
	assert.Contains(t, err.Error(), "worker 2")
}

func TestHandleDone(t *testing.T) {
	g := NewGroup(context.Background(), Config{Logger: quietLogger()})
	release := make(chan struct{})

	h, err := Spawn(g, func(ctx context.Context, id int, _ struct{}) error {
		<-release
		return nil
	}, struct{}{})
	require.NoError(t, err)

	select {
	case <-h.Done():
		t.Fatalf("h.Done() closed while the worker runs")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatalf("h.Done() not closed after the worker returned")
	}

	assert.NoError(t, h.Join())
}

func TestGroupIDIsUnique(t *testing.T) {
	a := NewGroup(context.Background(), Config{Logger: quietLogger()})
	b := NewGroup(context.Background(), Config{Logger: quietLogger()})

	assert.NotEqual(t, a.ID(), b.ID())
}

// -- benchmarks ---------------------------------------------------------------

func BenchmarkSpawnJoin(b *testing.B) {
	g := NewGroup(context.Background(), Config{Logger: quietLogger()})
	noop := func(ctx context.Context, id int, _ struct{}) error { return nil }

	for i := 0; i < b.N; i++ {
		h, _ := Spawn(g, noop, struct{}{})
		_ = h.Join()
	}
}

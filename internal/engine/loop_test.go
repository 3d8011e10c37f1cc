package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/chatsync/internal/clock"
	"github.com/chatsync/internal/model"
)

func TestWorkerRunsInOrder(t *testing.T) {
	w := newWorker()
	var got []int
	for i := 0; i < 100; i++ {
		require.True(t, w.post(func() { got = append(got, i) }))
	}
	require.True(t, w.call(func() {}))
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	w.stop(false)
	w.wait()
	assert.False(t, w.post(func() {}), "post after stop is rejected")
	assert.False(t, w.call(func() {}))
}

func TestWorkerStopDrains(t *testing.T) {
	w := newWorker()
	block := make(chan struct{})
	ran := 0
	w.post(func() { <-block })
	w.post(func() { ran++ })
	w.post(func() { ran++ })
	w.stop(true)
	close(block)
	w.wait()
	assert.Equal(t, 2, ran)
}

func TestLoopClockStopWins(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	w := newWorker()
	defer func() { w.stop(false); w.wait() }()
	lc := loopClock{inner: fake, loop: w}

	fired := 0
	var timer clock.Timer
	w.call(func() { timer = lc.AfterFunc(time.Second, func() { fired++ }) })

	// Внутренние часы срабатывают, пока цикл занят задачей, которая останавливает таймер.
	block := make(chan struct{})
	stopped := make(chan bool, 1)
	w.post(func() {
		<-block
		stopped <- timer.Stop()
	})
	fake.Advance(time.Second)
	close(block)

	w.call(func() {})
	assert.True(t, <-stopped)
	assert.Equal(t, 0, fired, "queued fire is dropped after Stop")
}

func TestLoopClockFires(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	w := newWorker()
	defer func() { w.stop(false); w.wait() }()
	lc := loopClock{inner: fake, loop: w}

	fired := make(chan struct{}, 1)
	w.call(func() { lc.AfterFunc(time.Second, func() { fired <- struct{}{} }) })
	fake.Advance(time.Second)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestLoopRunnerPostsResult(t *testing.T) {
	w := newWorker()
	defer func() { w.stop(false); w.wait() }()
	var g errgroup.Group
	r := loopRunner{ctx: context.Background(), loop: w, g: &g}

	boom := errors.New("boom")
	got := make(chan error, 1)
	r.Run(func(context.Context) (any, error) { return nil, boom }, func(_ any, err error) { got <- err })
	require.NoError(t, g.Wait())
	assert.ErrorIs(t, <-got, boom)
}

func TestOpenRequiresIdentity(t *testing.T) {
	_, err := Open(context.Background(), model.Session{RoomID: "r1"}, Callbacks{}, Options{})
	assert.Error(t, err)
}

package rover

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNode struct {
	name string
	run  func(ctx context.Context) error
}

func (f *fakeNode) Name() string                  { return f.name }
func (f *fakeNode) Run(ctx context.Context) error { return f.run(ctx) }

func TestSupervisor_JoinsOnParentCancellation(t *testing.T) {
	sv := NewSupervisor(NewNopLogger())
	var ran atomic.Bool
	sv.Register(&fakeNode{name: "n1", run: func(ctx context.Context) error {
		ran.Store(true)
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sv.Run(ctx) }()

	require.Eventually(t, ran.Load, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not join after cancellation")
	}
}

func TestSupervisor_SurvivesOneNodeFailing(t *testing.T) {
	sv := NewSupervisor(NewNopLogger())
	var survivorFinished atomic.Bool
	sv.Register(&fakeNode{name: "failing", run: func(ctx context.Context) error {
		return errors.New("boom")
	}})
	sv.Register(&fakeNode{name: "survivor", run: func(ctx context.Context) error {
		<-ctx.Done()
		survivorFinished.Store(true)
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sv.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
		assert.True(t, survivorFinished.Load())
	case <-time.After(time.Second):
		t.Fatal("supervisor did not join")
	}
}

func TestSupervisor_RecoversNodePanic(t *testing.T) {
	sv := NewSupervisor(NewNopLogger())
	sv.Register(&fakeNode{name: "panics", run: func(ctx context.Context) error {
		panic("kaboom")
	}})

	done := make(chan error, 1)
	go func() { done <- sv.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not recover panicking node")
	}
}

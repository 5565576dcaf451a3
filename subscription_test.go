package rover

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscription_ForcePolicyKeepsLastK(t *testing.T) {
	sub := NewSubscription[int](3, DropOldest)
	for i := 0; i < 3+2; i++ {
		require.Equal(t, Continue, sub.Push(i))
	}
	assert.Equal(t, []int{2, 3, 4}, sub.Drain())
}

func TestSubscription_ConservativePolicyDropsNewest(t *testing.T) {
	sub := NewSubscription[int](3, DropNewest)
	for i := 0; i < 3+2; i++ {
		require.Equal(t, Continue, sub.Push(i))
	}
	assert.Equal(t, []int{0, 1, 2}, sub.Drain())
}

func TestSubscription_PushAfterCloseReturnsBreak(t *testing.T) {
	sub := NewSubscription[int](2, DropNewest)
	sub.Close()
	assert.Equal(t, Break, sub.Push(1))
}

func TestSubscription_RecvReturnsFalseWhenClosedAndEmpty(t *testing.T) {
	sub := NewSubscription[int](2, DropNewest)
	sub.Close()
	ctx := context.Background()
	_, ok := sub.Recv(ctx)
	assert.False(t, ok)
}

func TestSubscription_RecvWakesOnPush(t *testing.T) {
	sub := NewSubscription[int](4, DropNewest)
	done := make(chan int, 1)
	go func() {
		v, ok := sub.Recv(context.Background())
		if ok {
			done <- v
		}
	}()
	time.Sleep(10 * time.Millisecond)
	sub.Push(42)

	select {
	case v := <-done:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("Recv never woke up")
	}
}

func TestUnboundedSubscription_MapTransformsAtDelivery(t *testing.T) {
	src := NewUnboundedSubscription[int]()
	doubled := MapUnbounded(src, func(v int) int { return v * 2 })

	src.Push(3)
	v, ok := doubled.Recv(context.Background())
	require.True(t, ok)
	assert.Equal(t, 6, v)
}

func TestUnboundedSubscription_MergeDeliversFromEitherSource(t *testing.T) {
	a := NewUnboundedSubscription[string]()
	b := NewUnboundedSubscription[string]()
	merged := MergeUnbounded(a, b)

	a.Push("from-a")
	b.Push("from-b")

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		v, ok := merged.Recv(context.Background())
		require.True(t, ok)
		seen[v] = true
	}
	assert.True(t, seen["from-a"])
	assert.True(t, seen["from-b"])
}

func TestUnboundedSubscription_ClosesWhenAllSourcesClose(t *testing.T) {
	a := NewUnboundedSubscription[int]()
	merged := MergeUnbounded(a)
	a.Close()

	_, ok := merged.Recv(context.Background())
	assert.False(t, ok)
}

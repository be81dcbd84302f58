package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

// TestNormalLaneTrimming covers P7: once Q_GROUP_NORMAL exceeds
// NormalLaneTrimAt, it is reduced to its newest NormalLaneTrimKeep entries.
func TestNormalLaneTrimming(t *testing.T) {
	m := New(func(ctx context.Context, item Item) {})

	for i := 0; i < 11; i++ {
		m.Enqueue(Item{Lane: LaneGroupNormal, Payload: i})
	}

	if got := m.Len(LaneGroupNormal); got != NormalLaneTrimKeep {
		t.Fatalf("Len(LaneGroupNormal) = %d, want %d", got, NormalLaneTrimKeep)
	}

	// The survivors must be the newest two (9, 10), not the oldest.
	var got []int
	m.mu.Lock()
	for e := m.lanes[LaneGroupNormal].Front(); e != nil; e = e.Next() {
		got = append(got, e.Value.(Item).Payload.(int))
	}
	m.mu.Unlock()

	if len(got) != 2 || got[0] != 9 || got[1] != 10 {
		t.Fatalf("survivors = %v, want [9 10]", got)
	}
}

func TestNormalLaneNotTrimmedUnderThreshold(t *testing.T) {
	m := New(func(ctx context.Context, item Item) {})
	for i := 0; i < 10; i++ {
		m.Enqueue(Item{Lane: LaneGroupNormal, Payload: i})
	}
	if got := m.Len(LaneGroupNormal); got != 10 {
		t.Fatalf("Len(LaneGroupNormal) = %d, want 10 (no trim at threshold)", got)
	}
}

func TestOtherLanesUnbounded(t *testing.T) {
	m := New(func(ctx context.Context, item Item) {})
	for i := 0; i < 30; i++ {
		m.Enqueue(Item{Lane: LaneGroupMention, Payload: i})
	}
	if got := m.Len(LaneGroupMention); got != 30 {
		t.Fatalf("Len(LaneGroupMention) = %d, want 30 (unbounded)", got)
	}
}

// TestFairnessFloorForNormalLane covers P6 / scenario S4: given a
// continuously-filled mention lane and a non-empty normal lane, normal
// receives at least one dequeue within every K = FAIR_STEAL*2 rotations —
// concretely, at least 4 of the first 20 dequeues come from normal when 20
// items are enqueued to each.
func TestFairnessFloorForNormalLane(t *testing.T) {
	m := New(nil)
	m.SetAIInterval(0)

	for i := 0; i < 20; i++ {
		m.Enqueue(Item{Lane: LaneGroupMention, Payload: i})
	}
	for i := 0; i < 20; i++ {
		m.Enqueue(Item{Lane: LaneGroupNormal, Payload: i})
	}

	normalCount := 0
	for i := 0; i < 20; i++ {
		lane, _, ok := m.popNext()
		if !ok {
			t.Fatalf("popNext returned ok=false before queues drained")
		}
		if lane == LaneGroupNormal {
			normalCount++
		}
	}

	if normalCount < 4 {
		t.Fatalf("normal lane got %d of the first 20 dequeues, want >= 4", normalCount)
	}
}

// TestLaneFIFOWithinBurst ensures items dequeued from the same lane preserve
// FIFO order.
func TestLaneFIFOWithinBurst(t *testing.T) {
	m := New(nil)
	m.Enqueue(Item{Lane: LaneSuperadmin, Payload: "first"})
	m.Enqueue(Item{Lane: LaneSuperadmin, Payload: "second"})

	_, item1, ok := m.popNext()
	if !ok || item1.Payload != "first" {
		t.Fatalf("first dequeue = %+v, ok=%v, want 'first'", item1, ok)
	}
	_, item2, ok := m.popNext()
	if !ok || item2.Payload != "second" {
		t.Fatalf("second dequeue = %+v, ok=%v, want 'second'", item2, ok)
	}
}

func TestRunDispatchesAndShutsDownCleanly(t *testing.T) {
	var mu sync.Mutex
	var seen []any

	m := New(func(ctx context.Context, item Item) {
		mu.Lock()
		seen = append(seen, item.Payload)
		mu.Unlock()
	})
	m.SetAIInterval(time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	m.Enqueue(Item{Lane: LanePrivate, Payload: "a"})
	m.Enqueue(Item{Lane: LanePrivate, Payload: "b"})

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for items to be dispatched")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Fatalf("seen = %v, want [a b]", seen)
	}
}

func TestDispatchRecoversHandlerPanic(t *testing.T) {
	m := New(func(ctx context.Context, item Item) {
		panic("boom")
	})
	// Must not propagate the panic to the caller.
	m.dispatch(context.Background(), Item{Lane: LanePrivate, Payload: "x"})
}

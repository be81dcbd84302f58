// Package queue implements C9, QueueManager: four priority lanes with a
// burst/fair-steal fairness algorithm and normal-lane trimming. Grounded on
// the teacher's single-consumer-goroutine-over-channel-backed-structure
// concurrency idiom and pkg/ratelimit/limiter.go's token-bucket pacing,
// generalized to four container/list-backed lanes behind one mutex and one
// condition variable, per SPEC_FULL.md §4.9.
package queue

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nyxbot/fabric/pkg/observability"
)

// Lane is one of the four priority lanes, highest first.
type Lane int

const (
	LaneSuperadmin Lane = iota
	LanePrivate
	LaneGroupMention
	LaneGroupNormal
	laneCount
)

func (l Lane) String() string {
	switch l {
	case LaneSuperadmin:
		return "Q_SUPERADMIN"
	case LanePrivate:
		return "Q_PRIVATE"
	case LaneGroupMention:
		return "Q_GROUP_MENTION"
	case LaneGroupNormal:
		return "Q_GROUP_NORMAL"
	default:
		return "Q_UNKNOWN"
	}
}

// Defaults per spec §4.9.
const (
	DefaultBurst           = 2
	DefaultFairSteal       = 2
	DefaultAIInterval      = time.Second
	NormalLaneTrimAt       = 10
	NormalLaneTrimKeep     = 2
)

// Item is one admitted unit of work. Payload is opaque to the queue; the
// worker callback interprets it (typically an *internal/coordinator.Job`).
type Item struct {
	Lane    Lane
	Payload any

	enqueuedAt time.Time
}

// Handler processes one dequeued item. The worker loop never lets a
// handler's own panics escape: see Manager.run.
type Handler func(ctx context.Context, item Item)

// Manager is C9.
type Manager struct {
	mu    sync.Mutex
	cond  *sync.Cond
	lanes [laneCount]*list.List

	burst      int
	fairSteal  int
	aiInterval time.Duration

	handler Handler

	// Fairness cursor state, held across popNext calls.
	curLane      Lane
	drainedInLane int
	rotations    int
	lastVisited  Lane

	closed bool
	done   chan struct{}

	// Tracer/Metrics are nil-safe observability sinks for lane depth,
	// dispatch counts, and queue-wait duration.
	Tracer  *observability.Tracer
	Metrics *observability.Metrics
}

// New builds a Manager with spec defaults; override fields before calling
// Run if a deployment needs different pacing.
func New(handler Handler) *Manager {
	m := &Manager{
		burst:       DefaultBurst,
		fairSteal:   DefaultFairSteal,
		aiInterval:  DefaultAIInterval,
		handler:     handler,
		lastVisited: -1,
		done:        make(chan struct{}),
	}
	for i := range m.lanes {
		m.lanes[i] = list.New()
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// SetBurst/SetFairSteal/SetAIInterval override defaults; call before Run.
func (m *Manager) SetBurst(n int)                  { m.burst = n }
func (m *Manager) SetFairSteal(n int)              { m.fairSteal = n }
func (m *Manager) SetAIInterval(d time.Duration)   { m.aiInterval = d }

// WithObservability attaches a Tracer/Metrics pair, returning the receiver
// for chaining at construction time (e.g. queue.New(h).WithObservability(...)).
func (m *Manager) WithObservability(t *observability.Tracer, metrics *observability.Metrics) *Manager {
	m.Tracer = t
	m.Metrics = metrics
	return m
}

// Enqueue admits one item onto its lane. The normal lane is trimmed to its
// newest NormalLaneTrimKeep entries whenever it exceeds NormalLaneTrimAt;
// other lanes are unbounded.
func (m *Manager) Enqueue(item Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	item.enqueuedAt = time.Now()
	l := m.lanes[item.Lane]
	l.PushBack(item)

	if item.Lane == LaneGroupNormal && l.Len() > NormalLaneTrimAt {
		drop := l.Len() - NormalLaneTrimKeep
		for i := 0; i < drop; i++ {
			front := l.Front()
			l.Remove(front)
		}
		slog.Warn("queue: trimmed normal lane", "dropped", drop, "kept", NormalLaneTrimKeep)
	}

	m.Metrics.SetQueueDepth(item.Lane.String(), l.Len())
	m.cond.Signal()
}

// Len reports one lane's current depth (for introspection/metrics).
func (m *Manager) Len(lane Lane) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lanes[lane].Len()
}

// Run drives the single consumer goroutine's fair-share loop until ctx is
// cancelled or Shutdown is called. Intended to be run in its own goroutine.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		m.closed = true
		m.cond.Broadcast()
		m.mu.Unlock()
	}()

	for {
		lane, item, ok := m.popNext()
		if !ok {
			return // shutdown: no more items will be served
		}

		m.Metrics.RecordQueueDispatch(lane.String(), time.Since(item.enqueuedAt))
		m.dispatch(ctx, item)

		select {
		case <-ctx.Done():
		case <-time.After(m.aiInterval):
		}
	}
}

// popNext implements the fairness algorithm: round-robin lanes draining up
// to burst items each before moving to the next, with a forced steal from
// the normal lane every fairSteal lane-advances if it wasn't the lane last
// served and is non-empty. Cursor state (curLane, drainedInLane, rotations,
// lastVisited) persists across calls on the Manager itself.
func (m *Manager) popNext() (Lane, Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if m.closed && m.allEmptyLocked() {
			return 0, Item{}, false
		}

		if l := m.lanes[m.curLane]; l.Len() > 0 && m.drainedInLane < m.burst {
			item := m.popFrontLocked(m.curLane)
			m.drainedInLane++
			m.lastVisited = m.curLane
			return m.curLane, item, true
		}

		// Current lane exhausted (burst reached, or empty): advance.
		m.curLane = (m.curLane + 1) % laneCount
		m.drainedInLane = 0
		m.rotations++

		if m.rotations%m.fairSteal == 0 && m.lastVisited != LaneGroupNormal {
			if ln := m.lanes[LaneGroupNormal]; ln.Len() > 0 {
				item := m.popFrontLocked(LaneGroupNormal)
				m.lastVisited = LaneGroupNormal
				return LaneGroupNormal, item, true
			}
		}

		if m.allEmptyLocked() {
			if m.closed {
				return 0, Item{}, false
			}
			m.cond.Wait()
		}
	}
}

func (m *Manager) popFrontLocked(lane Lane) Item {
	l := m.lanes[lane]
	front := l.Front()
	l.Remove(front)
	m.Metrics.SetQueueDepth(lane.String(), l.Len())
	return front.Value.(Item)
}

func (m *Manager) allEmptyLocked() bool {
	for _, l := range m.lanes {
		if l.Len() > 0 {
			return false
		}
	}
	return true
}

// dispatch calls the handler, recovering any panic so one bad item cannot
// kill the worker goroutine.
func (m *Manager) dispatch(ctx context.Context, item Item) {
	ctx, span := m.Tracer.Start(ctx, "queue.dispatch")
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			m.Tracer.RecordError(span, fmt.Errorf("%v", r))
			slog.Error("queue: handler panic", "lane", item.Lane.String(), "panic", r)
		}
	}()
	m.handler(ctx, item)
}

// Shutdown stops admitting new work and blocks until Run's loop exits
// (after the in-flight item and a drain window). Callers should cancel the
// context passed to Run to trigger this; Shutdown just waits for exit.
func (m *Manager) Shutdown(ctx context.Context) {
	select {
	case <-m.done:
	case <-ctx.Done():
	}
}

package statemachine

import (
	"container/heap"
	"sync"
	"time"

	"github.com/fluxorio/switchboard/pkg/core"
)

// DeliverFunc hands a due timeout to the dispatch layer. It reports whether
// the event was enqueued; a false return makes the scheduler retry shortly.
type DeliverFunc func(event TimeoutEvent) bool

// Scheduler holds at most one pending timeout per machine in a monotonic
// min-heap and delivers due ones as synthetic TimeoutEvents through a single
// goroutine. Insert and cancel are O(log n).
//
// Cancellation is race-free through arm-epoch tokens: a timeout that was
// already dequeued is dropped by the machine when its token no longer
// matches the machine's current epoch.
type Scheduler struct {
	mu    sync.Mutex
	items map[string]*timeoutItem
	pq    timeoutHeap

	deliver DeliverFunc
	logger  core.Logger
	now     func() time.Time
	retry   time.Duration

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

type timeoutItem struct {
	machineID string
	deadline  time.Time
	target    string
	epoch     uint64
	armedAt   time.Time
	index     int // heap index; -1 when removed
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the scheduler's logger.
func WithSchedulerLogger(logger core.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// WithSchedulerClock replaces the time source. Test hook; the default is
// time.Now, whose monotonic reading drives all deadline math.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates and starts a scheduler delivering through deliver.
func NewScheduler(deliver DeliverFunc, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		items:   make(map[string]*timeoutItem),
		deliver: deliver,
		logger:  core.NewDefaultLogger(),
		now:     time.Now,
		retry:   10 * time.Millisecond,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

// Schedule arms (or re-arms) the timeout for a machine. The epoch token is
// the machine's arm-epoch at scheduling time.
func (s *Scheduler) Schedule(machineID string, d time.Duration, target string, epoch uint64) {
	now := s.now()
	s.mu.Lock()
	if old, ok := s.items[machineID]; ok {
		s.removeLocked(old)
	}
	item := &timeoutItem{
		machineID: machineID,
		deadline:  now.Add(d),
		target:    target,
		epoch:     epoch,
		armedAt:   now,
	}
	s.items[machineID] = item
	heap.Push(&s.pq, item)
	front := s.pq[0] == item
	s.mu.Unlock()

	if front {
		s.kick()
	}
}

// Cancel removes the pending timeout for a machine, if any.
func (s *Scheduler) Cancel(machineID string) {
	s.mu.Lock()
	if item, ok := s.items[machineID]; ok {
		s.removeLocked(item)
	}
	s.mu.Unlock()
}

// Pending returns the number of armed timeouts.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Stop halts the scheduler; armed timeouts are discarded.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Scheduler) removeLocked(item *timeoutItem) {
	delete(s.items, item.machineID)
	if item.index >= 0 {
		heap.Remove(&s.pq, item.index)
	}
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		hasWork := s.pq.Len() > 0
		var wait time.Duration
		if hasWork {
			wait = s.pq[0].deadline.Sub(s.now())
		}
		s.mu.Unlock()

		if hasWork && wait <= 0 {
			// Deliveries are due now; pop outside the select.
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			if hasWork {
				timer.Reset(wait)
			} else {
				timer.Reset(time.Hour) // idle; a Schedule will kick us
			}
			select {
			case <-s.done:
				return
			case <-s.wake:
				continue
			case <-timer.C:
			}
		}

		for _, item := range s.popDue() {
			ev := TimeoutEvent{
				MachineID: item.machineID,
				Target:    item.target,
				Epoch:     item.epoch,
				ArmedAt:   item.armedAt,
			}
			if !s.deliver(ev) {
				// Mailbox full; retry shortly. The epoch check keeps a late
				// delivery harmless if the machine moves on meanwhile.
				s.mu.Lock()
				if _, ok := s.items[item.machineID]; !ok {
					item.deadline = s.now().Add(s.retry)
					s.items[item.machineID] = item
					heap.Push(&s.pq, item)
				}
				s.mu.Unlock()
				s.logger.Warnf("timeout delivery deferred for machine %s (mailbox full)", item.machineID)
			}
		}
	}
}

func (s *Scheduler) popDue() []*timeoutItem {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*timeoutItem
	for s.pq.Len() > 0 && !s.pq[0].deadline.After(now) {
		item := heap.Pop(&s.pq).(*timeoutItem)
		delete(s.items, item.machineID)
		due = append(due, item)
	}
	return due
}

// timeoutHeap is a min-heap ordered by deadline.
type timeoutHeap []*timeoutItem

func (h timeoutHeap) Len() int            { return len(h) }
func (h timeoutHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timeoutHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timeoutHeap) Push(x interface{}) {
	item := x.(*timeoutItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *timeoutHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

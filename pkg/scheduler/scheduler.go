// Package scheduler drives periodic register polling: a time- and
// priority-ordered heap of poll items, a global rate cap, and adaptive
// per-item backoff driven by poll outcomes.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/fieldbridge/indgw/pkg/logging"
	"github.com/fieldbridge/indgw/pkg/modbus"
)

// Config tunes the scheduler's rate cap and adaptive backoff.
type Config struct {
	MaxPollsPerSecond float64
	Adaptive          bool
	BackoffFactor     float64
	MaxBackoffMs      int
}

// Item is one scheduled register poll.
type Item struct {
	PollID            uint32
	DeviceID          string
	Name              string
	Class             modbus.RegisterClass
	Address           uint16
	Count             uint16
	BaseIntervalMs    int
	CurrentIntervalMs int
	Priority          int
	Enabled           bool
}

// Status is the running outcome history for one poll item.
type Status struct {
	CurrentIntervalMs   int
	LastPoll            time.Time
	NextPoll            time.Time
	PollsTotal          uint64
	PollsSuccess        uint64
	PollsFailed         uint64
	AvgLatencyUs        uint32
	ConsecutiveFailures int
}

// Trigger is emitted when a poll comes due.
type Trigger struct {
	PollID        uint32
	DeviceID      string
	Class         modbus.RegisterClass
	Address       uint16
	Count         uint16
	SequenceNumber uint64
	ScheduledTime time.Time
	ActualTime    time.Time
}

// Complete reports the outcome of a triggered poll back to the scheduler.
type Complete struct {
	PollID         uint32
	SequenceNumber uint64
	Success        bool
	LatencyUs      uint32
}

// scheduleEntry is one heap node: earliest due time first, then highest
// priority, then lowest poll id as the final deterministic tie-break.
type scheduleEntry struct {
	nextDue  time.Time
	priority int
	pollID   uint32
}

type scheduleHeap []scheduleEntry

func (h scheduleHeap) Len() int { return len(h) }
func (h scheduleHeap) Less(i, j int) bool {
	if !h[i].nextDue.Equal(h[j].nextDue) {
		return h[i].nextDue.Before(h[j].nextDue)
	}
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].pollID < h[j].pollID
}
func (h scheduleHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *scheduleHeap) Push(x interface{}) {
	*h = append(*h, x.(scheduleEntry))
}
func (h *scheduleHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// Scheduler is the poll-scheduling engine for one gateway.
type Scheduler struct {
	cfg Config

	mu     sync.RWMutex // guards items and status together
	items  map[uint32]*Item
	status map[uint32]*Status

	heapMu sync.Mutex
	heap   scheduleHeap

	limiter  *rate.Limiter
	sequence atomic.Uint64
	nextID   atomic.Uint32
	running  atomic.Bool

	triggers chan Trigger
}

// New constructs a Scheduler. triggerBuffer sizes the trigger channel
// (256 matches the documented default).
func New(cfg Config, triggerBuffer int) *Scheduler {
	if cfg.MaxPollsPerSecond <= 0 {
		cfg.MaxPollsPerSecond = 100
	}
	return &Scheduler{
		cfg:      cfg,
		items:    make(map[uint32]*Item),
		status:   make(map[uint32]*Status),
		limiter:  rate.NewLimiter(rate.Limit(cfg.MaxPollsPerSecond), 1),
		triggers: make(chan Trigger, triggerBuffer),
	}
}

// Triggers returns the channel of due polls.
func (s *Scheduler) Triggers() <-chan Trigger {
	return s.triggers
}

// AddPoll registers a new poll item, assigning it a poll id, and
// schedules it to fire immediately.
func (s *Scheduler) AddPoll(item Item) uint32 {
	pollID := s.nextID.Add(1)
	item.PollID = pollID
	if item.CurrentIntervalMs == 0 {
		item.CurrentIntervalMs = item.BaseIntervalMs
	}
	item.Enabled = true

	now := time.Now()

	s.mu.Lock()
	s.items[pollID] = &item
	s.status[pollID] = &Status{CurrentIntervalMs: item.CurrentIntervalMs, NextPoll: now}
	s.mu.Unlock()

	s.heapMu.Lock()
	heap.Push(&s.heap, scheduleEntry{nextDue: now, priority: item.Priority, pollID: pollID})
	s.heapMu.Unlock()

	return pollID
}

// RemovePoll drops a poll item. Its heap entry, if any, is simply
// ignored the next time it surfaces since the item lookup will miss.
func (s *Scheduler) RemovePoll(pollID uint32) {
	s.mu.Lock()
	delete(s.items, pollID)
	delete(s.status, pollID)
	s.mu.Unlock()
}

// SetEnabled toggles whether a poll item is still triggered.
func (s *Scheduler) SetEnabled(pollID uint32, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.items[pollID]; ok {
		item.Enabled = enabled
	}
}

// GetStatus returns a copy of the current status for a poll item.
func (s *Scheduler) GetStatus(pollID uint32) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.status[pollID]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// PollComplete folds a poll outcome into the item's adaptive interval
// and latency average: reset to the base interval on success, back off
// by BackoffFactor (capped at MaxBackoffMs) on failure.
func (s *Scheduler) PollComplete(complete Complete) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.status[complete.PollID]
	if !ok {
		return
	}
	item := s.items[complete.PollID]

	st.PollsTotal++
	if complete.Success {
		st.PollsSuccess++
		st.ConsecutiveFailures = 0
		if s.cfg.Adaptive && item != nil {
			item.CurrentIntervalMs = item.BaseIntervalMs
			st.CurrentIntervalMs = item.BaseIntervalMs
		}
	} else {
		st.PollsFailed++
		st.ConsecutiveFailures++
		if s.cfg.Adaptive && item != nil {
			next := int(float64(item.CurrentIntervalMs) * s.cfg.BackoffFactor)
			if s.cfg.MaxBackoffMs > 0 && next > s.cfg.MaxBackoffMs {
				next = s.cfg.MaxBackoffMs
			}
			item.CurrentIntervalMs = next
			st.CurrentIntervalMs = next
		}
	}
	st.AvgLatencyUs = uint32((uint64(st.AvgLatencyUs)*7 + uint64(complete.LatencyUs)) / 8)
}

// Run drives the scheduler loop until ctx is cancelled or Stop is
// called: pop due items from the heap, apply the global rate cap, emit
// a Trigger, and reschedule at the item's current interval.
func (s *Scheduler) Run(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	for s.running.Load() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entry, due := s.popDue()
		if !due {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		s.mu.RLock()
		item, ok := s.items[entry.pollID]
		var itemCopy Item
		if ok {
			itemCopy = *item
		}
		s.mu.RUnlock()

		if !ok || !itemCopy.Enabled {
			continue
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		actual := time.Now()
		sequence := s.sequence.Add(1)
		trigger := Trigger{
			PollID:         itemCopy.PollID,
			DeviceID:       itemCopy.DeviceID,
			Class:          itemCopy.Class,
			Address:        itemCopy.Address,
			Count:          itemCopy.Count,
			SequenceNumber: sequence,
			ScheduledTime:  entry.nextDue,
			ActualTime:     actual,
		}

		select {
		case s.triggers <- trigger:
		case <-ctx.Done():
			return
		default:
			logging.Subsystem(logging.SubsystemScheduler, "trigger channel full, dropping poll %d", itemCopy.PollID)
		}

		next := actual.Add(time.Duration(itemCopy.CurrentIntervalMs) * time.Millisecond)

		s.mu.Lock()
		if st, ok := s.status[itemCopy.PollID]; ok {
			st.LastPoll = actual
			st.NextPoll = next
		}
		s.mu.Unlock()

		s.heapMu.Lock()
		heap.Push(&s.heap, scheduleEntry{nextDue: next, priority: itemCopy.Priority, pollID: itemCopy.PollID})
		s.heapMu.Unlock()
	}
}

// popDue pops the earliest-due heap entry if it is actually due, else
// leaves the heap untouched and reports no due entry.
func (s *Scheduler) popDue() (scheduleEntry, bool) {
	s.heapMu.Lock()
	defer s.heapMu.Unlock()

	if len(s.heap) == 0 {
		return scheduleEntry{}, false
	}
	if s.heap[0].nextDue.After(time.Now()) {
		return scheduleEntry{}, false
	}
	entry := heap.Pop(&s.heap).(scheduleEntry)
	return entry, true
}

// Stop halts the scheduler loop cooperatively; Run returns once it next
// checks the running flag.
func (s *Scheduler) Stop() {
	s.running.Store(false)
}

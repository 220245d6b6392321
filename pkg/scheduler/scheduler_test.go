package scheduler

import (
	"container/heap"
	"context"
	"testing"
	"time"

	"github.com/fieldbridge/indgw/pkg/modbus"
)

func TestScheduleHeapOrdering(t *testing.T) {
	t.Parallel()

	base := time.Now()
	h := scheduleHeap{
		{nextDue: base.Add(200 * time.Millisecond), priority: 1, pollID: 2},
		{nextDue: base, priority: 1, pollID: 3},
		{nextDue: base, priority: 2, pollID: 1},
	}
	heap.Init(&h)

	first := heap.Pop(&h).(scheduleEntry)
	if first.pollID != 1 {
		t.Fatalf("first popped poll id = %d, want 1 (earliest due time, highest priority)", first.pollID)
	}
	second := heap.Pop(&h).(scheduleEntry)
	if second.pollID != 3 {
		t.Fatalf("second popped poll id = %d, want 3", second.pollID)
	}
	third := heap.Pop(&h).(scheduleEntry)
	if third.pollID != 2 {
		t.Fatalf("third popped poll id = %d, want 2", third.pollID)
	}
}

func TestScheduleHeapPollIDTieBreak(t *testing.T) {
	t.Parallel()

	now := time.Now()
	h := scheduleHeap{
		{nextDue: now, priority: 5, pollID: 9},
		{nextDue: now, priority: 5, pollID: 2},
	}
	heap.Init(&h)

	first := heap.Pop(&h).(scheduleEntry)
	if first.pollID != 2 {
		t.Fatalf("first popped poll id = %d, want 2 (lowest poll id tie-break)", first.pollID)
	}
}

func TestAddPollAndTrigger(t *testing.T) {
	t.Parallel()

	s := New(Config{MaxPollsPerSecond: 1000, Adaptive: true, BackoffFactor: 1.5, MaxBackoffMs: 60000}, 8)
	pollID := s.AddPoll(Item{
		DeviceID: "plc-01", Name: "tank-level", Class: modbus.ClassHolding,
		Address: 100, Count: 1, BaseIntervalMs: 50, Priority: 1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go s.Run(ctx)

	select {
	case trig := <-s.Triggers():
		if trig.PollID != pollID {
			t.Fatalf("Trigger.PollID = %d, want %d", trig.PollID, pollID)
		}
		if trig.DeviceID != "plc-01" {
			t.Errorf("Trigger.DeviceID = %q, want plc-01", trig.DeviceID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a trigger")
	}
	s.Stop()
}

func TestPollCompleteAdaptiveBackoffAndReset(t *testing.T) {
	t.Parallel()

	s := New(Config{MaxPollsPerSecond: 100, Adaptive: true, BackoffFactor: 2.0, MaxBackoffMs: 1000}, 8)
	pollID := s.AddPoll(Item{DeviceID: "plc-01", BaseIntervalMs: 100, Priority: 1})

	s.PollComplete(Complete{PollID: pollID, Success: false, LatencyUs: 1000})
	st, ok := s.GetStatus(pollID)
	if !ok {
		t.Fatal("GetStatus() missing after PollComplete")
	}
	if st.CurrentIntervalMs != 200 {
		t.Errorf("after one failure, CurrentIntervalMs = %d, want 200", st.CurrentIntervalMs)
	}
	if st.ConsecutiveFailures != 1 || st.PollsFailed != 1 {
		t.Errorf("failure counters = %+v, want 1 consecutive, 1 failed", st)
	}

	s.PollComplete(Complete{PollID: pollID, Success: false, LatencyUs: 1000})
	st, _ = s.GetStatus(pollID)
	if st.CurrentIntervalMs != 400 {
		t.Errorf("after two failures, CurrentIntervalMs = %d, want 400", st.CurrentIntervalMs)
	}

	s.PollComplete(Complete{PollID: pollID, Success: true, LatencyUs: 500})
	st, _ = s.GetStatus(pollID)
	if st.CurrentIntervalMs != 100 {
		t.Errorf("after success, CurrentIntervalMs = %d, want reset to base 100", st.CurrentIntervalMs)
	}
	if st.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures after success = %d, want 0", st.ConsecutiveFailures)
	}
}

func TestPollCompleteBackoffCap(t *testing.T) {
	t.Parallel()

	s := New(Config{MaxPollsPerSecond: 100, Adaptive: true, BackoffFactor: 10.0, MaxBackoffMs: 500}, 8)
	pollID := s.AddPoll(Item{DeviceID: "plc-01", BaseIntervalMs: 100, Priority: 1})

	s.PollComplete(Complete{PollID: pollID, Success: false, LatencyUs: 0})
	st, _ := s.GetStatus(pollID)
	if st.CurrentIntervalMs != 500 {
		t.Errorf("CurrentIntervalMs = %d, want capped at 500", st.CurrentIntervalMs)
	}
}

func TestLatencyEMA(t *testing.T) {
	t.Parallel()

	s := New(Config{MaxPollsPerSecond: 100}, 8)
	pollID := s.AddPoll(Item{DeviceID: "plc-01", BaseIntervalMs: 100})

	s.PollComplete(Complete{PollID: pollID, Success: true, LatencyUs: 800})
	st, _ := s.GetStatus(pollID)
	if st.AvgLatencyUs != 100 {
		t.Errorf("AvgLatencyUs after first sample = %d, want 100 (800/8)", st.AvgLatencyUs)
	}
}

func TestRemovePollStopsStatus(t *testing.T) {
	t.Parallel()

	s := New(Config{MaxPollsPerSecond: 100}, 8)
	pollID := s.AddPoll(Item{DeviceID: "plc-01", BaseIntervalMs: 100})
	s.RemovePoll(pollID)

	if _, ok := s.GetStatus(pollID); ok {
		t.Fatal("GetStatus() should report missing after RemovePoll")
	}
}

func BenchmarkSchedulerAddPoll(b *testing.B) {
	s := New(Config{MaxPollsPerSecond: 1000}, 256)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.AddPoll(Item{DeviceID: "plc-01", BaseIntervalMs: 1000, Priority: 1})
	}
}

package sched

import (
	"errors"
	"testing"

	"github.com/meridian-os/meridian/internal/shared/types"
)

func TestRoundRobinFairness(t *testing.T) {
	s := New(1, 2, nil)
	for tid := types.ThreadID(1); tid <= 3; tid++ {
		if err := s.Add(tid, 1, 4, 0); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	// With N ready threads at equal priority and no blocking, each runs
	// exactly once before any repeats within N quanta.
	seen := make(map[types.ThreadID]int)
	var order []types.ThreadID
	s.Schedule(0)
	for i := 0; i < 3*2; i++ {
		cur := s.Current(0)
		if len(order) == 0 || order[len(order)-1] != cur {
			order = append(order, cur)
			seen[cur]++
		}
		s.Tick()
	}

	if len(order) < 3 {
		t.Fatalf("expected 3 scheduling slots, got %v", order)
	}
	first := order[:3]
	unique := map[types.ThreadID]bool{}
	for _, tid := range first {
		unique[tid] = true
	}
	if len(unique) != 3 {
		t.Errorf("each thread should run once before any repeats, got %v", order)
	}
}

func TestHigherPriorityRunsFirst(t *testing.T) {
	s := New(1, 4, nil)
	s.Add(1, 1, 2, 0)
	s.Add(2, 1, 6, 0)

	if got := s.Schedule(0); got != 2 {
		t.Errorf("expected thread 2 (priority 6) first, got %d", got)
	}
}

func TestBlockAndWake(t *testing.T) {
	s := New(1, 4, nil)
	s.Add(1, 1, 4, 0)
	s.Add(2, 1, 4, 0)
	s.Schedule(0)

	running := s.Current(0)
	if err := s.Block(running, types.StateBlockedReceive, 7, types.NoDeadline, nil); err != nil {
		t.Fatalf("Block failed: %v", err)
	}
	if st, _ := s.State(running); st != types.StateBlockedReceive {
		t.Errorf("expected blocked_receive, got %s", st)
	}

	// The core moves on.
	next := s.Schedule(0)
	if next == running || next == 0 {
		t.Errorf("expected the other thread to run, got %d", next)
	}

	if err := s.Wake(running, &Outcome{Code: types.CodeOK}); err != nil {
		t.Fatalf("Wake failed: %v", err)
	}
	out, err := s.TakeOutcome(running)
	if err != nil || out == nil || out.Code != types.CodeOK {
		t.Errorf("expected stored outcome, got %v err=%v", out, err)
	}
}

func TestDeadlineTimeout(t *testing.T) {
	s := New(1, 4, nil)
	s.Add(1, 1, 4, 0)
	s.Schedule(0)

	cancelled := false
	deadline := s.Now() + 2
	if err := s.Block(1, types.StateBlockedSend, 7, deadline, func() { cancelled = true }); err != nil {
		t.Fatalf("Block failed: %v", err)
	}

	s.Tick()
	if st, _ := s.State(1); st != types.StateBlockedSend {
		t.Fatal("thread timed out early")
	}
	s.Tick()

	if !cancelled {
		t.Error("cancel hook should run on timeout")
	}
	out, _ := s.TakeOutcome(1)
	if out == nil || out.Code != types.CodeTimeout {
		t.Errorf("expected Timeout outcome, got %v", out)
	}
	if st, _ := s.State(1); st.Blocked() {
		t.Error("thread should be runnable after timeout")
	}
}

func TestKillBlockedThreadRunsCancel(t *testing.T) {
	s := New(1, 4, nil)
	s.Add(1, 1, 4, 0)
	s.Schedule(0)

	cancelled := false
	s.Block(1, types.StateBlockedReceive, 7, types.NoDeadline, func() { cancelled = true })

	if err := s.Kill(1); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	if !cancelled {
		t.Error("Kill must remove the thread from its wait queue")
	}
	if st, _ := s.State(1); st != types.StateZombie {
		t.Errorf("expected zombie, got %s", st)
	}

	// Zombies cannot be woken or blocked again.
	if err := s.Wake(1, nil); !errors.Is(err, types.ErrInvalidThread) {
		t.Errorf("expected InvalidThread, got %v", err)
	}
}

func TestSuspendResume(t *testing.T) {
	s := New(1, 4, nil)
	s.Add(1, 1, 4, 0)

	if err := s.Suspend(1); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	if got := s.Schedule(0); got != 0 {
		t.Errorf("suspended thread must not be scheduled, got %d", got)
	}

	if err := s.Resume(1); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if got := s.Schedule(0); got != 1 {
		t.Errorf("resumed thread should run, got %d", got)
	}
}

func TestBlockRejectsBlockedThread(t *testing.T) {
	s := New(1, 4, nil)
	s.Add(1, 1, 4, 0)
	s.Schedule(0)

	if err := s.Block(1, types.StateBlockedSend, 7, types.NoDeadline, nil); err != nil {
		t.Fatalf("Block failed: %v", err)
	}

	// A thread holds at most one blocking reason; a second Block is a
	// recoverable error, never a halt.
	err := s.Block(1, types.StateBlockedReceive, 8, types.NoDeadline, nil)
	if types.CodeOf(err) != types.CodeInvalidThread {
		t.Fatalf("second Block = %v, want InvalidThread", err)
	}
	if st, _ := s.State(1); st != types.StateBlockedSend {
		t.Errorf("first blocking reason lost, state = %s", st)
	}
}

func TestBlockRejectsSuspendedThread(t *testing.T) {
	s := New(1, 4, nil)
	s.Add(1, 1, 4, 0)

	if err := s.Suspend(1); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	err := s.Block(1, types.StateBlockedSend, 7, types.NoDeadline, nil)
	if types.CodeOf(err) != types.CodeInvalidThread {
		t.Fatalf("Block on suspended thread = %v, want InvalidThread", err)
	}
	if st, _ := s.State(1); st != types.StateSuspended {
		t.Errorf("suspension bypassed, state = %s", st)
	}
	if got := s.Schedule(0); got != 0 {
		t.Errorf("suspended thread must not be scheduled, got %d", got)
	}
}

func TestPriorityDonation(t *testing.T) {
	s := New(1, 4, nil)
	s.Add(1, 1, 6, 0) // high-priority client
	s.Add(2, 2, 1, 0) // low-priority server
	s.Add(3, 3, 4, 0) // unrelated middle-priority work

	// Client blocks awaiting the server's reply and donates.
	s.Schedule(0)
	s.Block(1, types.StateBlockedSend, 7, types.NoDeadline, nil)
	s.Donate(2, 1)

	_, threads := s.Snapshot()
	for _, th := range threads {
		if th.ID == 2 && th.Effective != 6 {
			t.Errorf("server should inherit effective priority 6, got %d", th.Effective)
		}
	}

	// The boosted server outruns the middle-priority thread.
	if got := s.Schedule(0); got != 2 {
		t.Errorf("expected donated server to run, got %d", got)
	}

	s.Withdraw(2, 1)
	_, threads = s.Snapshot()
	for _, th := range threads {
		if th.ID == 2 && th.Effective != 1 {
			t.Errorf("withdrawal should restore base priority, got %d", th.Effective)
		}
	}
}

func TestTransitiveDonation(t *testing.T) {
	s := New(1, 4, nil)
	s.Add(1, 1, 7, 0) // client
	s.Add(2, 2, 3, 0) // first-hop server
	s.Add(3, 3, 1, 0) // nested server

	s.Donate(2, 1)
	s.Donate(3, 2)

	_, threads := s.Snapshot()
	for _, th := range threads {
		if th.ID == 3 && th.Effective != 7 {
			t.Errorf("nested server should inherit through the chain, got %d", th.Effective)
		}
	}
}

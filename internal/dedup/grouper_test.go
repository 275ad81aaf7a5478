package dedup

import (
	"sync"
	"testing"
	"time"

	"signaldesk/internal/types"
)

// fakeClock is a manually advanced clock for window tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func stuckOrder(recipientID string) types.Notification {
	return types.Notification{
		ID:        "ntf_" + recipientID,
		Priority:  types.PriorityP2,
		EventType: "order_stuck",
		Category:  types.CategoryOrder,
		Title:     "Order stuck in processing",
		Recipient: types.Recipient{ID: recipientID, Role: types.RoleOperator},
	}
}

func TestAdmitOrMerge_TwelveDuplicatesBecomeOneGroup(t *testing.T) {
	clock := newFakeClock()
	g := NewGrouper(5*time.Minute, clock, nil)

	first := g.AdmitOrMerge(stuckOrder("usr_1"))
	if !first.IsNewGroup {
		t.Fatal("first admission must open a new group")
	}
	if first.Notification.GroupCount != 1 {
		t.Fatalf("expected group count 1, got %d", first.Notification.GroupCount)
	}

	var last Admission
	for i := 0; i < 11; i++ {
		clock.Advance(10 * time.Second)
		last = g.AdmitOrMerge(stuckOrder("usr_1"))
		if last.IsNewGroup {
			t.Fatalf("duplicate %d within the window must merge, not open a group", i+2)
		}
	}

	if last.Notification.GroupCount != 12 {
		t.Errorf("expected group count 12 after 12 arrivals, got %d", last.Notification.GroupCount)
	}
	if last.Notification.ID != first.Notification.ID {
		t.Errorf("merge must keep the group's original notification ID: got %s, want %s",
			last.Notification.ID, first.Notification.ID)
	}
	if !last.Notification.CreatedAt.After(first.Notification.CreatedAt) {
		t.Error("merge must refresh CreatedAt")
	}
}

func TestAdmitOrMerge_WindowElapsedSealsGroup(t *testing.T) {
	clock := newFakeClock()
	g := NewGrouper(5*time.Minute, clock, nil)

	first := g.AdmitOrMerge(stuckOrder("usr_1"))
	clock.Advance(5*time.Minute + time.Second)

	reopening := stuckOrder("usr_1")
	reopening.ID = "ntf_after_window"
	second := g.AdmitOrMerge(reopening)
	if !second.IsNewGroup {
		t.Fatal("arrival after the window must open a fresh group")
	}
	if second.Notification.GroupCount != 1 {
		t.Errorf("fresh group must restart the counter, got %d", second.Notification.GroupCount)
	}
	if second.Notification.ID == first.Notification.ID {
		t.Error("fresh group must carry the new notification's ID")
	}
}

func TestAdmitOrMerge_DifferentKeysNeverMerge(t *testing.T) {
	clock := newFakeClock()
	g := NewGrouper(5*time.Minute, clock, nil)

	g.AdmitOrMerge(stuckOrder("usr_1"))

	otherRecipient := g.AdmitOrMerge(stuckOrder("usr_2"))
	if !otherRecipient.IsNewGroup {
		t.Error("different recipient must open its own group")
	}

	otherPriority := stuckOrder("usr_1")
	otherPriority.Priority = types.PriorityP1
	if a := g.AdmitOrMerge(otherPriority); !a.IsNewGroup {
		t.Error("different priority must open its own group")
	}

	otherType := stuckOrder("usr_1")
	otherType.EventType = "order_cancelled"
	if a := g.AdmitOrMerge(otherType); !a.IsNewGroup {
		t.Error("different event type must open its own group")
	}
}

func TestIsCurrent_MergeSupersedesEarlierAdmission(t *testing.T) {
	clock := newFakeClock()
	g := NewGrouper(5*time.Minute, clock, nil)

	first := g.AdmitOrMerge(stuckOrder("usr_1"))
	key := first.Notification.GroupKey

	if !g.IsCurrent(key, first.Generation) {
		t.Fatal("sole admission must be current")
	}

	clock.Advance(time.Second)
	second := g.AdmitOrMerge(stuckOrder("usr_1"))

	if g.IsCurrent(key, first.Generation) {
		t.Error("a merge must supersede the earlier admission")
	}
	if !g.IsCurrent(key, second.Generation) {
		t.Error("latest admission must be current")
	}
}

func TestIsCurrent_SweptGroupIsNotSupersession(t *testing.T) {
	clock := newFakeClock()
	g := NewGrouper(5*time.Minute, clock, nil)

	a := g.AdmitOrMerge(stuckOrder("usr_1"))
	key := a.Notification.GroupKey

	clock.Advance(6 * time.Minute)
	if removed := g.sweep(clock.Now()); removed != 1 {
		t.Fatalf("expected 1 swept group, got %d", removed)
	}

	// Sealing ends the group; it does not cancel the dispatch's retries.
	if !g.IsCurrent(key, a.Generation) {
		t.Error("a swept group must still count as current")
	}
}

func TestAdmitOrMerge_RetriesWhenSweepRemovesHeldGroup(t *testing.T) {
	clock := newFakeClock()
	g := NewGrouper(5*time.Minute, clock, nil)

	first := g.AdmitOrMerge(stuckOrder("usr_1"))
	key := first.Notification.GroupKey

	// An in-flight admission fetches the group pointer, then the sweeper
	// removes the expired group before the admission takes the group lock.
	held := g.lookupOrCreate(key)
	clock.Advance(6 * time.Minute)
	if removed := g.sweep(clock.Now()); removed != 1 {
		t.Fatalf("expected 1 swept group, got %d", removed)
	}

	late := stuckOrder("usr_1")
	late.ID = "ntf_late"
	if _, ok := g.admit(held, key, late, clock.Now()); ok {
		t.Fatal("admission into a swept group must be rejected")
	}

	// The full path retries onto a live map entry.
	reopened := g.AdmitOrMerge(late)
	if !reopened.IsNewGroup {
		t.Fatal("retried admission must open a fresh group")
	}

	// A follow-up duplicate merges into the live group, not the orphan.
	clock.Advance(10 * time.Second)
	followUp := stuckOrder("usr_1")
	followUp.ID = "ntf_follow_up"
	merged := g.AdmitOrMerge(followUp)
	if merged.IsNewGroup {
		t.Fatal("duplicate within the window must merge into the reopened group")
	}
	if merged.Notification.GroupCount != 2 {
		t.Errorf("expected group count 2, got %d", merged.Notification.GroupCount)
	}
	if merged.Notification.ID != "ntf_late" {
		t.Errorf("merge landed on the wrong group: %s", merged.Notification.ID)
	}
}

func TestAdmitOrMerge_ConcurrentSameKey(t *testing.T) {
	g := NewGrouper(5*time.Minute, types.RealClock{}, nil)

	const workers = 16
	var wg sync.WaitGroup
	newGroups := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a := g.AdmitOrMerge(stuckOrder("usr_1"))
			newGroups <- a.IsNewGroup
		}()
	}
	wg.Wait()
	close(newGroups)

	opened := 0
	for isNew := range newGroups {
		if isNew {
			opened++
		}
	}
	if opened != 1 {
		t.Errorf("exactly one admission must open the group, got %d", opened)
	}

	final := g.AdmitOrMerge(stuckOrder("usr_1"))
	if final.Notification.GroupCount != workers+1 {
		t.Errorf("expected group count %d, got %d", workers+1, final.Notification.GroupCount)
	}
}

func TestGroupKey_Deterministic(t *testing.T) {
	a := GroupKey("order_stuck", types.PriorityP2, "usr_1")
	b := GroupKey("order_stuck", types.PriorityP2, "usr_1")
	if a != b {
		t.Errorf("group key not deterministic: %s vs %s", a, b)
	}
	if a == GroupKey("order_stuck", types.PriorityP2, "usr_2") {
		t.Error("distinct recipients must not collide")
	}
}

package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"signaldesk/internal/dedup"
	"signaldesk/internal/rules"
	"signaldesk/internal/types"
)

type mockStore struct {
	mu         sync.Mutex
	created    []types.Notification
	groups     map[string]int
	overrides  []types.ClassificationOverride
	priorities map[string]types.Priority
	readAll    int
	failCreate bool

	backfillArgs struct {
		recipientID string
		since       time.Time
		limit       int
	}
}

func newMockStore() *mockStore {
	return &mockStore{
		groups:     make(map[string]int),
		priorities: make(map[string]types.Priority),
	}
}

func (m *mockStore) CreateNotification(_ context.Context, n *types.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate {
		return errors.New("insert failed")
	}
	m.created = append(m.created, *n)
	return nil
}

func (m *mockStore) UpdateGroup(_ context.Context, id string, groupCount int, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[id] = groupCount
	return nil
}

func (m *mockStore) GetNotification(_ context.Context, id string) (*types.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.created {
		if n.ID == id {
			return &n, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found", nil)
}

func (m *mockStore) List(context.Context, types.NotificationFilter) ([]types.Notification, string, error) {
	return nil, "", nil
}

func (m *mockStore) Backfill(_ context.Context, recipientID string, since time.Time, limit int) ([]types.Notification, error) {
	m.backfillArgs.recipientID = recipientID
	m.backfillArgs.since = since
	m.backfillArgs.limit = limit
	return nil, nil
}

func (m *mockStore) MarkRead(context.Context, string, string) error { return nil }

func (m *mockStore) MarkAllRead(context.Context, string) (int, error) {
	m.readAll++
	return 3, nil
}

func (m *mockStore) InsertOverride(_ context.Context, o *types.ClassificationOverride) error {
	m.overrides = append(m.overrides, *o)
	return nil
}

func (m *mockStore) SetPriority(_ context.Context, id string, p types.Priority) error {
	m.priorities[id] = p
	return nil
}

type mockDispatcher struct {
	mu         sync.Mutex
	dispatched []types.Notification
	updates    []types.Notification
	gens       []int64
	err        error
}

func (m *mockDispatcher) Dispatch(_ context.Context, n types.Notification, generation int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.dispatched = append(m.dispatched, n)
	m.gens = append(m.gens, generation)
	return nil
}

func (m *mockDispatcher) DispatchUpdate(_ context.Context, n types.Notification, generation int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.updates = append(m.updates, n)
	m.gens = append(m.gens, generation)
	return nil
}

type mockTracker struct {
	tracked []types.Notification
	acked   []string
}

func (m *mockTracker) Track(_ context.Context, n types.Notification) error {
	m.tracked = append(m.tracked, n)
	return nil
}

func (m *mockTracker) Acknowledge(_ context.Context, id, by string) (types.AcknowledgmentState, error) {
	m.acked = append(m.acked, id)
	return types.AcknowledgmentState{
		NotificationID: id,
		State:          types.AckStateAcknowledged,
		AcknowledgedBy: by,
	}, nil
}

type mockPersistence struct {
	versions []int
	err      error
}

func (m *mockPersistence) SaveRuleSet(_ context.Context, version int, _ []types.PriorityRule) error {
	if m.err != nil {
		return m.err
	}
	m.versions = append(m.versions, version)
	return nil
}

type staticDirectory struct{}

func (staticDirectory) Resolve(_ context.Context, ref types.RecipientRef) (types.Recipient, error) {
	return types.Recipient{
		ID:    ref.RecipientID,
		Role:  ref.Role,
		Email: ref.RecipientID + "@example.com",
		Phone: "+15550001111",
	}, nil
}

func fptr(f float64) *float64 { return &f }

func seedRules() []types.PriorityRule {
	return []types.PriorityRule{
		{
			ID:              "rule_payment_critical",
			Priority:        types.PriorityP0,
			MatchEventTypes: []string{"payment_failed"},
			Conditions: []types.RuleCondition{
				{Field: "amount", Operator: types.OpGreaterThanEq, NumberValue: fptr(10000)},
			},
			IsActive: true,
		},
		{
			ID:              "rule_order_stuck",
			Priority:        types.PriorityP1,
			MatchEventTypes: []string{"order_stuck"},
			IsActive:        true,
		},
	}
}

type testEnv struct {
	svc     *Service
	store   *mockStore
	disp    *mockDispatcher
	tracker *mockTracker
	persist *mockPersistence
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newMockStore()
	disp := &mockDispatcher{}
	tracker := &mockTracker{}
	persist := &mockPersistence{}
	svc := NewService(
		rules.NewStore(seedRules()),
		persist,
		dedup.NewGrouper(5*time.Minute, nil, nil),
		disp,
		tracker,
		store,
		staticDirectory{},
		200,
		nil,
		nil,
	)
	return &testEnv{svc: svc, store: store, disp: disp, tracker: tracker, persist: persist}
}

func paymentEvent(amount float64) types.Event {
	return types.Event{
		EventType: "payment_failed",
		Payload:   map[string]any{"amount": amount, "message": "Payment declined"},
		RecipientCandidates: []types.RecipientRef{
			{RecipientID: "usr_oncall", Role: types.RoleOnCall},
		},
	}
}

func TestProcessEvent_CriticalPayment(t *testing.T) {
	env := newTestEnv(t)

	processed, err := env.svc.ProcessEvent(context.Background(), paymentEvent(15000))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(processed) != 1 {
		t.Fatalf("expected one notification, got %d", len(processed))
	}

	n := processed[0]
	if n.Priority != types.PriorityP0 {
		t.Errorf("priority = %s, want P0", n.Priority)
	}
	if !n.RequiresAck {
		t.Error("P0 must require acknowledgment")
	}
	if n.RuleID != "rule_payment_critical" {
		t.Errorf("rule id = %q", n.RuleID)
	}
	if n.Title != "Payment failed" {
		t.Errorf("title = %q", n.Title)
	}
	if n.Message != "Payment declined" {
		t.Errorf("message = %q", n.Message)
	}
	if n.Category != types.CategoryPayment {
		t.Errorf("category = %s", n.Category)
	}
	if n.Recipient.Email != "usr_oncall@example.com" {
		t.Errorf("recipient not resolved: %+v", n.Recipient)
	}

	if len(env.store.created) != 1 {
		t.Fatalf("expected one persisted notification, got %d", len(env.store.created))
	}
	if len(env.tracker.tracked) != 1 {
		t.Fatalf("P0 must be placed under ack tracking")
	}
	if len(env.disp.dispatched) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(env.disp.dispatched))
	}
}

func TestProcessEvent_NoMatchIsSilent(t *testing.T) {
	env := newTestEnv(t)

	processed, err := env.svc.ProcessEvent(context.Background(), types.Event{
		EventType: "cache_warmed",
		Payload:   map[string]any{"keys": 120.0},
		RecipientCandidates: []types.RecipientRef{
			{RecipientID: "usr_1", Role: types.RoleAdmin},
		},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if processed != nil {
		t.Errorf("silent event must produce no notifications, got %+v", processed)
	}
	if len(env.store.created) != 0 || len(env.disp.dispatched) != 0 {
		t.Error("silent event must not reach storage or channels")
	}
}

func TestProcessEvent_DuplicatesMergeIntoGroup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	event := types.Event{
		EventType: "order_stuck",
		Payload:   map[string]any{"order_id": "ord_42"},
		RecipientCandidates: []types.RecipientRef{
			{RecipientID: "usr_ops", Role: types.RoleOperator},
		},
	}

	first, err := env.svc.ProcessEvent(ctx, event)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	for i := 0; i < 11; i++ {
		if _, err := env.svc.ProcessEvent(ctx, event); err != nil {
			t.Fatalf("duplicate %d: %v", i, err)
		}
	}

	if len(env.store.created) != 1 {
		t.Fatalf("duplicates must not create new rows, got %d", len(env.store.created))
	}
	if got := env.store.groups[first[0].ID]; got != 12 {
		t.Errorf("persisted group count = %d, want 12", got)
	}
	// Only the group-opening arrival fans out to the channels; duplicates
	// refresh the live counter instead of re-sending.
	if len(env.disp.dispatched) != 1 {
		t.Errorf("dispatch count = %d, want 1", len(env.disp.dispatched))
	}
	if len(env.disp.updates) != 11 {
		t.Fatalf("counter update count = %d, want 11", len(env.disp.updates))
	}
	last := env.disp.updates[10]
	if last.GroupCount != 12 || last.ID != first[0].ID {
		t.Errorf("merged update mismatch: %+v", last)
	}
	if len(env.tracker.tracked) != 0 {
		t.Error("P1 without override must not be tracked")
	}
}

func TestProcessEvent_RecipientIndependence(t *testing.T) {
	env := newTestEnv(t)
	env.store.failCreate = true

	event := paymentEvent(20000)
	event.RecipientCandidates = []types.RecipientRef{
		{RecipientID: "usr_a", Role: types.RoleOnCall},
		{RecipientID: "usr_b", Role: types.RoleAdmin},
	}

	processed, err := env.svc.ProcessEvent(context.Background(), event)
	if err == nil {
		t.Fatal("expected joined persistence errors")
	}
	if len(processed) != 0 {
		t.Errorf("no recipient should have succeeded, got %d", len(processed))
	}
	// Both recipients were attempted despite the first failure.
	if !strings.Contains(err.Error(), "persist notification") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestOverride_RecordsAndApplies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	processed, err := env.svc.ProcessEvent(ctx, paymentEvent(15000))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	id := processed[0].ID

	o, err := env.svc.Override(ctx, id, types.PriorityP2, "usr_admin")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if o.FromPriority != types.PriorityP0 || o.ToPriority != types.PriorityP2 {
		t.Errorf("override priorities: %+v", o)
	}
	if env.store.priorities[id] != types.PriorityP2 {
		t.Error("override must apply the new tier to the stored notification")
	}
	if len(env.store.overrides) != 1 {
		t.Error("override must be recorded for the accuracy metric")
	}
}

func TestOverride_InvalidPriority(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Override(context.Background(), "ntf_x", types.Priority("P9"), "usr_admin")
	if err == nil {
		t.Fatal("expected validation error")
	}
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeValidationInvalidPriority {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRuleEdits_PersistNewVersions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rule, version, err := env.svc.CreateRule(ctx, types.PriorityRule{
		Priority:        types.PriorityP2,
		MatchEventTypes: []string{"refund_issued"},
		IsActive:        true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rule.ID == "" {
		t.Error("created rule must receive an ID")
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}

	rule.IsActive = false
	if _, err := env.svc.UpdateRule(ctx, rule); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := env.svc.DeleteRule(ctx, rule.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	want := []int{2, 3, 4}
	if len(env.persist.versions) != len(want) {
		t.Fatalf("persisted versions = %v", env.persist.versions)
	}
	for i, v := range want {
		if env.persist.versions[i] != v {
			t.Errorf("persisted versions = %v, want %v", env.persist.versions, want)
			break
		}
	}
	if env.svc.RuleSetVersion() != 4 {
		t.Errorf("active version = %d, want 4", env.svc.RuleSetVersion())
	}
}

func TestRuleEdits_PersistenceFailureSurfaces(t *testing.T) {
	env := newTestEnv(t)
	env.persist.err = types.NewAppError(types.ErrCodeConflictRuleVersion, "rule set version already exists", nil)

	_, _, err := env.svc.CreateRule(context.Background(), types.PriorityRule{Priority: types.PriorityP3, IsActive: true})
	if err == nil {
		t.Fatal("expected persistence failure to surface")
	}
}

func TestBackfill_ClampsLimit(t *testing.T) {
	env := newTestEnv(t)
	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	if _, err := env.svc.Backfill(context.Background(), "usr_1", since, 10_000); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if env.store.backfillArgs.limit != 200 {
		t.Errorf("limit = %d, want clamp to 200", env.store.backfillArgs.limit)
	}
	if !env.store.backfillArgs.since.Equal(since) {
		t.Errorf("since = %s", env.store.backfillArgs.since)
	}
}

func TestBroadcastEscalator_RedispatchesAtCritical(t *testing.T) {
	disp := &mockDispatcher{}
	esc := NewBroadcastEscalator(disp, nil)

	n := &types.Notification{
		ID:        "ntf_1",
		Priority:  types.PriorityP1,
		Title:     "Order stuck",
		GroupKey:  "grp_0011223344556677",
		Recipient: types.Recipient{ID: "usr_1", Role: types.RoleOnCall},
	}
	if err := esc.Escalate(context.Background(), n); err != nil {
		t.Fatalf("escalate: %v", err)
	}

	if len(disp.dispatched) != 1 {
		t.Fatalf("expected one dispatch")
	}
	got := disp.dispatched[0]
	if got.Priority != types.PriorityP0 {
		t.Errorf("escalation must use the critical route, got %s", got.Priority)
	}
	if got.Title != "[ESCALATED] Order stuck" {
		t.Errorf("title = %q", got.Title)
	}
	if got.GroupKey != "" {
		t.Error("escalation must detach from the original group")
	}
	if n.Priority != types.PriorityP1 {
		t.Error("original notification must not be mutated")
	}
}

package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"signaldesk/internal/routing"
	"signaldesk/internal/types"
)

// mockRepo is an in-memory DeliveryRepository safe for concurrent use.
type mockRepo struct {
	mu      sync.Mutex
	records map[string]*types.DeliveryRecord

	failInsert bool
}

func newMockRepo() *mockRepo {
	return &mockRepo{records: make(map[string]*types.DeliveryRecord)}
}

func (m *mockRepo) InsertDeliveryIfNotExists(_ context.Context, d *types.DeliveryRecord) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsert {
		return "", false, errors.New("insert failed")
	}
	if _, ok := m.records[d.ID]; ok {
		return d.ID, false, nil
	}
	cp := *d
	m.records[d.ID] = &cp
	return d.ID, true, nil
}

func (m *mockRepo) UpdateDeliveryStatus(_ context.Context, id string, status types.DeliveryStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return errors.New("no such delivery")
	}
	r.Status = status
	r.ErrorMessage = reason
	return nil
}

func (m *mockRepo) SetDeliverySent(_ context.Context, id, providerMsgID string, responseTimeMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return errors.New("no such delivery")
	}
	r.Status = types.DeliveryStatusSent
	r.ResponseTimeMs = responseTimeMs
	r.SentAt = time.Now()
	return nil
}

func (m *mockRepo) SetDeliveryConfirmed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return errors.New("no such delivery")
	}
	r.Status = types.DeliveryStatusDelivered
	r.DeliveredAt = time.Now()
	return nil
}

func (m *mockRepo) GetDeliveryStatus(_ context.Context, id string) (types.DeliveryStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return "", errors.New("no such delivery")
	}
	return r.Status, nil
}

func (m *mockRepo) IncrementAttempt(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return 0, errors.New("no such delivery")
	}
	r.Attempt++
	return r.Attempt, nil
}

func (m *mockRepo) record(id string) types.DeliveryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.records[id]
}

// mockSender returns scripted results for one channel.
type mockSender struct {
	channel types.ChannelType

	mu      sync.Mutex
	calls   int
	results []func() (*types.DeliveryResult, error)
}

func (s *mockSender) Channel() types.ChannelType { return s.channel }

func (s *mockSender) Send(context.Context, types.Notification, types.RenderedMessage) (*types.DeliveryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	return s.results[idx]()
}

func (s *mockSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func deliveredOK() func() (*types.DeliveryResult, error) {
	return func() (*types.DeliveryResult, error) {
		return &types.DeliveryResult{Delivered: true, ProviderMessageID: "prov-1"}, nil
	}
}

func transientFailure(reason string) func() (*types.DeliveryResult, error) {
	return func() (*types.DeliveryResult, error) {
		return &types.DeliveryResult{Delivered: false, Retryable: true, FailureReason: reason}, nil
	}
}

func permanentRefusal(reason string) func() (*types.DeliveryResult, error) {
	return func() (*types.DeliveryResult, error) {
		return &types.DeliveryResult{Delivered: false, Retryable: false, FailureReason: reason}, nil
	}
}

// mockScheduler records scheduled tasks without firing them.
type mockScheduler struct {
	mu     sync.Mutex
	tasks  []RetryTask
	delays []time.Duration
}

func (s *mockScheduler) Schedule(_ context.Context, task RetryTask, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	s.delays = append(s.delays, delay)
	return nil
}

func (s *mockScheduler) scheduled() ([]RetryTask, []time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RetryTask(nil), s.tasks...), append([]time.Duration(nil), s.delays...)
}

// staticGroups answers IsCurrent with a fixed value.
type staticGroups struct{ current bool }

func (g staticGroups) IsCurrent(string, int64) bool { return g.current }

func p0Notification() types.Notification {
	return types.Notification{
		ID:        "ntf_1",
		Priority:  types.PriorityP0,
		EventType: "payment_failed",
		Category:  types.CategoryPayment,
		Title:     "Payment failed",
		Message:   "Payment of $15,000.00 failed",
		GroupKey:  "grp_abc",
		Recipient: types.Recipient{
			ID:    "usr_1",
			Role:  types.RoleOnCall,
			Email: "oncall@example.com",
			Phone: "+15550100",
		},
		RequiresAck: true,
	}
}

func newTestDispatcher(repo *mockRepo, scheduler RetryScheduler, groups GroupIndex, senders ...types.ChannelSender) *Dispatcher {
	return NewDispatcher(
		routing.NewRouter(),
		NewDeliveryManager(repo, nil),
		senders,
		scheduler,
		groups,
		nil,
		types.RealClock{},
		nil,
	)
}

func TestDispatch_FansOutToAllRoutedChannels(t *testing.T) {
	repo := newMockRepo()
	scheduler := &mockScheduler{}
	ws := &mockSender{channel: types.ChannelWebsocket, results: []func() (*types.DeliveryResult, error){deliveredOK()}}
	email := &mockSender{channel: types.ChannelEmail, results: []func() (*types.DeliveryResult, error){deliveredOK()}}
	sms := &mockSender{channel: types.ChannelSMS, results: []func() (*types.DeliveryResult, error){deliveredOK()}}

	d := newTestDispatcher(repo, scheduler, staticGroups{current: true}, ws, email, sms)
	if err := d.Dispatch(context.Background(), p0Notification(), 1); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	for _, ch := range []types.ChannelType{types.ChannelWebsocket, types.ChannelEmail, types.ChannelSMS} {
		rec := repo.record(DeliveryID("ntf_1", ch))
		if rec.Status != types.DeliveryStatusDelivered {
			t.Errorf("channel %s: expected delivered, got %s", ch, rec.Status)
		}
		if rec.Attempt != 1 {
			t.Errorf("channel %s: expected 1 attempt, got %d", ch, rec.Attempt)
		}
	}
	if tasks, _ := scheduler.scheduled(); len(tasks) != 0 {
		t.Errorf("successful dispatch must schedule no retries, got %d", len(tasks))
	}
}

func TestDispatch_OneChannelFailureDoesNotBlockOthers(t *testing.T) {
	repo := newMockRepo()
	scheduler := &mockScheduler{}
	ws := &mockSender{channel: types.ChannelWebsocket, results: []func() (*types.DeliveryResult, error){transientFailure("no live connection")}}
	email := &mockSender{channel: types.ChannelEmail, results: []func() (*types.DeliveryResult, error){deliveredOK()}}
	sms := &mockSender{channel: types.ChannelSMS, results: []func() (*types.DeliveryResult, error){deliveredOK()}}

	d := newTestDispatcher(repo, scheduler, staticGroups{current: true}, ws, email, sms)
	if err := d.Dispatch(context.Background(), p0Notification(), 1); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if rec := repo.record(DeliveryID("ntf_1", types.ChannelEmail)); rec.Status != types.DeliveryStatusDelivered {
		t.Errorf("email must succeed despite websocket failure, got %s", rec.Status)
	}
	if rec := repo.record(DeliveryID("ntf_1", types.ChannelWebsocket)); rec.Status != types.DeliveryStatusRetrying {
		t.Errorf("failed websocket delivery must be retrying, got %s", rec.Status)
	}

	tasks, delays := scheduler.scheduled()
	if len(tasks) != 1 {
		t.Fatalf("expected exactly one scheduled retry, got %d", len(tasks))
	}
	if tasks[0].Channel != types.ChannelWebsocket || tasks[0].Attempt != 1 {
		t.Errorf("unexpected retry task: %+v", tasks[0])
	}
	if want := types.CalculateNextRetry(routing.WebsocketRetryPolicy, 1); delays[0] != want {
		t.Errorf("expected backoff delay %s, got %s", want, delays[0])
	}
}

func TestDispatch_PermanentRefusalFailsWithoutRetry(t *testing.T) {
	repo := newMockRepo()
	scheduler := &mockScheduler{}
	ws := &mockSender{channel: types.ChannelWebsocket, results: []func() (*types.DeliveryResult, error){deliveredOK()}}
	email := &mockSender{channel: types.ChannelEmail, results: []func() (*types.DeliveryResult, error){permanentRefusal("recipient has no email address")}}

	n := p0Notification()
	n.Priority = types.PriorityP1
	n.Recipient.Role = types.RoleOperator

	d := newTestDispatcher(repo, scheduler, staticGroups{current: true}, ws, email)
	if err := d.Dispatch(context.Background(), n, 1); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	rec := repo.record(DeliveryID("ntf_1", types.ChannelEmail))
	if rec.Status != types.DeliveryStatusFailed {
		t.Errorf("expected failed, got %s", rec.Status)
	}
	if rec.ErrorMessage != "recipient has no email address" {
		t.Errorf("expected refusal reason on the record, got %q", rec.ErrorMessage)
	}
	if tasks, _ := scheduler.scheduled(); len(tasks) != 0 {
		t.Errorf("non-retryable failure must not schedule retries, got %d", len(tasks))
	}
}

func TestDispatch_SupersededDispatchSchedulesNoRetry(t *testing.T) {
	repo := newMockRepo()
	scheduler := &mockScheduler{}
	ws := &mockSender{channel: types.ChannelWebsocket, results: []func() (*types.DeliveryResult, error){transientFailure("no live connection")}}

	n := p0Notification()
	n.Priority = types.PriorityP2
	n.Recipient.Role = types.RoleOperator

	d := newTestDispatcher(repo, scheduler, staticGroups{current: false}, ws)
	if err := d.Dispatch(context.Background(), n, 1); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if tasks, _ := scheduler.scheduled(); len(tasks) != 0 {
		t.Errorf("superseded dispatch must not schedule retries, got %d", len(tasks))
	}
	if rec := repo.record(DeliveryID("ntf_1", types.ChannelWebsocket)); rec.Status != types.DeliveryStatusRetrying {
		t.Errorf("record still reflects the failed attempt, got %s", rec.Status)
	}
}

func TestDispatch_NoRoutesIsLogOnly(t *testing.T) {
	repo := newMockRepo()
	scheduler := &mockScheduler{}

	n := p0Notification()
	n.Priority = types.PriorityP4

	d := newTestDispatcher(repo, scheduler, staticGroups{current: true})
	if err := d.Dispatch(context.Background(), n, 1); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(repo.records) != 0 {
		t.Errorf("silent tier must create no delivery records, got %d", len(repo.records))
	}
}

func TestDispatchUpdate_OnlyRefreshesLiveChannel(t *testing.T) {
	repo := newMockRepo()
	scheduler := &mockScheduler{}
	ws := &mockSender{channel: types.ChannelWebsocket, results: []func() (*types.DeliveryResult, error){deliveredOK()}}
	email := &mockSender{channel: types.ChannelEmail, results: []func() (*types.DeliveryResult, error){deliveredOK()}}
	sms := &mockSender{channel: types.ChannelSMS, results: []func() (*types.DeliveryResult, error){deliveredOK()}}

	n := p0Notification()
	n.GroupCount = 12

	d := newTestDispatcher(repo, scheduler, staticGroups{current: true}, ws, email, sms)
	if err := d.DispatchUpdate(context.Background(), n, 12); err != nil {
		t.Fatalf("dispatch update: %v", err)
	}

	if ws.callCount() != 1 {
		t.Errorf("live channel must receive the counter update, got %d sends", ws.callCount())
	}
	if email.callCount() != 0 || sms.callCount() != 0 {
		t.Errorf("provider channels must not be re-invoked on a merge: email=%d sms=%d",
			email.callCount(), sms.callCount())
	}
	if len(repo.records) != 0 {
		t.Errorf("a counter update must not touch delivery records, got %d", len(repo.records))
	}
	if tasks, _ := scheduler.scheduled(); len(tasks) != 0 {
		t.Errorf("a counter update must not schedule retries, got %d", len(tasks))
	}
}

func TestDispatchUpdate_NoLiveConnectionIsBestEffort(t *testing.T) {
	repo := newMockRepo()
	scheduler := &mockScheduler{}
	ws := &mockSender{channel: types.ChannelWebsocket, results: []func() (*types.DeliveryResult, error){transientFailure("no live connection")}}

	d := newTestDispatcher(repo, scheduler, staticGroups{current: true}, ws)
	if err := d.DispatchUpdate(context.Background(), p0Notification(), 2); err != nil {
		t.Fatalf("dispatch update: %v", err)
	}

	// Reconnect backfill carries the missed counter; no retry machinery.
	if tasks, _ := scheduler.scheduled(); len(tasks) != 0 {
		t.Errorf("missed counter update must not schedule retries, got %d", len(tasks))
	}
	if len(repo.records) != 0 {
		t.Errorf("missed counter update must not create delivery records, got %d", len(repo.records))
	}
}

func TestHandleRetry_DropsSupersededTask(t *testing.T) {
	repo := newMockRepo()
	scheduler := &mockScheduler{}
	ws := &mockSender{channel: types.ChannelWebsocket, results: []func() (*types.DeliveryResult, error){deliveredOK()}}

	d := newTestDispatcher(repo, scheduler, staticGroups{current: false}, ws)
	task := RetryTask{Notification: p0Notification(), Channel: types.ChannelWebsocket, Attempt: 1, Generation: 1}
	if err := d.HandleRetry(context.Background(), task); err != nil {
		t.Fatalf("handle retry: %v", err)
	}
	if ws.callCount() != 0 {
		t.Error("superseded retry must not reach the sender")
	}
}

func TestHandleRetry_SkipsAlreadyDeliveredRecord(t *testing.T) {
	repo := newMockRepo()
	scheduler := &mockScheduler{}
	ws := &mockSender{channel: types.ChannelWebsocket, results: []func() (*types.DeliveryResult, error){deliveredOK()}}

	d := newTestDispatcher(repo, scheduler, staticGroups{current: true}, ws)
	n := p0Notification()
	if err := d.Dispatch(context.Background(), n, 1); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if ws.callCount() != 1 {
		t.Fatalf("expected one initial send, got %d", ws.callCount())
	}

	// A stale retry task lands after the record already reached 'delivered'.
	task := RetryTask{Notification: n, Channel: types.ChannelWebsocket, Attempt: 1, Generation: 1}
	if err := d.HandleRetry(context.Background(), task); err != nil {
		t.Fatalf("handle retry: %v", err)
	}

	if ws.callCount() != 1 {
		t.Errorf("settled delivery must not be re-sent, got %d sends", ws.callCount())
	}
	rec := repo.record(DeliveryID("ntf_1", types.ChannelWebsocket))
	if rec.Status != types.DeliveryStatusDelivered {
		t.Errorf("record must stay delivered, got %s", rec.Status)
	}
	if rec.Attempt != 1 {
		t.Errorf("stale retry must not burn an attempt, got %d", rec.Attempt)
	}
}

func TestHandleRetry_RetriesUntilBudgetExhausted(t *testing.T) {
	repo := newMockRepo()
	scheduler := &mockScheduler{}
	ws := &mockSender{channel: types.ChannelWebsocket, results: []func() (*types.DeliveryResult, error){transientFailure("no live connection")}}

	n := p0Notification()
	n.Priority = types.PriorityP2
	n.Recipient.Role = types.RoleOperator

	d := newTestDispatcher(repo, scheduler, staticGroups{current: true}, ws)
	if err := d.Dispatch(context.Background(), n, 1); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// Drain scheduled tasks by hand until none remain.
	for i := 0; i < 10; i++ {
		tasks, _ := scheduler.scheduled()
		if len(tasks) == i {
			break
		}
		if err := d.HandleRetry(context.Background(), tasks[i]); err != nil {
			t.Fatalf("handle retry: %v", err)
		}
	}

	rec := repo.record(DeliveryID("ntf_1", types.ChannelWebsocket))
	if rec.Status != types.DeliveryStatusFailed {
		t.Errorf("expected permanent failure after budget exhausted, got %s", rec.Status)
	}
	if rec.Attempt != routing.WebsocketRetryPolicy.MaxAttempts {
		t.Errorf("expected %d attempts, got %d", routing.WebsocketRetryPolicy.MaxAttempts, rec.Attempt)
	}
	if tasks, _ := scheduler.scheduled(); len(tasks) != routing.WebsocketRetryPolicy.MaxAttempts-1 {
		t.Errorf("expected %d scheduled retries, got %d", routing.WebsocketRetryPolicy.MaxAttempts-1, len(tasks))
	}
}

func TestDispatch_ProviderErrorIsRetryable(t *testing.T) {
	repo := newMockRepo()
	scheduler := &mockScheduler{}
	email := &mockSender{channel: types.ChannelEmail, results: []func() (*types.DeliveryResult, error){
		func() (*types.DeliveryResult, error) { return nil, errors.New("connection reset") },
	}}

	n := p0Notification()
	n.Priority = types.PriorityP1
	n.Recipient.Role = types.RoleOperator

	// No websocket sender registered: only the email route is exercised.
	d := newTestDispatcher(repo, scheduler, staticGroups{current: true}, email)
	if err := d.Dispatch(context.Background(), n, 1); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	rec := repo.record(DeliveryID("ntf_1", types.ChannelEmail))
	if rec.Status != types.DeliveryStatusRetrying {
		t.Errorf("provider error must be retryable, got %s", rec.Status)
	}
	tasks, _ := scheduler.scheduled()
	if len(tasks) != 1 || tasks[0].Channel != types.ChannelEmail {
		t.Errorf("expected one email retry, got %+v", tasks)
	}
}

func TestRender_GroupCountInTitle(t *testing.T) {
	n := p0Notification()
	if got := Render(n).Title; got != "Payment failed" {
		t.Errorf("single notification must keep its title, got %q", got)
	}

	n.GroupCount = 12
	if got := Render(n).Title; got != "Payment failed (x12)" {
		t.Errorf("grouped notification must carry the count, got %q", got)
	}
}

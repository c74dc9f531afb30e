package settlement

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/fedibridge-system/internal/federation"
	"github.com/mmeshcher/fedibridge-system/internal/model"
	"github.com/mmeshcher/fedibridge-system/internal/notify"
	"github.com/mmeshcher/fedibridge-system/internal/repository"
)

type attemptKey struct {
	invoiceID uuid.UUID
	kind      model.ChannelKind
}

// stubLedger повторяет семантику постгрес-хранилища в памяти: условные
// переходы статусов и идемпотентную запись о расчёте.
type stubLedger struct {
	mu          sync.Mutex
	users       map[int64]model.User
	channels    map[int64][]model.Channel
	invoices    map[uuid.UUID]*model.Invoice
	byHash      map[string]uuid.UUID
	records     map[uuid.UUID]*model.SettlementRecord
	transitions []model.SettlementTransition
	attempts    map[attemptKey]*model.NotificationAttempt
}

func newStubLedger() *stubLedger {
	return &stubLedger{
		users:    make(map[int64]model.User),
		channels: make(map[int64][]model.Channel),
		invoices: make(map[uuid.UUID]*model.Invoice),
		byHash:   make(map[string]uuid.UUID),
		records:  make(map[uuid.UUID]*model.SettlementRecord),
		attempts: make(map[attemptKey]*model.NotificationAttempt),
	}
}

func (s *stubLedger) addUser(u model.User, channels ...model.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	s.channels[u.ID] = channels
}

func (s *stubLedger) addInvoice(inv model.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := inv
	s.invoices[inv.ID] = &cp
	s.byHash[inv.PaymentHash] = inv.ID
}

func (s *stubLedger) status(id uuid.UUID) model.InvoiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return ""
	}
	return inv.Status
}

func (s *stubLedger) transitionsTo(id uuid.UUID, to model.InvoiceStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tr := range s.transitions {
		if tr.InvoiceID == id && tr.ToStatus == to {
			n++
		}
	}
	return n
}

func (s *stubLedger) record(id uuid.UUID) *model.SettlementRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

func (s *stubLedger) attempt(id uuid.UUID, kind model.ChannelKind) *model.NotificationAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[attemptKey{id, kind}]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

func (s *stubLedger) GetInvoice(_ context.Context, id uuid.UUID) (*model.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, repository.ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *stubLedger) GetInvoiceByPaymentHash(_ context.Context, hash string) (*model.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, repository.ErrInvoiceNotFound
	}
	cp := *s.invoices[id]
	return &cp, nil
}

func (s *stubLedger) TransitionInvoice(_ context.Context, id uuid.UUID, from, to model.InvoiceStatus, operationID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return repository.ErrInvoiceNotFound
	}
	if inv.Status != from {
		return repository.ErrStaleTransition
	}
	inv.Status = to
	if operationID != nil {
		cp := *operationID
		inv.OperationID = &cp
	}
	s.transitions = append(s.transitions, model.SettlementTransition{InvoiceID: id, FromStatus: from, ToStatus: to})
	return nil
}

func (s *stubLedger) CommitSettlement(_ context.Context, id uuid.UUID, from model.InvoiceStatus, operationID string, noteRef *string, channels []model.ChannelKind) error {
	return s.finish(id, from, model.InvoiceStatusSettled, operationID, model.SettlementOutcomeSuccess, noteRef, channels)
}

func (s *stubLedger) FailSettlement(_ context.Context, id uuid.UUID, from model.InvoiceStatus, operationID string, channels []model.ChannelKind) error {
	return s.finish(id, from, model.InvoiceStatusRedeemFailed, operationID, model.SettlementOutcomeFailure, nil, channels)
}

func (s *stubLedger) finish(id uuid.UUID, from, to model.InvoiceStatus, operationID string, outcome model.SettlementOutcome, noteRef *string, channels []model.ChannelKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return repository.ErrInvoiceNotFound
	}
	if inv.Status != from {
		return repository.ErrStaleTransition
	}
	inv.Status = to
	s.transitions = append(s.transitions, model.SettlementTransition{InvoiceID: id, FromStatus: from, ToStatus: to})
	if _, ok := s.records[id]; !ok {
		now := time.Now()
		s.records[id] = &model.SettlementRecord{
			InvoiceID:   id,
			OperationID: operationID,
			Outcome:     outcome,
			NoteRef:     noteRef,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	for _, kind := range channels {
		key := attemptKey{id, kind}
		if _, ok := s.attempts[key]; !ok {
			s.attempts[key] = &model.NotificationAttempt{InvoiceID: id, Kind: kind, Status: model.DeliveryStatusNotAttempted}
		}
	}
	return nil
}

func (s *stubLedger) ExpirePendingInvoices(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, inv := range s.invoices {
		if inv.Status == model.InvoiceStatusPending && inv.ExpiresAt.Before(now) {
			inv.Status = model.InvoiceStatusExpired
			s.transitions = append(s.transitions, model.SettlementTransition{
				InvoiceID:  id,
				FromStatus: model.InvoiceStatusPending,
				ToStatus:   model.InvoiceStatusExpired,
			})
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *stubLedger) ListInvoicesByStatus(_ context.Context, statuses []model.InvoiceStatus, limit int) ([]model.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Invoice
	for _, inv := range s.invoices {
		for _, st := range statuses {
			if inv.Status == st {
				out = append(out, *inv)
				break
			}
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *stubLedger) ListUnfinishedNotifications(_ context.Context, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for key, a := range s.attempts {
		if a.Status != model.DeliveryStatusNotAttempted && a.Status != model.DeliveryStatusRetryable {
			continue
		}
		inv, ok := s.invoices[key.invoiceID]
		if !ok || (inv.Status != model.InvoiceStatusSettled && inv.Status != model.InvoiceStatusRedeemFailed) {
			continue
		}
		if !seen[key.invoiceID] {
			seen[key.invoiceID] = true
			ids = append(ids, key.invoiceID)
		}
		if len(ids) == limit {
			break
		}
	}
	return ids, nil
}

func (s *stubLedger) ListNotificationAttempts(_ context.Context, invoiceID uuid.UUID) ([]model.NotificationAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.NotificationAttempt
	for key, a := range s.attempts {
		if key.invoiceID == invoiceID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *stubLedger) UpdateNotificationAttempt(_ context.Context, invoiceID uuid.UUID, kind model.ChannelKind, status model.DeliveryStatus, attempts int, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := attemptKey{invoiceID, kind}
	a, ok := s.attempts[key]
	if !ok {
		a = &model.NotificationAttempt{InvoiceID: invoiceID, Kind: kind}
		s.attempts[key] = a
	}
	a.Status = status
	a.Attempts = attempts
	a.LastError = lastError
	return nil
}

func (s *stubLedger) GetSettlementRecord(_ context.Context, invoiceID uuid.UUID) (*model.SettlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[invoiceID]
	if !ok {
		return nil, errors.New("settlement record not found")
	}
	cp := *rec
	return &cp, nil
}

func (s *stubLedger) GetUserByID(_ context.Context, id int64) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return &u, nil
}

func (s *stubLedger) ListChannels(_ context.Context, userID int64) ([]model.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Channel(nil), s.channels[userID]...), nil
}

type pollStep struct {
	out *federation.Outcome
	err error
}

type stubGateway struct {
	mu          sync.Mutex
	redeemOp    string
	redeemErr   error
	redeemCalls int
	lookupOp    string
	lookupErr   error
	pollSteps   []pollStep
	pollCalls   int
}

func (g *stubGateway) Redeem(_ context.Context, _ string, _ int64, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.redeemCalls++
	if g.redeemErr != nil {
		return "", g.redeemErr
	}
	return g.redeemOp, nil
}

func (g *stubGateway) LookupOperation(_ context.Context, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lookupErr != nil {
		return "", g.lookupErr
	}
	return g.lookupOp, nil
}

// Poll отдаёт шаги сценария по порядку; последний шаг повторяется.
func (g *stubGateway) Poll(_ context.Context, _ string) (*federation.Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.pollSteps) == 0 {
		return nil, fmt.Errorf("%w: no poll script", federation.ErrUnreachable)
	}
	step := g.pollSteps[len(g.pollSteps)-1]
	if g.pollCalls < len(g.pollSteps) {
		step = g.pollSteps[g.pollCalls]
	}
	g.pollCalls++
	return step.out, step.err
}

func (g *stubGateway) setPoll(steps ...pollStep) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pollSteps = steps
	g.pollCalls = 0
}

func pollSuccess(noteRef string) pollStep {
	return pollStep{out: &federation.Outcome{State: federation.OutcomeSuccess, NoteRef: noteRef}}
}

func pollFailure(reason string) pollStep {
	return pollStep{out: &federation.Outcome{State: federation.OutcomeFailure, Reason: reason}}
}

func pollUnreachable() pollStep {
	return pollStep{err: fmt.Errorf("%w: connection refused", federation.ErrUnreachable)}
}

type announceCall struct {
	invoiceID  uuid.UUID
	msg        notify.Message
	deliveries int
}

type stubNotifier struct {
	mu    sync.Mutex
	calls []announceCall
}

func (n *stubNotifier) Announce(_ context.Context, invoiceID uuid.UUID, msg notify.Message, deliveries []notify.Delivery) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, announceCall{invoiceID: invoiceID, msg: msg, deliveries: len(deliveries)})
}

func (n *stubNotifier) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func (n *stubNotifier) lastCall() announceCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[len(n.calls)-1]
}

func newTestCoordinator(ledger Ledger, gateway Gateway, notifier Notifier) *Coordinator {
	return NewCoordinator(ledger, gateway, notifier, zap.NewNop(), Options{
		PollBaseDelay:  time.Millisecond,
		PollMaxRetries: 2,
	})
}

func newPendingInvoice(userID int64) model.Invoice {
	id := uuid.New()
	return model.Invoice{
		ID:             id,
		UserID:         userID,
		FederationID:   "fed-1",
		AmountMsat:     21_000,
		PaymentRequest: "lnbc210n1...",
		PaymentHash:    "hash-" + id.String(),
		Status:         model.InvoiceStatusPending,
		CreatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(10 * time.Minute),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandlePaymentSignal_SettlesInvoice(t *testing.T) {
	ledger := newStubLedger()
	ledger.addUser(model.User{ID: 1, Name: "satoshi", FederationID: "fed-1"},
		model.Channel{UserID: 1, Kind: model.ChannelKindRelay, Endpoint: "http://relay", Target: "pk"})
	inv := newPendingInvoice(1)
	ledger.addInvoice(inv)

	gw := &stubGateway{redeemOp: "op-1"}
	gw.setPoll(pollSuccess("note-ref-1"))
	notifier := &stubNotifier{}
	c := newTestCoordinator(ledger, gw, notifier)

	if err := c.HandlePaymentSignal(context.Background(), inv.PaymentHash, inv.AmountMsat); err != nil {
		t.Fatalf("HandlePaymentSignal error: %v", err)
	}

	waitFor(t, "invoice settled", func() bool {
		return ledger.status(inv.ID) == model.InvoiceStatusSettled
	})
	waitFor(t, "notification announced", func() bool {
		return notifier.callCount() == 1
	})

	rec := ledger.record(inv.ID)
	if rec == nil {
		t.Fatalf("settlement record not created")
	}
	if rec.Outcome != model.SettlementOutcomeSuccess || rec.OperationID != "op-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.NoteRef == nil || *rec.NoteRef != "note-ref-1" {
		t.Fatalf("note ref not recorded: %+v", rec)
	}

	stored, err := ledger.GetInvoice(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("GetInvoice: %v", err)
	}
	if stored.OperationID == nil || *stored.OperationID != "op-1" {
		t.Fatalf("operation id not persisted: %+v", stored.OperationID)
	}

	call := notifier.lastCall()
	if call.invoiceID != inv.ID || call.deliveries != 1 {
		t.Fatalf("unexpected announce call: %+v", call)
	}
	if call.msg.Outcome != "settled" || call.msg.Address != "satoshi" {
		t.Fatalf("unexpected message: %+v", call.msg)
	}
}

func TestHandlePaymentSignal_Duplicate(t *testing.T) {
	ledger := newStubLedger()
	ledger.addUser(model.User{ID: 1, Name: "satoshi"})
	inv := newPendingInvoice(1)
	inv.Status = model.InvoiceStatusSettled
	ledger.addInvoice(inv)

	gw := &stubGateway{redeemOp: "op-1"}
	c := newTestCoordinator(ledger, gw, &stubNotifier{})

	err := c.HandlePaymentSignal(context.Background(), inv.PaymentHash, inv.AmountMsat)
	if !errors.Is(err, ErrDuplicateTrigger) {
		t.Fatalf("expected ErrDuplicateTrigger, got %v", err)
	}
	if got := ledger.status(inv.ID); got != model.InvoiceStatusSettled {
		t.Fatalf("status changed on duplicate signal: %s", got)
	}
	if gw.redeemCalls != 0 {
		t.Fatalf("duplicate signal reached the gateway: %d calls", gw.redeemCalls)
	}
}

func TestHandlePaymentSignal_UnknownHash(t *testing.T) {
	c := newTestCoordinator(newStubLedger(), &stubGateway{}, &stubNotifier{})

	err := c.HandlePaymentSignal(context.Background(), "no-such-hash", 1000)
	if !errors.Is(err, repository.ErrInvoiceNotFound) {
		t.Fatalf("expected ErrInvoiceNotFound, got %v", err)
	}
}

func TestHandlePaymentSignal_AfterFailedRedemption(t *testing.T) {
	ledger := newStubLedger()
	ledger.addUser(model.User{ID: 1, Name: "satoshi"})
	inv := newPendingInvoice(1)
	inv.Status = model.InvoiceStatusRedeemFailed
	ledger.addInvoice(inv)

	gw := &stubGateway{}
	c := newTestCoordinator(ledger, gw, &stubNotifier{})

	// Повторный сигнал по инвойсу с окончательно отказанным погашением —
	// тоже дубликат: терминальный статус не меняется.
	err := c.HandlePaymentSignal(context.Background(), inv.PaymentHash, inv.AmountMsat)
	if !errors.Is(err, ErrDuplicateTrigger) {
		t.Fatalf("expected ErrDuplicateTrigger, got %v", err)
	}
	if got := ledger.status(inv.ID); got != model.InvoiceStatusRedeemFailed {
		t.Fatalf("terminal status changed: %s", got)
	}
	if gw.redeemCalls != 0 {
		t.Fatalf("signal on terminal invoice reached the gateway")
	}
}

func TestDrive_ResumesAfterCrashBeforeCommit(t *testing.T) {
	ledger := newStubLedger()
	ledger.addUser(model.User{ID: 1, Name: "satoshi"},
		model.Channel{UserID: 1, Kind: model.ChannelKindRelay, Endpoint: "http://relay", Target: "pk"})
	inv := newPendingInvoice(1)
	opID := "op-9"
	inv.Status = model.InvoiceStatusRedeeming
	inv.OperationID = &opID
	ledger.addInvoice(inv)

	gw := &stubGateway{}
	gw.setPoll(pollSuccess("note-ref-9"))
	notifier := &stubNotifier{}
	c := newTestCoordinator(ledger, gw, notifier)

	c.Drive(context.Background(), inv.ID)

	if got := ledger.status(inv.ID); got != model.InvoiceStatusSettled {
		t.Fatalf("status = %s, want SETTLED", got)
	}
	if gw.redeemCalls != 0 {
		t.Fatalf("resume re-submitted redemption: %d calls", gw.redeemCalls)
	}

	// Повторный прогон по уже рассчитанному инвойсу ничего не меняет.
	c.Drive(context.Background(), inv.ID)

	if n := ledger.transitionsTo(inv.ID, model.InvoiceStatusSettled); n != 1 {
		t.Fatalf("SETTLED transitions = %d, want 1", n)
	}
	rec := ledger.record(inv.ID)
	if rec == nil || rec.OperationID != opID {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestDrive_LooksUpMissingOperationID(t *testing.T) {
	ledger := newStubLedger()
	ledger.addUser(model.User{ID: 1, Name: "satoshi"})
	inv := newPendingInvoice(1)
	inv.Status = model.InvoiceStatusRedeeming
	ledger.addInvoice(inv)

	gw := &stubGateway{lookupOp: "op-recovered"}
	gw.setPoll(pollSuccess(""))
	c := newTestCoordinator(ledger, gw, &stubNotifier{})

	c.Drive(context.Background(), inv.ID)

	if got := ledger.status(inv.ID); got != model.InvoiceStatusSettled {
		t.Fatalf("status = %s, want SETTLED", got)
	}
	rec := ledger.record(inv.ID)
	if rec == nil || rec.OperationID != "op-recovered" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestDrive_UnreachableMarksUnknownThenSettles(t *testing.T) {
	ledger := newStubLedger()
	ledger.addUser(model.User{ID: 1, Name: "satoshi"})
	inv := newPendingInvoice(1)
	opID := "op-5"
	inv.Status = model.InvoiceStatusRedeeming
	inv.OperationID = &opID
	ledger.addInvoice(inv)

	gw := &stubGateway{}
	gw.setPoll(pollUnreachable())
	notifier := &stubNotifier{}
	c := newTestCoordinator(ledger, gw, notifier)

	c.Drive(context.Background(), inv.ID)

	if got := ledger.status(inv.ID); got != model.InvoiceStatusRedeemUnknown {
		t.Fatalf("status = %s, want REDEEM_UNKNOWN", got)
	}
	if ledger.record(inv.ID) != nil {
		t.Fatalf("settlement record created without a known outcome")
	}
	if notifier.callCount() != 0 {
		t.Fatalf("notified without a known outcome")
	}

	// Федерация снова доступна: сверка выясняет исход и фиксирует его.
	gw.setPoll(pollSuccess("note-ref-5"))
	c.Drive(context.Background(), inv.ID)

	if got := ledger.status(inv.ID); got != model.InvoiceStatusSettled {
		t.Fatalf("status = %s, want SETTLED", got)
	}
	if n := ledger.transitionsTo(inv.ID, model.InvoiceStatusSettled); n != 1 {
		t.Fatalf("SETTLED transitions = %d, want 1", n)
	}
}

func TestDrive_FailureMarksRedeemFailed(t *testing.T) {
	ledger := newStubLedger()
	ledger.addUser(model.User{ID: 1, Name: "satoshi"},
		model.Channel{UserID: 1, Kind: model.ChannelKindRoom, Endpoint: "http://chat", Target: "room-1"})
	inv := newPendingInvoice(1)
	opID := "op-3"
	inv.Status = model.InvoiceStatusRedeeming
	inv.OperationID = &opID
	ledger.addInvoice(inv)

	gw := &stubGateway{}
	gw.setPoll(pollFailure("invalid federation id"))
	notifier := &stubNotifier{}
	c := newTestCoordinator(ledger, gw, notifier)

	c.Drive(context.Background(), inv.ID)

	if got := ledger.status(inv.ID); got != model.InvoiceStatusRedeemFailed {
		t.Fatalf("status = %s, want REDEEM_FAILED", got)
	}
	rec := ledger.record(inv.ID)
	if rec == nil || rec.Outcome != model.SettlementOutcomeFailure {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if notifier.callCount() != 1 {
		t.Fatalf("announce calls = %d, want 1", notifier.callCount())
	}
	if msg := notifier.lastCall().msg; msg.Outcome != "failed" {
		t.Fatalf("unexpected outcome in message: %q", msg.Outcome)
	}
}

func TestDrive_PendingThenSuccess(t *testing.T) {
	ledger := newStubLedger()
	ledger.addUser(model.User{ID: 1, Name: "satoshi"})
	inv := newPendingInvoice(1)
	opID := "op-7"
	inv.Status = model.InvoiceStatusRedeeming
	inv.OperationID = &opID
	ledger.addInvoice(inv)

	gw := &stubGateway{}
	gw.setPoll(
		pollStep{out: &federation.Outcome{State: federation.OutcomePending}},
		pollSuccess(""),
	)
	c := newTestCoordinator(ledger, gw, &stubNotifier{})

	c.Drive(context.Background(), inv.ID)

	if got := ledger.status(inv.ID); got != model.InvoiceStatusSettled {
		t.Fatalf("status = %s, want SETTLED", got)
	}
	if gw.pollCalls != 2 {
		t.Fatalf("poll calls = %d, want 2", gw.pollCalls)
	}
}

func TestReconcile_ResumesPaidInvoice(t *testing.T) {
	ledger := newStubLedger()
	ledger.addUser(model.User{ID: 1, Name: "satoshi"})
	inv := newPendingInvoice(1)
	inv.Status = model.InvoiceStatusPaid
	ledger.addInvoice(inv)

	gw := &stubGateway{redeemErr: fmt.Errorf("%w: connection refused", federation.ErrUnreachable)}
	c := newTestCoordinator(ledger, gw, &stubNotifier{})

	// Шлюз недоступен: инвойс остаётся PAID, деньги не потеряны.
	c.reconcile(context.Background())

	if got := ledger.status(inv.ID); got != model.InvoiceStatusPaid {
		t.Fatalf("status = %s, want PAID", got)
	}

	gw.mu.Lock()
	gw.redeemErr = nil
	gw.redeemOp = "op-11"
	gw.mu.Unlock()
	gw.setPoll(pollSuccess(""))

	c.reconcile(context.Background())

	if got := ledger.status(inv.ID); got != model.InvoiceStatusSettled {
		t.Fatalf("status = %s, want SETTLED", got)
	}
	rec := ledger.record(inv.ID)
	if rec == nil || rec.OperationID != "op-11" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestSweepExpired(t *testing.T) {
	ledger := newStubLedger()
	ledger.addUser(model.User{ID: 1, Name: "satoshi"})

	stale := newPendingInvoice(1)
	stale.ExpiresAt = time.Now().Add(-time.Minute)
	ledger.addInvoice(stale)

	fresh := newPendingInvoice(1)
	ledger.addInvoice(fresh)

	gw := &stubGateway{}
	c := newTestCoordinator(ledger, gw, &stubNotifier{})

	c.sweepExpired(context.Background())

	if got := ledger.status(stale.ID); got != model.InvoiceStatusExpired {
		t.Fatalf("stale invoice status = %s, want EXPIRED", got)
	}
	if got := ledger.status(fresh.ID); got != model.InvoiceStatusPending {
		t.Fatalf("fresh invoice status = %s, want PENDING", got)
	}
	if gw.redeemCalls != 0 || gw.pollCalls != 0 {
		t.Fatalf("expiry touched the federation gateway")
	}
}

func TestReplayNotifications(t *testing.T) {
	ledger := newStubLedger()
	ledger.addUser(model.User{ID: 1, Name: "satoshi"},
		model.Channel{UserID: 1, Kind: model.ChannelKindRelay, Endpoint: "http://relay", Target: "pk"},
		model.Channel{UserID: 1, Kind: model.ChannelKindRoom, Endpoint: "http://chat", Target: "room-1"})
	inv := newPendingInvoice(1)
	inv.Status = model.InvoiceStatusSettled
	ledger.addInvoice(inv)

	ledger.attempts[attemptKey{inv.ID, model.ChannelKindRelay}] = &model.NotificationAttempt{
		InvoiceID: inv.ID, Kind: model.ChannelKindRelay, Status: model.DeliveryStatusRetryable, Attempts: 2,
	}
	ledger.attempts[attemptKey{inv.ID, model.ChannelKindRoom}] = &model.NotificationAttempt{
		InvoiceID: inv.ID, Kind: model.ChannelKindRoom, Status: model.DeliveryStatusDelivered, Attempts: 1,
	}

	notifier := &stubNotifier{}
	c := newTestCoordinator(ledger, &stubGateway{}, notifier)

	c.replayNotifications(context.Background())

	if notifier.callCount() != 1 {
		t.Fatalf("announce calls = %d, want 1", notifier.callCount())
	}
	// Доставленный канал не перепосылается: в рассылку попал только RETRYABLE.
	if call := notifier.lastCall(); call.deliveries != 1 {
		t.Fatalf("deliveries = %d, want 1", call.deliveries)
	}

	// После того как каналы закрыты, повторный проход ничего не рассылает.
	ledger.attempts[attemptKey{inv.ID, model.ChannelKindRelay}].Status = model.DeliveryStatusPermanent
	c.replayNotifications(context.Background())

	if notifier.callCount() != 1 {
		t.Fatalf("replay of finished notifications: %d calls", notifier.callCount())
	}
}

func TestSettle_DeliversOverTwoChannels(t *testing.T) {
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer relay.Close()
	room := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer room.Close()

	ledger := newStubLedger()
	ledger.addUser(model.User{ID: 1, Name: "satoshi"},
		model.Channel{UserID: 1, Kind: model.ChannelKindRelay, Endpoint: relay.URL, Target: "pk"},
		model.Channel{UserID: 1, Kind: model.ChannelKindRoom, Endpoint: room.URL, Target: "room-1"})
	inv := newPendingInvoice(1)
	opID := "op-2"
	inv.Status = model.InvoiceStatusRedeeming
	inv.OperationID = &opID
	ledger.addInvoice(inv)

	gw := &stubGateway{}
	gw.setPoll(pollSuccess("note-ref-2"))
	fanout := notify.NewFanout(ledger, zap.NewNop(), 3)
	c := newTestCoordinator(ledger, gw, fanout)

	c.Drive(context.Background(), inv.ID)

	// Отказ одного канала не влияет ни на расчёт, ни на второй канал.
	if got := ledger.status(inv.ID); got != model.InvoiceStatusSettled {
		t.Fatalf("status = %s, want SETTLED", got)
	}
	relayAttempt := ledger.attempt(inv.ID, model.ChannelKindRelay)
	if relayAttempt == nil || relayAttempt.Status != model.DeliveryStatusPermanent {
		t.Fatalf("unexpected relay attempt: %+v", relayAttempt)
	}
	roomAttempt := ledger.attempt(inv.ID, model.ChannelKindRoom)
	if roomAttempt == nil || roomAttempt.Status != model.DeliveryStatusDelivered {
		t.Fatalf("unexpected room attempt: %+v", roomAttempt)
	}
}

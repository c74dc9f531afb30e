// Package settlement реализует координатор расчётов: машину состояний
// инвойса от сигнала об оплате до зачисления нот федерации и рассылки
// уведомлений. Координатор — единственный источник переходов статуса
// инвойса; после рестарта он восстанавливает всё состояние из хранилища.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/fedibridge-system/internal/federation"
	"github.com/mmeshcher/fedibridge-system/internal/model"
	"github.com/mmeshcher/fedibridge-system/internal/notify"
	"github.com/mmeshcher/fedibridge-system/internal/repository"
)

// ErrDuplicateTrigger возвращается на повторный сигнал об оплате инвойса,
// который уже покинул статус PENDING. Для вызывающей стороны это не ошибка:
// сигнал идемпотентен.
var ErrDuplicateTrigger = errors.New("duplicate payment trigger")

// Ledger описывает контракт доступа к хранилищу, используемый координатором.
type Ledger interface {
	GetInvoice(ctx context.Context, id uuid.UUID) (*model.Invoice, error)
	GetInvoiceByPaymentHash(ctx context.Context, hash string) (*model.Invoice, error)
	TransitionInvoice(ctx context.Context, id uuid.UUID, from, to model.InvoiceStatus, operationID *string) error
	CommitSettlement(ctx context.Context, id uuid.UUID, from model.InvoiceStatus, operationID string, noteRef *string, channels []model.ChannelKind) error
	FailSettlement(ctx context.Context, id uuid.UUID, from model.InvoiceStatus, operationID string, channels []model.ChannelKind) error
	ExpirePendingInvoices(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	ListInvoicesByStatus(ctx context.Context, statuses []model.InvoiceStatus, limit int) ([]model.Invoice, error)
	ListUnfinishedNotifications(ctx context.Context, limit int) ([]uuid.UUID, error)
	ListNotificationAttempts(ctx context.Context, invoiceID uuid.UUID) ([]model.NotificationAttempt, error)
	GetSettlementRecord(ctx context.Context, invoiceID uuid.UUID) (*model.SettlementRecord, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	ListChannels(ctx context.Context, userID int64) ([]model.Channel, error)
}

// Gateway описывает контракт шлюза федерации, используемый координатором.
type Gateway interface {
	Redeem(ctx context.Context, federationID string, amountMsat int64, invoiceID string) (string, error)
	LookupOperation(ctx context.Context, invoiceID string) (string, error)
	Poll(ctx context.Context, operationID string) (*federation.Outcome, error)
}

// Notifier описывает рассыльщик уведомлений о расчётах.
type Notifier interface {
	Announce(ctx context.Context, invoiceID uuid.UUID, msg notify.Message, deliveries []notify.Delivery)
}

// Options настраивает периодику и пределы работы координатора.
type Options struct {
	ReconcileInterval time.Duration
	ReconcileBatch    int
	PollBaseDelay     time.Duration
	PollMaxRetries    uint64
}

func (o *Options) withDefaults() {
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = 30 * time.Second
	}
	if o.ReconcileBatch <= 0 {
		o.ReconcileBatch = 100
	}
	if o.PollBaseDelay <= 0 {
		o.PollBaseDelay = time.Second
	}
	if o.PollMaxRetries == 0 {
		o.PollMaxRetries = 5
	}
}

// Coordinator управляет жизненным циклом расчётов. На каждый инвойс
// одновременно выполняется не более одного перехода: живой обработчик
// сигнала и проход сверки сериализуются замком по идентификатору инвойса,
// а условные UPDATE в хранилище остаются последней линией защиты.
type Coordinator struct {
	ledger   Ledger
	gateway  Gateway
	notifier Notifier
	logger   *zap.Logger
	opts     Options

	locks locksByInvoice
}

// NewCoordinator создаёт координатор расчётов.
func NewCoordinator(ledger Ledger, gateway Gateway, notifier Notifier, logger *zap.Logger, opts Options) *Coordinator {
	opts.withDefaults()
	return &Coordinator{
		ledger:   ledger,
		gateway:  gateway,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
	}
}

// locksByInvoice выдаёт мьютекс на идентификатор инвойса. Записи убираются,
// когда замок никому не нужен.
type locksByInvoice struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (l *locksByInvoice) lock(id uuid.UUID) func() {
	l.mu.Lock()
	if l.entries == nil {
		l.entries = make(map[uuid.UUID]*lockEntry)
	}
	e, ok := l.entries[id]
	if !ok {
		e = &lockEntry{}
		l.entries[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, id)
		}
		l.mu.Unlock()
	}
}

// HandlePaymentSignal обрабатывает внешний сигнал «инвойс оплачен».
// Сигнал идемпотентен: повторное уведомление об уже оплаченном инвойсе
// возвращает ErrDuplicateTrigger и ничего не меняет. Успешный переход в
// PAID запускает погашение, которое уже нельзя отменить — оно доводится
// до терминального состояния независимо от контекста запроса.
func (c *Coordinator) HandlePaymentSignal(ctx context.Context, paymentHash string, amountMsat int64) error {
	inv, err := c.ledger.GetInvoiceByPaymentHash(ctx, paymentHash)
	if err != nil {
		return err
	}

	unlock := c.locks.lock(inv.ID)
	defer unlock()

	inv, err = c.ledger.GetInvoice(ctx, inv.ID)
	if err != nil {
		return err
	}

	if inv.Status != model.InvoiceStatusPending {
		c.logger.Info("duplicate payment signal",
			zap.String("invoiceID", inv.ID.String()),
			zap.String("status", string(inv.Status)))
		return ErrDuplicateTrigger
	}

	if amountMsat != inv.AmountMsat {
		// Сумма инвойса авторитетна для погашения; расхождение только логируем.
		c.logger.Warn("payment amount mismatch",
			zap.String("invoiceID", inv.ID.String()),
			zap.Int64("invoiceMsat", inv.AmountMsat),
			zap.Int64("paidMsat", amountMsat))
	}

	if err := c.ledger.TransitionInvoice(ctx, inv.ID, model.InvoiceStatusPending, model.InvoiceStatusPaid, nil); err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			return ErrDuplicateTrigger
		}
		return fmt.Errorf("mark invoice paid: %w", err)
	}

	go c.Drive(context.WithoutCancel(ctx), inv.ID)

	return nil
}

// Drive доводит один инвойс до следующего устойчивого состояния: отправляет
// погашение для PAID, опрашивает операцию для REDEEMING и REDEEM_UNKNOWN.
// Безопасен при повторных и конкурирующих вызовах.
func (c *Coordinator) Drive(ctx context.Context, id uuid.UUID) {
	unlock := c.locks.lock(id)
	defer unlock()

	inv, err := c.ledger.GetInvoice(ctx, id)
	if err != nil {
		c.logger.Error("load invoice", zap.Error(err), zap.String("invoiceID", id.String()))
		return
	}

	switch inv.Status {
	case model.InvoiceStatusPaid:
		c.redeem(ctx, inv)
	case model.InvoiceStatusRedeeming, model.InvoiceStatusRedeemUnknown:
		c.resolve(ctx, inv)
	default:
		// Терминальные и неоплаченные инвойсы здесь не обрабатываются.
	}
}

// redeem выполняет переход PAID → REDEEMING: отправляет погашение и сохраняет
// идентификатор операции до какого-либо дальнейшего действия, чтобы он
// пережил рестарт.
func (c *Coordinator) redeem(ctx context.Context, inv *model.Invoice) {
	opID, err := c.gateway.Redeem(ctx, inv.FederationID, inv.AmountMsat, inv.ID.String())
	if err != nil {
		// Шлюз недоступен: инвойс остаётся PAID, сверка повторит отправку.
		// Повторная отправка безопасна — шлюз идемпотентен по инвойсу.
		c.logger.Warn("redeem submit failed", zap.Error(err), zap.String("invoiceID", inv.ID.String()))
		return
	}

	err = c.ledger.TransitionInvoice(ctx, inv.ID, model.InvoiceStatusPaid, model.InvoiceStatusRedeeming, &opID)
	if err != nil {
		if !errors.Is(err, repository.ErrStaleTransition) {
			c.logger.Error("mark invoice redeeming", zap.Error(err), zap.String("invoiceID", inv.ID.String()))
		}
		return
	}

	inv.Status = model.InvoiceStatusRedeeming
	inv.OperationID = &opID

	c.resolve(ctx, inv)
}

// resolve опрашивает операцию погашения с ограниченным числом повторов и
// доводит инвойс до SETTLED либо REDEEM_FAILED. Если исход так и не выяснен,
// инвойс помечается REDEEM_UNKNOWN и остаётся за проходом сверки: недоступность
// федерации никогда не трактуется как потеря средств.
func (c *Coordinator) resolve(ctx context.Context, inv *model.Invoice) {
	opID, err := c.operationID(ctx, inv)
	if err != nil {
		c.logger.Warn("resolve operation id", zap.Error(err), zap.String("invoiceID", inv.ID.String()))
		return
	}

	var outcome *federation.Outcome

	backoff := retry.WithMaxRetries(c.opts.PollMaxRetries, retry.NewExponential(c.opts.PollBaseDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		out, pollErr := c.gateway.Poll(ctx, opID)
		if pollErr != nil {
			if errors.Is(pollErr, federation.ErrUnreachable) {
				return retry.RetryableError(pollErr)
			}
			return pollErr
		}
		if out.State == federation.OutcomePending {
			if out.RetryAfter > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(out.RetryAfter):
				}
			}
			return retry.RetryableError(errors.New("operation still pending"))
		}
		outcome = out
		return nil
	})

	if err != nil || outcome == nil {
		c.markUnknown(ctx, inv)
		return
	}

	switch outcome.State {
	case federation.OutcomeSuccess:
		c.settle(ctx, inv, opID, outcome.NoteRef)
	case federation.OutcomeFailure:
		c.fail(ctx, inv, opID, outcome.Reason)
	}
}

// operationID возвращает сохранённый идентификатор операции, а при его
// отсутствии восстанавливает через шлюз по инвойсу.
func (c *Coordinator) operationID(ctx context.Context, inv *model.Invoice) (string, error) {
	if inv.OperationID != nil && *inv.OperationID != "" {
		return *inv.OperationID, nil
	}

	opID, err := c.gateway.LookupOperation(ctx, inv.ID.String())
	if err != nil {
		return "", fmt.Errorf("lookup operation: %w", err)
	}
	return opID, nil
}

func (c *Coordinator) markUnknown(ctx context.Context, inv *model.Invoice) {
	if inv.Status != model.InvoiceStatusRedeeming {
		return
	}

	err := c.ledger.TransitionInvoice(ctx, inv.ID, model.InvoiceStatusRedeeming, model.InvoiceStatusRedeemUnknown, nil)
	if err != nil && !errors.Is(err, repository.ErrStaleTransition) {
		c.logger.Error("mark invoice unknown", zap.Error(err), zap.String("invoiceID", inv.ID.String()))
		return
	}

	c.logger.Warn("redemption outcome unknown, awaiting reconciliation",
		zap.String("invoiceID", inv.ID.String()))
}

// settle фиксирует успешное погашение. Запись о расчёте и переход в SETTLED
// выполняются одной транзакцией хранилища: если процесс упал между успехом
// шлюза и фиксацией, сверка обнаружит успех через Poll и зафиксирует его
// ровно один раз.
func (c *Coordinator) settle(ctx context.Context, inv *model.Invoice, opID, noteRef string) {
	kinds, err := c.channelKinds(ctx, inv.UserID)
	if err != nil {
		c.logger.Error("list channels", zap.Error(err), zap.String("invoiceID", inv.ID.String()))
		return
	}

	var noteRefPtr *string
	if noteRef != "" {
		noteRefPtr = &noteRef
	}

	err = c.ledger.CommitSettlement(ctx, inv.ID, inv.Status, opID, noteRefPtr, kinds)
	if err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			return
		}
		c.logger.Error("commit settlement", zap.Error(err), zap.String("invoiceID", inv.ID.String()))
		return
	}

	c.logger.Info("invoice settled",
		zap.String("invoiceID", inv.ID.String()),
		zap.Int64("amountMsat", inv.AmountMsat))

	c.announce(ctx, inv.ID)
}

// fail фиксирует окончательный отказ федерации: средства не зачислены.
func (c *Coordinator) fail(ctx context.Context, inv *model.Invoice, opID, reason string) {
	kinds, err := c.channelKinds(ctx, inv.UserID)
	if err != nil {
		c.logger.Error("list channels", zap.Error(err), zap.String("invoiceID", inv.ID.String()))
		return
	}

	err = c.ledger.FailSettlement(ctx, inv.ID, inv.Status, opID, kinds)
	if err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			return
		}
		c.logger.Error("fail settlement", zap.Error(err), zap.String("invoiceID", inv.ID.String()))
		return
	}

	c.logger.Warn("redemption failed",
		zap.String("invoiceID", inv.ID.String()),
		zap.String("reason", reason))

	c.announce(ctx, inv.ID)
}

func (c *Coordinator) channelKinds(ctx context.Context, userID int64) ([]model.ChannelKind, error) {
	channels, err := c.ledger.ListChannels(ctx, userID)
	if err != nil {
		return nil, err
	}
	kinds := make([]model.ChannelKind, 0, len(channels))
	for _, ch := range channels {
		kinds = append(kinds, ch.Kind)
	}
	return kinds, nil
}

// announce рассылает уведомление о терминальном исходе по каналам, которые
// ещё не получили доставку. Исход рассылки не влияет на статус расчёта, а
// повторная доставка после рестарта допустима: получатели переносят дубликаты.
func (c *Coordinator) announce(ctx context.Context, invoiceID uuid.UUID) {
	inv, err := c.ledger.GetInvoice(ctx, invoiceID)
	if err != nil {
		c.logger.Error("load invoice for announce", zap.Error(err), zap.String("invoiceID", invoiceID.String()))
		return
	}

	user, err := c.ledger.GetUserByID(ctx, inv.UserID)
	if err != nil {
		c.logger.Error("load user for announce", zap.Error(err), zap.String("invoiceID", invoiceID.String()))
		return
	}

	attempts, err := c.ledger.ListNotificationAttempts(ctx, invoiceID)
	if err != nil {
		c.logger.Error("list notification attempts", zap.Error(err), zap.String("invoiceID", invoiceID.String()))
		return
	}

	channels, err := c.ledger.ListChannels(ctx, inv.UserID)
	if err != nil {
		c.logger.Error("list channels", zap.Error(err), zap.String("invoiceID", invoiceID.String()))
		return
	}
	byKind := make(map[model.ChannelKind]model.Channel, len(channels))
	for _, ch := range channels {
		byKind[ch.Kind] = ch
	}

	var deliveries []notify.Delivery
	for _, a := range attempts {
		if a.Status != model.DeliveryStatusNotAttempted && a.Status != model.DeliveryStatusRetryable {
			continue
		}
		cfg, ok := byKind[a.Kind]
		if !ok {
			continue
		}
		ch, err := notify.NewChannel(cfg)
		if err != nil {
			c.logger.Error("build channel", zap.Error(err), zap.String("invoiceID", invoiceID.String()))
			continue
		}
		deliveries = append(deliveries, notify.Delivery{Channel: ch, PriorAttempts: a.Attempts})
	}

	if len(deliveries) == 0 {
		return
	}

	c.notifier.Announce(ctx, invoiceID, c.buildMessage(ctx, inv, user), deliveries)
}

func (c *Coordinator) buildMessage(ctx context.Context, inv *model.Invoice, user *model.User) notify.Message {
	msg := notify.Message{
		InvoiceID:      inv.ID.String(),
		Address:        user.Name,
		AmountMsat:     inv.AmountMsat,
		SettledAt:      time.Now().UTC().Format(time.RFC3339),
		InviteCode:     user.InviteCode,
		PaymentRequest: inv.PaymentRequest,
	}

	if rec, err := c.ledger.GetSettlementRecord(ctx, inv.ID); err == nil {
		msg.SettledAt = rec.UpdatedAt.UTC().Format(time.RFC3339)
		if rec.NoteRef != nil {
			msg.NoteRef = *rec.NoteRef
		}
	}

	if inv.Status == model.InvoiceStatusSettled {
		msg.Outcome = "settled"
		msg.Body = "You've received a federation payment. Open your wallet app to claim the notes."
	} else {
		msg.Outcome = "failed"
		msg.Body = "A payment to your address could not be redeemed with the federation."
	}

	return msg
}

// Run запускает фоновые проходы координатора: сверку незавершённых расчётов,
// перевод просроченных инвойсов в EXPIRED и дорассылку уведомлений. Первый
// проход выполняется сразу при старте — это и есть восстановление после сбоя.
func (c *Coordinator) Run(ctx context.Context) {
	c.pass(ctx)

	ticker := time.NewTicker(c.opts.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pass(ctx)
		}
	}
}

func (c *Coordinator) pass(ctx context.Context) {
	c.sweepExpired(ctx)
	c.reconcile(ctx)
	c.replayNotifications(ctx)
}

// sweepExpired переводит просроченные PENDING-инвойсы в EXPIRED. Федерация
// не затрагивается: операция погашения для них никогда не создавалась.
func (c *Coordinator) sweepExpired(ctx context.Context) {
	ids, err := c.ledger.ExpirePendingInvoices(ctx, time.Now())
	if err != nil {
		c.logger.Error("expire pending invoices", zap.Error(err))
		return
	}
	if len(ids) > 0 {
		c.logger.Info("expired invoices", zap.Int("count", len(ids)))
	}
}

// reconcile перепроверяет все инвойсы, застрявшие между PAID и терминальным
// статусом. Благодаря сохранённому идентификатору операции координатору не
// нужно никакое состояние в памяти: проход корректен и сразу после рестарта.
func (c *Coordinator) reconcile(ctx context.Context) {
	statuses := []model.InvoiceStatus{
		model.InvoiceStatusPaid,
		model.InvoiceStatusRedeeming,
		model.InvoiceStatusRedeemUnknown,
	}

	invoices, err := c.ledger.ListInvoicesByStatus(ctx, statuses, c.opts.ReconcileBatch)
	if err != nil {
		c.logger.Error("list invoices for reconciliation", zap.Error(err))
		return
	}

	for _, inv := range invoices {
		if ctx.Err() != nil {
			return
		}
		c.Drive(ctx, inv.ID)
	}
}

func (c *Coordinator) replayNotifications(ctx context.Context) {
	ids, err := c.ledger.ListUnfinishedNotifications(ctx, c.opts.ReconcileBatch)
	if err != nil {
		c.logger.Error("list unfinished notifications", zap.Error(err))
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		unlock := c.locks.lock(id)
		c.announce(ctx, id)
		unlock()
	}
}

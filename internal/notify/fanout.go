package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mmeshcher/fedibridge-system/internal/model"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AttemptStore фиксирует исходы попыток доставки в хранилище.
type AttemptStore interface {
	UpdateNotificationAttempt(ctx context.Context, invoiceID uuid.UUID, kind model.ChannelKind, status model.DeliveryStatus, attempts int, lastError *string) error
}

// Delivery описывает одну доставку: канал и число уже сделанных попыток.
type Delivery struct {
	Channel       Channel
	PriorAttempts int
}

// Fanout рассылает уведомление о расчёте по каналам пользователя. Каналы
// независимы: отказ одного не блокирует и не отменяет доставку в другой,
// а исход доставки никак не влияет на статус самого расчёта.
type Fanout struct {
	store       AttemptStore
	logger      *zap.Logger
	maxAttempts int
	baseDelay   time.Duration
}

// NewFanout создаёт рассыльщик с ограничением maxAttempts попыток на канал.
func NewFanout(store AttemptStore, logger *zap.Logger, maxAttempts int) *Fanout {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Fanout{
		store:       store,
		logger:      logger,
		maxAttempts: maxAttempts,
		baseDelay:   500 * time.Millisecond,
	}
}

// Announce доставляет сообщение по всем каналам параллельно и записывает
// исход каждой доставки. Повторы выполняются с экспоненциальной задержкой и
// ограничены сверху; после исчерпания лимита канал помечается
// PERMANENT_FAILURE и больше не повторяется.
func (f *Fanout) Announce(ctx context.Context, invoiceID uuid.UUID, msg Message, deliveries []Delivery) {
	g, ctx := errgroup.WithContext(ctx)

	for _, d := range deliveries {
		g.Go(func() error {
			f.deliver(ctx, invoiceID, msg, d)
			return nil
		})
	}

	_ = g.Wait()
}

func (f *Fanout) deliver(ctx context.Context, invoiceID uuid.UUID, msg Message, d Delivery) {
	kind := d.Channel.Kind()

	remaining := f.maxAttempts - d.PriorAttempts
	if remaining <= 0 {
		f.record(ctx, invoiceID, kind, model.DeliveryStatusPermanent, d.PriorAttempts, "attempt limit exhausted")
		return
	}

	attempts := d.PriorAttempts

	backoff := retry.WithMaxRetries(uint64(remaining-1), retry.NewExponential(f.baseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++

		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		err := d.Channel.Send(sendCtx, msg)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPermanent) {
			return err
		}
		return retry.RetryableError(err)
	})

	switch {
	case err == nil:
		f.record(ctx, invoiceID, kind, model.DeliveryStatusDelivered, attempts, "")
	case errors.Is(err, ErrPermanent):
		f.record(ctx, invoiceID, kind, model.DeliveryStatusPermanent, attempts, err.Error())
	case attempts >= f.maxAttempts:
		f.record(ctx, invoiceID, kind, model.DeliveryStatusPermanent, attempts, err.Error())
	default:
		// Доставка прервана (например, остановкой процесса) раньше лимита:
		// проход сверки повторит её позже.
		f.record(ctx, invoiceID, kind, model.DeliveryStatusRetryable, attempts, err.Error())
	}
}

func (f *Fanout) record(ctx context.Context, invoiceID uuid.UUID, kind model.ChannelKind, status model.DeliveryStatus, attempts int, lastError string) {
	var errPtr *string
	if lastError != "" {
		errPtr = &lastError
	}

	// Запись исхода не должна отменяться вместе с доставкой.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := f.store.UpdateNotificationAttempt(recordCtx, invoiceID, kind, status, attempts, errPtr); err != nil {
		f.logger.Error("record notification attempt",
			zap.Error(err),
			zap.String("invoiceID", invoiceID.String()),
			zap.String("channel", string(kind)))
		return
	}

	f.logger.Info("notification attempt",
		zap.String("invoiceID", invoiceID.String()),
		zap.String("channel", string(kind)),
		zap.String("status", string(status)),
		zap.Int("attempts", attempts))
}

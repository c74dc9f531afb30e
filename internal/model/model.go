// Package model содержит доменные сущности сервиса fedibridge.
package model

import (
	"time"

	"github.com/google/uuid"
)

// User представляет зарегистрированный lightning-адрес пользователя.
type User struct {
	ID           int64
	Name         string
	Pubkey       string
	FederationID string
	InviteCode   string
	CreatedAt    time.Time
}

// ChannelKind описывает тип канала уведомлений.
type ChannelKind string

const (
	ChannelKindRelay ChannelKind = "relay"
	ChannelKindRoom  ChannelKind = "room"
)

// Channel описывает настроенный пользователем канал доставки уведомлений.
type Channel struct {
	UserID   int64
	Kind     ChannelKind
	Endpoint string
	Target   string
}

// InvoiceStatus описывает статус инвойса в машине состояний расчётов.
type InvoiceStatus string

const (
	InvoiceStatusPending       InvoiceStatus = "PENDING"
	InvoiceStatusPaid          InvoiceStatus = "PAID"
	InvoiceStatusRedeeming     InvoiceStatus = "REDEEMING"
	InvoiceStatusSettled       InvoiceStatus = "SETTLED"
	InvoiceStatusExpired       InvoiceStatus = "EXPIRED"
	InvoiceStatusRedeemFailed  InvoiceStatus = "REDEEM_FAILED"
	InvoiceStatusRedeemUnknown InvoiceStatus = "REDEEM_UNKNOWN"
)

// IsTerminal сообщает, является ли статус терминальным: из терминального
// статуса переходы запрещены.
func (s InvoiceStatus) IsTerminal() bool {
	switch s {
	case InvoiceStatusSettled, InvoiceStatusExpired, InvoiceStatusRedeemFailed:
		return true
	}
	return false
}

// Invoice описывает lightning-инвойс, ожидающий зачисления в федерацию.
type Invoice struct {
	ID             uuid.UUID
	UserID         int64
	FederationID   string
	AmountMsat     int64
	PaymentRequest string
	PaymentHash    string
	Status         InvoiceStatus
	// OperationID хранит идентификатор операции погашения в федерации.
	// Заполняется при переходе в REDEEMING и обязан пережить рестарт процесса.
	OperationID *string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// SettlementOutcome описывает исход операции погашения в федерации.
type SettlementOutcome string

const (
	SettlementOutcomeSuccess SettlementOutcome = "SUCCESS"
	SettlementOutcomeFailure SettlementOutcome = "FAILURE"
	SettlementOutcomeUnknown SettlementOutcome = "UNKNOWN"
)

// SettlementRecord фиксирует результат погашения. На один инвойс существует
// не более одной записи — ключ идемпотентности равен идентификатору инвойса.
type SettlementRecord struct {
	InvoiceID   uuid.UUID
	OperationID string
	Outcome     SettlementOutcome
	NoteRef     *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SettlementTransition описывает один переход машины состояний инвойса.
type SettlementTransition struct {
	ID         int64
	InvoiceID  uuid.UUID
	FromStatus InvoiceStatus
	ToStatus   InvoiceStatus
	CreatedAt  time.Time
}

// DeliveryStatus описывает статус доставки уведомления по одному каналу.
type DeliveryStatus string

const (
	DeliveryStatusNotAttempted DeliveryStatus = "NOT_ATTEMPTED"
	DeliveryStatusDelivered    DeliveryStatus = "DELIVERED"
	DeliveryStatusRetryable    DeliveryStatus = "RETRYABLE"
	DeliveryStatusPermanent    DeliveryStatus = "PERMANENT_FAILURE"
)

// NotificationAttempt отслеживает доставку уведомления о расчёте по одному
// каналу. Доставка по разным каналам независима.
type NotificationAttempt struct {
	InvoiceID uuid.UUID
	Kind      ChannelKind
	Status    DeliveryStatus
	Attempts  int
	LastError *string
	UpdatedAt time.Time
}

// Challenge хранит одноразовый вызов для аутентификации по подписи.
type Challenge struct {
	ID        uuid.UUID
	Pubkey    string
	Nonce     []byte
	Redeemed  bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Session представляет короткоживущую сессию, выданную после успешной
// проверки подписи вызова.
type Session struct {
	ID        uuid.UUID
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

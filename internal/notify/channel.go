// Package notify доставляет уведомления о расчётах в настроенные пользователем
// каналы: пост в социальный релей или сообщение в комнату чата.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/mmeshcher/fedibridge-system/internal/model"
)

// ErrPermanent помечает ошибку доставки, которую бессмысленно повторять:
// канал отверг сообщение, а не оказался временно недоступен.
var ErrPermanent = errors.New("permanent delivery failure")

// Message описывает содержимое уведомления о расчёте. Получатели обязаны
// переносить дубликаты: доставка выполняется по принципу at-least-once.
type Message struct {
	InvoiceID      string `json:"invoice_id"`
	Address        string `json:"address"`
	AmountMsat     int64  `json:"amount_msat"`
	SettledAt      string `json:"settled_at"`
	Outcome        string `json:"outcome"`
	NoteRef        string `json:"note_ref,omitempty"`
	InviteCode     string `json:"invite_code,omitempty"`
	PaymentRequest string `json:"payment_request,omitempty"`
	Body           string `json:"body"`
}

// Channel описывает способность доставить уведомление в один канал.
// Каждый вид канала реализует интерфейс отдельно; проверка типов во время
// выполнения не используется.
type Channel interface {
	Kind() model.ChannelKind
	Send(ctx context.Context, msg Message) error
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %s", ErrPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: create request: %s", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < http.StatusMultipleChoices:
		return nil
	case resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError &&
		resp.StatusCode != http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrPermanent, resp.StatusCode)
	default:
		return fmt.Errorf("send: status %d", resp.StatusCode)
	}
}

func normalizeBase(base string) string {
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base
}

// RelayChannel публикует уведомление как событие в социальный релей.
type RelayChannel struct {
	endpoint   string
	target     string
	httpClient *http.Client
}

// NewRelayChannel создаёт канал публикации в релей по адресу endpoint для
// получателя target (публичный ключ пользователя в сети релея).
func NewRelayChannel(endpoint, target string) *RelayChannel {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = 5 * time.Second
	return &RelayChannel{
		endpoint:   normalizeBase(endpoint),
		target:     target,
		httpClient: client,
	}
}

func (c *RelayChannel) Kind() model.ChannelKind { return model.ChannelKindRelay }

type relayEvent struct {
	Recipient string  `json:"recipient"`
	Content   Message `json:"content"`
}

func (c *RelayChannel) Send(ctx context.Context, msg Message) error {
	return postJSON(ctx, c.httpClient, c.endpoint+"/api/v1/events", relayEvent{
		Recipient: c.target,
		Content:   msg,
	})
}

// RoomChannel отправляет уведомление сообщением в комнату чата.
type RoomChannel struct {
	endpoint   string
	roomID     string
	httpClient *http.Client
}

// NewRoomChannel создаёт канал отправки в комнату roomID чат-сервера endpoint.
func NewRoomChannel(endpoint, roomID string) *RoomChannel {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = 5 * time.Second
	return &RoomChannel{
		endpoint:   normalizeBase(endpoint),
		roomID:     roomID,
		httpClient: client,
	}
}

func (c *RoomChannel) Kind() model.ChannelKind { return model.ChannelKindRoom }

func (c *RoomChannel) Send(ctx context.Context, msg Message) error {
	return postJSON(ctx, c.httpClient, c.endpoint+"/api/v1/rooms/"+c.roomID+"/messages", msg)
}

// NewChannel создаёт реализацию канала по его описанию в хранилище.
func NewChannel(ch model.Channel) (Channel, error) {
	switch ch.Kind {
	case model.ChannelKindRelay:
		return NewRelayChannel(ch.Endpoint, ch.Target), nil
	case model.ChannelKindRoom:
		return NewRoomChannel(ch.Endpoint, ch.Target), nil
	default:
		return nil, fmt.Errorf("unknown channel kind %q", ch.Kind)
	}
}

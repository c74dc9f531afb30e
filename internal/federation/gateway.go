// Package federation предоставляет клиент шлюза федерации: выпуск инвойсов,
// погашение нот и опрос статуса операций.
package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// ErrUnreachable возвращается, когда шлюз федерации недоступен. Для операции
// погашения это означает исход Unknown, а не Failure.
var (
	ErrUnreachable = errors.New("federation gateway unreachable")
	// ErrOperationNotFound возвращается, если операция погашения для инвойса
	// не зарегистрирована шлюзом.
	ErrOperationNotFound = errors.New("federation operation not found")
)

// OutcomeState описывает состояние операции погашения.
type OutcomeState string

const (
	OutcomePending OutcomeState = "pending"
	OutcomeSuccess OutcomeState = "success"
	OutcomeFailure OutcomeState = "failure"
)

// Outcome описывает результат опроса операции погашения.
type Outcome struct {
	State      OutcomeState
	NoteRef    string
	Reason     string
	RetryAfter time.Duration
}

// Gateway инкапсулирует HTTP-взаимодействие со шлюзом федерации.
type Gateway struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewGateway создаёт клиент шлюза федерации по указанному адресу.
func NewGateway(baseURL string) *Gateway {
	client := retryablehttp.NewClient()
	client.HTTPClient = cleanhttp.DefaultPooledClient()
	client.HTTPClient.Timeout = 5 * time.Second
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil

	return &Gateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}
}

func (g *Gateway) url(path string) string {
	base := g.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}

type createInvoiceRequest struct {
	FederationID string `json:"federation_id"`
	AmountMsat   int64  `json:"amount_msat"`
	TweakIndex   int64  `json:"tweak_index"`
	ExpirySecs   int64  `json:"expiry_secs"`
	Description  string `json:"description"`
}

// CreatedInvoice описывает выпущенный федерацией lightning-инвойс.
type CreatedInvoice struct {
	PaymentRequest string `json:"payment_request"`
	PaymentHash    string `json:"payment_hash"`
}

// CreateInvoice просит федерацию выпустить инвойс на указанную сумму.
// Недоступность шлюза возвращается как ErrUnreachable.
func (g *Gateway) CreateInvoice(ctx context.Context, federationID string, amountMsat, tweakIndex int64, expiry time.Duration, description string) (*CreatedInvoice, error) {
	if g == nil || g.baseURL == "" {
		return nil, fmt.Errorf("gateway not configured: %w", ErrUnreachable)
	}

	body, err := json.Marshal(createInvoiceRequest{
		FederationID: federationID,
		AmountMsat:   amountMsat,
		TweakIndex:   tweakIndex,
		ExpirySecs:   int64(expiry.Seconds()),
		Description:  description,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, g.url("/api/v1/invoices"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
		}
		return nil, fmt.Errorf("create invoice: unexpected status %d", resp.StatusCode)
	}

	var result CreatedInvoice
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &result, nil
}

type redeemRequest struct {
	InvoiceID    string `json:"invoice_id"`
	FederationID string `json:"federation_id"`
	AmountMsat   int64  `json:"amount_msat"`
}

type redeemResponse struct {
	OperationID string `json:"operation_id"`
}

// Redeem отправляет запрос на погашение нот для оплаченного инвойса и
// возвращает идентификатор операции. Идентификатор инвойса передаётся как
// ключ идемпотентности: повторная отправка возвращает уже существующую
// операцию вместо создания новой.
func (g *Gateway) Redeem(ctx context.Context, federationID string, amountMsat int64, invoiceID string) (string, error) {
	body, err := json.Marshal(redeemRequest{
		InvoiceID:    invoiceID,
		FederationID: federationID,
		AmountMsat:   amountMsat,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, g.url("/api/v1/redemptions"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", invoiceID)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusConflict:
		// 409 означает, что шлюз уже принял погашение для этого инвойса;
		// тело содержит идентификатор существующей операции.
	default:
		if resp.StatusCode >= http.StatusInternalServerError {
			return "", fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
		}
		return "", fmt.Errorf("redeem: unexpected status %d", resp.StatusCode)
	}

	var result redeemResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if result.OperationID == "" {
		return "", fmt.Errorf("redeem: empty operation id")
	}

	return result.OperationID, nil
}

// LookupOperation возвращает идентификатор операции погашения по инвойсу.
// Используется после рестарта, когда погашение было отправлено, но
// идентификатор операции не успел сохраниться.
func (g *Gateway) LookupOperation(ctx context.Context, invoiceID string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, g.url("/api/v1/redemptions/by-invoice/"+invoiceID), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrOperationNotFound
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= http.StatusInternalServerError {
			return "", fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
		}
		return "", fmt.Errorf("lookup operation: unexpected status %d", resp.StatusCode)
	}

	var result redeemResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	return result.OperationID, nil
}

type pollResponse struct {
	Status  string `json:"status"`
	NoteRef string `json:"note_ref,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Poll выполняет неблокирующую проверку статуса операции погашения. Сетевые
// ошибки и ответы 5xx возвращаются как ErrUnreachable и никогда не трактуются
// как Failure — потеря связи не означает потерю средств.
func (g *Gateway) Poll(ctx context.Context, operationID string) (*Outcome, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, g.url("/api/v1/operations/"+operationID), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return &Outcome{State: OutcomePending, RetryAfter: retryAfter}, nil
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrOperationNotFound
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}

	var result pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	switch OutcomeState(result.Status) {
	case OutcomePending:
		return &Outcome{State: OutcomePending}, nil
	case OutcomeSuccess:
		return &Outcome{State: OutcomeSuccess, NoteRef: result.NoteRef}, nil
	case OutcomeFailure:
		return &Outcome{State: OutcomeFailure, Reason: result.Reason}, nil
	default:
		return nil, fmt.Errorf("poll: unknown status %q", result.Status)
	}
}

// Package handler содержит HTTP-обработчики API сервиса fedibridge.
package handler

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/fedibridge-system/internal/auth"
	"github.com/mmeshcher/fedibridge-system/internal/federation"
	"github.com/mmeshcher/fedibridge-system/internal/middleware"
	"github.com/mmeshcher/fedibridge-system/internal/model"
	"github.com/mmeshcher/fedibridge-system/internal/repository"
	"github.com/mmeshcher/fedibridge-system/internal/service"
	"github.com/mmeshcher/fedibridge-system/internal/settlement"
	"github.com/mmeshcher/fedibridge-system/internal/validation"
)

const (
	minSendableMsat = int64(1_000)
	maxSendableMsat = int64(1_000_000_000)
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CheckNameAvailable(ctx context.Context, name string) (bool, error)
	Register(ctx context.Context, name, pubkey, federationID, inviteCode string, channels []model.Channel) (*model.User, error)
	GetUserByName(ctx context.Context, name string) (*model.User, error)
	CreateInvoice(ctx context.Context, userName string, amountMsat int64) (*model.Invoice, error)
	GetInvoice(ctx context.Context, id uuid.UUID) (*model.Invoice, error)
	GetInvoicesByUser(ctx context.Context, userID int64) ([]model.Invoice, error)
	GetNotificationAttempts(ctx context.Context, invoiceID uuid.UUID) ([]model.NotificationAttempt, error)
	GetChannels(ctx context.Context, userID int64) ([]model.Channel, error)
	UpdateChannels(ctx context.Context, userID int64, channels []model.Channel) error
}

// AuthService определяет контракт аутентификации по вызову.
type AuthService interface {
	IssueChallenge(ctx context.Context, pubkey string) (*model.Challenge, error)
	Verify(ctx context.Context, challengeID uuid.UUID, signature []byte) (string, *model.Session, error)
}

// PaymentSink принимает сигналы об оплате инвойсов.
type PaymentSink interface {
	HandlePaymentSignal(ctx context.Context, paymentHash string, amountMsat int64) error
}

// Handler реализует HTTP-обработчики API сервиса fedibridge.
type Handler struct {
	service        Service
	authService    AuthService
	payments       PaymentSink
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	publicURL      string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, a AuthService, p PaymentSink, logger *zap.Logger, authMW *middleware.AuthMiddleware, publicURL string) *Handler {
	return &Handler{
		service:        s,
		authService:    a,
		payments:       p,
		logger:         logger,
		authMiddleware: authMW,
		publicURL:      publicURL,
	}
}

type healthResponse struct {
	Status string `json:"status"`
}

// Health отвечает на проверку живости сервиса.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, healthResponse{Status: "pass"})
}

type channelRequest struct {
	Kind     string `json:"kind"`
	Endpoint string `json:"endpoint"`
	Target   string `json:"target"`
}

type registerRequest struct {
	Name         string           `json:"name"`
	Pubkey       string           `json:"pubkey"`
	FederationID string           `json:"federation_id"`
	InviteCode   string           `json:"federation_invite_code"`
	Channels     []channelRequest `json:"channels"`
}

type registerResponse struct {
	Name string `json:"name"`
}

// Register регистрирует новый lightning-адрес.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Pubkey == "" || req.FederationID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	channels := make([]model.Channel, 0, len(req.Channels))
	for _, ch := range req.Channels {
		channels = append(channels, model.Channel{
			Kind:     model.ChannelKind(ch.Kind),
			Endpoint: ch.Endpoint,
			Target:   ch.Target,
		})
	}

	user, err := h.service.Register(r.Context(), req.Name, req.Pubkey, req.FederationID, req.InviteCode, channels)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidName), errors.Is(err, service.ErrInvalidPubkey):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrUserExists):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("register error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, h.logger, registerResponse{Name: user.Name})
}

// CheckAvailable сообщает, свободно ли имя адреса.
func (h *Handler) CheckAvailable(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	available, err := h.service.CheckNameAvailable(r.Context(), name)
	if err != nil {
		h.logger.Error("check available error", zap.Error(err), zap.String("name", name))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, available)
}

type wellKnownResponse struct {
	Callback    string `json:"callback"`
	MaxSendable int64  `json:"maxSendable"`
	MinSendable int64  `json:"minSendable"`
	Metadata    string `json:"metadata"`
	Tag         string `json:"tag"`
	Status      string `json:"status"`
}

// WellKnown отдаёт параметры платёжного адреса для обнаружения кошельками.
func (h *Handler) WellKnown(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if _, err := h.service.GetUserByName(r.Context(), name); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("well-known error", zap.Error(err), zap.String("name", name))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, wellKnownResponse{
		Callback:    h.publicURL + "/api/lnurlp/" + name + "/callback",
		MaxSendable: maxSendableMsat,
		MinSendable: minSendableMsat,
		Metadata:    `[["text/identifier","` + name + `"],["text/plain","payment to ` + name + `"]]`,
		Tag:         "payRequest",
		Status:      "OK",
	})
}

type callbackResponse struct {
	Pr     string   `json:"pr"`
	Routes []string `json:"routes"`
	Status string   `json:"status"`
}

// Callback выпускает инвойс на запрошенную сумму для указанного адреса.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	amountMsat, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil || amountMsat < minSendableMsat || amountMsat > maxSendableMsat {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	inv, err := h.service.CreateInvoice(r.Context(), name, amountMsat)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, federation.ErrUnreachable):
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		case errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		default:
			h.logger.Error("create invoice error", zap.Error(err), zap.String("name", name))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, h.logger, callbackResponse{
		Pr:     inv.PaymentRequest,
		Routes: []string{},
		Status: "OK",
	})
}

type paymentWebhookRequest struct {
	PaymentHash string `json:"payment_hash"`
	AmountMsat  int64  `json:"amount_msat"`
}

// PaymentWebhook принимает сигнал об оплате инвойса. Сигнал идемпотентен:
// повтор для уже оплаченного инвойса отвечает 200 и ничего не меняет.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req paymentWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.PaymentHash == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.payments.HandlePaymentSignal(r.Context(), req.PaymentHash, req.AmountMsat)
	if err != nil {
		switch {
		case errors.Is(err, settlement.ErrDuplicateTrigger):
			// no-op для вызывающей стороны
		case errors.Is(err, repository.ErrInvoiceNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		default:
			h.logger.Error("payment webhook error", zap.Error(err), zap.String("paymentHash", req.PaymentHash))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

type challengeRequest struct {
	Pubkey string `json:"pubkey"`
}

type challengeResponse struct {
	ChallengeID string `json:"challenge_id"`
	Nonce       string `json:"nonce"`
	ExpiresAt   string `json:"expires_at"`
}

// IssueChallenge выдаёт одноразовый вызов аутентификации.
func (h *Handler) IssueChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidPubkey(req.Pubkey) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	c, err := h.authService.IssueChallenge(r.Context(), req.Pubkey)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("issue challenge error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, challengeResponse{
		ChallengeID: c.ID.String(),
		Nonce:       hex.EncodeToString(c.Nonce),
		ExpiresAt:   c.ExpiresAt.Format(time.RFC3339),
	})
}

type verifyRequest struct {
	ChallengeID string `json:"challenge_id"`
	Signature   string `json:"signature"`
}

type verifyResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// VerifyChallenge проверяет подпись вызова и возвращает токен сессии.
// Каждая причина отказа отдаёт свой статус, чтобы клиент мог отличить
// повтор от некорректного запроса.
func (h *Handler) VerifyChallenge(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	challengeID, err := uuid.Parse(req.ChallengeID)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	signature, err := hex.DecodeString(req.Signature)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	token, session, err := h.authService.Verify(r.Context(), challengeID, signature)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrChallengeNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, auth.ErrChallengeExpired):
			http.Error(w, http.StatusText(http.StatusGone), http.StatusGone)
		case errors.Is(err, auth.ErrChallengeAlreadyUsed):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, auth.ErrSignatureInvalid):
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		default:
			h.logger.Error("verify challenge error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, h.logger, verifyResponse{
		Token:     token,
		ExpiresAt: session.ExpiresAt.Format(time.RFC3339),
	})
}

type invoiceResponse struct {
	ID             string `json:"id"`
	AmountMsat     int64  `json:"amount_msat"`
	PaymentRequest string `json:"payment_request"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
	ExpiresAt      string `json:"expires_at"`
}

func toInvoiceResponse(inv *model.Invoice) invoiceResponse {
	return invoiceResponse{
		ID:             inv.ID.String(),
		AmountMsat:     inv.AmountMsat,
		PaymentRequest: inv.PaymentRequest,
		Status:         string(inv.Status),
		CreatedAt:      inv.CreatedAt.Format(time.RFC3339),
		ExpiresAt:      inv.ExpiresAt.Format(time.RFC3339),
	}
}

// GetInvoices возвращает инвойсы текущего пользователя.
func (h *Handler) GetInvoices(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	invoices, err := h.service.GetInvoicesByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get invoices error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(invoices) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]invoiceResponse, 0, len(invoices))
	for i := range invoices {
		resp = append(resp, toInvoiceResponse(&invoices[i]))
	}

	writeJSON(w, h.logger, resp)
}

type notificationResponse struct {
	Channel  string `json:"channel"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
}

type invoiceDetailResponse struct {
	invoiceResponse
	Notifications []notificationResponse `json:"notifications,omitempty"`
}

// GetInvoice возвращает один инвойс текущего пользователя. Статус отражает
// истинное состояние, включая промежуточные PENDING и REDEEMING.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	inv, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrInvoiceNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get invoice error", zap.Error(err), zap.String("invoiceID", id.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if inv.UserID != userID {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	resp := invoiceDetailResponse{invoiceResponse: toInvoiceResponse(inv)}

	attempts, err := h.service.GetNotificationAttempts(r.Context(), id)
	if err == nil {
		for _, a := range attempts {
			resp.Notifications = append(resp.Notifications, notificationResponse{
				Channel:  string(a.Kind),
				Status:   string(a.Status),
				Attempts: a.Attempts,
			})
		}
	}

	writeJSON(w, h.logger, resp)
}

// GetChannels возвращает настроенные каналы уведомлений текущего пользователя.
func (h *Handler) GetChannels(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	channels, err := h.service.GetChannels(r.Context(), userID)
	if err != nil {
		h.logger.Error("get channels error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]channelRequest, 0, len(channels))
	for _, ch := range channels {
		resp = append(resp, channelRequest{
			Kind:     string(ch.Kind),
			Endpoint: ch.Endpoint,
			Target:   ch.Target,
		})
	}

	writeJSON(w, h.logger, resp)
}

// UpdateChannels заменяет каналы уведомлений текущего пользователя.
func (h *Handler) UpdateChannels(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req []channelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	channels := make([]model.Channel, 0, len(req))
	for _, ch := range req {
		channels = append(channels, model.Channel{
			Kind:     model.ChannelKind(ch.Kind),
			Endpoint: ch.Endpoint,
			Target:   ch.Target,
		})
	}

	if err := h.service.UpdateChannels(r.Context(), userID, channels); err != nil {
		h.logger.Error("update channels error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode response", zap.Error(err))
	}
}

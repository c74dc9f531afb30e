// Package service реализует бизнес-логику сервиса fedibridge: регистрацию
// адресов и выпуск инвойсов.
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/fedibridge-system/internal/federation"
	"github.com/mmeshcher/fedibridge-system/internal/model"
	"github.com/mmeshcher/fedibridge-system/internal/repository"
	"github.com/mmeshcher/fedibridge-system/internal/validation"
)

// ErrInvalidName возвращается для имени адреса, не прошедшего валидацию.
var (
	ErrInvalidName = errors.New("invalid address name")
	// ErrInvalidPubkey возвращается для некорректного публичного ключа.
	ErrInvalidPubkey = errors.New("invalid pubkey")
	// ErrInvalidAmount возвращается для неположительной суммы инвойса.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, u *model.User, channels []model.Channel) (int64, error)
	GetUserByName(ctx context.Context, name string) (*model.User, error)
	GetUserByPubkey(ctx context.Context, pubkey string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	NextInvoiceIndex(ctx context.Context, userID int64) (int64, error)
	ListChannels(ctx context.Context, userID int64) ([]model.Channel, error)
	ReplaceChannels(ctx context.Context, userID int64, channels []model.Channel) error
	CreateInvoice(ctx context.Context, inv *model.Invoice) error
	GetInvoice(ctx context.Context, id uuid.UUID) (*model.Invoice, error)
	GetInvoicesByUser(ctx context.Context, userID int64) ([]model.Invoice, error)
	ListNotificationAttempts(ctx context.Context, invoiceID uuid.UUID) ([]model.NotificationAttempt, error)
}

// InvoiceGateway описывает выпуск инвойсов шлюзом федерации.
type InvoiceGateway interface {
	CreateInvoice(ctx context.Context, federationID string, amountMsat, tweakIndex int64, expiry time.Duration, description string) (*federation.CreatedInvoice, error)
}

// Service содержит бизнес-логику сервиса fedibridge.
type Service struct {
	repo          Repository
	gateway       InvoiceGateway
	invoiceExpiry time.Duration
}

// NewService создаёт новый сервис с указанным репозиторием и шлюзом федерации.
func NewService(repo Repository, gateway InvoiceGateway, invoiceExpiry time.Duration) *Service {
	if invoiceExpiry <= 0 {
		invoiceExpiry = 10 * time.Minute
	}
	return &Service{
		repo:          repo,
		gateway:       gateway,
		invoiceExpiry: invoiceExpiry,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CheckNameAvailable сообщает, свободно ли имя адреса.
func (s *Service) CheckNameAvailable(ctx context.Context, name string) (bool, error) {
	if !validation.IsValidAddressName(name) {
		return false, nil
	}

	_, err := s.repo.GetUserByName(ctx, name)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, repository.ErrUserNotFound) {
		return true, nil
	}
	return false, err
}

// Register регистрирует lightning-адрес пользователя. Пустое имя заменяется
// случайным свободным именем.
func (s *Service) Register(ctx context.Context, name, pubkey, federationID, inviteCode string, channels []model.Channel) (*model.User, error) {
	if !validation.IsValidPubkey(pubkey) {
		return nil, ErrInvalidPubkey
	}

	if name == "" {
		generated, err := s.generateName(ctx)
		if err != nil {
			return nil, err
		}
		name = generated
	} else if !validation.IsValidAddressName(name) {
		return nil, ErrInvalidName
	}

	u := &model.User{
		Name:         name,
		Pubkey:       pubkey,
		FederationID: federationID,
		InviteCode:   inviteCode,
	}

	for i := range channels {
		if channels[i].Kind != model.ChannelKindRelay && channels[i].Kind != model.ChannelKindRoom {
			return nil, fmt.Errorf("unknown channel kind %q", channels[i].Kind)
		}
	}

	id, err := s.repo.CreateUser(ctx, u, channels)
	if err != nil {
		return nil, err
	}
	u.ID = id

	return u, nil
}

var nameAdjectives = []string{
	"eager", "quiet", "brave", "lucky", "rapid", "amber",
	"misty", "sunny", "vivid", "witty", "noble", "calm",
}

var nameAnimals = []string{
	"otter", "falcon", "badger", "lynx", "heron", "marten",
	"walrus", "puffin", "stoat", "raven", "seal", "moose",
}

func (s *Service) generateName(ctx context.Context) (string, error) {
	for i := 0; i < 10; i++ {
		adj, err := randomPick(nameAdjectives)
		if err != nil {
			return "", err
		}
		animal, err := randomPick(nameAnimals)
		if err != nil {
			return "", err
		}
		n, err := rand.Int(rand.Reader, big.NewInt(10000))
		if err != nil {
			return "", fmt.Errorf("random number: %w", err)
		}

		name := fmt.Sprintf("%s%s%d", adj, animal, n.Int64())
		available, err := s.CheckNameAvailable(ctx, name)
		if err != nil {
			return "", err
		}
		if available {
			return name, nil
		}
	}
	return "", errors.New("could not generate available name")
}

func randomPick(words []string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		return "", fmt.Errorf("random pick: %w", err)
	}
	return words[n.Int64()], nil
}

// GetChannels возвращает каналы уведомлений пользователя.
func (s *Service) GetChannels(ctx context.Context, userID int64) ([]model.Channel, error) {
	return s.repo.ListChannels(ctx, userID)
}

// UpdateChannels заменяет набор каналов уведомлений пользователя.
func (s *Service) UpdateChannels(ctx context.Context, userID int64, channels []model.Channel) error {
	for i := range channels {
		if channels[i].Kind != model.ChannelKindRelay && channels[i].Kind != model.ChannelKindRoom {
			return fmt.Errorf("unknown channel kind %q", channels[i].Kind)
		}
		channels[i].UserID = userID
	}
	return s.repo.ReplaceChannels(ctx, userID, channels)
}

// GetUserByName возвращает пользователя по имени адреса.
func (s *Service) GetUserByName(ctx context.Context, name string) (*model.User, error) {
	return s.repo.GetUserByName(ctx, name)
}

// CreateInvoice выпускает инвойс для пользователя через шлюз федерации и
// сохраняет его в статусе PENDING до того, как платёжный запрос будет отдан
// наружу: упавший после выпуска процесс не потеряет выставленный инвойс.
func (s *Service) CreateInvoice(ctx context.Context, userName string, amountMsat int64) (*model.Invoice, error) {
	if amountMsat <= 0 {
		return nil, ErrInvalidAmount
	}

	user, err := s.repo.GetUserByName(ctx, userName)
	if err != nil {
		return nil, err
	}

	index, err := s.repo.NextInvoiceIndex(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	created, err := s.gateway.CreateInvoice(ctx, user.FederationID, amountMsat, index,
		s.invoiceExpiry, fmt.Sprintf("payment to %s", user.Name))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	inv := &model.Invoice{
		ID:             uuid.New(),
		UserID:         user.ID,
		FederationID:   user.FederationID,
		AmountMsat:     amountMsat,
		PaymentRequest: created.PaymentRequest,
		PaymentHash:    created.PaymentHash,
		Status:         model.InvoiceStatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.invoiceExpiry),
	}

	if err := s.repo.CreateInvoice(ctx, inv); err != nil {
		return nil, err
	}

	return inv, nil
}

// GetInvoice возвращает инвойс по идентификатору.
func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*model.Invoice, error) {
	return s.repo.GetInvoice(ctx, id)
}

// GetInvoicesByUser возвращает инвойсы пользователя.
func (s *Service) GetInvoicesByUser(ctx context.Context, userID int64) ([]model.Invoice, error) {
	return s.repo.GetInvoicesByUser(ctx, userID)
}

// GetNotificationAttempts возвращает попытки доставки уведомлений по инвойсу.
func (s *Service) GetNotificationAttempts(ctx context.Context, invoiceID uuid.UUID) ([]model.NotificationAttempt, error) {
	return s.repo.ListNotificationAttempts(ctx, invoiceID)
}

// Package auth реализует аутентификацию по одноразовому вызову: сервис выдаёт
// случайный nonce, клиент подписывает его своим ключом, а успешная проверка
// превращает вызов в короткоживущую сессию.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mmeshcher/fedibridge-system/internal/model"
	"github.com/mmeshcher/fedibridge-system/internal/repository"
)

// ErrChallengeNotFound возвращается, если вызов с таким идентификатором не выдавался.
var (
	ErrChallengeNotFound = errors.New("challenge not found")
	// ErrChallengeExpired возвращается, если окно действия вызова истекло.
	ErrChallengeExpired = errors.New("challenge expired")
	// ErrChallengeAlreadyUsed возвращается на повторную попытку погасить вызов.
	ErrChallengeAlreadyUsed = errors.New("challenge already used")
	// ErrSignatureInvalid возвращается, если подпись не подходит к ключу и nonce.
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrSessionInvalid возвращается для просроченного или неизвестного токена сессии.
	ErrSessionInvalid = errors.New("session invalid")
)

// Store описывает контракт хранения вызовов и сессий.
type Store interface {
	CreateChallenge(ctx context.Context, c *model.Challenge) error
	GetChallenge(ctx context.Context, id uuid.UUID) (*model.Challenge, error)
	ConsumeChallenge(ctx context.Context, id uuid.UUID, now time.Time) error
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*model.Session, error)
	GetUserByPubkey(ctx context.Context, pubkey string) (*model.User, error)
}

// Service выдаёт и проверяет вызовы и чеканит токены сессий.
type Service struct {
	store        Store
	secret       []byte
	challengeTTL time.Duration
	sessionTTL   time.Duration
}

// NewService создаёт сервис аутентификации с указанным секретом подписи токенов.
func NewService(store Store, secret string, challengeTTL, sessionTTL time.Duration) *Service {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &Service{
		store:        store,
		secret:       key,
		challengeTTL: challengeTTL,
		sessionTTL:   sessionTTL,
	}
}

// IssueChallenge выдаёт одноразовый вызов для указанного публичного ключа.
// Ключ должен принадлежать зарегистрированному пользователю.
func (s *Service) IssueChallenge(ctx context.Context, pubkey string) (*model.Challenge, error) {
	if _, err := decodePubkey(pubkey); err != nil {
		return nil, err
	}

	if _, err := s.store.GetUserByPubkey(ctx, pubkey); err != nil {
		return nil, err
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	now := time.Now()
	c := &model.Challenge{
		ID:        uuid.New(),
		Pubkey:    pubkey,
		Nonce:     nonce,
		CreatedAt: now,
		ExpiresAt: now.Add(s.challengeTTL),
	}

	if err := s.store.CreateChallenge(ctx, c); err != nil {
		return nil, fmt.Errorf("store challenge: %w", err)
	}

	return c, nil
}

// Verify проверяет подпись nonce и превращает вызов в сессию. Вызов гасится
// атомарно и ровно один раз: повторная проверка с той же подписью вернёт
// ErrChallengeAlreadyUsed. Невалидная подпись вызов не гасит.
func (s *Service) Verify(ctx context.Context, challengeID uuid.UUID, signature []byte) (string, *model.Session, error) {
	c, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		if errors.Is(err, repository.ErrChallengeNotFound) {
			return "", nil, ErrChallengeNotFound
		}
		return "", nil, err
	}

	now := time.Now()
	if now.After(c.ExpiresAt) {
		return "", nil, ErrChallengeExpired
	}
	if c.Redeemed {
		return "", nil, ErrChallengeAlreadyUsed
	}

	pub, err := decodePubkey(c.Pubkey)
	if err != nil {
		return "", nil, err
	}
	if len(signature) != ed25519.SignatureSize || !ed25519.Verify(pub, c.Nonce, signature) {
		return "", nil, ErrSignatureInvalid
	}

	if err := s.store.ConsumeChallenge(ctx, challengeID, now); err != nil {
		if errors.Is(err, repository.ErrChallengeConsumed) {
			// Проигрыш гонки двух одновременных проверок: вызов уже погашен.
			return "", nil, ErrChallengeAlreadyUsed
		}
		return "", nil, err
	}

	user, err := s.store.GetUserByPubkey(ctx, c.Pubkey)
	if err != nil {
		return "", nil, err
	}

	session := &model.Session{
		ID:        uuid.New(),
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return "", nil, fmt.Errorf("store session: %w", err)
	}

	token, err := s.mintToken(session, c.Pubkey)
	if err != nil {
		return "", nil, err
	}

	return token, session, nil
}

type sessionClaims struct {
	Pubkey string `json:"pubkey"`
	jwt.RegisteredClaims
}

func (s *Service) mintToken(session *model.Session, pubkey string) (string, error) {
	claims := sessionClaims{
		Pubkey: pubkey,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        session.ID.String(),
			Subject:   fmt.Sprintf("%d", session.UserID),
			IssuedAt:  jwt.NewNumericDate(session.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Authenticate проверяет токен сессии и возвращает идентификатор пользователя.
// Токен действителен, только пока жива соответствующая запись сессии.
func (s *Service) Authenticate(ctx context.Context, tokenString string) (int64, error) {
	var claims sessionClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return 0, ErrSessionInvalid
	}

	sessionID, err := uuid.Parse(claims.ID)
	if err != nil {
		return 0, ErrSessionInvalid
	}

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return 0, ErrSessionInvalid
	}
	if time.Now().After(session.ExpiresAt) {
		return 0, ErrSessionInvalid
	}

	return session.UserID, nil
}

func decodePubkey(pubkey string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(pubkey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: malformed public key", ErrSignatureInvalid)
	}
	return ed25519.PublicKey(raw), nil
}

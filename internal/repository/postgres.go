// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/fedibridge-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке зарегистрировать занятое имя или pubkey.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvoiceNotFound возвращается, если инвойс не найден.
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrStaleTransition возвращается, если переход статуса не прошёл проверку
	// текущего состояния: инвойс уже изменён другим триггером.
	ErrStaleTransition = errors.New("stale invoice transition")
	// ErrChallengeNotFound возвращается, если вызов аутентификации не найден.
	ErrChallengeNotFound = errors.New("challenge not found")
	// ErrChallengeConsumed возвращается, если вызов уже погашен или истёк.
	ErrChallengeConsumed = errors.New("challenge not consumable")
	// ErrSessionNotFound возвращается, если сессия не найдена.
	ErrSessionNotFound = errors.New("session not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure или Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с указанными каналами уведомлений.
func (r *PostgresRepository) CreateUser(ctx context.Context, u *model.User, channels []model.Channel) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO users (name, pubkey, federation_id, invite_code) VALUES ($1, $2, $3, $4) RETURNING id`,
		u.Name, u.Pubkey, u.FederationID, u.InviteCode,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, u.Name)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}

	for _, ch := range channels {
		_, err = tx.Exec(ctx,
			`INSERT INTO user_channels (user_id, kind, endpoint, target) VALUES ($1, $2, $3, $4)`,
			id, string(ch.Kind), ch.Endpoint, ch.Target,
		)
		if err != nil {
			return 0, fmt.Errorf("insert channel: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return id, nil
}

func (r *PostgresRepository) getUser(ctx context.Context, clause string, arg any) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, pubkey, federation_id, invite_code, created_at FROM users WHERE `+clause,
		arg,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Name, &u.Pubkey, &u.FederationID, &u.InviteCode, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetUserByName возвращает пользователя по имени адреса.
func (r *PostgresRepository) GetUserByName(ctx context.Context, name string) (*model.User, error) {
	return r.getUser(ctx, `name = $1`, name)
}

// GetUserByPubkey возвращает пользователя по публичному ключу.
func (r *PostgresRepository) GetUserByPubkey(ctx context.Context, pubkey string) (*model.User, error) {
	return r.getUser(ctx, `pubkey = $1`, pubkey)
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return r.getUser(ctx, `id = $1`, id)
}

// NextInvoiceIndex атомарно увеличивает и возвращает счётчик инвойсов пользователя.
// Счётчик обеспечивает уникальный tweak для каждого платёжного запроса.
func (r *PostgresRepository) NextInvoiceIndex(ctx context.Context, userID int64) (int64, error) {
	var idx int64
	err := r.pool.QueryRow(ctx,
		`UPDATE users SET invoice_index = invoice_index + 1 WHERE id = $1 RETURNING invoice_index`,
		userID,
	).Scan(&idx)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("next invoice index: %w", err)
	}
	return idx, nil
}

// ListChannels возвращает каналы уведомлений пользователя.
func (r *PostgresRepository) ListChannels(ctx context.Context, userID int64) ([]model.Channel, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, kind, endpoint, target FROM user_channels WHERE user_id = $1 ORDER BY kind`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select channels: %w", err)
	}
	defer rows.Close()

	var res []model.Channel
	for rows.Next() {
		var ch model.Channel
		var kind string
		if err := rows.Scan(&ch.UserID, &kind, &ch.Endpoint, &ch.Target); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		ch.Kind = model.ChannelKind(kind)
		res = append(res, ch)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ReplaceChannels заменяет набор каналов уведомлений пользователя одной
// транзакцией.
func (r *PostgresRepository) ReplaceChannels(ctx context.Context, userID int64, channels []model.Channel) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM user_channels WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete channels: %w", err)
	}

	for _, ch := range channels {
		_, err = tx.Exec(ctx,
			`INSERT INTO user_channels (user_id, kind, endpoint, target) VALUES ($1, $2, $3, $4)`,
			userID, string(ch.Kind), ch.Endpoint, ch.Target,
		)
		if err != nil {
			return fmt.Errorf("insert channel: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// CreateInvoice сохраняет новый инвойс в статусе PENDING. Инвойс попадает в
// хранилище до того, как платёжный запрос будет отдан наружу.
func (r *PostgresRepository) CreateInvoice(ctx context.Context, inv *model.Invoice) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO invoices (id, user_id, federation_id, amount_msat, payment_request, payment_hash, status, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		inv.ID, inv.UserID, inv.FederationID, inv.AmountMsat, inv.PaymentRequest, inv.PaymentHash,
		string(inv.Status), inv.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

func scanInvoice(row pgx.Row) (*model.Invoice, error) {
	var inv model.Invoice
	var status string
	err := row.Scan(&inv.ID, &inv.UserID, &inv.FederationID, &inv.AmountMsat,
		&inv.PaymentRequest, &inv.PaymentHash, &status, &inv.OperationID,
		&inv.CreatedAt, &inv.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("scan invoice: %w", err)
	}
	inv.Status = model.InvoiceStatus(status)
	return &inv, nil
}

const invoiceColumns = `id, user_id, federation_id, amount_msat, payment_request, payment_hash, status, operation_id, created_at, expires_at`

// GetInvoice возвращает инвойс по идентификатору.
func (r *PostgresRepository) GetInvoice(ctx context.Context, id uuid.UUID) (*model.Invoice, error) {
	return scanInvoice(r.pool.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
}

// GetInvoiceByPaymentHash возвращает инвойс по хэшу платежа.
func (r *PostgresRepository) GetInvoiceByPaymentHash(ctx context.Context, hash string) (*model.Invoice, error) {
	return scanInvoice(r.pool.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE payment_hash = $1`, hash))
}

// GetInvoicesByUser возвращает инвойсы пользователя.
func (r *PostgresRepository) GetInvoicesByUser(ctx context.Context, userID int64) ([]model.Invoice, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select invoices: %w", err)
	}
	defer rows.Close()

	var res []model.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *inv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// TransitionInvoice выполняет переход статуса инвойса с проверкой текущего
// состояния. Переход фиксируется вместе с записью в журнале переходов в одной
// транзакции; несовпадение текущего статуса возвращает ErrStaleTransition.
func (r *PostgresRepository) TransitionInvoice(ctx context.Context, id uuid.UUID, from, to model.InvoiceStatus, operationID *string) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`UPDATE invoices SET status = $3, operation_id = COALESCE($4, operation_id)
			 WHERE id = $1 AND status = $2`,
			id, string(from), string(to), operationID,
		)
		if err != nil {
			return fmt.Errorf("update invoice status: %w", err)
		}

		if cmdTag.RowsAffected() == 0 {
			return ErrStaleTransition
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO settlement_transitions (invoice_id, from_status, to_status) VALUES ($1, $2, $3)`,
			id, string(from), string(to),
		)
		if err != nil {
			return fmt.Errorf("insert transition: %w", err)
		}

		return tx.Commit(ctx)
	})
}

// CommitSettlement фиксирует успешное погашение: запись о расчёте, переход в
// SETTLED и строки попыток уведомлений создаются одной транзакцией. Повторный
// вызов для уже рассчитанного инвойса возвращает ErrStaleTransition и ничего
// не меняет — ровно один переход в SETTLED на инвойс.
func (r *PostgresRepository) CommitSettlement(ctx context.Context, id uuid.UUID, from model.InvoiceStatus, operationID string, noteRef *string, channels []model.ChannelKind) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`UPDATE invoices SET status = $3, operation_id = COALESCE(operation_id, $4)
			 WHERE id = $1 AND status = $2`,
			id, string(from), string(model.InvoiceStatusSettled), operationID,
		)
		if err != nil {
			return fmt.Errorf("update invoice status: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrStaleTransition
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO settlement_records (invoice_id, operation_id, outcome, note_ref)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (invoice_id) DO NOTHING`,
			id, operationID, string(model.SettlementOutcomeSuccess), noteRef,
		)
		if err != nil {
			return fmt.Errorf("insert settlement record: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO settlement_transitions (invoice_id, from_status, to_status) VALUES ($1, $2, $3)`,
			id, string(from), string(model.InvoiceStatusSettled),
		)
		if err != nil {
			return fmt.Errorf("insert transition: %w", err)
		}

		for _, kind := range channels {
			_, err = tx.Exec(ctx,
				`INSERT INTO notification_attempts (invoice_id, kind) VALUES ($1, $2)
				 ON CONFLICT (invoice_id, kind) DO NOTHING`,
				id, string(kind),
			)
			if err != nil {
				return fmt.Errorf("insert notification attempt: %w", err)
			}
		}

		return tx.Commit(ctx)
	})
}

// FailSettlement фиксирует окончательный отказ федерации: запись о расчёте с
// исходом FAILURE и переход в REDEEM_FAILED в одной транзакции.
func (r *PostgresRepository) FailSettlement(ctx context.Context, id uuid.UUID, from model.InvoiceStatus, operationID string, channels []model.ChannelKind) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`UPDATE invoices SET status = $3, operation_id = COALESCE(operation_id, $4)
			 WHERE id = $1 AND status = $2`,
			id, string(from), string(model.InvoiceStatusRedeemFailed), operationID,
		)
		if err != nil {
			return fmt.Errorf("update invoice status: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrStaleTransition
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO settlement_records (invoice_id, operation_id, outcome)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (invoice_id) DO NOTHING`,
			id, operationID, string(model.SettlementOutcomeFailure),
		)
		if err != nil {
			return fmt.Errorf("insert settlement record: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO settlement_transitions (invoice_id, from_status, to_status) VALUES ($1, $2, $3)`,
			id, string(from), string(model.InvoiceStatusRedeemFailed),
		)
		if err != nil {
			return fmt.Errorf("insert transition: %w", err)
		}

		for _, kind := range channels {
			_, err = tx.Exec(ctx,
				`INSERT INTO notification_attempts (invoice_id, kind) VALUES ($1, $2)
				 ON CONFLICT (invoice_id, kind) DO NOTHING`,
				id, string(kind),
			)
			if err != nil {
				return fmt.Errorf("insert notification attempt: %w", err)
			}
		}

		return tx.Commit(ctx)
	})
}

// GetSettlementRecord возвращает запись о расчёте инвойса.
func (r *PostgresRepository) GetSettlementRecord(ctx context.Context, invoiceID uuid.UUID) (*model.SettlementRecord, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT invoice_id, operation_id, outcome, note_ref, created_at, updated_at
		 FROM settlement_records WHERE invoice_id = $1`,
		invoiceID,
	)

	var rec model.SettlementRecord
	var outcome string
	err := row.Scan(&rec.InvoiceID, &rec.OperationID, &outcome, &rec.NoteRef, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("get settlement record: %w", err)
	}
	rec.Outcome = model.SettlementOutcome(outcome)

	return &rec, nil
}

// ExpirePendingInvoices переводит просроченные PENDING-инвойсы в EXPIRED и
// возвращает их идентификаторы. Федерация при этом не затрагивается.
func (r *PostgresRepository) ExpirePendingInvoices(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`UPDATE invoices SET status = $2 WHERE status = $1 AND expires_at <= $3 RETURNING id`,
		string(model.InvoiceStatusPending), string(model.InvoiceStatusExpired), now,
	)
	if err != nil {
		return nil, fmt.Errorf("expire invoices: %w", err)
	}

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for _, id := range ids {
		_, err = tx.Exec(ctx,
			`INSERT INTO settlement_transitions (invoice_id, from_status, to_status) VALUES ($1, $2, $3)`,
			id, string(model.InvoiceStatusPending), string(model.InvoiceStatusExpired),
		)
		if err != nil {
			return nil, fmt.Errorf("insert transition: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return ids, nil
}

// ListInvoicesByStatus возвращает инвойсы в указанных статусах для прохода
// сверки.
func (r *PostgresRepository) ListInvoicesByStatus(ctx context.Context, statuses []model.InvoiceStatus, limit int) ([]model.Invoice, error) {
	ss := make([]string, 0, len(statuses))
	for _, s := range statuses {
		ss = append(ss, string(s))
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE status = ANY($1) ORDER BY created_at LIMIT $2`,
		ss, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select invoices by status: %w", err)
	}
	defer rows.Close()

	var res []model.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *inv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateNotificationAttempt обновляет состояние доставки по одному каналу.
func (r *PostgresRepository) UpdateNotificationAttempt(ctx context.Context, invoiceID uuid.UUID, kind model.ChannelKind, status model.DeliveryStatus, attempts int, lastError *string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE notification_attempts SET status = $3, attempts = $4, last_error = $5, updated_at = now()
		 WHERE invoice_id = $1 AND kind = $2`,
		invoiceID, string(kind), string(status), attempts, lastError,
	)
	if err != nil {
		return fmt.Errorf("update notification attempt: %w", err)
	}
	return nil
}

// ListNotificationAttempts возвращает попытки доставки по инвойсу.
func (r *PostgresRepository) ListNotificationAttempts(ctx context.Context, invoiceID uuid.UUID) ([]model.NotificationAttempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT invoice_id, kind, status, attempts, last_error, updated_at
		 FROM notification_attempts WHERE invoice_id = $1 ORDER BY kind`,
		invoiceID,
	)
	if err != nil {
		return nil, fmt.Errorf("select notification attempts: %w", err)
	}
	defer rows.Close()

	var res []model.NotificationAttempt
	for rows.Next() {
		var a model.NotificationAttempt
		var kind, status string
		if err := rows.Scan(&a.InvoiceID, &kind, &status, &a.Attempts, &a.LastError, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan notification attempt: %w", err)
		}
		a.Kind = model.ChannelKind(kind)
		a.Status = model.DeliveryStatus(status)
		res = append(res, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListUnfinishedNotifications возвращает идентификаторы инвойсов в терминальном
// статусе, у которых остались недоставленные уведомления. Используется для
// повторной доставки после рестарта.
func (r *PostgresRepository) ListUnfinishedNotifications(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT n.invoice_id
		 FROM notification_attempts n
		 JOIN invoices i ON i.id = n.invoice_id
		 WHERE n.status IN ($1, $2) AND i.status IN ($3, $4)
		 LIMIT $5`,
		string(model.DeliveryStatusNotAttempted), string(model.DeliveryStatusRetryable),
		string(model.InvoiceStatusSettled), string(model.InvoiceStatusRedeemFailed),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select unfinished notifications: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan invoice id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}

// CreateChallenge сохраняет новый вызов аутентификации.
func (r *PostgresRepository) CreateChallenge(ctx context.Context, c *model.Challenge) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO challenges (id, pubkey, nonce, expires_at) VALUES ($1, $2, $3, $4)`,
		c.ID, c.Pubkey, c.Nonce, c.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert challenge: %w", err)
	}
	return nil
}

// GetChallenge возвращает вызов по идентификатору.
func (r *PostgresRepository) GetChallenge(ctx context.Context, id uuid.UUID) (*model.Challenge, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, pubkey, nonce, redeemed, created_at, expires_at FROM challenges WHERE id = $1`,
		id,
	)

	var c model.Challenge
	err := row.Scan(&c.ID, &c.Pubkey, &c.Nonce, &c.Redeemed, &c.CreatedAt, &c.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("get challenge: %w", err)
	}

	return &c, nil
}

// ConsumeChallenge атомарно помечает вызов погашенным. Условный UPDATE
// гарантирует, что вызов нельзя погасить дважды: повторная попытка и попытка
// погасить истёкший вызов возвращают ErrChallengeConsumed.
func (r *PostgresRepository) ConsumeChallenge(ctx context.Context, id uuid.UUID, now time.Time) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE challenges SET redeemed = TRUE WHERE id = $1 AND redeemed = FALSE AND expires_at > $2`,
		id, now,
	)
	if err != nil {
		return fmt.Errorf("consume challenge: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrChallengeConsumed
	}
	return nil
}

// CreateSession сохраняет новую сессию пользователя.
func (r *PostgresRepository) CreateSession(ctx context.Context, s *model.Session) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, expires_at) VALUES ($1, $2, $3)`,
		s.ID, s.UserID, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession возвращает сессию по идентификатору.
func (r *PostgresRepository) GetSession(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, created_at, expires_at FROM sessions WHERE id = $1`,
		id,
	)

	var s model.Session
	err := row.Scan(&s.ID, &s.UserID, &s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	return &s, nil
}

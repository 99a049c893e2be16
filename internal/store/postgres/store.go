package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"queueless/api/internal/models"
	"queueless/api/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	activeUserConstraint  = "uq_tokens_active_user"
	servingSlotConstraint = "uq_tokens_serving_slot"
	emailConstraint       = "uq_users_email"
)

const tokenColumns = "token_id, token_number, user_id, service_id, status, created_at, called_at, completed_at"

type Store struct {
	pool       *pgxpool.Pool
	sessionTTL time.Duration
}

type Options struct {
	SessionTTL time.Duration
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	ttl := options.SessionTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{pool: pool, sessionTTL: ttl}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (models.Token, error) {
	var token models.Token
	var calledAtNull sql.NullTime
	var completedAtNull sql.NullTime
	if err := row.Scan(&token.TokenID, &token.Number, &token.UserID, &token.ServiceID, &token.Status, &token.CreatedAt, &calledAtNull, &completedAtNull); err != nil {
		return models.Token{}, err
	}
	token.CalledAt = nullTimePtr(calledAtNull)
	token.CompletedAt = nullTimePtr(completedAtNull)
	return token, nil
}

func (s *Store) CreateToken(ctx context.Context, input store.CreateTokenInput) (models.Token, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	day := utcDay(createdAt)

	var seq int
	row := tx.QueryRow(ctx, `
		INSERT INTO token_counters (service_id, day, seq)
		VALUES ($1, $2, 1)
		ON CONFLICT (service_id, day) DO UPDATE SET seq = token_counters.seq + 1
		RETURNING seq
	`, input.ServiceID, day)
	if err = row.Scan(&seq); err != nil {
		return models.Token{}, err
	}

	tokenID := uuid.NewString()
	row = tx.QueryRow(ctx, `
		INSERT INTO tokens (token_id, token_number, user_id, service_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+tokenColumns+`
	`, tokenID, seq, input.UserID, input.ServiceID, models.StatusWaiting, createdAt)
	var token models.Token
	if token, err = scanToken(row); err != nil {
		if isUniqueViolation(err, activeUserConstraint) {
			err = store.ErrActiveTokenExists
		} else if isForeignKeyViolation(err) {
			err = store.ErrServiceNotFound
		}
		return models.Token{}, err
	}

	if err = insertTokenEvent(ctx, tx, token, "token.created"); err != nil {
		return models.Token{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE token_id = $1
	`, tokenID)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrTokenNotFound
		}
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) CountWaitingBefore(ctx context.Context, serviceID string, createdAt time.Time, number int) (int, error) {
	var count int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tokens
		WHERE service_id = $1 AND status = 'waiting'
			AND (created_at < $2 OR (created_at = $2 AND token_number < $3))
	`, serviceID, createdAt, number)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) HasActiveToken(ctx context.Context, userID, serviceID string) (bool, error) {
	var exists bool
	row := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tokens
			WHERE user_id = $1 AND service_id = $2 AND status IN ('waiting', 'being_served')
		)
	`, userID, serviceID)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *Store) CallOldestWaiting(ctx context.Context, serviceID string, calledAt time.Time) (models.Token, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	row := tx.QueryRow(ctx, `
		WITH next_token AS (
			SELECT token_id
			FROM tokens
			WHERE service_id = $1 AND status = 'waiting'
			ORDER BY created_at ASC, token_number ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tokens
		SET status = 'being_served',
			called_at = $2
		FROM next_token
		WHERE tokens.token_id = next_token.token_id
		RETURNING tokens.token_id, tokens.token_number, tokens.user_id, tokens.service_id, tokens.status, tokens.created_at, tokens.called_at, tokens.completed_at
	`, serviceID, calledAt)
	var token models.Token
	if token, err = scanToken(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrNoToken
		} else if isUniqueViolation(err, servingSlotConstraint) {
			err = store.ErrServingSlotOccupied
		}
		return models.Token{}, err
	}

	if err = insertTokenEvent(ctx, tx, token, "token.called"); err != nil {
		return models.Token{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		if isUniqueViolation(err, servingSlotConstraint) {
			err = store.ErrServingSlotOccupied
		}
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) CompleteServing(ctx context.Context, serviceID string, completedAt time.Time) (models.Token, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	row := tx.QueryRow(ctx, `
		UPDATE tokens
		SET status = 'completed',
			completed_at = $2
		WHERE service_id = $1 AND status = 'being_served'
		RETURNING `+tokenColumns+`
	`, serviceID, completedAt)
	var token models.Token
	if token, err = scanToken(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrNoToken
		}
		return models.Token{}, err
	}

	if err = insertTokenEvent(ctx, tx, token, "token.completed"); err != nil {
		return models.Token{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) TransitionToken(ctx context.Context, tokenID, newStatus string, completedAt time.Time) (models.Token, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	row := tx.QueryRow(ctx, `
		UPDATE tokens
		SET status = $2,
			completed_at = $3
		WHERE token_id = $1 AND status IN ('waiting', 'being_served')
		RETURNING `+tokenColumns+`
	`, tokenID, newStatus, completedAt)
	var token models.Token
	if token, err = scanToken(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			existsRow := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tokens WHERE token_id = $1)`, tokenID)
			if scanErr := existsRow.Scan(&exists); scanErr != nil {
				err = scanErr
				return models.Token{}, err
			}
			if !exists {
				err = store.ErrTokenNotFound
			} else {
				err = store.ErrInvalidState
			}
		}
		return models.Token{}, err
	}

	if err = insertTokenEvent(ctx, tx, token, "token."+newStatus); err != nil {
		return models.Token{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) QueueSnapshot(ctx context.Context, serviceID string, waitingLimit int) (store.QueueSnapshot, error) {
	if waitingLimit <= 0 {
		waitingLimit = 50
	}

	var snapshot store.QueueSnapshot

	var currentID string
	var currentNumber int
	row := s.pool.QueryRow(ctx, `
		SELECT token_id, token_number
		FROM tokens
		WHERE service_id = $1 AND status = 'being_served'
	`, serviceID)
	if err := row.Scan(&currentID, &currentNumber); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return store.QueueSnapshot{}, err
		}
	} else {
		snapshot.CurrentTokenID = currentID
		snapshot.CurrentNumber = &currentNumber
	}

	rows, err := s.pool.Query(ctx, `
		SELECT token_id, token_number
		FROM tokens
		WHERE service_id = $1 AND status = 'waiting'
		ORDER BY created_at ASC, token_number ASC
		LIMIT $2
	`, serviceID, waitingLimit)
	if err != nil {
		return store.QueueSnapshot{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var waiting store.WaitingToken
		if err := rows.Scan(&waiting.TokenID, &waiting.Number); err != nil {
			return store.QueueSnapshot{}, err
		}
		snapshot.Waiting = append(snapshot.Waiting, waiting)
	}
	if err := rows.Err(); err != nil {
		return store.QueueSnapshot{}, err
	}

	row = s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM tokens WHERE service_id = $1 AND status = 'waiting'),
			(SELECT COUNT(*) FROM tokens WHERE service_id = $1 AND status = 'completed' AND created_at >= $2)
	`, serviceID, utcDay(time.Now()))
	if err := row.Scan(&snapshot.TotalWaiting, &snapshot.ServedToday); err != nil {
		return store.QueueSnapshot{}, err
	}

	return snapshot, nil
}

func (s *Store) ListUserTokens(ctx context.Context, userID string, limit int) ([]store.UserToken, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryUserTokens(ctx, `
		SELECT t.token_id, t.token_number, t.user_id, t.service_id, t.status, t.created_at, t.called_at, t.completed_at,
			s.name, s.avg_service_time_mins
		FROM tokens t
		JOIN services s ON s.service_id = t.service_id
		WHERE t.user_id = $1
		ORDER BY t.created_at DESC
		LIMIT $2
	`, userID, limit)
}

func (s *Store) ListActiveUserTokens(ctx context.Context, userID string) ([]store.UserToken, error) {
	return s.queryUserTokens(ctx, `
		SELECT t.token_id, t.token_number, t.user_id, t.service_id, t.status, t.created_at, t.called_at, t.completed_at,
			s.name, s.avg_service_time_mins
		FROM tokens t
		JOIN services s ON s.service_id = t.service_id
		WHERE t.user_id = $1 AND t.status IN ('waiting', 'being_served')
		ORDER BY t.created_at ASC
	`, userID)
}

func (s *Store) queryUserTokens(ctx context.Context, query string, args ...any) ([]store.UserToken, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []store.UserToken
	for rows.Next() {
		var token store.UserToken
		var calledAtNull sql.NullTime
		var completedAtNull sql.NullTime
		if err := rows.Scan(&token.TokenID, &token.Number, &token.UserID, &token.ServiceID, &token.Status, &token.CreatedAt, &calledAtNull, &completedAtNull, &token.ServiceName, &token.AvgServiceTimeMins); err != nil {
			return nil, err
		}
		token.CalledAt = nullTimePtr(calledAtNull)
		token.CompletedAt = nullTimePtr(completedAtNull)
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (s *Store) ListServiceTokens(ctx context.Context, serviceID string, limit int) ([]models.Token, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE service_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, serviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []models.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (s *Store) ListTokenEvents(ctx context.Context, tokenID string) ([]store.TokenEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, token_id, type, payload, created_at
		FROM token_events
		WHERE token_id = $1
		ORDER BY event_id ASC
	`, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TokenEvent
	for rows.Next() {
		var event store.TokenEvent
		if err := rows.Scan(&event.EventID, &event.TokenID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

type eventPayload struct {
	TokenID     string     `json:"token_id"`
	Number      int        `json:"token_number"`
	UserID      string     `json:"user_id"`
	ServiceID   string     `json:"service_id"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CalledAt    *time.Time `json:"called_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func insertTokenEvent(ctx context.Context, tx pgx.Tx, token models.Token, eventType string) error {
	payload, err := json.Marshal(eventPayload{
		TokenID:     token.TokenID,
		Number:      token.Number,
		UserID:      token.UserID,
		ServiceID:   token.ServiceID,
		Status:      token.Status,
		CreatedAt:   token.CreatedAt,
		CalledAt:    token.CalledAt,
		CompletedAt: token.CompletedAt,
	})
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO token_events (token_id, type, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, token.TokenID, eventType, payload, time.Now().UTC())
	return err
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

// utcDay truncates to UTC midnight, the partition boundary for counters
// and the served-today count.
func utcDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint ||
		strings.Contains(pgErr.Message, constraint))
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23503"
}

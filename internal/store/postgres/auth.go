package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"queueless/api/internal/models"
	"queueless/api/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
)

func (s *Store) Register(ctx context.Context, input store.RegisterInput) (models.User, models.Session, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, models.Session{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.User{}, models.Session{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var user models.User
	row := tx.QueryRow(ctx, `
		INSERT INTO users (user_id, email, name, password_hash, role, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING user_id, email, name, role, created_at
	`, uuid.NewString(), normalizeEmail(input.Email), input.Name, string(hash), models.RoleUser, time.Now().UTC())
	if err = row.Scan(&user.UserID, &user.Email, &user.Name, &user.Role, &user.CreatedAt); err != nil {
		if isUniqueViolation(err, emailConstraint) {
			err = store.ErrEmailTaken
		}
		return models.User{}, models.Session{}, err
	}

	session, err := createSession(ctx, tx, user.UserID, s.sessionTTL)
	if err != nil {
		return models.User{}, models.Session{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.User{}, models.Session{}, err
	}
	return user, session, nil
}

func (s *Store) Login(ctx context.Context, email, password string) (models.User, models.Session, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.User{}, models.Session{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var user models.User
	var passwordHash string
	row := tx.QueryRow(ctx, `
		SELECT user_id, email, name, role, created_at, password_hash
		FROM users
		WHERE email = $1
	`, normalizeEmail(email))
	if err = row.Scan(&user.UserID, &user.Email, &user.Name, &user.Role, &user.CreatedAt, &passwordHash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrInvalidCredentials
		}
		return models.User{}, models.Session{}, err
	}

	if err = bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		err = store.ErrInvalidCredentials
		return models.User{}, models.Session{}, err
	}

	session, err := createSession(ctx, tx, user.UserID, s.sessionTTL)
	if err != nil {
		return models.User{}, models.Session{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.User{}, models.Session{}, err
	}
	return user, session, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (models.Session, models.User, error) {
	var session models.Session
	var user models.User
	row := s.pool.QueryRow(ctx, `
		SELECT se.session_id, se.user_id, se.expires_at,
			u.user_id, u.email, u.name, u.role, u.created_at
		FROM sessions se
		JOIN users u ON u.user_id = se.user_id
		WHERE se.session_id = $1 AND se.expires_at > $2
	`, sessionID, time.Now().UTC())
	if err := row.Scan(&session.SessionID, &session.UserID, &session.ExpiresAt, &user.UserID, &user.Email, &user.Name, &user.Role, &user.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, models.User{}, store.ErrSessionNotFound
		}
		return models.Session{}, models.User{}, err
	}
	return session, user, nil
}

func (s *Store) MakeAdmin(ctx context.Context, email string) (models.User, error) {
	var user models.User
	row := s.pool.QueryRow(ctx, `
		UPDATE users
		SET role = $2
		WHERE email = $1
		RETURNING user_id, email, name, role, created_at
	`, normalizeEmail(email), models.RoleAdmin)
	if err := row.Scan(&user.UserID, &user.Email, &user.Name, &user.Role, &user.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, store.ErrUserNotFound
		}
		return models.User{}, err
	}
	return user, nil
}

func createSession(ctx context.Context, tx pgx.Tx, userID string, ttl time.Duration) (models.Session, error) {
	session := models.Session{
		SessionID: uuid.NewString(),
		UserID:    userID,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO sessions (session_id, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
	`, session.SessionID, session.UserID, session.ExpiresAt, time.Now().UTC())
	if err != nil {
		return models.Session{}, err
	}
	return session, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

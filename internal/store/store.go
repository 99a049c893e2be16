package store

import (
	"context"
	"encoding/json"
	"time"

	"queueless/api/internal/models"
)

type CreateTokenInput struct {
	UserID    string
	ServiceID string
	CreatedAt time.Time
}

type RegisterInput struct {
	Email    string
	Name     string
	Password string
}

type ServiceInput struct {
	Name               string
	Description        string
	AvgServiceTimeMins int
}

// UserToken is a token joined with the catalog fields the user-facing
// views need.
type UserToken struct {
	models.Token
	ServiceName        string
	AvgServiceTimeMins int
}

type ServiceWithQueue struct {
	models.Service
	CurrentNumber *int
	WaitingCount  int
}

type WaitingToken struct {
	TokenID string `json:"id"`
	Number  int    `json:"token_number"`
}

// QueueSnapshot is the read-only queue view for one service: the occupied
// serving slot (if any), the oldest waiting tokens in call order, and
// today's completion count (UTC day).
type QueueSnapshot struct {
	CurrentNumber  *int
	CurrentTokenID string
	Waiting        []WaitingToken
	TotalWaiting   int
	ServedToday    int
}

type TokenEvent struct {
	EventID   int64           `json:"event_id"`
	TokenID   string          `json:"token_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store exposes only atomic primitives to the queue controller. State
// transitions are single guarded statements; no read-then-write sequence
// composed of separate calls is permitted for a transition.
type Store interface {
	// CreateToken allocates the next per-service per-day number and inserts
	// a waiting token in one transaction. Returns ErrActiveTokenExists when
	// the user already holds a waiting or being_served token for the service.
	CreateToken(ctx context.Context, input CreateTokenInput) (models.Token, error)
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	// CountWaitingBefore counts waiting tokens of the service that are
	// strictly earlier in (created_at, token_number) order.
	CountWaitingBefore(ctx context.Context, serviceID string, createdAt time.Time, number int) (int, error)
	HasActiveToken(ctx context.Context, userID, serviceID string) (bool, error)
	// CallOldestWaiting atomically promotes the oldest waiting token to
	// being_served. Returns ErrNoToken on an empty queue and
	// ErrServingSlotOccupied when another token already holds the slot.
	CallOldestWaiting(ctx context.Context, serviceID string, calledAt time.Time) (models.Token, error)
	// CompleteServing atomically transitions the single being_served token
	// of the service to completed. Returns ErrNoToken when the slot is empty.
	CompleteServing(ctx context.Context, serviceID string, completedAt time.Time) (models.Token, error)
	// TransitionToken moves one token to a terminal status, guarded by the
	// active-status precondition. Returns ErrTokenNotFound or ErrInvalidState.
	TransitionToken(ctx context.Context, tokenID, newStatus string, completedAt time.Time) (models.Token, error)
	QueueSnapshot(ctx context.Context, serviceID string, waitingLimit int) (QueueSnapshot, error)
	ListUserTokens(ctx context.Context, userID string, limit int) ([]UserToken, error)
	ListActiveUserTokens(ctx context.Context, userID string) ([]UserToken, error)
	ListServiceTokens(ctx context.Context, serviceID string, limit int) ([]models.Token, error)
	ListTokenEvents(ctx context.Context, tokenID string) ([]TokenEvent, error)

	CreateService(ctx context.Context, input ServiceInput) (models.Service, error)
	GetService(ctx context.Context, serviceID string) (models.Service, error)
	UpdateService(ctx context.Context, serviceID string, input ServiceInput) (models.Service, error)
	DeactivateService(ctx context.Context, serviceID string) error
	ListActiveServices(ctx context.Context) ([]ServiceWithQueue, error)

	Register(ctx context.Context, input RegisterInput) (models.User, models.Session, error)
	Login(ctx context.Context, email, password string) (models.User, models.Session, error)
	GetSession(ctx context.Context, sessionID string) (models.Session, models.User, error)
	MakeAdmin(ctx context.Context, email string) (models.User, error)
}

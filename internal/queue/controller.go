// Package queue implements the token lifecycle: booking, cancellation,
// skipping, and the operator advance operations. All cross-request
// invariants are enforced by the store's atomic primitives; the controller
// never composes a transition out of separate read and write calls.
package queue

import (
	"context"
	"errors"
	"time"

	"queueless/api/internal/models"
	"queueless/api/internal/store"
)

// callNextAttempts bounds the retry when a concurrent caller fills the
// serving slot between the complete and promote steps.
const callNextAttempts = 3

const waitingListLimit = 50

type Controller struct {
	store         store.Store
	nearThreshold int
}

type Options struct {
	// NearThreshold is the largest queue position that still produces a
	// "turn is coming up" notification.
	NearThreshold int
}

func NewController(st store.Store, options Options) *Controller {
	threshold := options.NearThreshold
	if threshold <= 0 {
		threshold = 3
	}
	return &Controller{store: st, nearThreshold: threshold}
}

type BookedToken struct {
	Token             models.Token
	ServiceName       string
	Position          int
	EstimatedWaitMins int
}

func (c *Controller) Book(ctx context.Context, userID, serviceID string) (BookedToken, error) {
	svc, err := c.store.GetService(ctx, serviceID)
	if err != nil {
		return BookedToken{}, err
	}
	if !svc.Active {
		return BookedToken{}, store.ErrServiceNotFound
	}

	// Pre-check for a clean conflict; the partial unique index in the
	// store closes the remaining race without burning a sequence number
	// in the common case.
	active, err := c.store.HasActiveToken(ctx, userID, serviceID)
	if err != nil {
		return BookedToken{}, err
	}
	if active {
		return BookedToken{}, store.ErrActiveTokenExists
	}

	token, err := c.store.CreateToken(ctx, store.CreateTokenInput{
		UserID:    userID,
		ServiceID: serviceID,
	})
	if err != nil {
		return BookedToken{}, err
	}

	position, err := c.position(ctx, token)
	if err != nil {
		return BookedToken{}, err
	}

	return BookedToken{
		Token:             token,
		ServiceName:       svc.Name,
		Position:          position,
		EstimatedWaitMins: EstimatedWaitMins(position, svc.AvgServiceTimeMins),
	}, nil
}

func (c *Controller) Cancel(ctx context.Context, requesterID string, requesterRole string, tokenID string) (models.Token, error) {
	token, err := c.store.GetToken(ctx, tokenID)
	if err != nil {
		return models.Token{}, err
	}
	if token.UserID != requesterID && requesterRole != models.RoleAdmin {
		return models.Token{}, store.ErrAccessDenied
	}
	if !store.ValidTransition("cancel", token.Status) {
		return models.Token{}, store.ErrInvalidState
	}
	return c.transition(ctx, "cancel", tokenID)
}

func (c *Controller) Skip(ctx context.Context, tokenID string) (models.Token, error) {
	return c.transition(ctx, "skip", tokenID)
}

// transition resolves the action's target status and hands the guarded
// update to the store.
func (c *Controller) transition(ctx context.Context, action, tokenID string) (models.Token, error) {
	status, ok := store.TargetStatus(action)
	if !ok {
		return models.Token{}, store.ErrInvalidState
	}
	return c.store.TransitionToken(ctx, tokenID, status, time.Now().UTC())
}

type CompleteResult struct {
	Completed bool
	Number    int
}

func (c *Controller) CompleteCurrent(ctx context.Context, serviceID string) (CompleteResult, error) {
	token, err := c.store.CompleteServing(ctx, serviceID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrNoToken) {
			return CompleteResult{}, nil
		}
		return CompleteResult{}, err
	}
	return CompleteResult{Completed: true, Number: token.Number}, nil
}

type CallResult struct {
	Called            bool
	CompletedPrevious bool
	Token             models.Token
}

// CallNext completes any currently serving token, then promotes the oldest
// waiting one. The two steps are independently atomic: a crash between them
// leaves at worst an extra completed token, never a broken serving slot.
func (c *Controller) CallNext(ctx context.Context, serviceID string) (CallResult, error) {
	completedPrevious := false
	for attempt := 0; attempt < callNextAttempts; attempt++ {
		_, err := c.store.CompleteServing(ctx, serviceID, time.Now().UTC())
		if err == nil {
			completedPrevious = true
		} else if !errors.Is(err, store.ErrNoToken) {
			return CallResult{}, err
		}

		token, err := c.store.CallOldestWaiting(ctx, serviceID, time.Now().UTC())
		if err == nil {
			return CallResult{Called: true, CompletedPrevious: completedPrevious, Token: token}, nil
		}
		if errors.Is(err, store.ErrNoToken) {
			return CallResult{Called: false, CompletedPrevious: completedPrevious}, nil
		}
		if errors.Is(err, store.ErrServingSlotOccupied) {
			// A concurrent caller took the slot; complete it and retry.
			continue
		}
		return CallResult{}, err
	}
	return CallResult{}, store.ErrServingSlotOccupied
}

type Status struct {
	ServiceID      string         `json:"service_id"`
	CurrentNumber  *int           `json:"current_token"`
	CurrentTokenID string         `json:"being_served_token_id,omitempty"`
	Waiting        []WaitingEntry `json:"waiting_tokens"`
	TotalWaiting   int            `json:"total_waiting"`
	ServedToday    int            `json:"total_served"`
}

type WaitingEntry struct {
	TokenID  string `json:"id"`
	Number   int    `json:"token_number"`
	Position int    `json:"position"`
}

func (c *Controller) Status(ctx context.Context, serviceID string) (Status, error) {
	if _, err := c.store.GetService(ctx, serviceID); err != nil {
		return Status{}, err
	}
	snapshot, err := c.store.QueueSnapshot(ctx, serviceID, waitingListLimit)
	if err != nil {
		return Status{}, err
	}

	status := Status{
		ServiceID:      serviceID,
		CurrentNumber:  snapshot.CurrentNumber,
		CurrentTokenID: snapshot.CurrentTokenID,
		Waiting:        make([]WaitingEntry, 0, len(snapshot.Waiting)),
		TotalWaiting:   snapshot.TotalWaiting,
		ServedToday:    snapshot.ServedToday,
	}
	for i, waiting := range snapshot.Waiting {
		status.Waiting = append(status.Waiting, WaitingEntry{
			TokenID:  waiting.TokenID,
			Number:   waiting.Number,
			Position: i + 1,
		})
	}
	return status, nil
}

type TokenView struct {
	models.Token
	ServiceName       string `json:"service_name"`
	Position          *int   `json:"position_in_queue,omitempty"`
	EstimatedWaitMins *int   `json:"estimated_wait_mins,omitempty"`
	Notification      string `json:"notification,omitempty"`
}

func (c *Controller) MyTokens(ctx context.Context, userID string) ([]TokenView, error) {
	tokens, err := c.store.ListUserTokens(ctx, userID, 50)
	if err != nil {
		return nil, err
	}

	views := make([]TokenView, 0, len(tokens))
	for _, token := range tokens {
		view := TokenView{Token: token.Token, ServiceName: token.ServiceName}
		if token.Status == models.StatusWaiting {
			position, err := c.position(ctx, token.Token)
			if err != nil {
				return nil, err
			}
			wait := EstimatedWaitMins(position, token.AvgServiceTimeMins)
			view.Position = &position
			view.EstimatedWaitMins = &wait
			view.Notification = Message(token.Status, position, c.nearThreshold)
		} else if token.Status == models.StatusBeingServed {
			view.Notification = Message(token.Status, 0, c.nearThreshold)
		}
		views = append(views, view)
	}
	return views, nil
}

type Notification struct {
	TokenID     string `json:"token_id"`
	Number      int    `json:"token_number"`
	ServiceName string `json:"service_name"`
	Position    int    `json:"position"`
	Message     string `json:"message"`
}

// Notifications returns a message for each of the user's active tokens
// whose turn is near. Tokens further back in the queue produce nothing.
func (c *Controller) Notifications(ctx context.Context, userID string) ([]Notification, error) {
	tokens, err := c.store.ListActiveUserTokens(ctx, userID)
	if err != nil {
		return nil, err
	}

	notifications := make([]Notification, 0, len(tokens))
	for _, token := range tokens {
		position := 0
		if token.Status == models.StatusWaiting {
			position, err = c.position(ctx, token.Token)
			if err != nil {
				return nil, err
			}
		}
		message := Message(token.Status, position, c.nearThreshold)
		if message == "" {
			continue
		}
		notifications = append(notifications, Notification{
			TokenID:     token.TokenID,
			Number:      token.Number,
			ServiceName: token.ServiceName,
			Position:    position,
			Message:     message,
		})
	}
	return notifications, nil
}

// position ranks a waiting token among the waiting tokens of its service,
// ordered by (created_at, token_number) so the rank is total even when
// creation timestamps collide.
func (c *Controller) position(ctx context.Context, token models.Token) (int, error) {
	count, err := c.store.CountWaitingBefore(ctx, token.ServiceID, token.CreatedAt, token.Number)
	if err != nil {
		return 0, err
	}
	return count + 1, nil
}

// EstimatedWaitMins estimates the wait for a queue position. Position 1 is
// next to be called and waits zero.
func EstimatedWaitMins(position, avgServiceTimeMins int) int {
	if position <= 1 {
		return 0
	}
	return (position - 1) * avgServiceTimeMins
}

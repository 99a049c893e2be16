package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"queueless/api/internal/models"
	"queueless/api/internal/store"
)

// memStore mirrors the postgres store's transition semantics in memory:
// per-(service, day) counters, guarded single-statement transitions, and
// the one-serving-slot and one-active-token-per-user invariants.
type memStore struct {
	mu       sync.Mutex
	services map[string]models.Service
	tokens   []*models.Token
	counters map[string]int
	clock    time.Time
	nextID   int
}

func newMemStore() *memStore {
	return &memStore{
		services: make(map[string]models.Service),
		counters: make(map[string]int),
		clock:    time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) addService(id string, avgMins int, active bool) {
	m.services[id] = models.Service{
		ServiceID:          id,
		Name:               "Service " + id,
		AvgServiceTimeMins: avgMins,
		Active:             active,
		CreatedAt:          m.clock,
	}
}

func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memStore) CreateToken(ctx context.Context, input store.CreateTokenInput) (models.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, token := range m.tokens {
		if token.UserID == input.UserID && token.ServiceID == input.ServiceID && !models.Terminal(token.Status) {
			return models.Token{}, store.ErrActiveTokenExists
		}
	}

	createdAt := m.tick()
	key := input.ServiceID + "_" + createdAt.Format("2006-01-02")
	m.counters[key]++
	m.nextID++

	token := &models.Token{
		TokenID:   fmt.Sprintf("token-%d", m.nextID),
		Number:    m.counters[key],
		UserID:    input.UserID,
		ServiceID: input.ServiceID,
		Status:    models.StatusWaiting,
		CreatedAt: createdAt,
	}
	m.tokens = append(m.tokens, token)
	return *token, nil
}

func (m *memStore) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, token := range m.tokens {
		if token.TokenID == tokenID {
			return *token, nil
		}
	}
	return models.Token{}, store.ErrTokenNotFound
}

func (m *memStore) CountWaitingBefore(ctx context.Context, serviceID string, createdAt time.Time, number int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, token := range m.tokens {
		if token.ServiceID != serviceID || token.Status != models.StatusWaiting {
			continue
		}
		if token.CreatedAt.Before(createdAt) || (token.CreatedAt.Equal(createdAt) && token.Number < number) {
			count++
		}
	}
	return count, nil
}

func (m *memStore) HasActiveToken(ctx context.Context, userID, serviceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, token := range m.tokens {
		if token.UserID == userID && token.ServiceID == serviceID && !models.Terminal(token.Status) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) CallOldestWaiting(ctx context.Context, serviceID string, calledAt time.Time) (models.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *models.Token
	for _, token := range m.tokens {
		if token.ServiceID != serviceID {
			continue
		}
		if token.Status == models.StatusBeingServed {
			return models.Token{}, store.ErrServingSlotOccupied
		}
		if token.Status != models.StatusWaiting {
			continue
		}
		if oldest == nil || token.CreatedAt.Before(oldest.CreatedAt) ||
			(token.CreatedAt.Equal(oldest.CreatedAt) && token.Number < oldest.Number) {
			oldest = token
		}
	}
	if oldest == nil {
		return models.Token{}, store.ErrNoToken
	}
	at := m.tick()
	oldest.Status = models.StatusBeingServed
	oldest.CalledAt = &at
	return *oldest, nil
}

func (m *memStore) CompleteServing(ctx context.Context, serviceID string, completedAt time.Time) (models.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, token := range m.tokens {
		if token.ServiceID == serviceID && token.Status == models.StatusBeingServed {
			at := m.tick()
			token.Status = models.StatusCompleted
			token.CompletedAt = &at
			return *token, nil
		}
	}
	return models.Token{}, store.ErrNoToken
}

func (m *memStore) TransitionToken(ctx context.Context, tokenID, newStatus string, completedAt time.Time) (models.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, token := range m.tokens {
		if token.TokenID != tokenID {
			continue
		}
		if models.Terminal(token.Status) {
			return models.Token{}, store.ErrInvalidState
		}
		at := m.tick()
		token.Status = newStatus
		token.CompletedAt = &at
		return *token, nil
	}
	return models.Token{}, store.ErrTokenNotFound
}

func (m *memStore) QueueSnapshot(ctx context.Context, serviceID string, waitingLimit int) (store.QueueSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var snapshot store.QueueSnapshot
	var waiting []*models.Token
	for _, token := range m.tokens {
		if token.ServiceID != serviceID {
			continue
		}
		switch token.Status {
		case models.StatusBeingServed:
			number := token.Number
			snapshot.CurrentNumber = &number
			snapshot.CurrentTokenID = token.TokenID
		case models.StatusWaiting:
			waiting = append(waiting, token)
		case models.StatusCompleted:
			snapshot.ServedToday++
		}
	}
	sort.Slice(waiting, func(i, j int) bool {
		if !waiting[i].CreatedAt.Equal(waiting[j].CreatedAt) {
			return waiting[i].CreatedAt.Before(waiting[j].CreatedAt)
		}
		return waiting[i].Number < waiting[j].Number
	})
	snapshot.TotalWaiting = len(waiting)
	if waitingLimit > 0 && len(waiting) > waitingLimit {
		waiting = waiting[:waitingLimit]
	}
	for _, token := range waiting {
		snapshot.Waiting = append(snapshot.Waiting, store.WaitingToken{TokenID: token.TokenID, Number: token.Number})
	}
	return snapshot, nil
}

func (m *memStore) ListUserTokens(ctx context.Context, userID string, limit int) ([]store.UserToken, error) {
	return m.listUserTokens(userID, false), nil
}

func (m *memStore) ListActiveUserTokens(ctx context.Context, userID string) ([]store.UserToken, error) {
	return m.listUserTokens(userID, true), nil
}

func (m *memStore) listUserTokens(userID string, activeOnly bool) []store.UserToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tokens []store.UserToken
	for _, token := range m.tokens {
		if token.UserID != userID {
			continue
		}
		if activeOnly && models.Terminal(token.Status) {
			continue
		}
		svc := m.services[token.ServiceID]
		tokens = append(tokens, store.UserToken{
			Token:              *token,
			ServiceName:        svc.Name,
			AvgServiceTimeMins: svc.AvgServiceTimeMins,
		})
	}
	return tokens
}

func (m *memStore) ListServiceTokens(ctx context.Context, serviceID string, limit int) ([]models.Token, error) {
	return nil, nil
}

func (m *memStore) ListTokenEvents(ctx context.Context, tokenID string) ([]store.TokenEvent, error) {
	return nil, nil
}

func (m *memStore) CreateService(ctx context.Context, input store.ServiceInput) (models.Service, error) {
	return models.Service{}, nil
}

func (m *memStore) GetService(ctx context.Context, serviceID string) (models.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[serviceID]
	if !ok {
		return models.Service{}, store.ErrServiceNotFound
	}
	return svc, nil
}

func (m *memStore) UpdateService(ctx context.Context, serviceID string, input store.ServiceInput) (models.Service, error) {
	return models.Service{}, nil
}

func (m *memStore) DeactivateService(ctx context.Context, serviceID string) error { return nil }

func (m *memStore) ListActiveServices(ctx context.Context) ([]store.ServiceWithQueue, error) {
	return nil, nil
}

func (m *memStore) Register(ctx context.Context, input store.RegisterInput) (models.User, models.Session, error) {
	return models.User{}, models.Session{}, nil
}

func (m *memStore) Login(ctx context.Context, email, password string) (models.User, models.Session, error) {
	return models.User{}, models.Session{}, nil
}

func (m *memStore) GetSession(ctx context.Context, sessionID string) (models.Session, models.User, error) {
	return models.Session{}, models.User{}, store.ErrSessionNotFound
}

func (m *memStore) MakeAdmin(ctx context.Context, email string) (models.User, error) {
	return models.User{}, store.ErrUserNotFound
}

func newTestController(t *testing.T) (*Controller, *memStore) {
	t.Helper()
	st := newMemStore()
	st.addService("svc-1", 5, true)
	return NewController(st, Options{NearThreshold: 3}), st
}

func TestBookAssignsNumbersAndPositions(t *testing.T) {
	ctx := context.Background()
	controller, _ := newTestController(t)

	wantWaits := []int{0, 5, 10}
	for i := 0; i < 3; i++ {
		booked, err := controller.Book(ctx, fmt.Sprintf("user-%d", i), "svc-1")
		if err != nil {
			t.Fatalf("book %d: %v", i, err)
		}
		if booked.Token.Number != i+1 {
			t.Fatalf("token %d number = %d, want %d", i, booked.Token.Number, i+1)
		}
		if booked.Position != i+1 {
			t.Fatalf("token %d position = %d, want %d", i, booked.Position, i+1)
		}
		if booked.EstimatedWaitMins != wantWaits[i] {
			t.Fatalf("token %d wait = %d, want %d", i, booked.EstimatedWaitMins, wantWaits[i])
		}
		if booked.Token.Status != models.StatusWaiting {
			t.Fatalf("token %d status = %q", i, booked.Token.Status)
		}
	}
}

func TestBookInactiveServiceRejected(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	st.addService("svc-off", 5, false)
	controller := NewController(st, Options{})

	if _, err := controller.Book(ctx, "user-1", "svc-off"); !errors.Is(err, store.ErrServiceNotFound) {
		t.Fatalf("book inactive service: %v, want ErrServiceNotFound", err)
	}
}

func TestDuplicateBookingRejectedUntilTerminal(t *testing.T) {
	ctx := context.Background()
	controller, _ := newTestController(t)

	first, err := controller.Book(ctx, "user-1", "svc-1")
	if err != nil {
		t.Fatalf("first book: %v", err)
	}
	if _, err := controller.Book(ctx, "user-1", "svc-1"); !errors.Is(err, store.ErrActiveTokenExists) {
		t.Fatalf("duplicate book: %v, want ErrActiveTokenExists", err)
	}

	if _, err := controller.Cancel(ctx, "user-1", models.RoleUser, first.Token.TokenID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	second, err := controller.Book(ctx, "user-1", "svc-1")
	if err != nil {
		t.Fatalf("book after cancel: %v", err)
	}
	if second.Token.Number != 2 {
		t.Fatalf("second number = %d, want 2 (numbers are never reused)", second.Token.Number)
	}
}

func TestCallNextAdvancesQueue(t *testing.T) {
	ctx := context.Background()
	controller, st := newTestController(t)

	var booked []BookedToken
	for i := 0; i < 3; i++ {
		b, err := controller.Book(ctx, fmt.Sprintf("user-%d", i), "svc-1")
		if err != nil {
			t.Fatalf("book %d: %v", i, err)
		}
		booked = append(booked, b)
	}

	result, err := controller.CallNext(ctx, "svc-1")
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if !result.Called || result.Token.Number != 1 {
		t.Fatalf("call next = %+v, want token #1 called", result)
	}
	if result.CompletedPrevious {
		t.Fatal("call next on empty slot reported a completed previous token")
	}
	if result.Token.Status != models.StatusBeingServed || result.Token.CalledAt == nil {
		t.Fatalf("called token = %+v, want being_served with called_at set", result.Token)
	}

	t2, err := st.GetToken(ctx, booked[1].Token.TokenID)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	count, err := st.CountWaitingBefore(ctx, "svc-1", t2.CreatedAt, t2.Number)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count+1 != 1 {
		t.Fatalf("T2 position after call = %d, want 1", count+1)
	}
	if wait := EstimatedWaitMins(count+1, 5); wait != 0 {
		t.Fatalf("T2 wait after call = %d, want 0", wait)
	}

	complete, err := controller.CompleteCurrent(ctx, "svc-1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !complete.Completed || complete.Number != 1 {
		t.Fatalf("complete = %+v, want token #1 completed", complete)
	}

	result, err = controller.CallNext(ctx, "svc-1")
	if err != nil {
		t.Fatalf("second call next: %v", err)
	}
	if !result.Called || result.Token.Number != 2 {
		t.Fatalf("second call next = %+v, want token #2", result)
	}

	t3, err := st.GetToken(ctx, booked[2].Token.TokenID)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	count, err = st.CountWaitingBefore(ctx, "svc-1", t3.CreatedAt, t3.Number)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count+1 != 1 {
		t.Fatalf("T3 position = %d, want 1", count+1)
	}
}

func TestCallNextCompletesPreviousFirst(t *testing.T) {
	ctx := context.Background()
	controller, st := newTestController(t)

	for i := 0; i < 2; i++ {
		if _, err := controller.Book(ctx, fmt.Sprintf("user-%d", i), "svc-1"); err != nil {
			t.Fatalf("book %d: %v", i, err)
		}
	}

	if _, err := controller.CallNext(ctx, "svc-1"); err != nil {
		t.Fatalf("first call next: %v", err)
	}
	result, err := controller.CallNext(ctx, "svc-1")
	if err != nil {
		t.Fatalf("second call next: %v", err)
	}
	if !result.Called || result.Token.Number != 2 {
		t.Fatalf("second call next = %+v, want token #2", result)
	}
	if !result.CompletedPrevious {
		t.Fatal("second call next did not complete the previously served token")
	}

	snapshot, err := st.QueueSnapshot(ctx, "svc-1", 50)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.ServedToday != 1 {
		t.Fatalf("served today = %d, want 1", snapshot.ServedToday)
	}
	if snapshot.CurrentNumber == nil || *snapshot.CurrentNumber != 2 {
		t.Fatalf("current = %v, want 2", snapshot.CurrentNumber)
	}
}

func TestCallNextEmptyQueueIsNoOp(t *testing.T) {
	ctx := context.Background()
	controller, st := newTestController(t)

	for i := 0; i < 2; i++ {
		result, err := controller.CallNext(ctx, "svc-1")
		if err != nil {
			t.Fatalf("call next %d: %v", i, err)
		}
		if result.Called || result.CompletedPrevious {
			t.Fatalf("call next %d = %+v, want no-op", i, result)
		}
	}
	if len(st.tokens) != 0 {
		t.Fatalf("tokens mutated: %d rows", len(st.tokens))
	}

	complete, err := controller.CompleteCurrent(ctx, "svc-1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if complete.Completed {
		t.Fatalf("complete = %+v, want no-op", complete)
	}
}

func TestTerminalTokensRejectTransitions(t *testing.T) {
	ctx := context.Background()
	controller, _ := newTestController(t)

	booked, err := controller.Book(ctx, "user-1", "svc-1")
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if _, err := controller.Cancel(ctx, "user-1", models.RoleUser, booked.Token.TokenID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if _, err := controller.Cancel(ctx, "user-1", models.RoleUser, booked.Token.TokenID); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("cancel canceled token: %v, want ErrInvalidState", err)
	}
	if _, err := controller.Skip(ctx, booked.Token.TokenID); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("skip canceled token: %v, want ErrInvalidState", err)
	}
}

func TestCancelAuthorization(t *testing.T) {
	ctx := context.Background()
	controller, _ := newTestController(t)

	booked, err := controller.Book(ctx, "user-1", "svc-1")
	if err != nil {
		t.Fatalf("book: %v", err)
	}

	if _, err := controller.Cancel(ctx, "user-2", models.RoleUser, booked.Token.TokenID); !errors.Is(err, store.ErrAccessDenied) {
		t.Fatalf("cancel by another user: %v, want ErrAccessDenied", err)
	}

	token, err := controller.Cancel(ctx, "user-2", models.RoleAdmin, booked.Token.TokenID)
	if err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	if token.Status != models.StatusCanceled || token.CompletedAt == nil {
		t.Fatalf("canceled token = %+v", token)
	}

	if _, err := controller.Cancel(ctx, "user-1", models.RoleUser, "token-missing"); !errors.Is(err, store.ErrTokenNotFound) {
		t.Fatalf("cancel unknown token: %v, want ErrTokenNotFound", err)
	}
}

func TestSkipBeingServedToken(t *testing.T) {
	ctx := context.Background()
	controller, st := newTestController(t)

	if _, err := controller.Book(ctx, "user-1", "svc-1"); err != nil {
		t.Fatalf("book: %v", err)
	}
	result, err := controller.CallNext(ctx, "svc-1")
	if err != nil {
		t.Fatalf("call next: %v", err)
	}

	token, err := controller.Skip(ctx, result.Token.TokenID)
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if token.Status != models.StatusSkipped || token.CompletedAt == nil {
		t.Fatalf("skipped token = %+v", token)
	}

	snapshot, err := st.QueueSnapshot(ctx, "svc-1", 50)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.CurrentNumber != nil {
		t.Fatalf("serving slot still occupied: %v", *snapshot.CurrentNumber)
	}
}

func TestStatusView(t *testing.T) {
	ctx := context.Background()
	controller, _ := newTestController(t)

	for i := 0; i < 3; i++ {
		if _, err := controller.Book(ctx, fmt.Sprintf("user-%d", i), "svc-1"); err != nil {
			t.Fatalf("book %d: %v", i, err)
		}
	}
	if _, err := controller.CallNext(ctx, "svc-1"); err != nil {
		t.Fatalf("call next: %v", err)
	}

	status, err := controller.Status(ctx, "svc-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.CurrentNumber == nil || *status.CurrentNumber != 1 {
		t.Fatalf("current = %v, want 1", status.CurrentNumber)
	}
	if status.TotalWaiting != 2 || len(status.Waiting) != 2 {
		t.Fatalf("waiting = %d/%d, want 2/2", status.TotalWaiting, len(status.Waiting))
	}
	for i, entry := range status.Waiting {
		if entry.Position != i+1 {
			t.Fatalf("waiting[%d].Position = %d, want %d", i, entry.Position, i+1)
		}
		if entry.Number != i+2 {
			t.Fatalf("waiting[%d].Number = %d, want %d", i, entry.Number, i+2)
		}
	}

	if _, err := controller.Status(ctx, "svc-missing"); !errors.Is(err, store.ErrServiceNotFound) {
		t.Fatalf("status for unknown service: %v, want ErrServiceNotFound", err)
	}
}

func TestMyTokensAndNotifications(t *testing.T) {
	ctx := context.Background()
	controller, _ := newTestController(t)

	// Fill the queue so user-4's token sits beyond the near threshold.
	for i := 0; i < 5; i++ {
		if _, err := controller.Book(ctx, fmt.Sprintf("user-%d", i), "svc-1"); err != nil {
			t.Fatalf("book %d: %v", i, err)
		}
	}
	if _, err := controller.CallNext(ctx, "svc-1"); err != nil {
		t.Fatalf("call next: %v", err)
	}

	views, err := controller.MyTokens(ctx, "user-1")
	if err != nil {
		t.Fatalf("my tokens: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("views = %d, want 1", len(views))
	}
	if views[0].Position == nil || *views[0].Position != 1 {
		t.Fatalf("position = %v, want 1", views[0].Position)
	}
	if views[0].Notification == "" {
		t.Fatal("expected a next-up notification")
	}

	// user-0 is being served.
	notifications, err := controller.Notifications(ctx, "user-0")
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	if len(notifications) != 1 || notifications[0].Message != Message(models.StatusBeingServed, 0, 3) {
		t.Fatalf("notifications = %+v", notifications)
	}

	// user-4 is position 4, past the threshold of 3: no notification.
	notifications, err = controller.Notifications(ctx, "user-4")
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	if len(notifications) != 0 {
		t.Fatalf("notifications = %+v, want none", notifications)
	}
}

func TestDailyCountersAreIndependentPerService(t *testing.T) {
	ctx := context.Background()
	controller, st := newTestController(t)
	st.addService("svc-2", 10, true)

	a, err := controller.Book(ctx, "user-1", "svc-1")
	if err != nil {
		t.Fatalf("book svc-1: %v", err)
	}
	b, err := controller.Book(ctx, "user-1", "svc-2")
	if err != nil {
		t.Fatalf("book svc-2: %v", err)
	}
	if a.Token.Number != 1 || b.Token.Number != 1 {
		t.Fatalf("numbers = %d, %d, want independent counters starting at 1", a.Token.Number, b.Token.Number)
	}
}

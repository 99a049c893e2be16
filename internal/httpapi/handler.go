package httpapi

import (
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"strings"

	"queueless/api/internal/models"
	"queueless/api/internal/queue"
	"queueless/api/internal/store"

	"github.com/google/uuid"
)

type Handler struct {
	store store.Store
	queue *queue.Controller
}

func NewHandler(st store.Store, controller *queue.Controller) *Handler {
	return &Handler{store: st, queue: controller}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/auth/register", h.handleRegister)
	mux.HandleFunc("/api/auth/login", h.handleLogin)
	mux.HandleFunc("/api/auth/me", h.handleMe)
	mux.HandleFunc("/api/services", h.handleServices)
	mux.HandleFunc("/api/services/", h.handleServiceActions)
	mux.HandleFunc("/api/tokens/book", h.handleBookToken)
	mux.HandleFunc("/api/tokens/my", h.handleMyTokens)
	mux.HandleFunc("/api/tokens/notifications", h.handleNotifications)
	mux.HandleFunc("/api/tokens/", h.handleTokenActions)
	mux.HandleFunc("/api/admin/users/", h.handleAdminUsers)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	SessionID string      `json:"session_id"`
	ExpiresAt string      `json:"expires_at"`
	User      models.User `json:"user"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.Name = strings.TrimSpace(req.Name)

	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "invalid_request", "a valid email is required")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "invalid_request", "password must be at least 8 characters")
		return
	}

	user, session, err := h.store.Register(r.Context(), store.RegisterInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{
		SessionID: session.SessionID,
		ExpiresAt: session.ExpiresAt.Format(timeFormat),
		User:      user,
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	user, session, err := h.store.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID: session.SessionID,
		ExpiresAt: session.ExpiresAt.Format(timeFormat),
		User:      user,
	})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type serviceRequest struct {
	Name               string `json:"name"`
	Description        string `json:"description"`
	AvgServiceTimeMins int    `json:"avg_service_time_mins"`
}

func (r serviceRequest) validate() string {
	name := strings.TrimSpace(r.Name)
	if name == "" || len(name) > 100 {
		return "name must be 1-100 characters"
	}
	if len(r.Description) > 500 {
		return "description must be at most 500 characters"
	}
	if r.AvgServiceTimeMins < 1 || r.AvgServiceTimeMins > 480 {
		return "avg_service_time_mins must be between 1 and 480"
	}
	return ""
}

type serviceListEntry struct {
	models.Service
	CurrentNumber     *int `json:"current_token"`
	WaitingCount      int  `json:"waiting_count"`
	EstimatedWaitMins int  `json:"estimated_wait_mins"`
}

func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		services, err := h.store.ListActiveServices(r.Context())
		if err != nil {
			writeStoreError(w, err)
			return
		}
		entries := make([]serviceListEntry, 0, len(services))
		for _, svc := range services {
			entries = append(entries, serviceListEntry{
				Service:           svc.Service,
				CurrentNumber:     svc.CurrentNumber,
				WaitingCount:      svc.WaitingCount,
				EstimatedWaitMins: svc.WaitingCount * svc.AvgServiceTimeMins,
			})
		}
		writeJSON(w, http.StatusOK, entries)
	case http.MethodPost:
		if _, ok := requireAdmin(w, r); !ok {
			return
		}
		var req serviceRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if msg := req.validate(); msg != "" {
			writeError(w, http.StatusBadRequest, "invalid_request", msg)
			return
		}
		svc, err := h.store.CreateService(r.Context(), store.ServiceInput{
			Name:               strings.TrimSpace(req.Name),
			Description:        strings.TrimSpace(req.Description),
			AvgServiceTimeMins: req.AvgServiceTimeMins,
		})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, svc)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleServiceActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/services/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 {
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
		return
	}

	serviceID := parts[0]
	if !isValidUUID(serviceID) {
		writeError(w, http.StatusNotFound, "not_found", "service not found")
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodPut:
			h.updateService(w, r, serviceID)
		case http.MethodDelete:
			h.deleteService(w, r, serviceID)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	switch parts[1] {
	case "queue":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.queueStatus(w, r, serviceID)
	case "tokens":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.serviceTokens(w, r, serviceID)
	case "call-next":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.callNext(w, r, serviceID)
	case "complete":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.completeCurrent(w, r, serviceID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	}
}

func (h *Handler) updateService(w http.ResponseWriter, r *http.Request, serviceID string) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	var req serviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, "invalid_request", msg)
		return
	}
	svc, err := h.store.UpdateService(r.Context(), serviceID, store.ServiceInput{
		Name:               strings.TrimSpace(req.Name),
		Description:        strings.TrimSpace(req.Description),
		AvgServiceTimeMins: req.AvgServiceTimeMins,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (h *Handler) deleteService(w http.ResponseWriter, r *http.Request, serviceID string) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	if err := h.store.DeactivateService(r.Context(), serviceID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Service deleted successfully"})
}

func (h *Handler) queueStatus(w http.ResponseWriter, r *http.Request, serviceID string) {
	status, err := h.queue.Status(r.Context(), serviceID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) serviceTokens(w http.ResponseWriter, r *http.Request, serviceID string) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	if _, err := h.store.GetService(r.Context(), serviceID); err != nil {
		writeStoreError(w, err)
		return
	}
	tokens, err := h.store.ListServiceTokens(r.Context(), serviceID, 100)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if tokens == nil {
		tokens = []models.Token{}
	}
	writeJSON(w, http.StatusOK, tokens)
}

type callNextResponse struct {
	Message           string `json:"message"`
	CompletedPrevious bool   `json:"completed_previous"`
	NextTokenNumber   *int   `json:"next_token_number"`
	NextTokenID       string `json:"next_token_id,omitempty"`
}

func (h *Handler) callNext(w http.ResponseWriter, r *http.Request, serviceID string) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	if _, err := h.store.GetService(r.Context(), serviceID); err != nil {
		writeStoreError(w, err)
		return
	}
	result, err := h.queue.CallNext(r.Context(), serviceID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !result.Called {
		writeJSON(w, http.StatusOK, callNextResponse{
			Message:           "No waiting tokens in queue",
			CompletedPrevious: result.CompletedPrevious,
		})
		return
	}
	number := result.Token.Number
	writeJSON(w, http.StatusOK, callNextResponse{
		Message:           fmt.Sprintf("Now serving token #%d", number),
		CompletedPrevious: result.CompletedPrevious,
		NextTokenNumber:   &number,
		NextTokenID:       result.Token.TokenID,
	})
}

type completeResponse struct {
	Message     string `json:"message"`
	Completed   bool   `json:"completed"`
	TokenNumber *int   `json:"token_number,omitempty"`
}

func (h *Handler) completeCurrent(w http.ResponseWriter, r *http.Request, serviceID string) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	if _, err := h.store.GetService(r.Context(), serviceID); err != nil {
		writeStoreError(w, err)
		return
	}
	result, err := h.queue.CompleteCurrent(r.Context(), serviceID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !result.Completed {
		writeJSON(w, http.StatusOK, completeResponse{
			Message:   "No token is currently being served",
			Completed: false,
		})
		return
	}
	number := result.Number
	writeJSON(w, http.StatusOK, completeResponse{
		Message:     fmt.Sprintf("Token #%d completed", number),
		Completed:   true,
		TokenNumber: &number,
	})
}

type bookRequest struct {
	ServiceID string `json:"service_id"`
}

type bookResponse struct {
	ID                string       `json:"id"`
	TokenNumber       int          `json:"token_number"`
	Status            string       `json:"status"`
	CreatedAt         string       `json:"created_at"`
	Service           serviceBrief `json:"service"`
	PositionInQueue   int          `json:"position_in_queue"`
	EstimatedWaitMins int          `json:"estimated_wait_mins"`
}

type serviceBrief struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (h *Handler) handleBookToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req bookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	if req.ServiceID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "service_id is required")
		return
	}
	if !isValidUUID(req.ServiceID) {
		writeError(w, http.StatusNotFound, "not_found", "service not found")
		return
	}

	booked, err := h.queue.Book(r.Context(), user.UserID, req.ServiceID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bookResponse{
		ID:          booked.Token.TokenID,
		TokenNumber: booked.Token.Number,
		Status:      booked.Token.Status,
		CreatedAt:   booked.Token.CreatedAt.Format(timeFormat),
		Service: serviceBrief{
			ID:   booked.Token.ServiceID,
			Name: booked.ServiceName,
		},
		PositionInQueue:   booked.Position,
		EstimatedWaitMins: booked.EstimatedWaitMins,
	})
}

func (h *Handler) handleMyTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	views, err := h.queue.MyTokens(r.Context(), user.UserID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if views == nil {
		views = []queue.TokenView{}
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	notifications, err := h.queue.Notifications(r.Context(), user.UserID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if notifications == nil {
		notifications = []queue.Notification{}
	}
	writeJSON(w, http.StatusOK, notifications)
}

func (h *Handler) handleTokenActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tokens/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 {
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
		return
	}

	tokenID := parts[0]
	if !isValidUUID(tokenID) {
		writeError(w, http.StatusNotFound, "not_found", "token not found")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.cancelToken(w, r, tokenID)
		return
	}

	switch parts[1] {
	case "skip":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.skipToken(w, r, tokenID)
	case "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.tokenEvents(w, r, tokenID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	}
}

func (h *Handler) cancelToken(w http.ResponseWriter, r *http.Request, tokenID string) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	if _, err := h.queue.Cancel(r.Context(), user.UserID, user.Role, tokenID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Token canceled successfully"})
}

func (h *Handler) skipToken(w http.ResponseWriter, r *http.Request, tokenID string) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	token, err := h.queue.Skip(r.Context(), tokenID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Message     string `json:"message"`
		TokenNumber int    `json:"token_number"`
	}{
		Message:     fmt.Sprintf("Token #%d skipped", token.Number),
		TokenNumber: token.Number,
	})
}

func (h *Handler) tokenEvents(w http.ResponseWriter, r *http.Request, tokenID string) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	if _, err := h.store.GetToken(r.Context(), tokenID); err != nil {
		writeStoreError(w, err)
		return
	}
	events, err := h.store.ListTokenEvents(r.Context(), tokenID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if events == nil {
		events = []store.TokenEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/admin/users/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "make-admin" {
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := requireAdmin(w, r); !ok {
		return
	}

	user, err := h.store.MakeAdmin(r.Context(), parts[0])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Message string      `json:"message"`
		User    models.User `json:"user"`
	}{
		Message: fmt.Sprintf("User %s is now an admin", user.Email),
		User:    user,
	})
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: responseError{Code: code, Message: message}})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrServiceNotFound):
		writeError(w, http.StatusNotFound, "not_found", "service not found")
	case errors.Is(err, store.ErrTokenNotFound):
		writeError(w, http.StatusNotFound, "not_found", "token not found")
	case errors.Is(err, store.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "not_found", "user not found")
	case errors.Is(err, store.ErrActiveTokenExists):
		writeError(w, http.StatusConflict, "conflict", "you already have an active token for this service")
	case errors.Is(err, store.ErrInvalidState):
		writeError(w, http.StatusConflict, "conflict", "token has already been processed")
	case errors.Is(err, store.ErrEmailTaken):
		writeError(w, http.StatusConflict, "conflict", "email already registered")
	case errors.Is(err, store.ErrAccessDenied):
		writeError(w, http.StatusForbidden, "access_denied", "you can only cancel your own tokens")
	case errors.Is(err, store.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
	case errors.Is(err, store.ErrSessionNotFound):
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/llmrelay/llmrelay/internal/adapter"
	"github.com/llmrelay/llmrelay/internal/auth"
	"github.com/llmrelay/llmrelay/internal/ledger"
	"github.com/llmrelay/llmrelay/internal/modelmeta"
	"github.com/llmrelay/llmrelay/internal/openai"
	"github.com/llmrelay/llmrelay/internal/relay"
	"github.com/llmrelay/llmrelay/internal/userstore"
)

// Server exposes the OpenAI-compatible REST surface of the relay.
type Server struct {
	adapter  adapter.ChatAdapter
	ledger   ledger.Store
	auth     *auth.Manager
	identity userstore.Store
	rootUser *userstore.User
	meta     *modelmeta.Catalog

	authDisabled  bool
	modelsEnabled bool

	logger   *log.Logger
	logLevel string
}

// New constructs a Server with the required dependencies.
func New(chatAdapter adapter.ChatAdapter, store ledger.Store, authManager *auth.Manager, identity userstore.Store, rootUser *userstore.User) *Server {
	var rootCopy *userstore.User
	if rootUser != nil {
		u := *rootUser
		u.Email = strings.TrimSpace(strings.ToLower(u.Email))
		rootCopy = &u
	}
	return &Server{
		adapter:       chatAdapter,
		ledger:        store,
		auth:          authManager,
		identity:      identity,
		rootUser:      rootCopy,
		modelsEnabled: true,
	}
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Get("/v1/models", s.handleModels)
	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/keys", s.handleCreateAPIKey)
		api.Get("/usage/summary", s.handleUsageSummary)
		api.Get("/usage/recent", s.handleUsageRecent)
	})

	return r
}

// SetAuthDisabled toggles request authentication.
func (s *Server) SetAuthDisabled(disabled bool) {
	s.authDisabled = disabled
	if disabled && s.isDebug() {
		s.debugf("authorization disabled via configuration")
	}
}

// SetModelsEnabled toggles the model listing endpoint.
func (s *Server) SetModelsEnabled(enabled bool) {
	s.modelsEnabled = enabled
}

// SetModelCatalog wires in the optional model alias catalog.
func (s *Server) SetModelCatalog(meta *modelmeta.Catalog) {
	s.meta = meta
}

// SetLogger configures server-level logger and verbosity ("debug", "info", ...).
func (s *Server) SetLogger(level string, logger *log.Logger) {
	s.logLevel = strings.ToLower(strings.TrimSpace(level))
	if logger != nil {
		s.logger = logger
	}
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }
func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

// authenticateRequest resolves the caller identity from the Authorization
// header. API key secrets are checked first, then signed session tokens.
func (s *Server) authenticateRequest(r *http.Request) (*userstore.User, *userstore.APIKey, error) {
	if s.authDisabled {
		return nil, nil, nil
	}
	if s.identity == nil {
		return nil, nil, errors.New("identity store unavailable")
	}
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-API-Key"))
	}
	if token == "" {
		return nil, nil, errors.New("missing api key")
	}

	key, user, err := s.identity.LookupAPIKey(r.Context(), token)
	if err != nil {
		return nil, nil, err
	}
	if key != nil && user != nil {
		if user.Status != userstore.StatusActive {
			return nil, nil, errors.New("user inactive")
		}
		return user, key, nil
	}

	if s.auth != nil {
		email, err := s.auth.ValidateToken(token)
		if err != nil {
			return nil, nil, errors.New("invalid api key")
		}
		user, err := s.identity.FindByEmail(r.Context(), email)
		if err != nil {
			return nil, nil, err
		}
		if user == nil && s.rootUser != nil && strings.EqualFold(s.rootUser.Email, email) {
			user = s.rootUser
		}
		if user == nil {
			return nil, nil, errors.New("user not found")
		}
		if user.Status != userstore.StatusActive {
			return nil, nil, errors.New("user inactive")
		}
		return user, nil, nil
	}
	return nil, nil, errors.New("invalid api key")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if b, ok := s.adapter.(interface{ BaseURL() string }); ok {
		payload["backend"] = b.BaseURL()
	}
	s.respondJSON(w, http.StatusOK, payload)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	if !s.modelsEnabled {
		s.respondJSON(w, http.StatusOK, openai.NewModelsResponse(nil))
		return
	}
	lister, ok := s.adapter.(adapter.ModelLister)
	if !ok {
		s.respondJSON(w, http.StatusOK, openai.NewModelsResponse(nil))
		return
	}
	resp, err := lister.ListModels(r.Context())
	if err != nil {
		s.respondError(w, kindStatus(err), err)
		return
	}
	if s.meta != nil && s.meta.Len() > 0 {
		now := time.Now().Unix()
		for _, m := range resp.Data {
			if id, owner, ok := s.meta.Expose(m.ID); ok {
				resp.Data = append(resp.Data, openai.NewModel(id, owner, now))
			}
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
	if s.logger != nil {
		s.logger.Printf("models total_ms=%d count=%d", time.Since(reqStart).Milliseconds(), len(resp.Data))
	}
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	user, _, err := s.authenticateRequest(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err)
		return
	}
	uid := s.ledgerUserID(user)
	if s.ledger == nil || uid == 0 {
		s.respondError(w, http.StatusNotImplemented, errors.New("usage ledger unavailable"))
		return
	}
	summary, err := s.ledger.Summary(r.Context(), uid)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleUsageRecent(w http.ResponseWriter, r *http.Request) {
	user, _, err := s.authenticateRequest(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err)
		return
	}
	uid := s.ledgerUserID(user)
	if s.ledger == nil || uid == 0 {
		s.respondError(w, http.StatusNotImplemented, errors.New("usage ledger unavailable"))
		return
	}
	entries, err := s.ledger.ListRecent(r.Context(), uid, 50)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) ledgerUserID(user *userstore.User) int64 {
	if user != nil {
		return user.ID
	}
	if s.rootUser != nil {
		return s.rootUser.ID
	}
	return 0
}

func (s *Server) recordExchange(ctx context.Context, user *userstore.User, apiKey *userstore.APIKey, entry ledger.Entry) {
	if s.ledger == nil {
		return
	}
	entry.UserID = s.ledgerUserID(user)
	if entry.UserID == 0 {
		return
	}
	if apiKey != nil {
		id := apiKey.ID
		entry.APIKeyID = &id
	}
	if err := s.ledger.Record(ctx, entry); err != nil && s.logger != nil {
		s.logger.Printf("ledger record failed: %v", err)
	}
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// kindStatus maps a classified relay error to the HTTP status surfaced to
// the caller.
func kindStatus(err error) int {
	switch relay.KindOf(err) {
	case relay.KindAuthentication:
		return http.StatusBadGateway
	case relay.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError renders the structured error payload. Classified errors keep
// their kind; everything else surfaces as backend_unreachable.
func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	kind := relay.KindOf(err)
	switch status {
	case http.StatusUnauthorized:
		kind = relay.KindAuthentication
	case http.StatusBadRequest:
		kind = relay.KindMalformedRecord
	}
	var msg string
	var re *relay.Error
	if errors.As(err, &re) {
		msg = re.Message
	} else {
		msg = err.Error()
	}
	s.respondJSON(w, status, map[string]any{"error": map[string]any{
		"kind":    string(kind),
		"message": msg,
	}})
}

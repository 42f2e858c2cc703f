package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"rentwatch/internal/auth"
	"rentwatch/internal/config"
	"rentwatch/internal/db"
	"rentwatch/internal/metrics"
)

const (
	// APIPrefix namespaces every application route.
	APIPrefix = "/api/v1"

	stateCookieName = "rentwatch_oauth_state"
)

// Store is the slice of the database the handlers use.
type Store interface {
	State() db.State
	IsConnected() bool
	UpsertUserByLineID(ctx context.Context, lineID, name, email, picture string) (db.User, error)
	GetUserByID(ctx context.Context, id primitive.ObjectID) (db.User, error)
	CreateCondition(ctx context.Context, cond db.Condition) (db.Condition, error)
	ListConditions(ctx context.Context, userID primitive.ObjectID) ([]db.Condition, error)
	DeleteCondition(ctx context.Context, id, userID primitive.ObjectID) error
}

// LoginProvider runs the third-party login handshake.
type LoginProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*auth.LineProfile, error)
}

type RouterDeps struct {
	Config   *config.Config
	Store    Store
	Login    LoginProvider
	Sessions *auth.Sessions
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

type handler struct {
	cfg          *config.Config
	store        Store
	login        LoginProvider
	sessions     *auth.Sessions
	limiter      *rateLimiter
	validate     *validator.Validate
	logger       *zap.Logger
	secureCookie bool
}

// NewRouter mounts config, middleware and the API routes, in that order.
func NewRouter(deps RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config

	h := &handler{
		cfg:          cfg,
		store:        deps.Store,
		login:        deps.Login,
		sessions:     deps.Sessions,
		limiter:      newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		logger:       logger.Named("route"),
		secureCookie: strings.HasPrefix(strings.ToLower(cfg.AppURL), "https://"),
	}

	router := chi.NewRouter()
	router.Use(withConfig(cfg))
	logger.Named("app").Info("config mounted")

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(logger.Named("http"), deps.Metrics))
	router.Use(middleware.Recoverer)
	router.Use(parseURLEncoded)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{strings.TrimSuffix(cfg.AppURL, "/")},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", csrfHeaderName},
		ExposedHeaders:   []string{csrfHeaderName},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	router.Use(middleware.Compress(5))
	router.Use(h.rateLimitMiddleware())
	if cfg.CSRFEnabled {
		router.Use(csrfProtect(h.secureCookie))
	}
	logger.Named("middleware").Info("mounted http, cors and csrf middleware")

	if deps.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	router.Route(APIPrefix, func(r chi.Router) {
		// Responses default to JSON. Bodies are decoded per handler with
		// render.DecodeJSON, and body-carrying routes only accept JSON.
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Get("/hello", h.handleHello)
		r.Get("/healthz", h.handleHealth)
		r.Get("/auth/line/start", h.handleLineStart)
		r.Get("/auth/line/callback", h.handleLineCallback)

		r.Group(func(r chi.Router) {
			r.Use(h.requireSession)
			r.Get("/me", h.handleMe)
			r.Get("/conditions", h.handleListConditions)
			r.With(middleware.AllowContentType("application/json")).Post("/conditions", h.handleCreateCondition)
			r.Delete("/conditions/{conditionID}", h.handleDeleteCondition)
		})
	})
	h.logger.Info("mounted api routes", zap.String("prefix", APIPrefix))

	return router
}

func (h *handler) handleHello(w http.ResponseWriter, r *http.Request) {
	render.PlainText(w, r, "Hello World")
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, state := "ok", db.Disconnected
	if h.store != nil {
		state = h.store.State()
	}
	if h.store == nil || !h.store.IsConnected() {
		status = "degraded"
	}
	render.JSON(w, r, map[string]string{"status": status, "database": state.String()})
}

func (h *handler) handleLineStart(w http.ResponseWriter, r *http.Request) {
	if h.login == nil {
		writeError(w, r, http.StatusServiceUnavailable, errors.New("login not configured"))
		return
	}

	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     APIPrefix + "/auth/line",
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(5 * time.Minute),
	})

	http.Redirect(w, r, h.login.AuthCodeURL(state), http.StatusFound)
}

func (h *handler) handleLineCallback(w http.ResponseWriter, r *http.Request) {
	if h.login == nil || h.sessions == nil {
		writeError(w, r, http.StatusServiceUnavailable, errors.New("login not configured"))
		return
	}

	query := r.URL.Query()
	if !h.validState(r, query.Get("state")) {
		writeError(w, r, http.StatusBadRequest, errors.New("invalid oauth state"))
		return
	}
	h.clearStateCookie(w)

	profile, err := h.login.Exchange(r.Context(), query.Get("code"))
	if err != nil {
		h.logger.Warn("line login exchange failed", zap.Error(err))
		writeError(w, r, http.StatusBadGateway, err)
		return
	}

	user, err := h.store.UpsertUserByLineID(r.Context(), profile.UserID, profile.Name, profile.Email, profile.Picture)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	token, expires, err := h.sessions.Issue(time.Now(), user.ID, user.LineID, user.Name)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	h.setSessionCookie(w, token, expires)

	http.Redirect(w, r, strings.TrimSuffix(h.cfg.AppURL, "/")+"/", http.StatusFound)
}

func (h *handler) handleMe(w http.ResponseWriter, r *http.Request) {
	userID := sessionUser(r)

	user, err := h.store.GetUserByID(r.Context(), userID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	render.JSON(w, r, user)
}

func (h *handler) handleListConditions(w http.ResponseWriter, r *http.Request) {
	userID := sessionUser(r)

	conditions, err := h.store.ListConditions(r.Context(), userID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"conditions": conditions})
}

func (h *handler) handleCreateCondition(w http.ResponseWriter, r *http.Request) {
	userID := sessionUser(r)

	var cond db.Condition
	if err := render.DecodeJSON(r.Body, &cond); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("decode condition: %w", err))
		return
	}
	if err := h.validate.Struct(cond); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, err)
		return
	}

	cond.ID = primitive.NilObjectID
	cond.UserID = userID
	cond.CreatedAt = time.Time{}
	cond.UpdatedAt = nil

	created, err := h.store.CreateCondition(r.Context(), cond)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, created)
}

func (h *handler) handleDeleteCondition(w http.ResponseWriter, r *http.Request) {
	userID := sessionUser(r)

	id, err := primitive.ObjectIDFromHex(chi.URLParam(r, "conditionID"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errors.New("invalid condition id"))
		return
	}

	if err := h.store.DeleteCondition(r.Context(), id, userID); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	render.NoContent(w, r)
}

// sessionUser is only valid behind requireSession.
func sessionUser(r *http.Request) primitive.ObjectID {
	session, _ := auth.SessionFrom(r.Context())
	return session.UserID
}

func (h *handler) validState(r *http.Request, state string) bool {
	cookie, err := r.Cookie(stateCookieName)
	if err != nil {
		return false
	}
	return cookie.Value != "" && cookie.Value == state
}

func (h *handler) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     APIPrefix + "/auth/line",
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// setSessionCookie uses SameSite=None with Partitioned when served over HTTPS
// and Lax for local development.
func (h *handler) setSessionCookie(w http.ResponseWriter, value string, expires time.Time) {
	sameSite := http.SameSiteLaxMode
	if h.secureCookie {
		sameSite = http.SameSiteNoneMode
	}
	http.SetCookie(w, &http.Cookie{
		Name:        h.cfg.SessionCookieName,
		Value:       value,
		Path:        "/",
		HttpOnly:    true,
		Secure:      h.secureCookie,
		SameSite:    sameSite,
		Partitioned: h.secureCookie,
		Expires:     expires,
	})
}

func (h *handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err)
	case errors.Is(err, db.ErrNotConnected):
		writeError(w, r, http.StatusServiceUnavailable, err)
	default:
		h.logger.Error("store error", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	render.Status(r, code)
	render.JSON(w, r, map[string]string{"error": err.Error()})
}

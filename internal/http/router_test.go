package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap/zaptest"

	"rentwatch/internal/auth"
	"rentwatch/internal/config"
	"rentwatch/internal/db"
	"rentwatch/internal/metrics"
)

type fakeStore struct {
	mu         sync.Mutex
	connected  bool
	users      map[primitive.ObjectID]db.User
	conditions []db.Condition
	err        error
}

func newFakeStore() *fakeStore {
	return &fakeStore{connected: true, users: make(map[primitive.ObjectID]db.User)}
}

func (f *fakeStore) State() db.State {
	if f.connected {
		return db.Connected
	}
	return db.Disconnected
}

func (f *fakeStore) IsConnected() bool { return f.connected }

func (f *fakeStore) UpsertUserByLineID(_ context.Context, lineID, name, email, picture string) (db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return db.User{}, f.err
	}
	for id, u := range f.users {
		if u.LineID == lineID {
			u.Name, u.Email, u.Picture = name, email, picture
			f.users[id] = u
			return u, nil
		}
	}
	u := db.User{ID: primitive.NewObjectID(), LineID: lineID, Name: name, Email: email, Picture: picture}
	f.users[u.ID] = u
	return u, nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id primitive.ObjectID) (db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return db.User{}, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return db.User{}, db.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) CreateCondition(_ context.Context, cond db.Condition) (db.Condition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return cond, f.err
	}
	cond.ID = primitive.NewObjectID()
	cond.CreatedAt = time.Now().UTC()
	f.conditions = append(f.conditions, cond)
	return cond, nil
}

func (f *fakeStore) ListConditions(_ context.Context, userID primitive.ObjectID) ([]db.Condition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]db.Condition, 0)
	for _, c := range f.conditions {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteCondition(_ context.Context, id, userID primitive.ObjectID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for i, c := range f.conditions {
		if c.ID == id && c.UserID == userID {
			f.conditions = append(f.conditions[:i], f.conditions[i+1:]...)
			return nil
		}
	}
	return db.ErrNotFound
}

type fakeLogin struct {
	profile *auth.LineProfile
	err     error
}

func (f *fakeLogin) AuthCodeURL(state string) string {
	return "https://access.line.me/oauth2/v2.1/authorize?state=" + url.QueryEscape(state)
}

func (f *fakeLogin) Exchange(_ context.Context, code string) (*auth.LineProfile, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.profile, nil
}

func testRouterConfig() *config.Config {
	return &config.Config{
		Port:              8000,
		AppURL:            "http://localhost:3000",
		SessionCookieName: "rentwatch_session",
		SessionTTL:        time.Hour,
		CSRFEnabled:       true,
	}
}

type routerFixture struct {
	cfg      *config.Config
	store    *fakeStore
	login    *fakeLogin
	sessions *auth.Sessions
	metrics  *metrics.Metrics
	router   http.Handler
}

func newRouterFixture(t *testing.T, mutate func(*config.Config)) *routerFixture {
	t.Helper()
	cfg := testRouterConfig()
	if mutate != nil {
		mutate(cfg)
	}
	f := &routerFixture{
		cfg:      cfg,
		store:    newFakeStore(),
		login:    &fakeLogin{profile: &auth.LineProfile{UserID: "U1", Name: "Alice", Email: "alice@example.com"}},
		sessions: auth.NewSessions("session-secret", time.Hour),
		metrics:  metrics.New(),
	}
	f.router = NewRouter(RouterDeps{
		Config:   cfg,
		Store:    f.store,
		Login:    f.login,
		Sessions: f.sessions,
		Metrics:  f.metrics,
		Logger:   zaptest.NewLogger(t),
	})
	return f
}

func (f *routerFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *routerFixture) bearer(t *testing.T, user db.User) string {
	t.Helper()
	token, _, err := f.sessions.Issue(time.Now(), user.ID, user.LineID, user.Name)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestHello(t *testing.T) {
	f := newRouterFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/hello", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Hello World", rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
	assert.Empty(t, rec.Header().Get("X-Powered-By"))
}

func TestHelloOverRealServer(t *testing.T) {
	f := newRouterFixture(t, nil)
	srv := startServer(t, f.router, ServerOptions{})

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/hello")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Hello World", string(body))
}

func TestUnknownRouteOutsidePrefix(t *testing.T) {
	f := newRouterFixture(t, nil)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/hello", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newRouterFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "connected", body["database"])

	f.store.connected = false
	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/healthz", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
}

func TestCORSPreflight(t *testing.T) {
	f := newRouterFixture(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/hello", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := f.do(req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/hello", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec = f.do(req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCompression(t *testing.T) {
	f := newRouterFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/healthz", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := f.do(req)

	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
}

func TestCSRF(t *testing.T) {
	f := newRouterFixture(t, nil)
	body := `{"name":"n","region":"1"}`

	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/v1/conditions", strings.NewReader(body)))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/hello", nil))
	token := rec.Header().Get(csrfHeaderName)
	require.NotEmpty(t, token)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conditions", strings.NewReader(body))
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: token})
	req.Header.Set(csrfHeaderName, "wrong")
	assert.Equal(t, http.StatusForbidden, f.do(req).Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/conditions", strings.NewReader(body))
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: token})
	req.Header.Set(csrfHeaderName, token)
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code, "passes csrf, then fails auth")
}

func TestCSRFDisabled(t *testing.T) {
	f := newRouterFixture(t, func(c *config.Config) { c.CSRFEnabled = false })

	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/v1/conditions", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimit(t *testing.T) {
	f := newRouterFixture(t, func(c *config.Config) {
		c.RateLimitRPS = 1
		c.RateLimitBurst = 2
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, f.do(httptest.NewRequest(http.MethodGet, "/api/v1/hello", nil)).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestLineLoginFlow(t *testing.T) {
	f := newRouterFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/auth/line/start", nil))
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/line/callback?code=abc&state="+state, nil)
	req.AddCookie(&http.Cookie{Name: stateCookieName, Value: state})
	rec = f.do(req)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "http://localhost:3000/", rec.Header().Get("Location"))

	var session *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == f.cfg.SessionCookieName {
			session = c
		}
	}
	require.NotNil(t, session)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.AddCookie(session)
	rec = f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var me db.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, "U1", me.LineID)
	assert.Equal(t, "Alice", me.Name)
}

func TestLineCallbackRejectsBadState(t *testing.T) {
	f := newRouterFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/line/callback?code=abc&state=forged", nil)
	req.AddCookie(&http.Cookie{Name: stateCookieName, Value: "real"})
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)
}

func TestLineCallbackExchangeFailure(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.login.err = errors.New("invalid_grant")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/line/callback?code=abc&state=s", nil)
	req.AddCookie(&http.Cookie{Name: stateCookieName, Value: "s"})
	assert.Equal(t, http.StatusBadGateway, f.do(req).Code)
}

func TestConditionsCRUD(t *testing.T) {
	f := newRouterFixture(t, func(c *config.Config) { c.CSRFEnabled = false })
	user, err := f.store.UpsertUserByLineID(context.Background(), "U1", "Alice", "", "")
	require.NoError(t, err)
	authz := f.bearer(t, user)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conditions", strings.NewReader(`{"name":"near station","region":"1","price":"10000_20000"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authz)
	rec := f.do(req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created db.Condition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, user.ID, created.UserID)
	assert.Equal(t, "10000_20000", created.Price)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/conditions", nil)
	req.Header.Set("Authorization", authz)
	rec = f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Conditions []db.Condition `json:"conditions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Conditions, 1)

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/conditions/"+created.ID.Hex(), nil)
	req.Header.Set("Authorization", authz)
	assert.Equal(t, http.StatusNoContent, f.do(req).Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/conditions/"+created.ID.Hex(), nil)
	req.Header.Set("Authorization", authz)
	assert.Equal(t, http.StatusNotFound, f.do(req).Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/conditions/not-an-id", nil)
	req.Header.Set("Authorization", authz)
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)
}

func TestCreateConditionValidation(t *testing.T) {
	f := newRouterFixture(t, func(c *config.Config) { c.CSRFEnabled = false })
	authz := f.bearer(t, db.User{ID: primitive.NewObjectID(), LineID: "U2"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conditions", strings.NewReader(`{"name":"missing region"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authz)
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(req).Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/conditions", strings.NewReader(`{not json`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authz)
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)
}

func TestCreateConditionRequiresJSONBody(t *testing.T) {
	f := newRouterFixture(t, func(c *config.Config) { c.CSRFEnabled = false })
	authz := f.bearer(t, db.User{ID: primitive.NewObjectID(), LineID: "U2"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conditions", strings.NewReader(`name=n&region=1`))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", authz)
	assert.Equal(t, http.StatusUnsupportedMediaType, f.do(req).Code)
	assert.Empty(t, f.store.conditions)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/conditions", strings.NewReader(`{"name":"n","region":"1"}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", authz)
	assert.Equal(t, http.StatusCreated, f.do(req).Code)
}

func TestSessionCookieAndBearer(t *testing.T) {
	f := newRouterFixture(t, nil)
	user, err := f.store.UpsertUserByLineID(context.Background(), "U1", "Alice", "", "")
	require.NoError(t, err)
	token, _, err := f.sessions.Issue(time.Now(), user.ID, user.LineID, user.Name)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.AddCookie(&http.Cookie{Name: f.cfg.SessionCookieName, Value: token})
	assert.Equal(t, http.StatusOK, f.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.AddCookie(&http.Cookie{Name: f.cfg.SessionCookieName, Value: token})
	req.Header.Set("Authorization", "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code, "a bearer token takes precedence over the cookie")

	expired, _, err := auth.NewSessions("session-secret", time.Minute).Issue(time.Now().Add(-time.Hour), user.ID, user.LineID, user.Name)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.AddCookie(&http.Cookie{Name: f.cfg.SessionCookieName, Value: expired})
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)

	assert.Equal(t, http.StatusUnauthorized, f.do(httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)).Code)
}

func TestStoreUnavailable(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.store.err = db.ErrNotConnected
	authz := f.bearer(t, db.User{ID: primitive.NewObjectID(), LineID: "U3"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conditions", nil)
	req.Header.Set("Authorization", authz)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(req).Code)
}

func TestInvalidBearerToken(t *testing.T) {
	f := newRouterFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)
}

func TestURLEncodedBodyParsed(t *testing.T) {
	f := newRouterFixture(t, func(c *config.Config) { c.CSRFEnabled = false })

	req := httptest.NewRequest(http.MethodPost, "/api/v1/hello", strings.NewReader("a=%zz"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)
}

func TestConfigOnRequestContext(t *testing.T) {
	cfg := testRouterConfig()
	var got *config.Config
	h := withConfig(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = config.FromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Same(t, cfg, got)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.do(httptest.NewRequest(http.MethodGet, "/api/v1/hello", nil))

	rec := f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rentwatch_http_requests_total")
}

func TestRateLimiterAllow(t *testing.T) {
	assert.Nil(t, newRateLimiter(0, 5))
	var nilLimiter *rateLimiter
	assert.True(t, nilLimiter.Allow("k", time.Now()))

	l := newRateLimiter(1, 1)
	now := time.Now()
	assert.True(t, l.Allow("a", now))
	assert.False(t, l.Allow("a", now))
	assert.True(t, l.Allow("b", now))
	assert.True(t, l.Allow("a", now.Add(time.Second)))
}

func TestClientIPAddress(t *testing.T) {
	assert.Equal(t, "10.0.0.1", clientIPAddress("10.0.0.1:5555"))
	assert.Equal(t, "garbage", clientIPAddress("garbage"))
}

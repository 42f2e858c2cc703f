package http

import (
	"crypto/subtle"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"rentwatch/internal/auth"
	"rentwatch/internal/config"
	"rentwatch/internal/metrics"
)

const (
	csrfCookieName = "csrf_token"
	csrfHeaderName = "X-CSRF-Token"
)

// requestLogger logs one line per request and counts it.
func requestLogger(logger *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", status),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("remote_addr", r.RemoteAddr),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
				if m != nil {
					m.Requests.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// parseURLEncoded parses form bodies up front so handlers can use r.PostForm.
func parseURLEncoded(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mediaType == "application/x-www-form-urlencoded" {
			if err := r.ParseForm(); err != nil {
				writeError(w, r, http.StatusBadRequest, errors.New("malformed form body"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// withConfig exposes the loaded configuration on every request context.
func withConfig(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(config.WithContext(r.Context(), cfg)))
		})
	}
}

// csrfProtect implements a double-submit cookie check. Safe methods get a
// token cookie; unsafe methods must echo it in the X-CSRF-Token header.
func csrfProtect(secure bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Bearer clients do not ride on ambient cookies.
			if r.Header.Get("Authorization") != "" {
				next.ServeHTTP(w, r)
				return
			}

			cookie, err := r.Cookie(csrfCookieName)
			hasToken := err == nil && cookie.Value != ""

			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
				token := ""
				if hasToken {
					token = cookie.Value
				} else {
					token = uuid.NewString()
					http.SetCookie(w, &http.Cookie{
						Name:     csrfCookieName,
						Value:    token,
						Path:     "/",
						Secure:   secure,
						SameSite: http.SameSiteLaxMode,
					})
				}
				w.Header().Set(csrfHeaderName, token)
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get(csrfHeaderName)
			if !hasToken || header == "" || subtle.ConstantTimeCompare([]byte(header), []byte(cookie.Value)) != 1 {
				writeError(w, r, http.StatusForbidden, errors.New("invalid csrf token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *handler) rateLimitMiddleware() func(http.Handler) http.Handler {
	if h.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			if !h.limiter.Allow("ip:"+clientIPAddress(r.RemoteAddr), time.Now()) {
				writeError(w, r, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// requireSession accepts a bearer token, or else the session cookie.
func (h *handler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw string
		if cookie, err := r.Cookie(h.cfg.SessionCookieName); err == nil {
			raw = cookie.Value
		}
		if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			raw = strings.TrimSpace(bearer)
		}

		if raw == "" || h.sessions == nil {
			writeError(w, r, http.StatusUnauthorized, errors.New("unauthenticated"))
			return
		}

		session, err := h.sessions.Verify(raw)
		if err != nil {
			h.logger.Debug("rejected session", zap.Error(err))
			writeError(w, r, http.StatusUnauthorized, errors.New("invalid session"))
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithSession(r.Context(), session)))
	})
}

package app

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/rtmx-ai/rtmx-trust/internal/observability"
	"github.com/rtmx-ai/rtmx-trust/internal/platform/httpx"
	"github.com/rtmx-ai/rtmx-trust/internal/token"
)

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
}

// MiddlewareStack installs the base middleware chain. Authentication is
// not part of it; routes opt in via Authenticator or PeerAuthenticator.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		SSLRedirect:        cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:    map[string]string{"X-Forwarded-Proto": "https"},
	})

	timeout := 30 * time.Second
	if cfg.Config != nil && cfg.Config.AppRequestTimeout > 0 {
		timeout = cfg.Config.AppRequestTimeout
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(timeout),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := secureMiddleware.Process(w, r); err != nil {
					cfg.Logger.Warn("secure headers blocked request", slog.Any("error", err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		middleware.Compress(5),
		httprate.Limit(120, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, func(next http.Handler) http.Handler {
			return cfg.Metrics.Middleware(next)
		})
	}
	return middlewares
}

// Authenticator validates the bearer token on every request and injects
// the claims into the context. Requests without a valid token never
// reach the handler.
func Authenticator(validator *token.Validator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "bearer token required")
				return
			}
			claims, err := validator.Validate(r.Context(), raw)
			if err != nil {
				status := http.StatusUnauthorized
				title := "Unauthorized"
				if errors.Is(err, token.ErrRemoteUnavailable) {
					// Fail closed, but tell the caller retrying may help.
					status = http.StatusServiceUnavailable
					title = "Remote Unavailable"
				}
				logger.Warn("token rejected", slog.String("path", r.URL.Path), slog.Any("error", err))
				httpx.Problem(w, status, title, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(token.ContextWithClaims(r.Context(), claims)))
		})
	}
}

// PeerAuthenticator guards the peer sync surface with the shared peer
// token. An empty configured token disables the surface entirely.
func PeerAuthenticator(peerToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if peerToken == "" {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "peer sync is not configured")
				return
			}
			raw, ok := bearerToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(raw), []byte(peerToken)) != 1 {
				logger.Warn("peer auth rejected", slog.String("remote", r.RemoteAddr))
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid peer credentials")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

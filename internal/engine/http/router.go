package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/halcyonlabs/mfad/internal/engine/decision"
	"github.com/halcyonlabs/mfad/internal/engine/service"
	"github.com/halcyonlabs/mfad/internal/engine/store"
	"github.com/halcyonlabs/mfad/pkg/httpx"
	"github.com/halcyonlabs/mfad/pkg/jwtx"
	"github.com/halcyonlabs/mfad/pkg/slogx"
)

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	signer       *jwtx.Signer
	buildVersion string
	startTime    time.Time
	logger       *slog.Logger

	store store.Store

	Engine     *decision.Engine
	Enrollment *service.EnrollmentService

	// TokenTTL bounds the lifetime of access tokens minted on a
	// successful authentication.
	TokenTTL time.Duration
}

func NewRouter(
	signer *jwtx.Signer,
	buildVersion string,
	st store.Store,
	logger *slog.Logger,
) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		signer:       signer,
		buildVersion: buildVersion,
		startTime:    time.Now(),
		store:        st,
		logger:       logger,
		TokenTTL:     time.Hour,
	}

	// Set default middleware chain
	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerValidate()
	r.registerTokens()
	r.registerSystem()
}

// ServeHTTP implements http.Handler for Router and applies the global
// middleware chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

func (r *Router) registerValidate() {
	h := &ValidateHandler{
		Engine:   r.Engine,
		Signer:   r.signer,
		TokenTTL: r.TokenTTL,
	}

	// POST /validate/check - strict rate limit by IP + user field to slow
	// down credential brute force without starving unrelated users behind
	// the same NAT.
	r.Mux.Handle("POST /v1/validate/check",
		httpx.Chain(h,
			httpx.RateLimitByIPAndFormField(httpx.StrictLimit, "user"),
		),
	)
}

func (r *Router) registerTokens() {
	h := &TokenHandler{
		Enrollment: r.Enrollment,
		Store:      r.store,
	}

	// Token lifecycle is an administrative surface: bearer token required,
	// moderate rate limit.
	secured := func(next http.Handler) http.Handler {
		return httpx.Chain(next,
			httpx.AuthnMiddleware(r.signer),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		)
	}

	r.Mux.Handle("POST /v1/token/init", secured(http.HandlerFunc(h.HandleInit)))
	r.Mux.Handle("POST /v1/token/enroll/verify", secured(http.HandlerFunc(h.HandleEnrollVerify)))
	r.Mux.Handle("POST /v1/token/resync", secured(http.HandlerFunc(h.HandleResync)))
	r.Mux.Handle("GET /v1/token", secured(http.HandlerFunc(h.HandleList)))
	r.Mux.Handle("DELETE /v1/token/{serial}", secured(http.HandlerFunc(h.HandleDelete)))
}

func (r *Router) registerSystem() {
	// Health check endpoints - generous limits, monitoring systems poll these.
	r.Mux.Handle("GET /livez",
		httpx.Chain(LivezHandler(r.startTime, r.buildVersion),
			httpx.RateLimitByIP(httpx.PublicLimit),
		),
	)
	r.Mux.Handle("GET /readyz",
		httpx.Chain(ReadyzHandler(r.startTime, r.buildVersion, r.store),
			httpx.RateLimitByIP(httpx.PublicLimit),
		),
	)
}

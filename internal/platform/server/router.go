package server

import (
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	platformauth "github.com/wizardbeardstudio/open-ledger-go/internal/platform/auth"
)

// PublicPaths are served without a bearer token.
var PublicPaths = []string{"/api/register", "/api/login"}

type HTTPOptions struct {
	Ledger   *LedgerService
	Identity *IdentityService
	Verifier *platformauth.JWTVerifier
	Guard    *RemoteAccessGuard
	Limiter  *RateLimiter
	Store    Pinger
	Gatherer prometheus.Gatherer
	Metrics  *Metrics
	Log      *zap.Logger

	Version   string
	StartedAt time.Time
}

// NewHTTPHandler assembles the public HTTP surface: probes, guarded metrics
// and the authenticated /api routes.
func NewHTTPHandler(opts HTTPOptions) (http.Handler, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	mux := http.NewServeMux()
	SystemHandler{Store: opts.Store, Log: log, Version: opts.Version, StartedAt: opts.StartedAt}.Register(mux)

	if opts.Gatherer != nil {
		var metricsHandler http.Handler = promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})
		if opts.Guard != nil {
			metricsHandler = opts.Guard.Wrap(metricsHandler)
		}
		mux.Handle("/metrics", metricsHandler)
	}

	gwMux := runtime.NewServeMux()
	h := LedgerHandler{Ledger: opts.Ledger, Identity: opts.Identity, Log: log.Named("http")}
	if err := h.Register(gwMux); err != nil {
		return nil, err
	}

	var api http.Handler = platformauth.HTTPJWTMiddlewareWithSkips(opts.Verifier, gwMux, PublicPaths)
	api = opts.Limiter.Wrap(api)
	api = AccessLog(log.Named("access"), opts.Metrics, api)
	api = RequestID(api)
	mux.Handle("/", api)
	return mux, nil
}

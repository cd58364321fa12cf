package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/commission/api/handlers/dberror"
	"github.com/malbeclabs/commission/api/metrics"
	"github.com/malbeclabs/commission/engine/pkg/attribution"
	"github.com/malbeclabs/commission/engine/pkg/ledger"
	"github.com/malbeclabs/commission/engine/pkg/ratetable"
	"github.com/malbeclabs/commission/engine/pkg/scenario"
	"github.com/malbeclabs/commission/engine/pkg/settlement"
	"github.com/malbeclabs/commission/engine/pkg/split"
	"golang.org/x/time/rate"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxBodyBytes          = 1 << 20
)

// RuleLister exposes the active rate table.
type RuleLister interface {
	Version() string
	Rules() []ratetable.Rule
}

// ScenarioLister exposes the active scenario table.
type ScenarioLister interface {
	Scenarios() []scenario.Scenario
}

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Tracker    *attribution.Tracker
	Scheduler  *settlement.Scheduler
	Ledger     *ledger.Aggregator
	Calculator *split.Calculator
	Rules      RuleLister
	Scenarios  ScenarioLister

	// InternalToken guards the payout-collaborator endpoints (release, revert,
	// freeze, unfreeze, tick). Empty leaves them open.
	InternalToken string

	ClickLimiter   *RateLimiter
	WriteLimiter   *RateLimiter
	RequestTimeout time.Duration
	ReadRetry      dberror.RetryConfig
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Tracker == nil {
		return errors.New("tracker is required")
	}
	if cfg.Scheduler == nil {
		return errors.New("scheduler is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Calculator == nil {
		return errors.New("calculator is required")
	}
	if cfg.Rules == nil {
		return errors.New("rules are required")
	}
	if cfg.Scenarios == nil {
		return errors.New("scenarios are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ClickLimiter == nil {
		// 600 redirects/minute per IP with a burst of 60
		cfg.ClickLimiter = NewRateLimiter("clicks", rate.Every(time.Minute/600), 60)
	}
	if cfg.WriteLimiter == nil {
		// 120 writes/minute per IP with a burst of 20
		cfg.WriteLimiter = NewRateLimiter("writes", rate.Every(time.Minute/120), 20)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ReadRetry.MaxAttempts <= 0 {
		cfg.ReadRetry = dberror.DefaultRetryConfig()
	}
	return nil
}

// API serves the commission engine over HTTP.
type API struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &API{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Routes mounts every endpoint on r.
func (a *API) Routes(r chi.Router) {
	write := RateLimitMiddleware(a.cfg.WriteLimiter)

	r.With(RateLimitMiddleware(a.cfg.ClickLimiter)).Get("/r/{shortCode}", a.Redirect)

	r.Route("/referral-links", func(r chi.Router) {
		r.With(write).Post("/", a.CreateLink)
		r.Get("/{ownerId}", a.ListLinks)
		r.Get("/{ownerId}/stats", a.GetStats)
		r.With(write).Post("/{ownerId}/{linkId}/disable", a.DisableLink)
	})

	r.With(write).Post("/conversions", a.RecordConversion)

	r.Get("/commission-rules", a.GetRules)
	r.Post("/commission-preview", a.PreviewCommission)

	r.Route("/settlements", func(r chi.Router) {
		r.Get("/", a.ListSettlements)
		r.With(write).Post("/", a.CreateSettlement)
		r.Get("/{orderId}", a.GetSettlement)

		r.Group(func(r chi.Router) {
			r.Use(a.requireInternal)
			r.Post("/tick", a.Tick)
			r.Post("/{orderId}/release", a.ReleaseSettlement)
			r.Post("/{orderId}/revert", a.RevertSettlement)
			r.Post("/{orderId}/freeze", a.FreezeSettlement)
			r.Post("/{orderId}/unfreeze", a.UnfreezeSettlement)
		})
	})
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error("api: failed to encode response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, code, message string) {
	metrics.ErrorResponsesTotal.WithLabelValues(code).Inc()
	a.writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// writeErr maps engine errors to HTTP responses.
func (a *API) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, split.ErrRateOverflow):
		a.log.Error("api: commission rule misconfigured", "path", r.URL.Path, "error", err)
		captureError(r.Context(), err)
		a.writeError(w, http.StatusUnprocessableEntity, "rate_overflow", err.Error())
	case errors.Is(err, ratetable.ErrUnknownAssetType):
		a.writeError(w, http.StatusUnprocessableEntity, "unknown_asset_type", err.Error())
	case errors.Is(err, scenario.ErrUnknownScenario):
		a.writeError(w, http.StatusUnprocessableEntity, "unknown_scenario", err.Error())
	case errors.Is(err, split.ErrInvalidAmount),
		errors.Is(err, attribution.ErrInvalidInput),
		errors.Is(err, settlement.ErrInvalidOrder),
		errors.Is(err, ledger.ErrInvalidOwner):
		a.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, attribution.ErrInvalidShortCode):
		a.writeError(w, http.StatusBadRequest, "invalid_short_code", err.Error())
	case errors.Is(err, attribution.ErrLinkNotFound):
		a.writeError(w, http.StatusNotFound, "link_not_found", err.Error())
	case errors.Is(err, attribution.ErrConversionNotFound), errors.Is(err, settlement.ErrNotFound):
		a.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, attribution.ErrLinkDisabled):
		a.writeError(w, http.StatusGone, "link_disabled", err.Error())
	case errors.Is(err, settlement.ErrFrozen):
		a.writeError(w, http.StatusConflict, "settlement_frozen", err.Error())
	case errors.Is(err, settlement.ErrIllegalTransition):
		captureError(r.Context(), err)
		a.writeError(w, http.StatusConflict, "illegal_transition", err.Error())
	case errors.Is(err, attribution.ErrShortCodeUnavailable):
		a.log.Error("api: short code space exhausted", "error", err)
		a.writeError(w, http.StatusServiceUnavailable, "short_code_unavailable", err.Error())
	case dberror.IsTransient(err):
		a.log.Warn("api: store unavailable", "path", r.URL.Path, "error", err)
		a.writeError(w, http.StatusServiceUnavailable, "store_unavailable", dberror.UserMessage(err))
	case errors.Is(err, context.DeadlineExceeded):
		a.writeError(w, http.StatusGatewayTimeout, "timeout", "Request timed out. Please try again.")
	default:
		a.log.Error("api: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		captureError(r.Context(), err)
		a.writeError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred.")
	}
}

func captureError(ctx context.Context, err error) {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.CaptureException(err)
		return
	}
	sentry.CaptureException(err)
}

// decode reads a JSON body into v, rejecting unknown fields and trailing data.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %w", attribution.ErrInvalidInput, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: unexpected data after request body", attribution.ErrInvalidInput)
	}
	return nil
}

// decodeOptional is decode for endpoints whose body may be omitted, including
// chunked requests with no content.
func decodeOptional(r *http.Request, v any) error {
	if err := decode(r, v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (a *API) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), a.cfg.RequestTimeout)
}

// requireInternal checks the bearer token on internal endpoints.
func (a *API) requireInternal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.InternalToken != "" {
			token := extractBearerToken(r)
			if subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.InternalToken)) != 1 {
				a.writeError(w, http.StatusUnauthorized, "unauthorized", "internal endpoint requires a valid bearer token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// extractBearerToken extracts the token from Authorization header
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

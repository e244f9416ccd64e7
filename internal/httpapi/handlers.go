package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"ecofleet.org/internal/auth"
	"ecofleet.org/internal/fleet"
	"ecofleet.org/internal/obs"
	"ecofleet.org/internal/records"
	"ecofleet.org/internal/stream"
)

const (
	serviceName  = "ecofleet-api"
	maxBodyBytes = 1 << 20
)

// Pinger is satisfied by *sql.DB and the pg store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe checks that the backing database answers. A nil DB (in-memory
// mode) is always ready.
type ReadyProbe struct {
	DB Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rp.DB.Ping(ctx)
}

// Deps are the services behind the HTTP surface.
type Deps struct {
	Auth    *auth.Service
	Fleet   *fleet.Service
	Records *records.Service
	Stream  *stream.Stream
	Ready   ReadyProbe
	Version string

	AllowedOrigins []string
	RateBurst      int
	RatePerSecond  float64
}

// API is the HTTP layer.
type API struct {
	auth    *auth.Service
	fleet   *fleet.Service
	records *records.Service
	stream  *stream.Stream
	ready   readinessChecker
	version string

	origins    []string
	rateBurst  int
	ratePerSec float64
}

// New validates deps and builds the API.
func New(d Deps) (*API, error) {
	if d.Auth == nil || d.Fleet == nil || d.Records == nil {
		return nil, errors.New("httpapi: auth, fleet and records services are required")
	}
	return &API{
		auth:       d.Auth,
		fleet:      d.Fleet,
		records:    d.Records,
		stream:     d.Stream,
		ready:      d.Ready,
		version:    d.Version,
		origins:    d.AllowedOrigins,
		rateBurst:  d.RateBurst,
		ratePerSec: d.RatePerSecond,
	}, nil
}

// Handler returns the routed and instrumented http.Handler.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID, middleware.Recoverer, LoggingJSON, SecurityHeaders)
	if len(a.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   a.origins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", requestIDHeader},
			ExposedHeaders:   []string{requestIDHeader},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
	r.Use(func(next http.Handler) http.Handler { return MaxBodyBytes(next, maxBodyBytes) })
	r.Use(func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) })

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())
	r.Post("/v1/auth/token", a.handleAuthToken)

	r.Group(func(pr chi.Router) {
		pr.Use(a.withAuth)
		pr.Get("/v1/me", a.handleMe)

		pr.Route("/v1/records", func(rr chi.Router) {
			rr.Get("/", a.listRecords)
			rr.Get("/events", a.Stream)
			rr.Get("/save-status", a.saveStatus)
			rr.Get("/{id}", a.getRecord)
			rr.Post("/{id}/submit", a.submitRecord)
			rr.Post("/{id}/decide", a.decideRecord)
			rr.Post("/{id}/reopen", a.reopenRecord)
			rr.Get("/{kind}/{vehicleID}/{date}", a.getRecordByDay)
			rr.Put("/{kind}/{vehicleID}/{date}", a.upsertRecord)
		})

		pr.Route("/v1/users", func(ur chi.Router) {
			ur.Get("/", a.listActors)
			ur.Post("/", a.createActor)
			ur.Get("/{id}", a.getActor)
			ur.Post("/{id}/deactivate", a.deactivateActor)
			ur.Put("/{id}/districts", a.setDistricts)
			ur.Put("/{id}/overrides", a.setOverrides)
			ur.Get("/{id}/permissions", a.effectivePermissions)
		})
		pr.Get("/v1/roles/{role}/permissions", a.rolePermissions)
		pr.Put("/v1/roles/{role}/permissions", a.setRolePermissions)

		pr.Get("/v1/companies", a.listCompanies)
		pr.Post("/v1/companies", a.createCompany)
		pr.Post("/v1/companies/{id}/districts", a.createDistrict)
		pr.Get("/v1/districts", a.listDistricts)
		pr.Post("/v1/districts/{id}/vehicles", a.createVehicle)
		pr.Get("/v1/vehicles", a.listVehicles)
		pr.Get("/v1/vehicles/{id}", a.getVehicle)
		pr.Put("/v1/vehicles/{id}/driver", a.assignDriver)
		pr.Post("/v1/vehicles/{id}/deactivate", a.deactivateVehicle)
		pr.Get("/v1/reasons", a.listReasons)
		pr.Post("/v1/reasons", a.createReason)
		pr.Post("/v1/reasons/{id}/deactivate", a.deactivateReason)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return obs.Instrument(r)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorBody(w, r, code, map[string]any{"error": msg})
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, code int, payload map[string]any) {
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleError maps domain errors to status codes. Transition errors are
// checked first because immutable-record denials also match ErrForbidden.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		gap        *records.SequenceGapError
		transition *records.TransitionError
	)
	switch {
	case errors.Is(err, records.ErrInvalidTransition):
		body := map[string]any{"error": err.Error(), "code": "invalid_transition"}
		if errors.As(err, &transition) && transition.Reason != "" {
			body["reason"] = string(transition.Reason)
		}
		writeErrorBody(w, r, http.StatusConflict, body)
	case errors.As(err, &gap):
		writeErrorBody(w, r, http.StatusConflict, map[string]any{
			"error":         err.Error(),
			"code":          "sequence_gap",
			"missing_dates": gap.MissingDays(),
		})
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, auth.ErrInvalidToken):
		body := map[string]any{"error": "unauthenticated"}
		if reason, ok := auth.ReasonOf(err); ok {
			body["reason"] = string(reason)
		}
		writeErrorBody(w, r, http.StatusUnauthorized, body)
	case errors.Is(err, auth.ErrForbidden):
		writeErrorBody(w, r, http.StatusForbidden, forbiddenBody(err))
	case errors.Is(err, records.ErrConflict), errors.Is(err, auth.ErrConflict), errors.Is(err, fleet.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, records.ErrValidationFailed):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, fleet.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, records.ErrNotFound), errors.Is(err, auth.ErrNotFound), errors.Is(err, fleet.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		l := obs.Logger()
		l.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Str("path", r.URL.Path).Msg("http.internal_error")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func forbiddenBody(err error) map[string]any {
	body := map[string]any{"error": "forbidden"}
	var deny *auth.DenyError
	if errors.As(err, &deny) {
		body["reason"] = string(deny.Reason)
		if deny.Permission != "" {
			body["permission"] = string(deny.Permission)
		}
	}
	return body
}

func parseID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid " + name)
	}
	return id, nil
}

func queryInt64(r *http.Request, key string) (*int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return nil, errors.New("invalid " + key)
	}
	return &v, nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if v < min || v > max {
		return 0, errors.New("value out of range")
	}
	return v, nil
}

// scopeFilter reads the organizational query parameters shared by list
// endpoints.
func scopeFilter(r *http.Request) (auth.Filter, error) {
	var f auth.Filter
	var err error
	if f.CompanyID, err = queryInt64(r, "company_id"); err != nil {
		return f, err
	}
	if f.DistrictID, err = queryInt64(r, "district_id"); err != nil {
		return f, err
	}
	f.DriverID = strings.TrimSpace(r.URL.Query().Get("driver_id"))
	return f, nil
}

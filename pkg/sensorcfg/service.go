package sensorcfg

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	configGets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gladix_config_get_total",
		Help: "Configuration snapshot reads served.",
	})
	configSets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gladix_config_set_total",
		Help: "Configuration updates by outcome.",
	}, []string{"outcome"})
)

// ServiceConfig tunes the HTTP facade.
type ServiceConfig struct {
	// JWTSecret verifies bearer tokens on mutating calls. Empty disables
	// token verification; the actor then comes from X-Actor or defaults
	// to "anonymous".
	JWTSecret string
	// SetRate limits configuration updates per second. Zero or negative
	// disables limiting.
	SetRate float64
}

// Service exposes the configuration control plane over HTTP JSON:
//
//	GET  /v1/config        -> Snapshot
//	POST /v1/config        -> SetResponse
//	GET  /v1/config/audit  -> []AuditEntry (?kind=, ?limit=)
type Service struct {
	store   *Store
	cfg     ServiceConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

// SetResponse is the body of every POST /v1/config reply, success or not.
type SetResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// NewService builds the facade over store.
func NewService(store *Store, cfg ServiceConfig, logger *zap.Logger) *Service {
	s := &Service{store: store, cfg: cfg, logger: logger.Named("sensorcfg.http")}
	if cfg.SetRate > 0 {
		burst := int(cfg.SetRate)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.SetRate), burst)
	}
	return s
}

// Register mounts the service's routes on mux with tracing middleware.
func (s *Service) Register(mux *http.ServeMux) {
	mux.Handle("/v1/config", otelhttp.NewHandler(http.HandlerFunc(s.handleConfig), "config"))
	mux.Handle("/v1/config/audit", otelhttp.NewHandler(http.HandlerFunc(s.handleAudit), "config.audit"))
}

func (s *Service) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodPost:
		s.handleSet(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.Get(r.Context())
	if err != nil {
		s.logger.Error("snapshot read failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	configGets.Inc()
	writeJSON(w, http.StatusOK, snap)
}

func (s *Service) handleSet(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		configSets.WithLabelValues("throttled").Inc()
		writeJSON(w, http.StatusTooManyRequests, SetResponse{Message: "update rate exceeded"})
		return
	}

	var update Update
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&update); err != nil {
		configSets.WithLabelValues("rejected").Inc()
		writeJSON(w, http.StatusBadRequest, SetResponse{Message: "malformed request: " + err.Error()})
		return
	}

	actor := s.actor(r)
	if err := s.store.Set(r.Context(), update, actor); err != nil {
		if errors.Is(err, ErrInvalid) {
			configSets.WithLabelValues("rejected").Inc()
			writeJSON(w, http.StatusBadRequest, SetResponse{Message: err.Error()})
			return
		}
		configSets.WithLabelValues("error").Inc()
		s.logger.Error("configuration update failed", zap.Error(err), zap.String("actor", actor))
		writeJSON(w, http.StatusInternalServerError, SetResponse{Message: "internal error"})
		return
	}
	configSets.WithLabelValues("applied").Inc()
	writeJSON(w, http.StatusOK, SetResponse{Success: true, Message: "configuration applied"})
}

func (s *Service) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.store.Audit(r.Context(), Kind(r.URL.Query().Get("kind")), limit)
	if err != nil {
		s.logger.Error("audit listing failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// actor identifies the caller for audit attribution: the JWT subject when
// a valid bearer token is presented, the X-Actor header otherwise, and
// "anonymous" as the last resort.
func (s *Service) actor(r *http.Request) string {
	if s.cfg.JWTSecret != "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			raw := strings.TrimPrefix(auth, "Bearer ")
			claims := jwt.MapClaims{}
			tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
				return []byte(s.cfg.JWTSecret), nil
			}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
			if err == nil && tok.Valid {
				if sub, _ := claims.GetSubject(); sub != "" {
					return sub
				}
			} else {
				s.logger.Warn("rejected bearer token", zap.Error(err))
			}
		}
	}
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

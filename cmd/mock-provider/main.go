package main

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"
)

type config struct {
	APIKey          string        `envconfig:"MOCK_API_KEY" default:"mock_key"`
	Port            string        `envconfig:"PORT" default:"8080"`
	OutcomeMode     string        `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw     string        `envconfig:"MOCK_OUTCOMES" default:"ok"`
	SuccessRate     float64       `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	FailureTypesRaw string        `envconfig:"MOCK_FAILURE_TYPES" default:"server_error"`
	FailureWeights  string        `envconfig:"MOCK_FAILURE_WEIGHTS" default:""`
	Delay           time.Duration `envconfig:"MOCK_DELAY" default:"0s"`
	TimeoutDelay    time.Duration `envconfig:"MOCK_TIMEOUT_DELAY" default:"12s"`

	Outcomes []string
	Weights  []weightedOutcome
}

type weightedOutcome struct {
	Kind   string
	Weight float64
}

type errorResponse struct {
	Errors []errorItem `json:"errors"`
}

type errorItem struct {
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type sendRequest struct {
	Personalizations []struct {
		To []struct {
			Email string `json:"email"`
		} `json:"to"`
	} `json:"personalizations"`
	From struct {
		Email string `json:"email"`
	} `json:"from"`
	Subject string `json:"subject"`
	Content []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"content"`
}

type server struct {
	cfg   config
	idx   uint64
	rng   *rand.Rand
	rngMu sync.Mutex
	sent  atomic.Int64
}

func main() {
	cfg := loadConfig()
	loggingInit()

	s := newServer(cfg)

	slog.Info("mock mail provider listening", "port", cfg.Port, "mode", cfg.OutcomeMode)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           loggingMiddleware(s.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

func newServer(cfg config) *server {
	return &server{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *server) routes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/v3/mail/send", s.handleSend).Methods(http.MethodPost)
	router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	return router
}

func loggingInit() {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h).With("service", "mock-provider"))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("mock provider request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func loadConfig() config {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock provider config load failed", "err", err)
		os.Exit(1)
	}
	cfg.OutcomeMode = strings.ToLower(strings.TrimSpace(cfg.OutcomeMode))
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	cfg.Weights = parseWeightedOutcomes(cfg.FailureWeights)
	if len(cfg.Weights) == 0 {
		for _, t := range parseCSV(cfg.FailureTypesRaw) {
			cfg.Weights = append(cfg.Weights, weightedOutcome{Kind: t, Weight: 1})
		}
	}
	return cfg
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.cfg.APIKey {
		writeError(w, http.StatusUnauthorized, "", "The provided authorization grant is invalid, expired, or revoked")
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "Invalid JSON body")
		return
	}
	if field, msg := validate(req); field != "" {
		writeError(w, http.StatusBadRequest, field, msg)
		return
	}

	if s.cfg.Delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.cfg.Delay):
		}
	}

	status, msg := classifyOutcome(s.nextOutcome())
	switch {
	case status == http.StatusGatewayTimeout:
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.cfg.TimeoutDelay):
		}
		writeError(w, status, "", msg)
	case status >= 300:
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "1")
		}
		writeError(w, status, "", msg)
	case msg == "missing_id":
		// accepted without an id
		w.WriteHeader(http.StatusAccepted)
	default:
		s.sent.Add(1)
		w.Header().Set("X-Message-Id", strings.ReplaceAll(uuid.NewString(), "-", ""))
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{"sent": s.sent.Load()})
}

func validate(req sendRequest) (field, msg string) {
	if len(req.Personalizations) == 0 || len(req.Personalizations[0].To) == 0 {
		return "personalizations", "At least one recipient is required"
	}
	if req.From.Email == "" {
		return "from.email", "The from email is required"
	}
	if req.Subject == "" {
		return "subject", "The subject is required"
	}
	if len(req.Content) == 0 {
		return "content", "At least one content block is required"
	}
	return "", ""
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&s.idx, 1) - 1
		return s.cfg.Outcomes[int(idx%uint64(len(s.cfg.Outcomes)))]
	case "weighted":
		s.rngMu.Lock()
		ok := s.rng.Float64() <= s.cfg.SuccessRate
		r := s.rng.Float64()
		s.rngMu.Unlock()
		if ok {
			return "ok"
		}
		return pickWeighted(r, s.cfg.Weights)
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

// classifyOutcome maps an outcome token to the HTTP status the mock answers
// with. A trailing ":<status>" overrides the status for error kinds.
func classifyOutcome(raw string) (int, string) {
	token := strings.TrimSpace(raw)
	if token == "" {
		token = "ok"
	}
	kind, override, _ := strings.Cut(token, ":")
	status := 0
	if override != "" {
		if v, err := strconv.Atoi(override); err == nil {
			status = v
		}
	}
	pick := func(def int) int {
		if status != 0 {
			return status
		}
		return def
	}

	switch kind {
	case "ok", "success":
		return http.StatusAccepted, "ok"
	case "missing_id":
		return http.StatusAccepted, "missing_id"
	case "rate_limit", "429":
		return pick(http.StatusTooManyRequests), "too many requests"
	case "unavailable", "503":
		return pick(http.StatusServiceUnavailable), "service unavailable"
	case "bad_request", "400":
		return pick(http.StatusBadRequest), "bad request"
	case "server_error", "500":
		return pick(http.StatusInternalServerError), "internal server error"
	case "timeout":
		return http.StatusGatewayTimeout, "request timed out"
	default:
		return pick(http.StatusInternalServerError), "mock error: " + kind
	}
}

func writeError(w http.ResponseWriter, status int, field, msg string) {
	writeJSON(w, status, errorResponse{Errors: []errorItem{{Message: msg, Field: field}}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return []string{"ok"}
	}
	return out
}

func parseWeightedOutcomes(s string) []weightedOutcome {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []weightedOutcome
	for _, p := range strings.Split(s, ",") {
		kind, raw, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok {
			continue
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || w <= 0 {
			continue
		}
		kind = strings.TrimSpace(kind)
		if kind == "" {
			continue
		}
		out = append(out, weightedOutcome{Kind: kind, Weight: w})
	}
	return out
}

func pickWeighted(r float64, items []weightedOutcome) string {
	if len(items) == 0 {
		return "server_error"
	}
	var total float64
	for _, it := range items {
		total += it.Weight
	}
	target := r * total
	var cumulative float64
	for _, it := range items {
		cumulative += it.Weight
		if target <= cumulative {
			return it.Kind
		}
	}
	return items[len(items)-1].Kind
}

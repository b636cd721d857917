package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"mailtask/internal/domain"
	"mailtask/internal/service"
	"mailtask/internal/store"
)

type API struct {
	Svc *service.AttemptService
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/v1/attempts", a.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/v1/attempts", a.handleList).Methods(http.MethodGet)
	r.HandleFunc("/v1/attempts/{id}", a.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/v1/attempts/{id}/expire", a.handleExpire).Methods(http.MethodPost)
	r.HandleFunc("/v1/attempts/{id}/fail", a.handleFail).Methods(http.MethodPost)
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	resp, err := a.Svc.Create(r.Context(), req)
	if err != nil {
		slog.Error("create attempt failed",
			"err", err,
			"idempotence_token", req.IdempotenceToken,
			"mailer", req.Mailer().String(),
		)
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	q := store.ListQuery{AfterID: r.URL.Query().Get("after")}
	switch scope := r.URL.Query().Get("scope"); scope {
	case "":
	case "persisted":
		q.PersistedOnly = true
	default:
		q.Status = domain.Status(scope)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, ErrInvalidQuery, http.StatusBadRequest)
			return
		}
		q.Limit = n
	}

	attempts, err := a.Svc.List(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]domain.AttemptView, 0, len(attempts))
	for _, at := range attempts {
		views = append(views, domain.NewAttemptView(at))
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": views})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	at, err := a.Svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewAttemptView(at))
}

func (a *API) handleExpire(w http.ResponseWriter, r *http.Request) {
	at, err := a.Svc.Expire(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewAttemptView(at))
}

func (a *API) handleFail(w http.ResponseWriter, r *http.Request) {
	at, err := a.Svc.Fail(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewAttemptView(at))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	http.Error(w, msg, status)
}

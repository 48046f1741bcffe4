package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/katzenpost/randsrv/internal/apierr"
	"github.com/katzenpost/randsrv/internal/config"
	"github.com/katzenpost/randsrv/internal/metrics"
)

// NewRouter builds the server's HTTP surface. The /enclave/state routes
// are only registered when a.KeySync is non-nil, so a deployment without
// enclave key synchronization never exposes them.
func NewRouter(a *Adapter) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/", a.handleWelcome).Methods(http.MethodGet)
	r.HandleFunc("/randomness", a.handleDefaultRandomness).Methods(http.MethodPost)
	r.HandleFunc("/info", a.handleDefaultInfo).Methods(http.MethodGet)
	r.HandleFunc("/instances/{name}/randomness", a.handleNamedRandomness).Methods(http.MethodPost)
	r.HandleFunc("/instances/{name}/info", a.handleNamedInfo).Methods(http.MethodGet)
	r.HandleFunc("/instances", a.handleListInstances).Methods(http.MethodGet)

	if a.KeySync != nil {
		r.HandleFunc("/enclave/state", a.handleGetEnclaveState).Methods(http.MethodGet)
		r.HandleFunc("/enclave/state", a.handlePutEnclaveState).Methods(http.MethodPut)
	}

	return r
}

func (a *Adapter) handleWelcome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "PPOPRF randomness server\n")
}

func (a *Adapter) handleDefaultRandomness(w http.ResponseWriter, r *http.Request) {
	a.randomness(w, r, a.Registry.DefaultName())
}

func (a *Adapter) handleNamedRandomness(w http.ResponseWriter, r *http.Request) {
	a.randomness(w, r, mux.Vars(r)["name"])
}

func (a *Adapter) randomness(w http.ResponseWriter, r *http.Request, instanceName string) {
	start := time.Now()

	var req randomnessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.BadBase64, "malformed request body: %v", err))
		return
	}

	points, ep, err := a.Evaluate(instanceName, req.Points, req.Epoch)
	if err != nil {
		metrics.EvaluationsTotal.WithLabelValues(instanceName, "error").Inc()
		writeError(w, err)
		return
	}

	metrics.EvaluationsTotal.WithLabelValues(instanceName, "ok").Inc()
	metrics.EvaluationDuration.WithLabelValues(instanceName).Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, randomnessResponse{Points: points, Epoch: ep})
}

func (a *Adapter) handleDefaultInfo(w http.ResponseWriter, r *http.Request) {
	a.info(w, r, a.Registry.DefaultName())
}

func (a *Adapter) handleNamedInfo(w http.ResponseWriter, r *http.Request) {
	a.info(w, r, mux.Vars(r)["name"])
}

func (a *Adapter) info(w http.ResponseWriter, r *http.Request, instanceName string) {
	publicKey, currentEpoch, nextEpochTime, err := a.Info(instanceName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infoResponse{
		PublicKey:     publicKey,
		CurrentEpoch:  currentEpoch,
		NextEpochTime: nextEpochTime,
		MaxPoints:     config.MaxPoints,
	})
}

func (a *Adapter) handleListInstances(w http.ResponseWriter, r *http.Request) {
	names, defaultName := a.ListInstances()
	writeJSON(w, http.StatusOK, instancesResponse{Instances: names, DefaultInstance: defaultName})
}

func (a *Adapter) handleGetEnclaveState(w http.ResponseWriter, r *http.Request) {
	data, err := a.GetKeys()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (a *Adapter) handlePutEnclaveState(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apierr.New(apierr.BadBase64, "failed to read request body: %v", err))
		return
	}
	if err := a.PutKeys(data); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps err to an HTTP status. An *apierr.Error carries its
// own status, including the 400 for a malformed key-import payload. Any
// other error reaching a handler - a ppoprf evaluation failure, for
// instance - was not a caller mistake and is reported as 500.
func writeError(w http.ResponseWriter, err error) {
	var apiErr *apierr.Error
	status := http.StatusInternalServerError
	if apierr.As(err, &apiErr) {
		status = apiErr.Status()
	}
	writeJSON(w, status, errorResponse{Message: err.Error()})
}

// Package rpc implements the HTTP+JSON data-plane surface over a Registry:
// spawn, fetch, terminate, list, and load (spec.md §6 external interfaces).
//
// Grounded on the teacher's internal/api/dataplane/handlers_invoke.go
// (Handler struct holding backend dependencies, http.Error on failure,
// json.NewEncoder(w).Encode on success, PathValue-based routing).
package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/oriys/novaisolate/internal/auditlog"
	"github.com/oriys/novaisolate/internal/bundlestore"
	"github.com/oriys/novaisolate/internal/logging"
	"github.com/oriys/novaisolate/internal/registry"
	"github.com/oriys/novaisolate/internal/tracing"
	"github.com/oriys/novaisolate/internal/worker"
)

// Handler serves the data-plane HTTP API. Bundles and Audit are optional:
// a nil Bundles means Spawn requires an inline bundle in its request body
// instead of resolving one by app ID; a nil Audit simply skips recording.
type Handler struct {
	Registry *registry.Registry
	Bundles  *bundlestore.Store
	Audit    *auditlog.Writer
}

// RegisterRoutes mounts every data-plane endpoint on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /workers", h.Spawn)
	mux.HandleFunc("POST /workers/{handle}/fetch", h.Fetch)
	mux.HandleFunc("DELETE /workers/{handle}", h.Terminate)
	mux.HandleFunc("GET /workers", h.List)
	mux.HandleFunc("GET /load", h.Load)
}

type spawnRequest struct {
	AppID           string `json:"app_id"`
	BundleBase64    string `json:"bundle_base64,omitempty"`
	InitialBudgetMs int64  `json:"initial_budget_ms"`
	MaxMemoryBytes  uint64 `json:"max_memory_bytes"`
}

type spawnResponse struct {
	Handle string `json:"handle"`
}

// Spawn handles POST /workers. The bundle comes from the request body when
// present, or is resolved from the configured bundle store by AppID
// otherwise.
func (h *Handler) Spawn(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	ctx, span := tracing.SpawnSpan(r.Context(), req.AppID)
	defer span.End()

	bundle, err := h.resolveBundle(ctx, req)
	if err != nil {
		tracing.EndWithError(span, err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	cfg := worker.Configuration{
		InitialBudget:  time.Duration(req.InitialBudgetMs) * time.Millisecond,
		MaxMemoryBytes: req.MaxMemoryBytes,
	}
	handle, err := h.Registry.Spawn(ctx, bundle, cfg)
	if err != nil {
		tracing.EndWithError(span, err)
		h.recordAudit(req.AppID, "spawn", err)
		writeSpawnError(w, err)
		return
	}

	h.recordAudit(req.AppID, "spawn", nil, handle)
	writeJSON(w, http.StatusCreated, spawnResponse{Handle: handle.String()})
}

func (h *Handler) resolveBundle(ctx context.Context, req spawnRequest) ([]byte, error) {
	if req.BundleBase64 != "" {
		return base64.StdEncoding.DecodeString(req.BundleBase64)
	}
	if h.Bundles == nil {
		return nil, errors.New("no bundle provided and no bundle store configured")
	}
	return h.Bundles.Resolve(ctx, req.AppID)
}

type fetchRequest struct {
	Method  string              `json:"method"`
	URI     string              `json:"uri"`
	Headers map[string][]string `json:"headers"`
	Body    string              `json:"body"` // base64
}

type fetchResponse struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers"`
	Body    string              `json:"body"` // base64
}

// Fetch handles POST /workers/{handle}/fetch.
func (h *Handler) Fetch(w http.ResponseWriter, r *http.Request) {
	handle := worker.Handle(r.PathValue("handle"))

	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	body, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		http.Error(w, "invalid base64 body", http.StatusBadRequest)
		return
	}

	var headers map[string][]string
	if req.Headers != nil {
		headers = make(map[string][]string, len(req.Headers))
		for k, vs := range req.Headers {
			lk := strings.ToLower(k)
			headers[lk] = append(headers[lk], vs...)
		}
	}

	ctx, span := tracing.FetchSpan(r.Context(), handle.String(), req.Method, req.URI)
	defer span.End()

	resp, err := h.Registry.Fetch(ctx, handle, worker.RequestObject{
		Method:  req.Method,
		URI:     req.URI,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		tracing.EndWithError(span, err)
		writeFetchError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, fetchResponse{
		Status:  resp.Status,
		Headers: resp.Headers,
		Body:    base64.StdEncoding.EncodeToString(resp.Body),
	})
}

// Terminate handles DELETE /workers/{handle}.
func (h *Handler) Terminate(w http.ResponseWriter, r *http.Request) {
	handle := worker.Handle(r.PathValue("handle"))
	if !h.Registry.Terminate(handle) {
		http.Error(w, worker.ErrNoSuchWorker.Error(), http.StatusNotFound)
		return
	}
	h.recordAudit("", "terminate", nil, handle)
	w.WriteHeader(http.StatusNoContent)
}

type listResponse struct {
	Handles []string `json:"handles"`
}

// List handles GET /workers.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	handles := h.Registry.List()
	out := make([]string, len(handles))
	for i, hd := range handles {
		out[i] = hd.String()
	}
	writeJSON(w, http.StatusOK, listResponse{Handles: out})
}

type loadResponse struct {
	Load uint16 `json:"load"`
}

// Load handles GET /load.
func (h *Handler) Load(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, loadResponse{Load: h.Registry.Load()})
}

func (h *Handler) recordAudit(appID, kind string, err error, handle ...worker.Handle) {
	if h.Audit == nil {
		return
	}
	ev := auditlog.Event{AppID: appID, Kind: kind}
	if len(handle) > 0 {
		ev.Handle = handle[0].String()
	}
	if err != nil {
		ev.Reason = err.Error()
	}
	h.Audit.Record(ev)
}

func writeSpawnError(w http.ResponseWriter, err error) {
	logging.Op().Warn("spawn failed", "error", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeFetchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, worker.ErrNoSuchWorker):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, worker.ErrTerminated):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.Is(err, worker.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package api serves the keystored HTTP surface: key management,
// operation sessions, entropy, and the health endpoints. Every /v1
// endpoint answers 200 with a response envelope carrying the raw service
// code; non-200 statuses are reserved for requests that never reached
// the service logic, which clients surface as transport failures.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/keystore-client/internal/audit"
	"github.com/kenneth/keystore-client/internal/debug"
	"github.com/kenneth/keystore-client/internal/metrics"
	"github.com/kenneth/keystore-client/internal/tracing"
	"github.com/kenneth/keystore-client/pkg/keystore"
	"github.com/kenneth/keystore-client/pkg/transport/httpapi"
)

// Handler handles HTTP requests against the keystore engine.
type Handler struct {
	engine         keystore.Transport
	logger         *logrus.Logger
	metrics        *metrics.Metrics
	audit          audit.Logger
	readinessCheck func(context.Context) error
}

// HandlerOption configures optional handler collaborators.
type HandlerOption func(*Handler)

// WithAuditLogger attaches an audit trail.
func WithAuditLogger(auditLog audit.Logger) HandlerOption {
	return func(h *Handler) { h.audit = auditLog }
}

// WithReadinessCheck attaches a storage probe to the readiness endpoint.
func WithReadinessCheck(check func(context.Context) error) HandlerOption {
	return func(h *Handler) { h.readinessCheck = check }
}

// NewHandler creates a new API handler.
func NewHandler(engine keystore.Transport, logger *logrus.Logger, m *metrics.Metrics, opts ...HandlerOption) *Handler {
	h := &Handler{
		engine:  engine,
		logger:  logger,
		metrics: m,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers all API routes. The router matches on
// encoded paths so key names may contain any character once escaped.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.UseEncodedPath()

	r.HandleFunc("/health", metrics.HealthHandler()).Methods("GET")
	r.HandleFunc("/ready", metrics.ReadinessHandler(h.readinessCheck)).Methods("GET")
	r.HandleFunc("/live", metrics.LivenessHandler()).Methods("GET")
	r.Handle("/metrics", h.metrics.Handler()).Methods("GET")

	r.HandleFunc("/v1/entropy", h.handleAddEntropy).Methods("POST")

	r.HandleFunc("/v1/keys", h.handleListKeys).Methods("GET")
	r.HandleFunc("/v1/keys", h.handleDeleteAllKeys).Methods("DELETE")
	r.HandleFunc("/v1/keys/{name}", h.handleGenerateKey).Methods("PUT")
	r.HandleFunc("/v1/keys/{name}", h.handleGetCharacteristics).Methods("GET")
	r.HandleFunc("/v1/keys/{name}", h.handleDeleteKey).Methods("DELETE")
	r.HandleFunc("/v1/keys/{name}/import", h.handleImportKey).Methods("POST")
	r.HandleFunc("/v1/keys/{name}/export", h.handleExportKey).Methods("POST")
	r.HandleFunc("/v1/keys/{name}/exists", h.handleKeyExists).Methods("GET")

	r.HandleFunc("/v1/operations", h.handleBegin).Methods("POST")
	r.HandleFunc("/v1/operations/{handle}/update", h.handleUpdate).Methods("POST")
	r.HandleFunc("/v1/operations/{handle}/finish", h.handleFinish).Methods("POST")
	r.HandleFunc("/v1/operations/{handle}", h.handleAbort).Methods("DELETE")
}

func (h *Handler) keyName(r *http.Request) (string, bool) {
	name, err := url.PathUnescape(mux.Vars(r)["name"])
	if err != nil {
		return "", false
	}
	return name, true
}

func (h *Handler) operationHandle(r *http.Request) (keystore.OperationHandle, bool) {
	raw, err := strconv.ParseUint(mux.Vars(r)["handle"], 10, 64)
	if err != nil {
		return 0, false
	}
	return keystore.OperationHandle(raw), true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, resp *httpapi.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.WithError(err).Error("Failed to encode response")
	}
}

// serve runs one engine call, records its metrics, and writes the
// envelope. A non-nil error from the engine means the service itself
// broke (storage down, RNG failure) and maps to 500.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, op string, call func(ctx context.Context) (*httpapi.Response, error)) (*httpapi.Response, time.Duration) {
	start := time.Now()
	ctx, span := tracing.StartSpan(r.Context(), "keystore."+op)
	defer span.End()

	resp, err := call(ctx)
	duration := time.Since(start)
	if err != nil {
		h.logger.WithError(err).WithField("operation", op).Error("Engine call failed")
		h.metrics.RecordServiceOp(op, keystore.RespSystemError, duration)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return nil, duration
	}

	h.metrics.RecordServiceOp(op, resp.Code, duration)
	if debug.Enabled() {
		h.logger.WithFields(logrus.Fields{
			"operation": op,
			"code":      resp.Code,
			"duration":  duration,
		}).Debug("Engine call completed")
	}
	h.respond(w, resp)
	return resp, duration
}

func (h *Handler) auditKeyEvent(eventType audit.EventType, op, key string, r *http.Request, resp *httpapi.Response, duration time.Duration) {
	if h.audit == nil || resp == nil {
		return
	}
	h.audit.LogKeyEvent(eventType, op, key, clientIP(r), resp.Code, duration, nil)
}

func (h *Handler) handleAddEntropy(w http.ResponseWriter, r *http.Request) {
	var req httpapi.EntropyRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, _ := h.serve(w, r, "add_entropy", func(ctx context.Context) (*httpapi.Response, error) {
		code, err := h.engine.AddEntropy(ctx, req.Data)
		if err != nil {
			return nil, err
		}
		return &httpapi.Response{Code: code}, nil
	})
	if resp != nil {
		h.metrics.RecordEntropy(len(req.Data))
		if h.audit != nil {
			h.audit.LogEntropy(clientIP(r), len(req.Data), resp.Code)
		}
	}
}

func (h *Handler) handleGenerateKey(w http.ResponseWriter, r *http.Request) {
	name, ok := h.keyName(r)
	if !ok {
		http.Error(w, "bad key name", http.StatusBadRequest)
		return
	}
	var req httpapi.GenerateRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, duration := h.serve(w, r, "generate", func(ctx context.Context) (*httpapi.Response, error) {
		chars, code, err := h.engine.GenerateKey(ctx, name, req.Params)
		if err != nil {
			return nil, err
		}
		return &httpapi.Response{Code: code, Characteristics: chars}, nil
	})
	h.auditKeyEvent(audit.EventTypeKeyGenerate, "generate", name, r, resp, duration)
}

func (h *Handler) handleGetCharacteristics(w http.ResponseWriter, r *http.Request) {
	name, ok := h.keyName(r)
	if !ok {
		http.Error(w, "bad key name", http.StatusBadRequest)
		return
	}

	h.serve(w, r, "characteristics", func(ctx context.Context) (*httpapi.Response, error) {
		chars, code, err := h.engine.GetKeyCharacteristics(ctx, name)
		if err != nil {
			return nil, err
		}
		return &httpapi.Response{Code: code, Characteristics: chars}, nil
	})
}

func (h *Handler) handleImportKey(w http.ResponseWriter, r *http.Request) {
	name, ok := h.keyName(r)
	if !ok {
		http.Error(w, "bad key name", http.StatusBadRequest)
		return
	}
	var req httpapi.ImportRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, duration := h.serve(w, r, "import", func(ctx context.Context) (*httpapi.Response, error) {
		chars, code, err := h.engine.ImportKey(ctx, name, req.Params, keystore.KeyFormat(req.Format), req.Data)
		if err != nil {
			return nil, err
		}
		return &httpapi.Response{Code: code, Characteristics: chars}, nil
	})
	h.auditKeyEvent(audit.EventTypeKeyImport, "import", name, r, resp, duration)
}

func (h *Handler) handleExportKey(w http.ResponseWriter, r *http.Request) {
	name, ok := h.keyName(r)
	if !ok {
		http.Error(w, "bad key name", http.StatusBadRequest)
		return
	}
	var req httpapi.ExportRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, duration := h.serve(w, r, "export", func(ctx context.Context) (*httpapi.Response, error) {
		data, code, err := h.engine.ExportKey(ctx, keystore.KeyFormat(req.Format), name)
		if err != nil {
			return nil, err
		}
		return &httpapi.Response{Code: code, Data: data}, nil
	})
	h.auditKeyEvent(audit.EventTypeKeyExport, "export", name, r, resp, duration)
}

func (h *Handler) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	name, ok := h.keyName(r)
	if !ok {
		http.Error(w, "bad key name", http.StatusBadRequest)
		return
	}

	resp, duration := h.serve(w, r, "delete", func(ctx context.Context) (*httpapi.Response, error) {
		code, err := h.engine.DeleteKey(ctx, name)
		if err != nil {
			return nil, err
		}
		return &httpapi.Response{Code: code}, nil
	})
	h.auditKeyEvent(audit.EventTypeKeyDelete, "delete", name, r, resp, duration)
}

func (h *Handler) handleDeleteAllKeys(w http.ResponseWriter, r *http.Request) {
	resp, duration := h.serve(w, r, "delete_all", func(ctx context.Context) (*httpapi.Response, error) {
		code, err := h.engine.DeleteAllKeys(ctx)
		if err != nil {
			return nil, err
		}
		return &httpapi.Response{Code: code}, nil
	})
	h.auditKeyEvent(audit.EventTypeKeyDelete, "delete_all", "", r, resp, duration)
}

func (h *Handler) handleKeyExists(w http.ResponseWriter, r *http.Request) {
	name, ok := h.keyName(r)
	if !ok {
		http.Error(w, "bad key name", http.StatusBadRequest)
		return
	}

	h.serve(w, r, "exists", func(ctx context.Context) (*httpapi.Response, error) {
		exists, code, err := h.engine.KeyExists(ctx, name)
		if err != nil {
			return nil, err
		}
		return &httpapi.Response{Code: code, Exists: exists}, nil
	})
}

func (h *Handler) handleListKeys(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")

	h.serve(w, r, "list", func(ctx context.Context) (*httpapi.Response, error) {
		names, code, err := h.engine.ListKeys(ctx, prefix)
		if err != nil {
			return nil, err
		}
		return &httpapi.Response{Code: code, Names: names}, nil
	})
}

func (h *Handler) handleBegin(w http.ResponseWriter, r *http.Request) {
	var req httpapi.BeginRequest
	if !h.decode(w, r, &req) {
		return
	}
	purpose := keystore.Purpose(req.Purpose)

	resp, duration := h.serve(w, r, "begin", func(ctx context.Context) (*httpapi.Response, error) {
		result, code, err := h.engine.Begin(ctx, purpose, req.Key, req.Params)
		if err != nil {
			return nil, err
		}
		envelope := &httpapi.Response{Code: code}
		if result != nil {
			envelope.Params = result.Params
			envelope.Handle = uint64(result.Handle)
		}
		return envelope, nil
	})
	if h.audit != nil && resp != nil {
		h.audit.LogOperationEvent("begin", req.Key, purpose.String(), clientIP(r), resp.Handle, resp.Code, duration)
	}
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.operationHandle(r)
	if !ok {
		http.Error(w, "bad operation handle", http.StatusBadRequest)
		return
	}
	var req httpapi.UpdateRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, duration := h.serve(w, r, "update", func(ctx context.Context) (*httpapi.Response, error) {
		result, code, err := h.engine.Update(ctx, handle, req.Params, req.Input)
		if err != nil {
			return nil, err
		}
		envelope := &httpapi.Response{Code: code}
		if result != nil {
			envelope.Consumed = result.Consumed
			envelope.Params = result.Params
			envelope.Output = result.Output
		}
		return envelope, nil
	})
	if h.audit != nil && resp != nil {
		h.audit.LogOperationEvent("update", "", "", clientIP(r), uint64(handle), resp.Code, duration)
	}
}

func (h *Handler) handleFinish(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.operationHandle(r)
	if !ok {
		http.Error(w, "bad operation handle", http.StatusBadRequest)
		return
	}
	var req httpapi.FinishRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, duration := h.serve(w, r, "finish", func(ctx context.Context) (*httpapi.Response, error) {
		result, code, err := h.engine.Finish(ctx, handle, req.Params, req.Signature)
		if err != nil {
			return nil, err
		}
		envelope := &httpapi.Response{Code: code}
		if result != nil {
			envelope.Params = result.Params
			envelope.Output = result.Output
		}
		return envelope, nil
	})
	if h.audit != nil && resp != nil {
		h.audit.LogOperationEvent("finish", "", "", clientIP(r), uint64(handle), resp.Code, duration)
	}
}

func (h *Handler) handleAbort(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.operationHandle(r)
	if !ok {
		http.Error(w, "bad operation handle", http.StatusBadRequest)
		return
	}

	resp, duration := h.serve(w, r, "abort", func(ctx context.Context) (*httpapi.Response, error) {
		code, err := h.engine.Abort(ctx, handle)
		if err != nil {
			return nil, err
		}
		return &httpapi.Response{Code: code}, nil
	})
	if h.audit != nil && resp != nil {
		h.audit.LogOperationEvent("abort", "", "", clientIP(r), uint64(handle), resp.Code, duration)
	}
}

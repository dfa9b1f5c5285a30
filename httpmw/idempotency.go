// Package httpmw exposes the idempotency layer as net/http middleware
// for API-sourced events, plus chi-router wiring (routing, CORS) for
// the HTTP services built on top of it.
package httpmw

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/intent-solutions-io/git-with-intent/idempotency"
	"github.com/intent-solutions-io/git-with-intent/idkey"
)

// headerPriority lists the request headers Idempotency consults, in
// priority order.
var headerPriority = []string{"X-Idempotency-Key", "Idempotency-Key", "X-Request-ID"}

// Config tunes Idempotency.
type Config struct {
	// Methods is the set of HTTP methods the middleware de-duplicates;
	// requests with any other method pass through untouched. Defaults to
	// POST, PUT, PATCH.
	Methods map[string]bool

	// SkipPaths lists request paths the middleware never touches.
	// Defaults to /health and /metrics.
	SkipPaths map[string]bool

	// TenantHeader names the request header carrying the tenant/client
	// id used as the API idempotency key's ClientID field.
	TenantHeader string

	Log *zap.Logger
}

// DefaultConfig returns the documented middleware defaults.
func DefaultConfig() Config {
	return Config{
		Methods:      map[string]bool{http.MethodPost: true, http.MethodPut: true, http.MethodPatch: true},
		SkipPaths:    map[string]bool{"/health": true, "/metrics": true},
		TenantHeader: "X-Tenant-ID",
		Log:          zap.NewNop(),
	}
}

// Idempotency returns net/http middleware backed by svc. A request
// carrying no recognized header, a non-de-duplicated method, or a
// skipped path passes straight through. A duplicate replays the cached
// status/body with X-Idempotency-Replayed and X-Idempotency-Key headers
// set. A concurrent in-flight duplicate gets a 409 with Retry-After.
func Idempotency(svc *idempotency.Service, cfg Config) func(http.Handler) http.Handler {
	if cfg.Methods == nil {
		cfg = DefaultConfig()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Methods[r.Method] || cfg.SkipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := requestKey(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			tenantID := r.Header.Get(cfg.TenantHeader)
			in := idempotency.KeyInput{
				Source: idkey.SourceAPI,
				Fields: idkey.Fields{ClientID: tenantID, RequestID: key},
			}

			res, derivedKey, err := svc.Check(r.Context(), in, tenantID, nil)
			if err != nil {
				cfg.Log.Error("httpmw: idempotency check failed", zap.Error(err), zap.String("key", key))
				next.ServeHTTP(w, r)
				return
			}

			switch res.Kind() {
			case idempotency.ResultProcessing:
				rec := res.Record()
				writeProcessing(w, string(derivedKey), rec)
				return
			case idempotency.ResultDuplicate:
				rec := res.Record()
				writeReplay(w, string(derivedKey), rec)
				return
			default:
				// The lock is held; capture the downstream response and
				// settle the record so later duplicates replay it.
				w.Header().Set("X-Idempotency-Key", string(derivedKey))
				cw := &captureWriter{ResponseWriter: w, statusCode: http.StatusOK}
				next.ServeHTTP(cw, r)

				if err := settle(r.Context(), svc, tenantID, derivedKey, cw); err != nil {
					cfg.Log.Error("httpmw: failed to settle idempotency record",
						zap.Error(err), zap.String("key", string(derivedKey)))
				}
			}
		})
	}
}

// captureWriter tees the downstream handler's status and body so the
// middleware can cache them for replay after the response is sent.
type captureWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (c *captureWriter) WriteHeader(statusCode int) {
	c.statusCode = statusCode
	c.ResponseWriter.WriteHeader(statusCode)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

// settle folds the captured response into the CachedResponse tagged
// union and marks the record completed (or failed, for error statuses).
// A JSON object body is cached as the run-started kind and replays as
// the same JSON value, re-encoded; any other body is cached as the
// message kind and replays wrapped as {"text": ...}.
func settle(ctx context.Context, svc *idempotency.Service, tenantID string, key idkey.Key, cw *captureWriter) error {
	if cw.statusCode >= http.StatusBadRequest {
		return svc.Fail(ctx, tenantID, key, cw.body.String())
	}

	var bodyMap map[string]any
	if err := json.Unmarshal(cw.body.Bytes(), &bodyMap); err == nil && bodyMap != nil {
		runID, _ := bodyMap["runId"].(string)
		return svc.Complete(ctx, tenantID, key, runID,
			idempotency.NewRunStartedResponse(runID, cw.statusCode, bodyMap))
	}
	return svc.Complete(ctx, tenantID, key, "", idempotency.NewMessageResponse(cw.body.String()))
}

func requestKey(r *http.Request) string {
	for _, h := range headerPriority {
		if v := r.Header.Get(h); v != "" {
			return v
		}
	}
	return ""
}

func writeProcessing(w http.ResponseWriter, key string, rec idempotency.Record) {
	w.Header().Set("Retry-After", "5")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "processing",
		"message": "a request with this idempotency key is already being processed",
		"key":     key,
	})
}

func writeReplay(w http.ResponseWriter, key string, rec idempotency.Record) {
	w.Header().Set("X-Idempotency-Replayed", "true")
	w.Header().Set("X-Idempotency-Key", key)

	resp := rec.Response
	if resp == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	switch resp.Kind {
	case idempotency.ResponseKindRunStarted:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusOr(resp.RunStarted.StatusCode, http.StatusOK))
		if resp.RunStarted.Body != nil {
			_ = json.NewEncoder(w).Encode(resp.RunStarted.Body)
		} else {
			_ = json.NewEncoder(w).Encode(map[string]any{"runId": resp.RunStarted.RunID})
		}
	case idempotency.ResponseKindError:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusOr(resp.Error.StatusCode, http.StatusInternalServerError))
		_ = json.NewEncoder(w).Encode(map[string]string{"error": resp.Error.Message})
	case idempotency.ResponseKindMessage:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"text": resp.Message.Text})
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func statusOr(code, def int) int {
	if code == 0 {
		return def
	}
	return code
}

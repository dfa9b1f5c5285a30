// Command gwiworkerd runs one worker process: it wires the configured
// store backend into the idempotency layer, run orchestrator, heartbeat
// service, and recovery orchestrator, mounts the idempotent HTTP
// ingress, and then claims durable jobs until shut down.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/intent-solutions-io/git-with-intent/agent"
	"github.com/intent-solutions-io/git-with-intent/approval"
	"github.com/intent-solutions-io/git-with-intent/checkpoint"
	"github.com/intent-solutions-io/git-with-intent/config"
	"github.com/intent-solutions-io/git-with-intent/coreerr"
	"github.com/intent-solutions-io/git-with-intent/gate"
	"github.com/intent-solutions-io/git-with-intent/heartbeat"
	"github.com/intent-solutions-io/git-with-intent/httpmw"
	"github.com/intent-solutions-io/git-with-intent/idempotency"
	"github.com/intent-solutions-io/git-with-intent/idgen"
	"github.com/intent-solutions-io/git-with-intent/idkey"
	"github.com/intent-solutions-io/git-with-intent/jobqueue"
	"github.com/intent-solutions-io/git-with-intent/orchestrator"
	"github.com/intent-solutions-io/git-with-intent/policy"
	"github.com/intent-solutions-io/git-with-intent/recovery"
	"github.com/intent-solutions-io/git-with-intent/runs"
	"github.com/intent-solutions-io/git-with-intent/telemetry"
	"github.com/intent-solutions-io/git-with-intent/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type stores struct {
	idem idempotency.Store
	cps  checkpoint.Store
	rs   runs.Store
	jobs jobqueue.Store
}

// buildStores selects the store backend. The four in-memory stores log
// their own non-durability warnings; a worker meant to survive crashes should
// run sqlite or mysql.
func buildStores(ctx context.Context, cfg config.Config, log *zap.Logger) (stores, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return stores{
			idem: idempotency.NewMemStore(log),
			cps:  checkpoint.NewMemStore(log),
			rs:   runs.NewMemStore(log),
			jobs: jobqueue.NewMemStore(log),
		}, nil
	case config.BackendSQLite:
		idem, err := idempotency.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return stores{}, err
		}
		cps, err := checkpoint.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return stores{}, err
		}
		rs, err := runs.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return stores{}, err
		}
		return stores{idem: idem, cps: cps, rs: rs, jobs: jobqueue.NewMemStore(log)}, nil
	case config.BackendRedis:
		// Redis carries the multi-worker job queue; run/checkpoint/
		// idempotency state stays on the local sqlite file.
		idem, err := idempotency.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return stores{}, err
		}
		cps, err := checkpoint.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return stores{}, err
		}
		rs, err := runs.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return stores{}, err
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return stores{idem: idem, cps: cps, rs: rs, jobs: jobqueue.NewRedisStore(rdb, "")}, nil
	case config.BackendMySQL:
		// MySQL carries run and checkpoint state; idempotency keeps its
		// transactional sqlite file (no MySQL idempotency store is wired
		// yet), and the job queue goes through Redis.
		cps, err := checkpoint.NewMySQLStore(ctx, cfg.MySQLDSN)
		if err != nil {
			return stores{}, err
		}
		rs, err := runs.NewMySQLStore(ctx, cfg.MySQLDSN)
		if err != nil {
			return stores{}, err
		}
		idem, err := idempotency.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return stores{}, err
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return stores{idem: idem, cps: cps, rs: rs, jobs: jobqueue.NewRedisStore(rdb, "")}, nil
	default:
		return stores{}, coreerr.New(coreerr.KindConfigurationError,
			fmt.Sprintf("backend %q is not wired into gwiworkerd", cfg.Backend))
	}
}

func buildAgent(cfg config.Config) (agent.Agent, error) {
	if cfg.AnthropicAPIKey != "" {
		return agent.NewAnthropicAgent(cfg.AnthropicAPIKey, "", ""), nil
	}
	if cfg.OpenAIAPIKey != "" {
		return agent.NewOpenAIAgent(cfg.OpenAIAPIKey, ""), nil
	}
	return nil, coreerr.New(coreerr.KindConfigurationError,
		"no agent provider configured (set ANTHROPIC_API_KEY or OPENAI_API_KEY)")
}

func buildKeyStore(cfg config.Config) (*approval.KeyStore, error) {
	keys := approval.NewKeyStore()
	if cfg.SigningKeysFile == "" {
		return nil, coreerr.New(coreerr.KindConfigurationError,
			"no signing keys configured (set GWI_SIGNING_KEYS_FILE to a JWK set)")
	}
	raw, err := os.ReadFile(cfg.SigningKeysFile)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindConfigurationError, "read signing keys", err)
	}
	set, err := jwk.Parse(raw)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindConfigurationError, "parse signing keys", err)
	}
	for i := 0; i < set.Len(); i++ {
		key, _ := set.Key(i)
		if err := keys.Register(key.KeyID(), key); err != nil {
			return nil, coreerr.Wrap(coreerr.KindConfigurationError, "register signing key", err)
		}
	}
	return keys, nil
}

// logPublisher stands in for the out-of-scope SCM integration: it
// reports the PR that would be opened. Deployments wire a real GitHub
// publisher here.
type logPublisher struct {
	log *zap.Logger
}

func (p logPublisher) OpenPR(_ context.Context, runID string, applied map[string]any) (map[string]any, error) {
	p.log.Info("publisher: would open PR", zap.String("run_id", runID))
	return map[string]any{"runId": runID, "applied": applied, "prUrl": ""}, nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := telemetry.NewLogger(cfg.Production)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	keys, err := buildKeyStore(cfg)
	if err != nil {
		return err
	}
	ag, err := buildAgent(cfg)
	if err != nil {
		return err
	}

	metrics := telemetry.NewMetrics(nil)

	tp, err := telemetry.NewTracerProvider("gwiworkerd")
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()
	var emitter telemetry.Emitter = telemetry.NewMultiEmitter(
		telemetry.NewEventLogger(log),
		telemetry.NewOTelEmitter(tp.Tracer("gwi")),
	)

	idemSvc := idempotency.NewService(st.idem, idempotency.Config{
		LockTimeoutMS:  cfg.LockTimeout.Milliseconds(),
		MaxAttempts:    cfg.MaxAttempts,
		CompletedTTLMS: cfg.CompletedTTL.Milliseconds(),
		FailedTTLMS:    cfg.FailedTTL.Milliseconds(),
	}, idempotency.WithLogger(log), idempotency.WithMetrics(metrics), idempotency.WithEmitter(emitter))

	engine, err := policy.NewEngine(ctx)
	if err != nil {
		return coreerr.Wrap(coreerr.KindConfigurationError, "compile policy rules", err)
	}
	approvalGate := gate.New(
		approval.NewFilesystemLoader(cfg.ApprovalsDir, log),
		approval.NewVerifier(keys),
		engine,
		log,
	)

	orch := orchestrator.New(st.rs, st.cps, approvalGate,
		orchestrator.WithLogger(log),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithEmitter(emitter),
	)

	hb := heartbeat.NewService(st.rs,
		heartbeat.WithInterval(cfg.HeartbeatInterval),
		heartbeat.WithLogger(log),
		heartbeat.WithMetrics(metrics),
		heartbeat.WithEmitter(emitter),
	)

	rec := recovery.New(st.rs, st.cps, st.jobs, hb,
		recovery.WithLogger(log),
		recovery.WithMetrics(metrics),
		recovery.WithEmitter(emitter),
	)

	var sandbox worker.Sandbox = worker.NopSandbox{}
	if cfg.SandboxEnabled {
		// Concrete isolation providers are deployment-specific; until one
		// is wired the dry-run sandbox keeps the pipeline honest about
		// which phases would touch the workspace.
		log.Warn("no sandbox provider wired; apply/test run in dry-run mode")
	}

	phases := worker.Phases{
		Agent:     ag,
		Sandbox:   sandbox,
		Publisher: logPublisher{log: log},
		PhaseBudget: func(ctx context.Context) (context.Context, context.CancelFunc) {
			return context.WithTimeout(ctx, cfg.PhaseBudget)
		},
	}
	pipelines := map[runs.Type]orchestrator.Pipeline{
		runs.TypeAutopilot: phases.AutopilotPipeline(),
	}

	w := worker.New(worker.Config{StaleThreshold: cfg.StaleThreshold},
		st.jobs, st.rs, orch, hb, rec, pipelines, worker.WithLogger(log))

	router := httpmw.NewRouter(httpmw.DefaultCORSConfig(), httpmw.Idempotency(idemSvc, httpmw.DefaultConfig()))
	router.Get("/health", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	router.Post("/runs", startRunHandler(st.rs, st.jobs, log))

	srv := &http.Server{Addr: ":8080", Handler: router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() { errCh <- w.Run(ctx) }()

	log.Info("gwiworkerd started",
		zap.String("backend", string(cfg.Backend)),
		zap.String("owner_id", hb.OwnerID()))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return nil
}

// startRunHandler is the API-sourced ingress: it materializes a Run and
// enqueues its start_run job. The idempotency middleware upstream has
// already de-duplicated the request by the time this runs.
func startRunHandler(runStore runs.Store, jobs jobqueue.Store, log *zap.Logger) http.HandlerFunc {
	type request struct {
		TenantID string       `json:"tenantId"`
		Type     runs.Type    `json:"type"`
		Trigger  runs.Trigger `json:"trigger"`
	}
	return func(rw http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(rw, "malformed request body", http.StatusBadRequest)
			return
		}
		if req.TenantID == "" || req.Type == "" {
			http.Error(rw, "tenantId and type are required", http.StatusBadRequest)
			return
		}
		if req.Trigger.Source == "" {
			req.Trigger.Source = string(idkey.SourceAPI)
		}

		now := time.Now()
		run := runs.Run{
			ID:        idgen.Run(),
			TenantID:  req.TenantID,
			Type:      req.Type,
			Status:    runs.StatusPending,
			Trigger:   req.Trigger,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := runStore.Create(r.Context(), run); err != nil {
			log.Error("ingress: create run failed", zap.Error(err))
			http.Error(rw, "store error", http.StatusInternalServerError)
			return
		}

		job := jobqueue.Job{
			ID:         idgen.Job(),
			Type:       worker.JobTypeStartRun,
			TenantID:   run.TenantID,
			RunID:      run.ID,
			MaxRetries: 3,
		}
		if err := jobs.Enqueue(r.Context(), job); err != nil {
			log.Error("ingress: enqueue failed", zap.Error(err))
			http.Error(rw, "store error", http.StatusInternalServerError)
			return
		}

		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(rw).Encode(map[string]any{"runId": run.ID, "status": run.Status})
	}
}

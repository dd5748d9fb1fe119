// Command meshd is the agentmesh composition root: it wires configuration,
// storage, the Message Bus, the Agent Registry, the Provider Pool, domain
// Supervisors, and the root Orchestrator into one running process fronted
// by an HTTP/WebSocket Session Layer.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kdlbs/agentmesh/internal/api"
	"github.com/kdlbs/agentmesh/internal/bus"
	"github.com/kdlbs/agentmesh/internal/common/config"
	"github.com/kdlbs/agentmesh/internal/common/database"
	"github.com/kdlbs/agentmesh/internal/common/logger"
	"github.com/kdlbs/agentmesh/internal/journal"
	"github.com/kdlbs/agentmesh/internal/orchestrator"
	"github.com/kdlbs/agentmesh/internal/providerpool"
	"github.com/kdlbs/agentmesh/internal/registry"
	"github.com/kdlbs/agentmesh/internal/session"
	"github.com/kdlbs/agentmesh/internal/subagent"
	"github.com/kdlbs/agentmesh/internal/supervisor"
	"github.com/kdlbs/agentmesh/pkg/capability"
	"github.com/kdlbs/agentmesh/pkg/identity"
)

func main() {
	// 1. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger.
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agentmesh")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Connect to PostgreSQL (journal + persisted state, §6).
	db, err := database.NewDB(ctx, cfg.Database)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	j, err := journal.New(ctx, db)
	if err != nil {
		log.Fatal("failed to initialize journal", zap.Error(err))
	}

	// 4. Connect the Message Bus (in-process, or NATS-backed when
	// cfg.NATS.URL is set).
	msgBus, err := bus.New(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize message bus", zap.Error(err))
	}
	defer msgBus.Close()

	// 5. Agent Registry: liveness window derived from the session ping
	// cadence, two missed heartbeats to Degraded, four to Offline.
	reg := registry.New(cfg.Session.PingInterval, 2, 4, log)
	go func() {
		ticker := time.NewTicker(cfg.Session.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reg.Sweep()
			}
		}
	}()

	// 6. Provider Pool.
	providers := providerpool.NewManager(cfg, log)

	// 7. One Supervisor per configured domain, each bound to its own slice
	// of capabilities and admission policy.
	supervisors := make(map[string]*supervisor.Supervisor, len(cfg.Supervisors))
	for id, supCfg := range cfg.Supervisors {
		sup := supervisor.New(id, supCfg, reg, msgBus, log)
		if err := sup.Start(ctx); err != nil {
			log.Fatal("failed to start supervisor", zap.String("supervisor_id", id), zap.Error(err))
		}
		supervisors[id] = sup
	}

	// 7.5. SubAgents: one Provider-backed worker per configured entry,
	// bridging bus TaskRequest -> Provider Pool -> capability.Provider ->
	// TaskResult (§4.3). Absent explicit configuration, one default,
	// EchoProvider-backed worker is started per declared capability so the
	// mesh answers submitted tasks out of the box.
	subAgentCfgs := cfg.SubAgents
	if len(subAgentCfgs) == 0 {
		subAgentCfgs = defaultSubAgents(cfg.Supervisors)
	}
	for id, saCfg := range subAgentCfgs {
		sa := subagent.New(subagent.Config{
			ID:              id,
			Capabilities:    saCfg.Capabilities,
			ProviderID:      saCfg.ProviderID,
			EstimatedTokens: saCfg.EstimatedTokens,
		}, capability.EchoProvider{}, providers, reg, msgBus, log)
		if err := sa.Start(); err != nil {
			log.Fatal("failed to start sub-agent", zap.String("agent_id", id), zap.Error(err))
		}
	}

	// 8. Classifier: capability-per-task-type rules declared in
	// configuration. A deployment that needs LLM-backed classification can
	// swap this for orchestrator.NewProviderClassifier, which routes the
	// call through the same Provider Pool as any other external call.
	classifier := orchestrator.NewStaticClassifier(staticClassifierRules(cfg.Supervisors))

	// 9. Root Orchestrator.
	orch, err := orchestrator.New(cfg.Orchestrator, supervisors, cfg.Supervisors, classifier, msgBus, j, log)
	if err != nil {
		log.Fatal("failed to initialize orchestrator", zap.Error(err))
	}

	// 10. HTTP server: Administrative + client API, and the Session
	// Layer's WebSocket endpoint.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	sessionCfg := session.Config{
		IdleTimeout:        cfg.Session.IdleTimeout,
		PingInterval:       cfg.Session.PingInterval,
		MaxMissedPings:     cfg.Session.MissedPingLimit,
		ClientBufferFrames: 256,
	}

	handler := api.NewHandler(orch, reg, providers, log)
	wsHandler := api.NewWSHandler(orch, identityVerifier(), sessionCfg, log)

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api.SetupRoutes(router.Group(""), handler, wsHandler, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 11. Wait for shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agentmesh")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	for id, sup := range supervisors {
		if err := sup.Stop(); err != nil {
			log.Error("supervisor stop error", zap.String("supervisor_id", id), zap.Error(err))
		}
	}

	log.Info("agentmesh stopped")
}

// staticClassifierRules builds an identity taskType->capabilities mapping
// from every capability every configured Supervisor declares, the sane
// default absent an injected CapabilityProvider-backed classifier.
func staticClassifierRules(supervisors map[string]config.SupervisorConfig) map[string][]string {
	rules := make(map[string][]string)
	for _, supCfg := range supervisors {
		for _, capability := range supCfg.Capabilities {
			rules[capability] = []string{capability}
		}
	}
	return rules
}

// defaultSubAgents synthesizes one SubAgent per capability declared across
// every configured Supervisor, all routed through the "default" provider,
// the sane fallback absent explicit subAgents configuration.
func defaultSubAgents(supervisors map[string]config.SupervisorConfig) map[string]config.SubAgentConfig {
	out := make(map[string]config.SubAgentConfig)
	for _, supCfg := range supervisors {
		for _, cap := range supCfg.Capabilities {
			out["agent."+cap] = config.SubAgentConfig{
				Capabilities:    []string{cap},
				ProviderID:      "default",
				EstimatedTokens: 256,
			}
		}
	}
	return out
}

// identityVerifier returns the default identity.Verifier. Production
// deployments inject a real IdentityVerifier (SSO, API-key store); this
// module never implements authentication itself.
func identityVerifier() identity.Verifier {
	return allowAllVerifier{}
}

type allowAllVerifier struct{}

func (allowAllVerifier) Verify(_ context.Context, credential string) (identity.Principal, error) {
	return identity.Principal{ID: credential, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

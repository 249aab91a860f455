package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tamv/isabella/internal/api"
	"github.com/tamv/isabella/internal/config"
	"github.com/tamv/isabella/internal/core"
	"github.com/tamv/isabella/internal/identity"
	"github.com/tamv/isabella/internal/ledger"
	"github.com/tamv/isabella/internal/logging"
	"github.com/tamv/isabella/internal/metrics"
	"github.com/tamv/isabella/internal/orchestrator"
	"github.com/tamv/isabella/internal/sentinel"
	"github.com/tamv/isabella/internal/signer"
	"github.com/tamv/isabella/internal/storage"
	"github.com/tamv/isabella/internal/telemetry"
)

type serveOptions struct {
	port         int
	agentID      string
	role         string
	permissions  []string
	creatorOwned bool
}

func serveCmd() *cobra.Command {
	opts := serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if opts.port != 0 {
				cfg.Server.Port = opts.port
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := newApp(ctx, cfg, opts, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
			if err != nil {
				return err
			}
			defer app.Close()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(app.server.Start)
			g.Go(func() error {
				app.sweepSessions(ctx, time.Minute)
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				logging.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return app.server.Stop(shutdownCtx)
			})
			return g.Wait()
		},
	}

	cmd.Flags().IntVar(&opts.port, "port", 0, "HTTP port (overrides config)")
	cmd.Flags().StringVar(&opts.agentID, "agent-id", "", "agent id (default random)")
	cmd.Flags().StringVar(&opts.role, "role", string(core.RolePlanner), "agent role")
	cmd.Flags().StringSliceVar(&opts.permissions, "permission", nil, "extra agent permission (repeatable)")
	cmd.Flags().BoolVar(&opts.creatorOwned, "creator-owned", false, "sign the agent with the configured creator identity")

	return cmd
}

// app holds everything serve owns
type app struct {
	server   *api.Server
	sessions *api.Sessions
	db       *storage.DB
	redis    *redis.Client
}

// sweepSessions drops idle telemetry sessions until ctx is done
func (a *app) sweepSessions(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.sessions.Sweep(); n > 0 {
				logging.Debug("swept %d idle sessions", n)
			}
		}
	}
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func newApp(ctx context.Context, cfg *config.Config, opts serveOptions, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*app, error) {
	a := &app{}
	log := logging.WithField("component", "serve")

	// Without hybrid session signatures anyone who knows the creator DID could
	// drive a creator-owned agent.
	if opts.creatorOwned && cfg.Creator.KeyBundlePath == "" {
		return nil, fmt.Errorf("%w: --creator-owned requires creator.key_bundle_path", core.ErrMissingRequired)
	}

	agent, err := buildAgent(cfg, opts)
	if err != nil {
		return nil, err
	}

	m := metrics.New(reg)

	// Ledger
	var (
		store    *ledger.Store
		recorder *ledger.Recorder
	)
	if cfg.Ledger.Enabled {
		db, err := storage.Open(storage.Config{Path: cfg.LedgerPath()})
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		a.db = db
		if err := db.Migrate(); err != nil {
			a.Close()
			return nil, err
		}
		store = ledger.NewStore(db.Conn())
		recorder = ledger.NewRecorder(store)
		log.Info("ledger at %s", cfg.LedgerPath())
	}

	// Reputation
	var (
		repStore sentinel.ReputationStore = sentinel.NewMemoryReputationStore(time.Now)
		repOpts                           = []sentinel.ReputationOption{
			sentinel.WithReputationConfig(cfg.ReputationConfig()),
		}
	)
	client, err := sentinel.OpenRedis(ctx, cfg.Sentinel.RedisURL)
	if err != nil {
		a.Close()
		return nil, err
	}
	if client != nil {
		a.redis = client
		repStore = sentinel.NewRedisReputationStore(client)
		repOpts = append(repOpts, sentinel.WithAlerter(sentinel.NewRedisAlerter(client)))
		log.Info("reputation scores in redis")
	}

	evaluator := sentinel.NewReputationEvaluator(repStore,
		sentinel.NewRuleEvaluator(
			sentinel.WithRoleMaxRisk(cfg.RoleMaxRisk()),
			sentinel.WithRiskPermissions(cfg.RiskPermissions(), agent),
		),
		repOpts...,
	)

	// Signer
	signerOpts := []signer.Option{}
	if cfg.Creator.KeyBundlePath != "" {
		sv, err := loadSessionVerifier(cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		signerOpts = append(signerOpts, signer.WithSessionVerifier(sv))
		log.Info("creator sessions require hybrid signatures")
	}
	sgn := signer.New(identity.NewVerifier(cfg.CreatorIdentity()), signerOpts...)

	orchOpts := []orchestrator.Option{
		orchestrator.WithSigner(sgn),
		orchestrator.WithMetrics(m),
	}
	if recorder != nil {
		orchOpts = append(orchOpts, orchestrator.WithRecorder(recorder))
	}
	orch, err := orchestrator.New(agent, evaluator, orchOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}

	// Telemetry sessions
	observer := func(c core.TAMVCrum) {
		m.IncrementCrum(string(c.EcgContext.Pattern))
		if recorder == nil {
			return
		}
		if err := recorder.RecordCrum(c); err != nil {
			log.WithError(err).Error("failed to record crum")
		}
	}
	a.sessions = api.NewSessionsWithLimits(cfg.Telemetry.Module,
		api.SessionLimits{
			MaxSessions: cfg.Telemetry.MaxSessions,
			IdleTimeout: cfg.SessionIdle(),
		},
		telemetry.WithMaxHistory(cfg.Telemetry.MaxHistory),
		telemetry.WithObserver(observer),
	)

	a.server, err = api.New(api.Config{
		Addr:           cfg.Addr(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Orchestrator:   orch,
		Sessions:       a.sessions,
		LedgerStore:    store,
		DB:             a.db,
		Gatherer:       gatherer,

		CreatorSessions: cfg.Creator.KeyBundlePath != "",
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

func buildAgent(cfg *config.Config, opts serveOptions) (core.AgentIdentity, error) {
	role := core.AgentRole(opts.role)
	if !role.Valid() {
		return core.AgentIdentity{}, fmt.Errorf("%w: role %q", core.ErrInvalidInput, opts.role)
	}

	id := opts.agentID
	if id == "" {
		id = "agent-" + uuid.NewString()
	}

	agent := core.AgentIdentity{
		ID:           id,
		Role:         role,
		Capabilities: []string{"execute"},
		Permissions:  append([]string{"tasks:write"}, opts.permissions...),
	}
	if opts.creatorOwned {
		creator := cfg.CreatorIdentity()
		agent.CreatorSignature = &core.CreatorSignature{
			CreatorPubKey: creator.PubKey,
			CreatorDID:    creator.DID,
			Version:       "1.0",
		}
	}
	return agent, nil
}

func loadSessionVerifier(cfg *config.Config) (*identity.SessionVerifier, error) {
	skb, err := readKeyBundle(cfg.Creator.KeyBundlePath)
	if err != nil {
		return nil, err
	}

	keys, err := skb.PublicKeys()
	if err != nil {
		return nil, err
	}

	sv := identity.NewSessionVerifier(cfg.CreatorIdentity(), keys)
	sv.RequireAssurance = cfg.Creator.RequireAssurance
	return sv, nil
}

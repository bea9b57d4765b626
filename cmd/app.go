package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/teemow/calfold/internal/aggregate"
	"github.com/teemow/calfold/internal/calendar"
	"github.com/teemow/calfold/internal/config"
	"github.com/teemow/calfold/internal/instrumentation"
	"github.com/teemow/calfold/internal/logging"
	"github.com/teemow/calfold/internal/oauthflow"
	"github.com/teemow/calfold/internal/provider"
	"github.com/teemow/calfold/internal/registry"
	"github.com/teemow/calfold/internal/tokenstore"
)

// startupRefreshTimeout bounds the proactive token refresh every command
// runs before doing its work.
const startupRefreshTimeout = 30 * time.Second

// app holds the wired components of one command invocation.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	instr  *instrumentation.Provider

	tokens   *tokenstore.Store
	adapter  *provider.Google
	client   *calendar.Client
	registry *registry.Registry
	engine   *aggregate.Engine
	flow     *oauthflow.Coordinator
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.debug {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

func instrumentationConfig(cfg *config.Config) instrumentation.Config {
	ic := instrumentation.DefaultConfig()
	ic.ServiceVersion = version
	ic.Enabled = cfg.Instrumentation.Enabled
	ic.MetricsExporter = cfg.Instrumentation.MetricsExporter
	ic.TracingExporter = cfg.Instrumentation.TracingExporter
	ic.OTLPEndpoint = cfg.Instrumentation.OTLPEndpoint
	ic.OTLPInsecure = cfg.Instrumentation.OTLPInsecure
	ic.TraceSamplingRate = cfg.Instrumentation.TraceSamplingRate
	ic.DetailedLabels = cfg.Instrumentation.DetailedLabels
	return ic
}

// newApp loads the config, opens the stores and builds the adapter, client,
// registry and engine. It then refreshes every expired token once.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Pretty)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	instr, err := instrumentation.NewProvider(ctx, instrumentationConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	metrics := instr.Metrics()
	ok := false
	defer func() {
		if !ok {
			_ = instr.Shutdown(context.Background())
		}
	}()

	storeOpts := []tokenstore.Option{tokenstore.WithLogger(logger)}
	if cfg.Tokens.EncryptionKey != "" {
		enc, err := tokenstore.NewEncryptionFromBase64(cfg.Tokens.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid tokens.encryptionKey: %w", err)
		}
		storeOpts = append(storeOpts, tokenstore.WithEncryption(enc))
	}
	tokens := tokenstore.Open(cfg.TokensPath(), storeOpts...)

	creds, err := cfg.Credentials()
	if err != nil {
		return nil, err
	}
	adapter, err := provider.NewGoogleFromCredentials(creds, cfg.OAuth.RedirectURL)
	if err != nil {
		return nil, err
	}

	client := calendar.NewClient(adapter, tokens,
		calendar.WithMetrics(metrics),
		calendar.WithLogger(logger))

	reg := registry.New(cfg.AccountsPath(), tokens, registry.WithLogger(logger))

	engine := aggregate.New(client, reg, tokens,
		aggregate.WithConcurrency(cfg.Aggregate.Concurrency),
		aggregate.WithHorizonDays(cfg.Aggregate.HorizonDays),
		aggregate.WithMetrics(metrics),
		aggregate.WithLogger(logger))

	flowOpts := []oauthflow.Option{
		oauthflow.WithMetrics(metrics),
		oauthflow.WithLogger(logger),
		oauthflow.WithPendingTTL(cfg.OAuth.PendingTTL),
	}
	if cfg.OAuth.OpenBrowser {
		flowOpts = append(flowOpts, oauthflow.WithBrowserOpener(oauthflow.SystemBrowser{}))
	}
	flow := oauthflow.New(adapter, tokens, flowOpts...)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		instr:    instr,
		tokens:   tokens,
		adapter:  adapter,
		client:   client,
		registry: reg,
		engine:   engine,
		flow:     flow,
	}
	ok = true

	refreshCtx, cancel := context.WithTimeout(ctx, startupRefreshTimeout)
	defer cancel()
	if err := client.RefreshAll(refreshCtx); err != nil {
		if ctx.Err() != nil {
			a.Close()
			return nil, ctx.Err()
		}
		logger.Warn("startup token refresh timed out", logging.Err(err))
	}

	return a, nil
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.instr.Shutdown(ctx); err != nil {
		a.logger.Warn("error during instrumentation shutdown", logging.Err(err))
	}
}

func (a *app) preferences(resume bool) aggregate.Preferences {
	return aggregate.Preferences{
		ResumeLastViewed: resume || a.cfg.Preferences.ResumeLastViewed,
	}
}

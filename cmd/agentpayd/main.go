// Command agentpayd runs the agent payment orchestration service: mandate
// verification, policy and compliance gating, chain execution, the canonical
// ledger, and the reconciliation worker behind one HTTP gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agentpay/compliance"
	"agentpay/config"
	"agentpay/events"
	"agentpay/executor"
	"agentpay/gateway"
	"agentpay/identity"
	"agentpay/journey"
	"agentpay/ledger"
	"agentpay/observability/logging"
	"agentpay/orchestrator"
	"agentpay/policy"
	"agentpay/protocol/ap2"
	"agentpay/protocol/tap"
	"agentpay/protocol/x402"
	"agentpay/recon"
	"agentpay/replay"
	"agentpay/schedule"
)

func main() {
	configPath := flag.String("config", "agentpayd.toml", "path to the service configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Service.Name, cfg.Service.Environment)

	if err := run(cfg, logger); err != nil {
		logger.Error("service exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Identity and verification.
	registry := identity.NewRegistry()
	replayCache, err := replay.Open(cfg.Replay, cfg.Service.Environment, logger)
	if err != nil {
		return fmt.Errorf("open replay cache: %w", err)
	}
	defer replayCache.Close()
	verifier := ap2.NewVerifier(registry, replayCache, cfg.Protocol.AllowedDomains, logger)
	tapVerifier := tap.NewVerifier(registry, cfg.Protocol.EnforceTrust)
	x402Validator := x402.NewValidator(cfg.Protocol.X402Versions)

	// Policy engine. A template named "default" becomes the policy handed to
	// agents that have none.
	var engineOpts []policy.EngineOption
	if path := cfg.Policy.TemplatePath; path != "" {
		templates, err := policy.LoadTemplates(path)
		if err != nil {
			return fmt.Errorf("load policy templates: %w", err)
		}
		logger.Info("policy templates loaded", slog.Int("count", len(templates)))
		if tpl, ok := templates["default"]; ok {
			engineOpts = append(engineOpts, policy.WithDefaults(func(agentID string, now time.Time) *policy.Policy {
				p, err := tpl.Instantiate(agentID, now)
				if err != nil {
					logger.Error("default policy instantiation failed", slog.Any("error", err))
					return nil
				}
				return p
			}))
		}
	}
	policyStore := policy.NewMemoryStore()
	policyEngine := policy.NewEngine(policyStore, logger, engineOpts...)

	// Compliance gate with its audit trail.
	audit := events.NewAuditStore(0, logger)
	defer audit.Close()
	if path := cfg.Ledger.Path; path != "" {
		if err := audit.AttachSQLite(path + ".audit"); err != nil {
			return fmt.Errorf("attach audit sink: %w", err)
		}
	}
	kyc := compliance.NewStaticKYC(cfg.Compliance.KYCProvider)
	kyt := compliance.NewListKYT(cfg.Compliance.KYTProvider, nil)
	kya := compliance.NewRegistryKYA("registry", registry)
	gate := compliance.NewGate(kyc, kyt, kya, complianceAudit{audit},
		cfg.Compliance.KYCThresholdMinor, cfg.Compliance.EnforceKYA, logger)

	// Executor: signer and broadcaster per mode.
	signer, err := buildSigner(cfg, logger)
	if err != nil {
		return fmt.Errorf("build signer: %w", err)
	}
	broadcaster, closeBroadcaster, err := buildBroadcaster(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build broadcaster: %w", err)
	}
	defer closeBroadcaster()
	execOpts := []executor.Option{
		executor.WithTimeouts(cfg.Executor.BroadcastWait.Duration, cfg.Executor.ConfirmWait.Duration),
	}
	if raw := cfg.Executor.SponsorCapJSON; raw != "" {
		guard, err := executor.ParseSponsorCaps(raw)
		if err != nil {
			return fmt.Errorf("parse sponsor caps: %w", err)
		}
		execOpts = append(execOpts, executor.WithSponsorCaps(guard))
	}
	exec, err := executor.New(signer, broadcaster, cfg.Executor.Tokens, logger, execOpts...)
	if err != nil {
		return fmt.Errorf("build executor: %w", err)
	}

	// Durable stores.
	ledgerStore, err := openLedgerStore(cfg)
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	led, err := ledger.Open(ctx, ledgerStore)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer ledgerStore.Close()
	journeys, err := journey.Open(cfg.Journey.DSN)
	if err != nil {
		return fmt.Errorf("open journey store: %w", err)
	}
	queue, err := recon.Open(cfg.Recon, cfg.Service.Environment, logger)
	if err != nil {
		return fmt.Errorf("open recon queue: %w", err)
	}
	defer queue.Close()

	// Pipeline.
	bus := events.NewBus(logger)
	orch := orchestrator.New(verifier, policyEngine, gate, exec, led, queue,
		journeys, bus, audit, logger)
	worker := recon.NewWorker(queue, orch.ResolvePending, orch.EscalatePending,
		cfg.Recon.MaxAttempts, logger)

	// Gateway.
	adminSecret, err := cfg.Secret(cfg.Gateway.AdminJWTSecret)
	if err != nil {
		return err
	}
	webhookSecrets, err := loadWebhookSecrets(cfg)
	if err != nil {
		return err
	}
	apiKeys, err := loadAPIKeys(cfg)
	if err != nil {
		return err
	}
	server := gateway.NewServer(gateway.Options{
		APIKeys:        apiKeys,
		Orchestrator:   orch,
		Verifier:       verifier,
		TAP:            tapVerifier,
		X402:           x402Validator,
		Ledger:         led,
		Journeys:       journeys,
		ReconQueue:     queue,
		Bus:            bus,
		Registry:       registry,
		AdminSecret:    adminSecret,
		WebhookSecrets: webhookSecrets,
		PaymentRate:    cfg.Gateway.PaymentRate,
		PaymentBurst:   cfg.Gateway.PaymentBurst,
		AdminPerMinute: cfg.Gateway.AdminPerMinute,
		Logger:         logger,
	})

	// Background jobs.
	scheduler := schedule.New(logger)
	if err := scheduler.Interval("recon_drain", cfg.Recon.DrainInterval.Duration, worker.Drain); err != nil {
		return err
	}
	if err := scheduler.Interval("replay_prune", cfg.Replay.PruneInterval.Duration, func(ctx context.Context) error {
		pruned, err := replayCache.PruneExpired()
		if err != nil {
			return err
		}
		if pruned > 0 {
			logger.Info("replay cache pruned", slog.Int("removed", pruned))
		}
		return nil
	}); err != nil {
		return err
	}
	if err := scheduler.Interval("hold_expiry", 5*time.Minute, func(context.Context) error {
		server.Holds().ExpireDue()
		return nil
	}); err != nil {
		return err
	}
	if err := scheduler.Interval("approval_expiry", time.Minute, func(context.Context) error {
		server.Approvals().ExpireDue()
		return nil
	}); err != nil {
		return err
	}
	if err := scheduler.Interval("webhook_prune", time.Hour, func(context.Context) error {
		_, err := journeys.PruneWebhookEvents()
		return err
	}); err != nil {
		return err
	}
	if err := scheduler.DailyAt("window_reset", 0, 0, func(context.Context) error {
		return policyEngine.ResetExpiredWindows(policyStore.Agents())
	}); err != nil {
		return err
	}
	if err := scheduler.DailyAt("key_cleanup", 0, 0, func(context.Context) error {
		registry.CleanupExpired()
		return nil
	}); err != nil {
		return err
	}
	go scheduler.Start(ctx)

	logger.Info("agentpayd starting",
		slog.String("environment", cfg.Service.Environment),
		slog.String("mode", cfg.Executor.Mode),
		slog.String("listen", cfg.Gateway.ListenAddress))
	return server.Serve(ctx, cfg.Gateway.ListenAddress)
}

// complianceAudit bridges the compliance gate onto the shared audit store.
type complianceAudit struct {
	store *events.AuditStore
}

func (a complianceAudit) Append(entry compliance.AuditEntry) {
	a.store.Append(record(entry))
}

func (a complianceAudit) AppendAsync(entry compliance.AuditEntry) {
	a.store.AppendAsync(record(entry))
}

func record(entry compliance.AuditEntry) events.AuditRecord {
	return events.AuditRecord{
		At:      entry.At,
		Kind:    "compliance.decision",
		Subject: entry.MandateID,
		Detail: map[string]any{
			"subject":  entry.Subject,
			"decision": entry.Decision,
		},
	}
}

func buildSigner(cfg *config.Config, logger *slog.Logger) (executor.Signer, error) {
	switch cfg.Executor.Signer {
	case "mpc":
		apiKey, err := cfg.Secret(cfg.Executor.MPCAPIKeyEnv)
		if err != nil {
			return nil, err
		}
		return executor.NewMPCSigner(cfg.Executor.MPCEndpoint, apiKey, os.Getenv("AGENTPAY_SENDER_ADDRESS"))
	default:
		keyHex, err := cfg.Secret(cfg.Executor.SignerKeyEnv)
		if err != nil {
			return nil, err
		}
		if keyHex == "" {
			// Dev fallback so the simulated stack boots with zero config.
			keyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
		}
		return executor.NewLocalSigner(keyHex, cfg.Production(), logger)
	}
}

func buildBroadcaster(ctx context.Context, cfg *config.Config, logger *slog.Logger) (executor.Broadcaster, func(), error) {
	if cfg.Executor.Mode == config.ModeSimulated {
		logger.Info("executor running in simulated mode; no transactions leave the process")
		return executor.NewSimulated(), func() {}, nil
	}
	rpc, err := executor.NewRPCBroadcaster(ctx, cfg.Executor.RPCEndpoints)
	if err != nil {
		return nil, nil, err
	}
	return rpc, rpc.Close, nil
}

func openLedgerStore(cfg *config.Config) (ledger.Store, error) {
	path := cfg.Ledger.Path
	if path == "" {
		path = ":memory:"
	}
	return ledger.NewSQLiteStore(path)
}

// loadAPIKeys parses the credential list "agent=key,agent=key" from the
// environment variable the config names.
func loadAPIKeys(cfg *config.Config) (map[string]string, error) {
	raw, err := cfg.Secret(cfg.Gateway.APISecretEnv)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		agent, key, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		keys[strings.TrimSpace(agent)] = strings.TrimSpace(key)
	}
	return keys, nil
}

func loadWebhookSecrets(cfg *config.Config) (map[string]string, error) {
	secrets := make(map[string]string, len(cfg.Gateway.WebhookSecrets))
	for _, provider := range cfg.Gateway.WebhookSecrets {
		envName := "AGENTPAY_WEBHOOK_SECRET_" + envSuffix(provider)
		secret, err := cfg.Secret(envName)
		if err != nil {
			return nil, err
		}
		if secret != "" {
			secrets[provider] = secret
		}
	}
	return secrets, nil
}

func envSuffix(provider string) string {
	out := make([]rune, 0, len(provider))
	for _, r := range provider {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, r-('a'-'A'))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

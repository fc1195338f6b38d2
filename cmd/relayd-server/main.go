// Command relayd-server runs the Session Core daemon: storage, the event
// bus, the session lock table, the permission broker, and the session
// service, wired together and kept alive until SIGINT/SIGTERM. It mounts
// no HTTP or MCP front-end; callers drive it through the session.Service
// API linked into the same process (or a future in-process transport).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/relaycode/relayd/internal/agent"
	"github.com/relaycode/relayd/internal/config"
	"github.com/relaycode/relayd/internal/executor"
	"github.com/relaycode/relayd/internal/logging"
	"github.com/relaycode/relayd/internal/permission"
	"github.com/relaycode/relayd/internal/provider"
	"github.com/relaycode/relayd/internal/session"
	"github.com/relaycode/relayd/internal/storage"
	"github.com/relaycode/relayd/internal/tool"
	"github.com/relaycode/relayd/pkg/types"
)

var (
	directory = flag.String("directory", "", "Working directory (defaults to cwd)")
	logLevel  = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	version   = flag.Bool("version", false, "Print version and exit")
)

const Version = "0.1.0"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("relayd-server %s\n", Version)
		os.Exit(0)
	}

	workDir := *directory
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to get working directory: %v\n", err)
			os.Exit(1)
		}
	}

	godotenv.Load(".env")

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(*logLevel)
	logging.Init(logCfg)
	defer logging.Close()

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		logging.Logger.Fatal().Err(err).Msg("failed to create data directories")
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		logging.Logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	store := storage.New(paths.StoragePath())

	ctx := context.Background()
	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		logging.Logger.Warn().Err(err).Msg("failed to initialize some providers")
	}

	toolReg := tool.DefaultRegistry(workDir, store)
	agentReg := agent.NewRegistry()

	permChecker := permission.NewChecker(parentResolver(store), pinVerifier(appConfig))

	subExecutor := executor.NewSubagentExecutor(executor.SubagentExecutorConfig{
		Storage:           store,
		ProviderRegistry:  providerReg,
		ToolRegistry:      toolReg,
		PermissionChecker: permChecker,
		AgentRegistry:     agentReg,
		WorkDir:           workDir,
		DefaultProviderID: defaultProviderID(appConfig),
		DefaultModelID:    appConfig.Model,
	})
	toolReg.SetTaskExecutor(subExecutor)

	svc := session.NewServiceWithProcessor(
		store, providerReg, toolReg, permChecker,
		defaultProviderID(appConfig), appConfig.Model, appConfig,
	)

	if n, err := session.ReconcileInterruptedToolParts(ctx, store); err != nil {
		logging.Logger.Warn().Err(err).Msg("failed to reconcile interrupted tool parts")
	} else if n > 0 {
		logging.Logger.Info().Int("count", n).Msg("marked tool parts interrupted by a previous shutdown")
	}

	logging.Logger.Info().
		Str("version", Version).
		Str("directory", workDir).
		Str("storage", paths.StoragePath()).
		Msg("relayd-server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Logger.Info().Msg("shutting down: draining session locks and pending permissions")
	svc.Shutdown()
	permChecker.RejectAll("server shutting down")
	logging.Logger.Info().Msg("relayd-server stopped")
}

// parentResolver backs the Permission Broker's parent/child forwarding by
// reading a session's ParentID directly from storage, so the broker
// package never needs to import storage itself.
func parentResolver(store *storage.Storage) permission.ParentResolver {
	return func(sessionID string) (string, bool) {
		projects, err := store.List(context.Background(), []string{"session"})
		if err != nil {
			return "", false
		}
		for _, projectID := range projects {
			var sess types.Session
			if err := store.Get(context.Background(), []string{"session", projectID, sessionID}, &sess); err == nil {
				if sess.ParentID != nil && *sess.ParentID != "" {
					return *sess.ParentID, true
				}
				return "", false
			}
		}
		return "", false
	}
}

// pinVerifier wires the PIN gate from loaded config, or nil (PIN gating
// disabled) when no pin config is present or it isn't enabled.
func pinVerifier(cfg *types.Config) permission.PinVerifier {
	if cfg.Pin == nil || !cfg.Pin.Enabled || cfg.Pin.HashB64 == "" {
		return nil
	}
	return permission.NewPINVerifier(cfg.Pin.HashB64, cfg.Pin.SaltB64)
}

func defaultProviderID(cfg *types.Config) string {
	for name := range cfg.Provider {
		if !cfg.Provider[name].Disable {
			return name
		}
	}
	return "anthropic"
}

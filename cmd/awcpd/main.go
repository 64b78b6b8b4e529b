package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/awcp/awcp/internal/admission"
	"github.com/awcp/awcp/internal/common/config"
	"github.com/awcp/awcp/internal/common/logger"
	"github.com/awcp/awcp/internal/daemon"
	"github.com/awcp/awcp/internal/delegator"
	"github.com/awcp/awcp/internal/delegator/repository"
	"github.com/awcp/awcp/internal/environment"
	"github.com/awcp/awcp/internal/events/bus"
	"github.com/awcp/awcp/internal/executor"
	"github.com/awcp/awcp/internal/listener"
	"github.com/awcp/awcp/internal/transport"
	"github.com/awcp/awcp/internal/transport/archive"
	"github.com/awcp/awcp/internal/transport/sshfs"
	awcpclient "github.com/awcp/awcp/pkg/awcp/client"
	"github.com/awcp/awcp/pkg/awcp/protocol"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting AWCP daemon...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus: in-process by default, NATS when configured
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSBus(bus.NATSConfig{
			URL:           cfg.NATS.URL,
			ClientID:      cfg.NATS.ClientID,
			MaxReconnects: cfg.NATS.MaxReconnects,
		}, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	} else {
		eventBus = bus.NewMemoryBus()
	}
	defer eventBus.Close()

	// 5. Transports
	registry := transport.NewRegistry()
	archiveTransport := archive.New(archive.Options{
		Port:                 cfg.Transport.Archive.Port,
		InlineThresholdBytes: cfg.Transport.Archive.InlineThresholdBytes,
		ChunkSizeBytes:       cfg.Transport.Archive.ChunkSizeBytes,
		MaxRetries:           cfg.Transport.Archive.MaxRetries,
		ChunkTimeoutSeconds:  cfg.Transport.Archive.ChunkTimeoutSeconds,
	}, log)
	registry.RegisterDelegator(archiveTransport)
	registry.RegisterExecutor(archiveTransport)
	defer archiveTransport.Stop()

	sshfsTransport := sshfs.New(sshfs.Options{
		Host:     cfg.Transport.SSHFS.Host,
		Port:     cfg.Transport.SSHFS.Port,
		User:     cfg.Transport.SSHFS.User,
		StateDir: cfg.Transport.SSHFS.StateDir,
	}, log)
	registry.RegisterDelegator(sshfsTransport)
	registry.RegisterExecutor(sshfsTransport)

	// 6. Delegator engine
	var delegatorEngine *delegator.Engine
	if cfg.Delegator.Enabled {
		envMgr := environment.NewManager(cfg.Delegator.BaseDir, log)
		adm := admission.NewController(admission.Limits{
			MaxTotalBytes:      cfg.Delegator.Admission.MaxTotalBytes,
			MaxFileCount:       cfg.Delegator.Admission.MaxFileCount,
			MaxSingleFileBytes: cfg.Delegator.Admission.MaxSingleFileBytes,
		}, log)

		delegatorTransport, err := registry.Delegator(cfg.Transport.Kind)
		if err != nil {
			log.Fatal("Unknown transport", zap.Error(err))
		}

		var retention repository.Repository
		if cfg.Delegator.DatabasePath != "" {
			if err := os.MkdirAll(filepath.Dir(cfg.Delegator.DatabasePath), 0o700); err != nil {
				log.Fatal("Failed to create database directory", zap.Error(err))
			}
			retention, err = repository.NewSQLiteRepository(cfg.Delegator.DatabasePath)
			if err != nil {
				log.Fatal("Failed to open retention store", zap.Error(err))
			}
			defer retention.Close()
		}

		delegatorEngine = delegator.NewEngine(
			delegator.Config{
				DefaultTTLSeconds: cfg.Delegator.Defaults.TTLSeconds,
				DefaultAccessMode: protocol.AccessMode(cfg.Delegator.Defaults.AccessMode),
				SnapshotPolicy:    delegator.SnapshotPolicy(cfg.Delegator.Snapshots.Policy),
				Retention:         cfg.Delegator.Retention(),
			},
			envMgr,
			adm,
			delegatorTransport,
			repository.NewMemoryRepository(),
			retention,
			awcpclient.New(),
			delegator.Hooks{},
			log,
		)
		if stale, ok := delegatorTransport.(*sshfs.Transport); ok {
			if err := stale.CleanupStaleKeyFiles(); err != nil {
				log.Warn("Stale keyfile cleanup failed", zap.Error(err))
			}
		}
		log.Info("Initialized delegator engine")
	}

	// 7. Executor engine
	var executorEngine *executor.Engine
	if cfg.Executor.Enabled {
		adm := admission.NewController(admission.Limits{
			MaxConcurrentDelegations: cfg.Executor.MaxConcurrentDelegations,
			MaxTTLSeconds:            cfg.Executor.MaxTTLSeconds,
			AllowedAccessModes:       accessModes(cfg.Executor.AllowedAccessModes),
		}, log)

		executorTransport, err := registry.Executor(cfg.Transport.Kind)
		if err != nil {
			log.Fatal("Unknown transport", zap.Error(err))
		}

		auth := executor.NewAuthManager()
		if token := os.Getenv("AWCP_EXECUTOR_TOKEN"); token != "" {
			auth.AddVerifier(executor.NewTokenVerifier(token))
		}

		executorEngine = executor.NewEngine(
			executor.Config{
				WorkDir:         cfg.Executor.WorkDir,
				ResultRetention: cfg.Executor.ResultRetention(),
				CancelGrace:     cfg.Executor.CancelGrace(),
				Sandbox: protocol.SandboxProfile{
					CwdOnly:      cfg.Executor.Sandbox.CwdOnly,
					AllowNetwork: cfg.Executor.Sandbox.AllowNetwork,
					AllowExec:    cfg.Executor.Sandbox.AllowExec,
				},
			},
			adm,
			executorTransport,
			defaultRunner(),
			eventBus,
			auth,
			executor.Hooks{},
			log,
		)
		log.Info("Initialized executor engine")
	}

	// 8. Listeners
	var listeners []listener.Listener
	if cfg.Listeners.HTTP.Enabled {
		listeners = append(listeners, listener.NewHTTPListener(
			cfg.Listeners.HTTP.Host, cfg.Listeners.HTTP.Port, log))
	}
	if cfg.Tunnel.Enabled {
		listeners = append(listeners, listener.NewTunnelListener(listener.TunnelConfig{
			BrokerURL:  cfg.Tunnel.BrokerURL,
			AuthToken:  cfg.Tunnel.AuthToken,
			MaxRetries: cfg.Tunnel.MaxRetries,
			RetryDelay: time.Duration(cfg.Tunnel.RetryDelay) * time.Second,
		}, log))
	}

	// 9. Daemon
	d := daemon.New(cfg, delegatorEngine, executorEngine, listeners, log)
	if err := d.Start(ctx); err != nil {
		log.Fatal("Failed to start daemon", zap.Error(err))
	}

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down AWCP daemon...")
	cancel()
	d.Stop()
	log.Info("AWCP daemon stopped")
}

func accessModes(modes []string) []protocol.AccessMode {
	out := make([]protocol.AccessMode, 0, len(modes))
	for _, m := range modes {
		out = append(out, protocol.AccessMode(m))
	}
	return out
}

// defaultRunner is a placeholder task capability: deployments compose a
// real agent runtime in through executor.Runner.
func defaultRunner() executor.Runner {
	return executor.RunnerFunc(func(ctx context.Context, req *executor.TaskRequest, progress executor.ProgressFunc) (*executor.TaskResult, error) {
		progress("no task runner configured, workspace inspected only", 100)
		return &executor.TaskResult{
			Summary: fmt.Sprintf("received task %q with no runner configured", req.Task.Description),
		}, nil
	})
}

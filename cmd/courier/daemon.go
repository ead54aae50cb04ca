package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/courier/internal/address"
	"github.com/oriys/courier/internal/audit"
	"github.com/oriys/courier/internal/cache"
	"github.com/oriys/courier/internal/config"
	"github.com/oriys/courier/internal/identity"
	"github.com/oriys/courier/internal/logging"
	"github.com/oriys/courier/internal/message"
	"github.com/oriys/courier/internal/metrics"
	"github.com/oriys/courier/internal/observability"
	"github.com/oriys/courier/internal/retryqueue"
	"github.com/oriys/courier/internal/roomclient"
	"github.com/oriys/courier/internal/roommanager"
	"github.com/oriys/courier/internal/transport"
)

func daemonCmd() *cobra.Command {
	var (
		metricsAddr string
		logLevel    string
		serverName  string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the courier transport daemon",
		Long:  "Run courier as a long-lived process carrying the transport over the configured room service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("metrics-addr") {
				cfg.Daemon.MetricsAddr = metricsAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cmd.Flags().Changed("server-name") {
				cfg.Identity.ServerName = serverName
			}
			if cmd.Flags().Changed("audit-dsn") {
				cfg.Audit.DSN = auditDSN
				cfg.Audit.Enabled = true
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			priv, generated, err := identity.LoadOrGeneratePrivateKey(cfg.Identity.PrivateKeyHex)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}
			if generated {
				logging.Op().Warn("no private key configured, generated an ephemeral one for this run")
			}
			self := identity.AddressFromPrivateKey(priv)
			selfUserID := identity.BuildUserID(self, cfg.Identity.ServerName)
			signedName := identity.SignDisplayName(priv, selfUserID)

			// The only concrete RoomClient this repository ships is the
			// in-memory Network/Fake pair; a production deployment links
			// its own binary against the transport package with a real
			// federated room-service client satisfying the same interface.
			client := roomclient.NewNetwork().NewClient(selfUserID, signedName)

			var displayCache cache.Cache
			switch cfg.Cache.Backend {
			case "redis":
				displayCache = cache.NewRedisCache(cache.RedisCacheConfig{
					Addr: cfg.Cache.RedisAddr,
					DB:   cfg.Cache.RedisDB,
				})
			default:
				displayCache = cache.NewInMemoryCache()
			}
			defer displayCache.Close()

			tokenStore, err := buildTokenStore(context.Background(), cfg.TokenStore)
			if err != nil {
				return fmt.Errorf("build token store: %w", err)
			}

			auditSink, err := buildAuditSink(context.Background(), cfg.Audit)
			if err != nil {
				return fmt.Errorf("build audit sink: %w", err)
			}
			defer auditSink.Close()

			opts := transport.Options{
				Self:              self,
				ServerName:        cfg.Identity.ServerName,
				BroadcastSuffixes: cfg.RoomService.BroadcastRooms,
				Retry: retryqueue.Config{
					Backoff: retryqueue.Backoff{
						RetriesBeforeBackoff: cfg.Retry.RetriesBeforeBackoff,
						Interval:             cfg.Retry.RetryInterval,
						Max:                  cfg.Retry.RetryIntervalMax,
					},
					IdleAfter:     cfg.Retry.IdleAfter,
					MaxBatchBytes: cfg.Retry.MaxBatchBytes,
					PollInterval:  cfg.Retry.RetryInterval,
				},
				Room: roommanager.Config{
					JoinRetries:         cfg.Room.JoinRetries,
					JoinRetryInterval:   cfg.Room.JoinRetryInterval,
					JoinRetryMultiplier: cfg.Room.JoinRetryFactor,
					BroadcastSuffixes:   cfg.RoomService.BroadcastRooms,
				},
				CircuitBreaker:       breakerConfig(cfg.CircuitBreaker),
				DisplayNameTTL:       cfg.Cache.TTL,
				WhitelistConcurrency: cfg.Whitelist.Concurrency,
				Audit:                auditSink,
				Cache:                displayCache,
			}

			t := transport.New(opts, client, tokenStore, func(peer address.Address, msg message.Message) {
				logging.Op().Info("message delivered to application", "peer", peer.String(), "kind", msg.Kind, "id", msg.MessageIdentifier)
			})

			if err := t.Start(context.Background()); err != nil {
				return fmt.Errorf("start transport: %w", err)
			}
			logging.Op().Info("courier transport started", "self", self.String(), "user_id", string(selfUserID))

			var httpServer *http.Server
			if cfg.Daemon.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.PrometheusHandler())
				mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusOK)
					w.Write([]byte("ok"))
				})
				httpServer = &http.Server{
					Addr:    cfg.Daemon.MetricsAddr,
					Handler: observability.HTTPMiddleware(mux),
				}
				go func() {
					if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("metrics server failed", "error", err)
					}
				}()
				logging.Op().Info("metrics server listening", "addr", cfg.Daemon.MetricsAddr)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			for {
				select {
				case <-sigCh:
					logging.Op().Info("shutdown signal received")
					stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					if httpServer != nil {
						_ = httpServer.Shutdown(stopCtx)
					}
					return t.Stop(stopCtx)
				case err := <-t.Errors():
					logging.Op().Error("transport reported a loop error", "error", err)
				}
			}
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve /metrics and /healthz on")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().StringVar(&serverName, "server-name", "", "Federation server name this node identifies against")

	return cmd
}

// breakerConfig translates the on-disk circuit breaker settings into the
// transport's BreakerConfig, returning the zero value (which disables
// breaking entirely) when the config turns it off.
func breakerConfig(cfg config.CircuitBreakerConfig) retryqueue.BreakerConfig {
	if !cfg.Enabled {
		return retryqueue.BreakerConfig{}
	}
	return retryqueue.BreakerConfig{
		ErrorPct:       cfg.ErrorPct,
		WindowDuration: cfg.WindowDuration,
		OpenDuration:   cfg.OpenDuration,
	}
}

func buildTokenStore(ctx context.Context, cfg config.TokenStoreConfig) (transport.TokenStore, error) {
	switch cfg.Backend {
	case "file":
		return config.NewFileTokenStore(cfg.FilePath)
	case "aws-secrets-manager":
		return config.NewAWSSecretsTokenStore(ctx, cfg)
	default:
		return transport.NoopTokenStore{}, nil
	}
}

func buildAuditSink(ctx context.Context, cfg config.AuditConfig) (audit.Sink, error) {
	if !cfg.Enabled {
		return audit.NoopSink{}, nil
	}
	return audit.NewPostgresSink(ctx, cfg.DSN)
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xmit-sh/mailgateway/internal/cache"
	"github.com/xmit-sh/mailgateway/internal/config"
	"github.com/xmit-sh/mailgateway/internal/httpapi"
	imapserver "github.com/xmit-sh/mailgateway/internal/imap"
	"github.com/xmit-sh/mailgateway/internal/logging"
	"github.com/xmit-sh/mailgateway/internal/ratelimit"
	"github.com/xmit-sh/mailgateway/internal/security"
	smtpserver "github.com/xmit-sh/mailgateway/internal/smtp"
	"github.com/xmit-sh/mailgateway/internal/upstream"
)

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailgateway",
	Short: "IMAP and SMTP submission gateway fronting a remote mailbox service",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the IMAP, SMTP and metrics listeners",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("mailgateway v0.1.0")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "optional YAML config overlay path")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

type resources struct {
	logger    *logging.Logger
	imapSrv   *imapserver.Server
	smtpSrv   *smtpserver.Server
	httpSrv   *http.Server
	limiter   *ratelimit.Limiter
	cacheMgr  *cache.Manager
	pruneDone chan struct{}
}

func (r *resources) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if r.httpSrv != nil {
		if r.logger != nil {
			r.logger.Info("shutting down metrics server")
		}
		_ = r.httpSrv.Shutdown(shutdownCtx)
	}
	if r.smtpSrv != nil {
		if r.logger != nil {
			r.logger.Info("shutting down smtp listener")
		}
		_ = r.smtpSrv.Close()
	}
	if r.imapSrv != nil {
		if r.logger != nil {
			r.logger.Info("shutting down imap listener")
		}
		_ = r.imapSrv.Close()
	}
	if r.limiter != nil {
		r.limiter.Close()
	}
	if r.pruneDone != nil {
		close(r.pruneDone)
	}
	if r.logger != nil {
		r.logger.Info("shutdown complete")
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	res := &resources{}
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic during server operation: %v\n", r)
			res.shutdown()
			panic(r)
		}
	}()

	logger, err := logging.New(logging.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	res.logger = logger
	logger.Info("mail gateway starting", "api_base", cfg.APIBase)

	memTier := cache.NewMemoryTier(cache.MemoryConfig{
		MaxMemory:  int64(cfg.CacheMemoryMB) * 1024 * 1024,
		DefaultTTL: 2 * time.Minute,
	})
	var persistTier *cache.PersistentTier
	if cfg.CacheDir != "" {
		persistTier, err = cache.OpenPersistentTier(cache.PersistentConfig{
			Path:     cfg.CacheDir + "/cache.db",
			MaxBytes: int64(cfg.CachePersistMB) * 1024 * 1024,
		})
		if err != nil {
			res.shutdown()
			return fmt.Errorf("failed to open persistent cache: %w", err)
		}
	}
	cacheMgr := cache.NewManager(memTier, persistTier)
	res.cacheMgr = cacheMgr

	res.pruneDone = make(chan struct{})
	go cacheMgr.RunPruneLoop(res.pruneDone)

	upstreamClient := upstream.New(upstream.Config{
		BaseURL: cfg.APIBase,
		Timeout: cfg.APITimeoutDuration(),
	}, cacheMgr, logger)

	limiter := ratelimit.DefaultLimiter()
	res.limiter = limiter

	tlsManager, err := security.NewManager(cfg.TLSCertPath, cfg.TLSKeyPath)
	if err != nil {
		res.shutdown()
		return fmt.Errorf("failed to load TLS material: %w", err)
	}

	hostname := gatewayHostname(cfg.APIBase)

	dispatcher := imapserver.NewDispatcher(upstreamClient, cfg.IMAPIdleTimeoutDuration(), logger)
	imapSrv := imapserver.NewServer(dispatcher, logger, tlsManager.TLSConfig(), cfg.IMAPIdleTimeoutDuration())
	res.imapSrv = imapSrv
	if err := imapSrv.ListenAndServe(fmt.Sprintf(":%d", cfg.IMAPPort)); err != nil {
		res.shutdown()
		return fmt.Errorf("failed to start imap listener: %w", err)
	}
	logger.Info("imap listener started", "port", cfg.IMAPPort)

	smtpBackend := smtpserver.NewBackend(upstreamClient, logger, limiter, int64(cfg.MaxMessageSize))
	smtpSrv := smtpserver.NewServer(smtpBackend, hostname, tlsManager.TLSConfig(), !cfg.IsDevelopment(), logger)
	res.smtpSrv = smtpSrv
	if err := smtpSrv.ListenAndServe(fmt.Sprintf(":%d", cfg.SMTPPort)); err != nil {
		res.shutdown()
		return fmt.Errorf("failed to start smtp listener: %w", err)
	}
	logger.Info("smtp listener started", "port", cfg.SMTPPort)

	httpSrv := &http.Server{
		Addr:    cfg.MetricsListen,
		Handler: httpapi.NewRouter(logger, upstreamClient),
	}
	res.httpSrv = httpSrv
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Warn("metrics server stopped")
		}
	}()
	logger.Info("metrics listener started", "addr", cfg.MetricsListen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	res.shutdown()
	logger.Info("gateway stopped")
	return nil
}

// gatewayHostname derives the SMTP EHLO domain from the upstream API
// base URL, since the gateway has no separate hostname configuration.
func gatewayHostname(apiBase string) string {
	u, err := url.Parse(apiBase)
	if err != nil || u.Hostname() == "" {
		return "mailgateway.local"
	}
	return u.Hostname()
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/anthropics/agent-session-daemon/internal/auditlog"
	"github.com/anthropics/agent-session-daemon/internal/config"
	"github.com/anthropics/agent-session-daemon/internal/gitprobe"
	"github.com/anthropics/agent-session-daemon/internal/ingest"
	"github.com/anthropics/agent-session-daemon/internal/publisher"
	"github.com/anthropics/agent-session-daemon/internal/registry"
	"github.com/anthropics/agent-session-daemon/internal/summarizer"
	"github.com/anthropics/agent-session-daemon/internal/tailer"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults to ~/.config/agent-session-daemon/config.yaml)")
	hookPort := flag.Int("hook-port", 0, "Override hook-ingest/log-server port")
	streamPort := flag.Int("stream-port", 0, "Override snapshot-stream port")
	logDir := flag.String("log-dir", "", "Override the watched session-log directory")
	auditDir := flag.String("audit-dir", "", "Directory for per-session audit logs")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("agent-session-daemon: failed to load config: %v", err)
	}
	if *hookPort > 0 {
		cfg.Server.HookPort = *hookPort
	}
	if *streamPort > 0 {
		cfg.Server.StreamPort = *streamPort
	}
	if *logDir != "" {
		cfg.Tailer.LogDir = *logDir
	}
	if *auditDir == "" {
		*auditDir = defaultAuditDir()
	}
	if err := os.MkdirAll(*auditDir, 0o755); err != nil {
		log.Fatalf("agent-session-daemon: failed to create audit directory: %v", err)
	}
	if err := os.MkdirAll(cfg.Tailer.LogDir, 0o755); err != nil {
		log.Printf("agent-session-daemon: warning: failed to create log directory %s: %v", cfg.Tailer.LogDir, err)
	}

	auditLog := auditlog.New(*auditDir)
	prober := gitprobe.New(cfg.Registry.GitCacheTTL, cfg.Registry.GitCachePath)
	defer prober.Close()
	sum := summarizer.NewFromEnv(cfg.Summarizer.APIKeyEnv, cfg.Summarizer.Model)

	privacy := cfg.Privacy.NewPrivacyFilter()

	reg := registry.New(cfg.Registry.ToRegistryConfig(), nil, auditLog)

	pub := publisher.New(reg, sum, privacy, cfg.Server.MaxConnections, cfg.Registry.SnapshotInterval)
	defer pub.Stop()
	reg.SetNotifier(pub)

	reg.StartStaleChecker()
	defer reg.StopStaleChecker()

	tl, err := tailer.New(cfg.Tailer.LogDir, reg, cfg.Tailer.DebounceMs)
	if err != nil {
		log.Fatalf("agent-session-daemon: failed to construct tailer: %v", err)
	}
	if err := tl.Start(); err != nil {
		log.Fatalf("agent-session-daemon: failed to start log tailer: %v", err)
	}
	defer tl.Stop()

	var ready atomic.Bool
	ready.Store(true)

	hookHandler := ingest.NewHandler(reg, prober, ready.Load)
	logServer := auditlog.NewServer(auditLog)

	hookMux := http.NewServeMux()
	hookHandler.Register(hookMux)
	logServer.Register(hookMux)

	streamMux := http.NewServeMux()
	publisher.NewServer(pub).Register(streamMux)

	hookAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HookPort)
	streamAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.StreamPort)

	hookSrv := &http.Server{Addr: hookAddr, Handler: hookMux}
	streamSrv := &http.Server{Addr: streamAddr, Handler: streamMux}

	errCh := make(chan error, 2)
	go func() {
		log.Printf("agent-session-daemon: hook ingest + log server listening on %s", hookAddr)
		if err := hookSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("hook server: %w", err)
		}
	}()
	go func() {
		log.Printf("agent-session-daemon: snapshot stream listening on %s", streamAddr)
		if err := streamSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("stream server: %w", err)
		}
	}()

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		for range hupCh {
			reloadConfig(cfgPath, &cfg, reg, pub)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("agent-session-daemon: received %s, shutting down", sig)
	case err := <-errCh:
		log.Printf("agent-session-daemon: server error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = hookSrv.Shutdown(shutdownCtx)
	_ = streamSrv.Shutdown(shutdownCtx)
}

// reloadConfig re-reads the config file on SIGHUP, logs what changed via
// config.Diff, and applies the subset of settings that are safe to change
// live: the publisher's privacy filter and the registry's permission-delay
// and stale-threshold timers. Other sections (ports, log directory, git
// cache path) still require a restart.
func reloadConfig(cfgPath string, cfg **config.Config, reg *registry.Registry, pub *publisher.Publisher) {
	newCfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Printf("agent-session-daemon: config reload failed: %v", err)
		return
	}

	changes := config.Diff(*cfg, newCfg)
	if len(changes) == 0 {
		log.Printf("agent-session-daemon: config reload: no changes")
		return
	}
	for _, c := range changes {
		log.Printf("agent-session-daemon: config reload: %s", c)
	}

	pub.SetPrivacyFilter(newCfg.Privacy.NewPrivacyFilter())
	reg.UpdateConfig(newCfg.Registry.ToRegistryConfig())
	*cfg = newCfg
}

func defaultAuditDir() string {
	stateDir := os.Getenv("XDG_STATE_HOME")
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			stateDir = home + "/.local/state"
		}
	}
	return stateDir + "/agent-session-daemon/audit"
}

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/chatrelay/chatrelay/internal/chat"
	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/hub"
	"github.com/chatrelay/chatrelay/internal/llm"
	"github.com/chatrelay/chatrelay/internal/mcp"
	"github.com/chatrelay/chatrelay/internal/offload"
	"github.com/chatrelay/chatrelay/internal/server"
	"github.com/chatrelay/chatrelay/internal/storage"
	"github.com/chatrelay/chatrelay/pkg/events"
)

// Version is set at build time
var Version = "dev"

var (
	configPath string
	listenAddr string
)

var rootCmd = &cobra.Command{
	Use:   "chatrelay",
	Short: "LLM chat gateway with MCP tool routing and base64 offloading",
	Long: `Chatrelay fronts one or more upstream MCP servers with a chat API.
It drives a tool-using conversation loop against an OpenAI-compatible
inference endpoint, re-exposes upstream tools over an aggregated MCP
endpoint, and offloads inline base64 payloads (screenshots, files) to
S3-compatible object storage so conversations stay small.

Endpoints:
  POST /api/chat         Run one conversation turn
  GET  /api/chat/stream  Websocket event stream for a session
  GET  /health           Upstream connection states
  *    /mcp              Aggregated MCP endpoint (streamable HTTP)

Configuration is read from .chatrelay.toml in the working directory or
home directory; secrets can be supplied via CHATRELAY_* environment
variables instead.`,
	RunE: runApp,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: discover .chatrelay.toml)")
	rootCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Listen address override (e.g. :7700)")
	rootCmd.Version = Version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runApp(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}

	unlock, err := acquireInstanceLock()
	if err != nil {
		return err
	}
	defer unlock()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage and offload pipeline. Without a storage endpoint the offloader
	// passes everything through untouched.
	var storer offload.Storer
	if cfg.Storage.Endpoint != "" {
		store, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint:  cfg.Storage.Endpoint,
			Region:    cfg.Storage.Region,
			Bucket:    cfg.Storage.Bucket,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseTLS,
		})
		if err != nil {
			return err
		}
		storer = storage.NewUploader(store,
			storage.WithURLExpiry(time.Duration(cfg.Storage.URLExpiryHours)*time.Hour),
			storage.WithUploadTimeout(time.Duration(cfg.Storage.UploadTimeoutSeconds)*time.Second),
		)
	} else {
		log.Printf("chatrelay: no storage endpoint configured, base64 payloads stay inline")
	}
	bus := events.NewEventBus()
	defer bus.Shutdown()

	offloader := offload.New(storer,
		offload.WithBatchSize(cfg.Offload.BatchSize),
		offload.WithFailureHandler(func(err error) {
			bus.Publish(events.Event{Type: events.UploadFailed, Data: map[string]interface{}{
				"error": err.Error(),
			}})
		}),
	)

	// Upstream MCP connections, with the hub tracking tool activations.
	connMgr := mcp.NewConnectionManager()
	defer connMgr.Stop()

	relayHub := hub.New("chatrelay", Version, connMgr, offloader)
	connMgr.SetActivateHandler(func(name string, tools []mcp.ToolInfo) {
		relayHub.RegisterServerTools(name, tools)
		bus.Publish(events.Event{Type: events.MCPConnected, Data: map[string]interface{}{
			"server": name,
			"tools":  len(tools),
		}})
	})

	for _, srv := range cfg.MCPServers {
		if err := connMgr.Add(srv.Name, srv.URL); err != nil {
			return fmt.Errorf("add mcp server %s: %w", srv.Name, err)
		}
	}

	monitor := mcp.NewHealthMonitor(connMgr, &mcp.HealthMonitorConfig{
		PingInterval: time.Duration(cfg.Health.PingIntervalSeconds) * time.Second,
		PingTimeout:  time.Duration(cfg.Health.PingTimeoutSeconds) * time.Second,
		MaxFailures:  cfg.Health.MaxFailures,
	})
	monitor.SetCallbacks(nil, nil, func(name string, _ *mcp.HealthStatus) {
		relayHub.UnregisterServerTools(name)
		bus.Publish(events.Event{Type: events.MCPDisconnected, Data: map[string]interface{}{
			"server": name,
		}})
	})
	monitor.Start()
	defer monitor.Stop()

	// Chat loop and HTTP surface.
	llmClient := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey)
	chatService := chat.NewService(llmClient, connMgr, offloader, bus, cfg.LLM.Model,
		chat.WithMaxTurns(cfg.LLM.MaxTurns))

	srv := server.New(cfg.Server.ListenAddr, chatService, connMgr, bus, relayHub.Handler())

	// Hot reload: newly configured upstream servers join at runtime; other
	// sections need a restart and say so in the log.
	if err := config.Watch(ctx, cfg, func(updated *config.Config) {
		known := make(map[string]bool)
		for _, conn := range connMgr.List() {
			known[conn.Name] = true
		}
		for _, upstream := range updated.MCPServers {
			if known[upstream.Name] {
				continue
			}
			if err := connMgr.Add(upstream.Name, upstream.URL); err != nil {
				log.Printf("chatrelay: reload: add mcp server %s: %v", upstream.Name, err)
			}
		}
		log.Printf("chatrelay: config reloaded (non-upstream changes need a restart)")
	}); err != nil {
		log.Printf("chatrelay: config watch unavailable: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Printf("chatrelay: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// acquireInstanceLock takes the single-instance file lock so two gateways
// never fight over the same config and ports.
func acquireInstanceLock() (func(), error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		dir = os.TempDir()
	}
	lockDir := filepath.Join(dir, ".chatrelay")
	if err := os.MkdirAll(lockDir, 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	fileLock := flock.New(filepath.Join(lockDir, "chatrelay.lock"))
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another chatrelay instance is already running")
	}

	return func() {
		if err := fileLock.Unlock(); err != nil {
			log.Printf("chatrelay: release instance lock: %v", err)
		}
	}, nil
}

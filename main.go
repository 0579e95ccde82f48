package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"pocket-tv/work/broken"
	"pocket-tv/work/buffer"
	"pocket-tv/work/cache"
	"pocket-tv/work/client"
	"pocket-tv/work/config"
	"pocket-tv/work/gateway"
	"pocket-tv/work/handlers"
	"pocket-tv/work/logger"
	"pocket-tv/work/parser"
	"pocket-tv/work/probe"
	"pocket-tv/work/transcode"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	configPath := flag.String("config", config.DefaultPath, "path to the settings file")
	writeExample := flag.Bool("write-example-config", false, "write an example settings file and exit")
	flag.Parse()

	if *writeExample {
		if err := config.CreateExampleConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write example config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("example config written to %s\n", *configPath)
		return
	}

	// load our config
	cfg := config.LoadConfig(*configPath)
	if cfg.Debug {
		logger.SetLevel("DEBUG")
	}

	// root context cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize buffer pool
	bufferPool := buffer.NewBufferPool(cfg.BufferSizeKB * 1024)

	// Initialize HTTP client
	httpClient := client.NewHeaderSettingClient(cfg)

	// Initialize reachability verdict cache
	verdicts := cache.NewVerdictCache(cfg.CheckCacheDuration)

	// Initialize media tooling
	prober := probe.NewProber(cfg)
	transcoder := transcode.NewManager(cfg)

	// Channel lists and the broken-channel store
	channels, err := parser.NewStore(cfg, httpClient)
	if err != nil {
		logger.Error("{main - main} worker pool: %v", err)
		os.Exit(1)
	}
	defer channels.Close()

	brokenStore, err := broken.Open(cfg.BrokenDBPath)
	if err != nil {
		logger.Error("{main - main} broken store: %v", err)
		os.Exit(1)
	}
	defer brokenStore.Close()

	// Assemble the gateway
	gw := gateway.New(cfg, httpClient, bufferPool, prober, transcoder, verdicts)

	// warm the configured countries and keep them fresh
	channels.Prefetch(ctx)
	go channels.RunRefreshLoop(ctx)

	// Setup HTTP routes
	router := mux.NewRouter()
	handlers.New(cfg, gw, channels, brokenStore).Register(router)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	// show info
	logger.Info("Starting Pocket TV %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Listen Addr: %s", cfg.ListenAddr)
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Channel List Base: %s", cfg.ChannelListBase)
	logger.Info("  - List Refresh Rate: %s", cfg.ListRefreshInterval)
	logger.Info("  - Check Cache TTL: %s", cfg.CheckCacheDuration)
	logger.Info("  - Max Redirects: %d", cfg.MaxRedirects)
	logger.Info("  - FFmpeg: %s", binaryStatus(cfg.FFmpegPath))
	logger.Info("  - FFprobe: %s", binaryStatus(cfg.FFprobePath))
	logger.Info("  - Debug Enabled: %v", cfg.Debug)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("{main - main} server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("{main - main} shutting down")

	// stop accepting requests, then reap every encoder process
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("{main - main} shutdown: %v", err)
	}
	transcoder.Shutdown()
}

func binaryStatus(path string) string {
	if path == "" {
		return "disabled"
	}
	return path
}

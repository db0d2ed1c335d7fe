package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterh/liner"

	"github.com/whisper/chatsync/internal/config"
	"github.com/whisper/chatsync/internal/engine"
	"github.com/whisper/chatsync/internal/metrics"
	"github.com/whisper/chatsync/internal/notify"
	"github.com/whisper/chatsync/internal/presence"
	"github.com/whisper/chatsync/internal/session"
	"github.com/whisper/chatsync/internal/transport"
	"github.com/whisper/chatsync/internal/upload"
)

const prompt = "chatsync> "

func main() {
	configPath := flag.String("config", os.Getenv("CHATSYNC_CONFIG"), "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	log.Printf("chatsync starting")
	log.Printf("  username:       %s", cfg.Engine.Username)
	log.Printf("  server_url:     %s", cfg.Transport.URL)
	log.Printf("  api_url:        %s", cfg.Roster.BaseURL)
	log.Printf("  typing_timeout: %s", cfg.Engine.TypingTimeout)
	log.Printf("  redis_addr:     %s", cfg.RedisAddr)
	log.Printf("  nats_url:       %s (enabled=%v)", cfg.NATS.URL, cfg.NATSEnabled)
	log.Printf("  metrics_addr:   %s", cfg.MetricsAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	con := &console{out: os.Stdout}

	// --- Notifications ---
	var notifiers notify.Multi
	if cfg.Bell {
		notifiers = append(notifiers, notify.NewBell(os.Stdout))
	}
	if cfg.NATSEnabled {
		n, err := notify.NewNATSNotifier(cfg.NATS, cfg.Engine.Username)
		if err != nil {
			log.Printf("notifications over NATS disabled: %v", err)
		} else {
			notifiers = append(notifiers, n)
		}
	}

	// Declare the engine early so the transport state handler can capture it.
	var eng *engine.Engine

	sess := transport.New(cfg.Transport, transport.WithStateHandler(func(st transport.State) {
		if eng != nil {
			eng.ObserveState(st)
		}
	}))

	opts := []engine.Option{
		engine.WithRoster(presence.NewRosterClient(cfg.Roster, nil)),
		engine.WithUploader(upload.New(cfg.Upload, nil)),
		engine.WithNotifier(notifiers),
		engine.WithObserver(con.observe),
	}

	// --- Redis ---
	if cfg.RedisAddr != "" {
		store, err := session.NewStore(cfg.RedisAddr, cfg.Transport.URL)
		if err != nil {
			log.Printf("status mirror disabled: %v", err)
		} else {
			defer store.Close()
			opts = append(opts, engine.WithStatusStore(store))
		}
	}

	eng, err = engine.New(cfg.Engine, sess, opts...)
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}

	// --- Metrics ---
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			log.Printf("metrics listening on %s", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server error: %v", err)
			}
		}()
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- eng.Run(ctx)
	}()

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	defer line.Close()

	go func() {
		defer stop()
		for {
			input, err := line.Prompt(prompt)
			if err != nil {
				// Ctrl+C or EOF.
				return
			}
			if strings.TrimSpace(input) != "" {
				line.AppendHistory(input)
			}
			if con.exec(ctx, eng, input) {
				return
			}
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down...")
	if err := eng.Close(); err != nil {
		log.Printf("transport close error: %v", err)
	}
	if err := <-runDone; err != nil && err != context.Canceled {
		log.Printf("engine error: %v", err)
	}
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/api"
	"github.com/stemsi/exstem-proctor/internal/capture"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/fingerprint"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/violation"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
	"github.com/stemsi/exstem-proctor/internal/worker"
	"golang.org/x/term"
	"k8s.io/utils/clock"
)

const userAgent = "exstem-proctor/1"

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.AgentPort).
		Str("api", cfg.APIBaseURL).
		Str("draft_store", cfg.DraftStore).
		Msg("Starting ExStem Proctor agent")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.RealClock{}
	client := api.NewClient(cfg.APIBaseURL, cfg.HTTPTimeout, log)
	push := ws.NewClient(cfg.PushURL, log)

	// ─── Authenticate ──────────────────────────────────────────────────
	authService := service.NewAuthService(client, clk, log)
	token, err := authenticate(ctx, cfg, authService)
	if err != nil {
		log.Fatal().Err(err).Msg("Authentication failed")
	}
	push.SetAuthToken(token)

	device := fingerprint.Compute(userAgent)
	log.Debug().Str("fingerprint", device).Msg("Device fingerprint computed")

	// ─── Draft Storage ─────────────────────────────────────────────────
	drafts, queue, closeStore, err := openDraftStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.DraftStore).Msg("Failed to open draft store")
	}
	defer closeStore()

	// ─── Initialize Services ──────────────────────────────────────────
	hub := service.NewEventHub(64)

	timerService := service.NewTimerService(clk, cfg.Timer, push, log)
	attemptService := service.NewAttemptService(client, timerService, device, log)

	bridge := capture.NewBridge(cfg.Capture.StopFlushDelay+cfg.Capture.TeardownGrace, log)
	bridge.OnCommand(func(cmd capture.Command) {
		hub.Publish(service.EventCaptureCommand, cmd)
	})
	engine := capture.NewEngine(cfg.Capture, bridge, bridge, bridge, client, log)
	engine.OnChange(func(s capture.Snapshot) {
		hub.Publish(service.EventCapture, s)
	})

	monitor := violation.NewMonitor(cfg.Violation, client, push, clk, log)
	monitor.OnViolation(func(v model.Violation) {
		hub.Publish(service.EventViolation, v)
	})

	autosave := worker.NewAutosaveWorker(client, queue, clk, cfg.Autosave, log)

	progressionService := service.NewProgressionService(client, attemptService, engine, device, log)
	recoveryService := service.NewRecoveryService(drafts, client, attemptService, timerService, autosave, push, clk, log)
	autosave.OnSaved(func(saved model.Answers) {
		recoveryService.MarkSynced(context.Background(), saved)
	})

	proctor := service.NewProctorService(
		attemptService, timerService, progressionService, recoveryService,
		autosave, engine, monitor, hub, clk, log,
	)
	proctor.AttachPush(ctx, push)
	engine.OnTrackEnded(proctor.HandleTrackEnded)
	monitor.OnVisibility(proctor.HandleVisibility)

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	go push.Run(workerCtx)
	go autosave.Run(workerCtx)

	// ─── Setup Router ──────────────────────────────────────────────────
	if cfg.AgentToken == "" {
		cfg.AgentToken = uuid.NewString()
		log.Warn().Str("agent_token", cfg.AgentToken).Msg("AGENT_TOKEN not set, generated one for this run")
	}

	handlers := &router.Handlers{
		Attempt:    handler.NewAttemptHandler(proctor, engine),
		Proctoring: handler.NewProctoringHandler(engine, bridge, monitor),
		Events:     handler.NewEventsHandler(hub, proctor, log, cfg.AllowedOrigins),
		System:     handler.NewSystemHandler(clk, cfg.DraftStore, autosave, push),
	}
	r := router.SetupRouter(handlers, cfg, clk)

	// ─── Create HTTP Server ────────────────────────────────────────────
	// The bridge is for the exam tab on this machine only.
	addr := net.JoinHostPort("127.0.0.1", cfg.AgentPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Bridge listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop capture and flush drafts while the network is still up.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	report := proctor.Stop(stopCtx, "shutdown")
	stopCancel()
	log.Info().Str("reason", report.Reason).Msg("Attempt stopped")

	// 2. Stop accepting new bridge requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 3. Detached sends (exit screenshots, queued violation reports) get a
	// bounded window to finish.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := client.Wait(drainCtx); err != nil {
		log.Warn().Err(err).Msg("Exit screenshot still in flight at exit")
	}
	if err := monitor.Wait(drainCtx); err != nil {
		log.Warn().Err(err).Msg("Violation reports still queued at exit")
	}
	drainCancel()

	// 4. Stop background workers; the autosave worker drains on exit.
	workerCancel()
	time.Sleep(time.Second)

	log.Info().Msg("Shutdown complete")
}

// authenticate installs the student token on the API client and returns it
// for the push channel. A preissued token wins over credentials.
func authenticate(ctx context.Context, cfg *config.Config, auth *service.AuthService) (string, error) {
	if cfg.AuthToken != "" {
		if _, err := auth.UseToken(cfg.AuthToken); err != nil {
			return "", err
		}
		return cfg.AuthToken, nil
	}

	nisn := cfg.NISN
	if nisn == "" {
		fmt.Fprint(os.Stderr, "NISN: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("read NISN: %w", err)
		}
		nisn = strings.TrimSpace(line)
	}

	password := cfg.Password
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		password = string(raw)
	}

	if _, err := auth.Login(ctx, nisn, password); err != nil {
		return "", err
	}
	return auth.Token(), nil
}

// openDraftStore picks the local draft journal and offline queue backends.
func openDraftStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (repository.DraftStore, repository.DraftQueue, func(), error) {
	switch cfg.DraftStore {
	case "memory":
		log.Warn().Msg("Draft store is in-memory; answers will not survive a restart")
		return repository.NewMemoryDraftRepository(), repository.NewMemoryQueueRepository(), func() {}, nil

	case "postgres":
		pool, err := database.NewPostgresPool(ctx, cfg, log)
		if err != nil {
			return nil, nil, nil, err
		}
		// The queue stays node-local even when the journal is shared.
		rdb, err := database.NewRedisClient(ctx, cfg, log)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, offline queue kept in memory")
			return repository.NewPostgresDraftRepository(pool), repository.NewMemoryQueueRepository(), pool.Close, nil
		}
		return repository.NewPostgresDraftRepository(pool), repository.NewRedisQueueRepository(rdb), func() {
			_ = rdb.Close()
			pool.Close()
		}, nil

	case "redis":
		rdb, err := database.NewRedisClient(ctx, cfg, log)
		if err != nil {
			return nil, nil, nil, err
		}
		return repository.NewRedisDraftRepository(rdb), repository.NewRedisQueueRepository(rdb), func() { _ = rdb.Close() }, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown draft store %q", cfg.DraftStore)
	}
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

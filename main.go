package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/gambiarra-club/arena-client/config"
	"github.com/gambiarra-club/arena-client/gemini"
	"github.com/gambiarra-club/arena-client/logging"
	"github.com/gambiarra-club/arena-client/messages"
	"github.com/gambiarra-club/arena-client/orchestrator"
	"github.com/gambiarra-club/arena-client/runner"
	"github.com/gambiarra-club/arena-client/session"
	"github.com/gambiarra-club/arena-client/telemetry"
)

const (
	exitStartup   = 1
	exitExhausted = 2
)

// exitError carries the process exit code out of the command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(exitStartup)
	}

	if err := newRootCmd(cfg).Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitStartup)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gambiarra",
		Short: "Gambiarra LLM arena participant",
		Long: `Connects to a Gambiarra arena, answers generation challenges with a
local or hosted model and streams the tokens back as they are produced.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	// Flags default to the environment so that either can be used.
	f := cmd.Flags()
	f.StringVar(&cfg.ServerURL, "url", cfg.ServerURL, "arena websocket URL (GAMBIARRA_URL)")
	f.StringVar(&cfg.PIN, "pin", cfg.PIN, "session PIN (GAMBIARRA_PIN)")
	f.StringVar(&cfg.ParticipantID, "participant-id", cfg.ParticipantID, "participant id (PARTICIPANT_ID)")
	f.StringVar(&cfg.Nickname, "nickname", cfg.Nickname, "participant nickname (NICKNAME)")
	f.StringVar(&cfg.Runner, "runner", cfg.Runner, "generation backend: mock, ollama, lmstudio or gemini (RUNNER)")
	f.StringVar(&cfg.Model, "model", cfg.Model, "model name (MODEL)")
	f.Float64Var(&cfg.Temperature, "temperature", cfg.Temperature, "temperature when a challenge sets none (TEMPERATURE)")
	f.IntVar(&cfg.MaxTokens, "max-tokens", cfg.MaxTokens, "max tokens when a challenge sets none (MAX_TOKENS)")
	f.StringVar(&cfg.OllamaURL, "ollama-url", cfg.OllamaURL, "Ollama API URL (OLLAMA_URL)")
	f.StringVar(&cfg.LMStudioURL, "lmstudio-url", cfg.LMStudioURL, "LM Studio API URL (LMSTUDIO_URL)")
	f.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "redis address for telemetry (REDIS_URL)")
	f.IntVar(&cfg.SendQueueSize, "send-queue", cfg.SendQueueSize, "outbound frame queue size (SEND_QUEUE_SIZE)")
	f.BoolVar(&cfg.EnforceDeadline, "enforce-deadline", cfg.EnforceDeadline, "cancel generation at the challenge deadline (ENFORCE_DEADLINE)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "trace, debug, info, warn or error (GAMBIARRA_LOG_LEVEL)")
	return cmd
}

func run(parent context.Context, cfg *config.Config) error {
	logOpts := logging.OptionsFromEnv()
	logOpts.Level = cfg.LogLevel
	log := logging.New("gambiarra", logOpts)

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return &exitError{code: exitStartup, err: err}
	}

	gen, err := newRunner(cfg)
	if err != nil {
		log.Error().Err(err).Str("runner", cfg.Runner).Msg("runner setup failed")
		return &exitError{code: exitStartup, err: err}
	}
	testCtx, cancelTest := context.WithTimeout(parent, 15*time.Second)
	err = gen.Test(testCtx)
	cancelTest()
	if err != nil {
		log.Error().Err(err).Str("runner", cfg.Runner).Msg("runner connection failed")
		return &exitError{code: exitStartup, err: err}
	}
	log.Info().Str("runner", cfg.Runner).Str("model", cfg.Model).Msg("runner connection ok")

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisPub, publisher := openTelemetry(ctx, cfg, log)
	tracker := telemetry.NewTracker(publisher, log)
	defer func() {
		tracker.LogTotals()
		_ = tracker.Close()
	}()
	announce := func(state string) {
		if redisPub == nil {
			return
		}
		actx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := redisPub.Announce(actx, cfg.ParticipantID, cfg.Nickname, state); err != nil {
			log.Warn().Err(err).Msg("presence update failed")
		}
	}

	scfg := session.DefaultConfig(cfg.Session())
	scfg.QueueSize = cfg.SendQueueSize

	var orch *orchestrator.Orchestrator
	conn := session.New(scfg, session.Handlers{
		OnChallenge: func(c messages.Challenge) {
			orch.Handle(ctx, c)
		},
		OnRegistered: func(messages.Registered) {
			announce("registered")
		},
		OnClosed: func(err error) {
			log.Warn().Err(err).Msg("disconnected from arena")
			announce("disconnected")
		},
		OnExhausted: func(err error) {
			log.Error().Err(err).Msg("giving up on the arena")
			announce("gone")
		},
	}, log)

	orch = orchestrator.New(orchestrator.Config{
		ParticipantID:   cfg.ParticipantID,
		Model:           messages.ModelInfo{Name: cfg.Model, Runner: cfg.Runner},
		Defaults:        runner.Options{MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature},
		EnforceDeadline: cfg.EnforceDeadline,
	}, gen, conn, tracker, log)

	if err := conn.Connect(ctx); err != nil {
		log.Error().Err(err).Str("url", cfg.ServerURL).Msg("failed to connect")
		return &exitError{code: exitStartup, err: err}
	}
	log.Info().
		Str("url", cfg.ServerURL).
		Str("participant_id", cfg.ParticipantID).
		Str("nickname", cfg.Nickname).
		Msg("ready and waiting for challenges")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case <-conn.Done():
	}

	waitRound(orch, 5*time.Second, log)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Disconnect(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("outbound frames not flushed")
	}

	if err := conn.Err(); errors.Is(err, session.ErrReconnectExhausted) {
		return &exitError{code: exitExhausted, err: err}
	}
	return nil
}

func newRunner(cfg *config.Config) (runner.Runner, error) {
	switch cfg.Runner {
	case runner.KindMock:
		return runner.NewMock(runner.DefaultMockConfig()), nil
	case runner.KindOllama:
		return runner.NewOllama(runner.HTTPConfig{BaseURL: cfg.OllamaURL, Model: cfg.Model}), nil
	case runner.KindLMStudio:
		return runner.NewLMStudio(runner.HTTPConfig{BaseURL: cfg.LMStudioURL, Model: cfg.Model}), nil
	case runner.KindGemini:
		g, err := gemini.NewRunner(cfg.GeminiAPIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("%w: unknown runner %q", runner.ErrUnavailable, cfg.Runner)
	}
}

// openTelemetry connects to redis when configured. Telemetry is optional:
// the client runs without it when redis is unreachable.
func openTelemetry(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*telemetry.RedisPublisher, telemetry.Publisher) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	pub, err := telemetry.NewRedisPublisher(ctx, telemetry.RedisOptions{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		Channel:  cfg.TelemetryChannel,
	})
	if err != nil {
		log.Info().Err(err).Msg("telemetry disabled")
		return nil, nil
	}
	log.Info().Str("redis", cfg.RedisURL).Str("channel", cfg.TelemetryChannel).Msg("telemetry enabled")
	return pub, pub
}

// waitRound gives an in-flight round time to queue its terminal frame.
func waitRound(orch *orchestrator.Orchestrator, limit time.Duration, log zerolog.Logger) {
	done := make(chan struct{})
	go func() {
		orch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(limit):
		log.Warn().Dur("waited", limit).Msg("round still running at shutdown")
	}
}

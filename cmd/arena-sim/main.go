// arena-sim runs a local arena that pushes a challenge to every connected
// participant at a fixed interval and prints what comes back.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/gambiarra-club/arena-client/logging"
	"github.com/gambiarra-club/arena-client/messages"
	"github.com/gambiarra-club/arena-client/server"
)

type simOptions struct {
	addr        string
	pin         string
	prompt      string
	interval    time.Duration
	maxTokens   int
	temperature float64
	deadline    time.Duration
	heartbeat   time.Duration
}

func main() {
	if err := newCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCmd() *cobra.Command {
	opts := simOptions{}
	cmd := &cobra.Command{
		Use:          "arena-sim",
		Short:        "Local Gambiarra arena for exercising participants",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", ":3000", "listen address")
	f.StringVar(&opts.pin, "pin", "1234", "session PIN participants must present")
	f.StringVar(&opts.prompt, "prompt", "Write a short poem about duct tape.", "challenge prompt")
	f.DurationVar(&opts.interval, "interval", 20*time.Second, "time between rounds")
	f.IntVar(&opts.maxTokens, "max-tokens", 120, "max tokens per round")
	f.Float64Var(&opts.temperature, "temperature", 0.8, "challenge temperature")
	f.DurationVar(&opts.deadline, "deadline", 15*time.Second, "challenge deadline")
	f.DurationVar(&opts.heartbeat, "heartbeat", 10*time.Second, "heartbeat interval, 0 disables")
	return cmd
}

// roundStats aggregates what each participant streamed in a round.
type roundStats struct {
	mu     sync.Mutex
	tokens map[string]int
}

func (s *roundStats) token(id string) {
	s.mu.Lock()
	s.tokens[id]++
	s.mu.Unlock()
}

func (s *roundStats) take(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.tokens[id]
	delete(s.tokens, id)
	return n
}

func run(parent context.Context, opts simOptions) error {
	log := logging.New("arena-sim", logging.OptionsFromEnv())
	stats := &roundStats{tokens: make(map[string]int)}

	arena := server.NewArena(server.Options{
		Addr: opts.addr,
		PIN:  opts.pin,
		OnFrame: func(id string, f messages.Frame) {
			report(log, stats, id, f)
		},
	}, log)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := arena.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	go drive(ctx, arena, opts, log)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	log.Info().Msg("shutting down arena")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return arena.Shutdown(shutdownCtx)
}

func drive(ctx context.Context, arena *server.Arena, opts simOptions, log zerolog.Logger) {
	rounds := time.NewTicker(opts.interval)
	defer rounds.Stop()

	var beats <-chan time.Time
	if opts.heartbeat > 0 {
		t := time.NewTicker(opts.heartbeat)
		defer t.Stop()
		beats = t.C
	}

	round := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-beats:
			_, _ = arena.Broadcast(messages.Heartbeat{})
		case <-rounds.C:
			if len(arena.Participants()) == 0 {
				log.Info().Msg("no participants yet")
				continue
			}
			round++
			n, err := arena.Challenge(messages.Challenge{
				Round:       round,
				Prompt:      opts.prompt,
				MaxTokens:   opts.maxTokens,
				Temperature: opts.temperature,
				DeadlineMS:  opts.deadline.Milliseconds(),
			})
			if err != nil {
				log.Error().Err(err).Int("round", round).Msg("challenge failed")
				continue
			}
			log.Info().Int("round", round).Int("participants", n).Msg("challenge sent")
		}
	}
}

func report(log zerolog.Logger, stats *roundStats, id string, f messages.Frame) {
	switch f := f.(type) {
	case messages.Token:
		stats.token(id)
		log.Trace().Str("participant_id", id).Int("seq", f.Seq).Str("content", f.Content).Msg("token")
	case messages.Complete:
		ev := log.Info().
			Str("participant_id", id).
			Int("round", f.Round).
			Int("tokens", f.Tokens).
			Int("streamed", stats.take(id)).
			Int64("duration_ms", f.DurationMS).
			Str("model", f.ModelInfo.Name)
		if f.FirstTokenLatencyMS != nil {
			ev = ev.Int64("first_token_ms", *f.FirstTokenLatencyMS)
		}
		ev.Msg("round complete")
	case messages.Error:
		log.Warn().
			Str("participant_id", id).
			Int("round", f.Round).
			Str("code", f.Code).
			Int("streamed", stats.take(id)).
			Msg(f.Message)
	default:
		log.Debug().Str("participant_id", id).Str("kind", string(f.Kind())).Msg("frame")
	}
}

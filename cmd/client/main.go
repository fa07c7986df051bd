package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/attuneaudio/attune/internal/client"
	"github.com/attuneaudio/attune/internal/clocksync"
)

// logExecutor prints the playback actions a real audio engine would
// perform, with the local execution instant for eyeballing alignment
// across terminals.
type logExecutor struct {
	logger zerolog.Logger
}

func (e *logExecutor) Play(audioSource string, positionSeconds float64) {
	e.logger.Info().
		Str("audio_source", audioSource).
		Float64("position_sec", positionSeconds).
		Time("executed_at", time.Now()).
		Msg("PLAY")
}

func (e *logExecutor) Pause(audioSource string, positionSeconds float64) {
	e.logger.Info().
		Str("audio_source", audioSource).
		Float64("position_sec", positionSeconds).
		Time("executed_at", time.Now()).
		Msg("PAUSE")
}

func main() {
	serverURL := flag.String("server", "ws://localhost:8080/ws", "server websocket URL")
	roomID := flag.String("room", "", "room to join (required)")
	clientID := flag.String("client", "", "client id (generated when empty)")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *roomID == "" {
		log.Fatal().Msg("-room is required")
	}
	if *clientID == "" {
		*clientID = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := client.Config{
		ServerURL: *serverURL,
		RoomID:    *roomID,
		ClientID:  *clientID,
		Sync:      clocksync.DefaultConfig(),
	}

	c, err := client.Dial(ctx, cfg, &logExecutor{logger: log.Logger}, clockwork.NewRealClock(), log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect")
	}

	go func() {
		if err := c.Run(ctx); err != nil {
			log.Error().Err(err).Msg("client stopped")
		}
		cancel()
	}()

	// Periodically surface the clock estimate.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				est := c.Estimate()
				if est.Converged() {
					log.Info().
						Float64("offset_ms", est.OffsetMs).
						Float64("rtt_ms", est.RTTMs).
						Int("samples", est.SampleCount).
						Msg("clock estimate")
				}
			}
		}
	}()

	go readCommands(ctx, c)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}
	cancel()
}

// readCommands drives the client from stdin:
//
//	play <url> [positionSec]
//	pause <url> [positionSec]
//	sync
func readCommands(ctx context.Context, c *client.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("commands: play <url> [pos] | pause <url> [pos] | sync")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		switch fields[0] {
		case "play", "pause":
			if len(fields) < 2 {
				fmt.Println("usage:", fields[0], "<url> [positionSec]")
				continue
			}
			position := 0.0
			if len(fields) >= 3 {
				if position, err = strconv.ParseFloat(fields[2], 64); err != nil {
					fmt.Println("bad position:", fields[2])
					continue
				}
			}
			if fields[0] == "play" {
				err = c.Play(fields[1], position)
			} else {
				err = c.Pause(fields[1], position)
			}
		case "sync":
			err = c.RequestSync()
		default:
			fmt.Println("unknown command:", fields[0])
			continue
		}

		if err != nil {
			log.Error().Err(err).Msg("command failed")
		}
	}
}

// Command quizsync is a terminal demo client: it connects to a quizsyncd
// game room, keeps its clock estimate in sync and renders the phase
// countdown. It stands in for the quiz UI as the renderer collaborator; all
// offset arithmetic happens inside the client library.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quizarena/quizsync/internal/client"
	"github.com/quizarena/quizsync/internal/config"
	"github.com/quizarena/quizsync/internal/countdown"
)

func main() {
	serverURL := flag.String("server", "ws://localhost:8080/ws/game", "quizsyncd WebSocket endpoint")
	gameID := flag.String("game", "", "game room UUID to join")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	if *gameID == "" {
		fmt.Fprintln(os.Stderr, "usage: quizsync -game <uuid> [-server ws://...]")
		os.Exit(2)
	}

	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	sessCfg := client.DefaultConfig(*serverURL + "?game_id=" + *gameID)
	sessCfg.Sync.Interval = cfg.SyncInterval()
	sessCfg.Sync.MinInterval = cfg.MinSyncInterval()
	sessCfg.Tick = cfg.TickInterval()
	sessCfg.Thresholds = countdown.Thresholds{
		WarningSec:  cfg.Countdown.WarningSec,
		CriticalSec: cfg.Countdown.CriticalSec,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lastLine := ""
	session := client.NewSession(sessCfg,
		client.OnTick(func(snap countdown.Snapshot) {
			line := render(snap)
			if line != lastLine {
				fmt.Printf("\r\033[K%s", line)
				lastLine = line
			}
		}),
		client.OnExpire(func(d countdown.Deadline) {
			fmt.Printf("\r\033[K[%s] time is up!\n", d.Phase)
			lastLine = ""
		}),
	)

	if err := session.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("session failed")
	}
	fmt.Println()
}

func render(snap countdown.Snapshot) string {
	if snap.IsExpired {
		return fmt.Sprintf("[%s] 0s", snap.Phase)
	}

	marker := ""
	if snap.Critical {
		marker = " !!"
	} else if snap.Warning {
		marker = " !"
	}

	bar := ""
	if snap.ProgressPercent > 0 {
		filled := int(snap.ProgressPercent / 10)
		bar = " [" + strings.Repeat("#", filled) + strings.Repeat("-", 10-filled) + "]"
	}

	return fmt.Sprintf("[%s] %ds%s%s", snap.Phase, snap.RemainingSeconds, bar, marker)
}

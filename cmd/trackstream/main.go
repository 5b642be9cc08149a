package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/glebovdev/trackstream/internal/config"
	"github.com/glebovdev/trackstream/internal/player"
	"github.com/glebovdev/trackstream/internal/spectrum"
	"github.com/glebovdev/trackstream/internal/track"
	"github.com/glebovdev/trackstream/internal/ui"
)

var (
	versionFlag = flag.Bool("version", false, "Show version information")
	debugFlag   = flag.Bool("debug", false, "Enable debug logging")
	urlFlag     = flag.String("url", "", "Token-gated stream URL (required)")
	tokenFlag   = flag.String("token", "", "OAuth token for the stream URL")
	titleFlag   = flag.String("title", "", "Track title to display")
	artistFlag  = flag.String("artist", "", "Track artist to display")
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s v%s - %s\n\n", config.AppName, config.AppVersion, config.AppDescription)
		fmt.Fprintf(os.Stderr, "Usage: %s -url <stream-url> [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()

		configPath, err := config.GetConfigPath()
		if err == nil {
			if _, statErr := os.Stat(configPath); statErr == nil {
				fmt.Fprintf(os.Stderr, "\nConfig file: %s\n", configPath)
			} else {
				fmt.Fprintf(os.Stderr, "\nConfig file will be created on first use.\n")
			}
		}
	}
}

func logDir() (string, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cacheDir, "trackstream"), nil
}

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", config.AppName, config.AppVersion)
		fmt.Println(config.AppDescription)
		os.Exit(0)
	}

	if *urlFlag == "" {
		flag.Usage()
		os.Exit(2)
	}

	if *debugFlag {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)

		dir, err := logDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not get cache dir: %v\n", err)
			dir = os.TempDir()
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not create log dir: %v\n", err)
		}
		logPath := filepath.Join(dir, "debug.log")
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not create log file: %v\n", err)
			logFile = os.Stderr
		}
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: logFile, TimeFormat: "15:04:05"})
		fmt.Printf("Debug log: %s\n", logPath)
		log.Info().Msgf("Starting %s v%s (debug mode)", config.AppName, config.AppVersion)
	} else {
		// Avoid TUI corruption by only logging errors to /dev/null
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
		logFile, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0644)
		if err == nil {
			log.Logger = log.Output(logFile)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Using default config")
	}

	trk := track.Track{
		ID:        1,
		Title:     *titleFlag,
		Artist:    *artistFlag,
		StreamURL: *urlFlag,
	}

	bands := spectrum.NewBands()
	controller := player.NewController(cfg, bands)
	screen := ui.NewUI(controller, trk, cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	uiDone := make(chan error, 1)

	go func() {
		<-sigChan
		if *debugFlag {
			log.Info().Msg("Received shutdown signal, cleaning up...")
		}
		screen.Shutdown()
	}()

	controller.Play(trk.StreamURL, *tokenFlag, trk.ID)

	go func() {
		uiDone <- screen.Run()
	}()

	if err := <-uiDone; err != nil {
		if *debugFlag {
			log.Error().Err(err).Msg("Error running UI")
		}
		controller.Close()
		os.Exit(1)
	}

	// Ensure playback is fully torn down before exiting
	controller.Close()
	if *debugFlag {
		log.Info().Msg("Trackstream stopped")
	}
}

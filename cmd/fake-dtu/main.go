// Command fake-dtu runs a loopback DTU answering HM real-time data requests
// with simulated telemetry, for testing hms-mqtt-publish without hardware.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/hms-mqtt-publish/internal/simulator"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:10081", "Address to accept poller connections on")
		serial     = flag.String("serial", "114190000001", "DTU serial number reported in every record")
		peakPower  = flag.Float64("peak", 800, "Peak AC output in watts at solar noon")
		seed       = flag.Int64("seed", time.Now().UnixNano(), "Seed for the power jitter")
		verbose    = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gen := simulator.NewSolarGenerator(*serial, *seed)
	gen.PeakPowerW = *peakPower

	server := simulator.NewServer(*listenAddr, gen.Generate)
	if err := server.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start fake DTU")
	}

	log.Info().Str("address", server.Addr()).Str("serial", *serial).Msg("Fake DTU running")

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		log.Error().Err(err).Msg("Error stopping fake DTU")
	}
	log.Info().
		Int64("requests", server.Requests()).
		Int64("rejected", server.Rejected()).
		Msg("Fake DTU stopped")
}

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/meet60/meet60/internal/adapters/rtc"
	"github.com/meet60/meet60/internal/client"
	"github.com/meet60/meet60/internal/client/media"
	"github.com/meet60/meet60/internal/client/mesh"
	"github.com/meet60/meet60/internal/config"
	"github.com/meet60/meet60/internal/domain"
)

var (
	flagServer  string
	flagRoom    string
	flagName    string
	flagPublish string
	flagShare   string
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room and exchange media with its members",
	Long: `Join a room on the signaling relay and open one media link per
member. Published tracks are read from IVF files; inbound tracks are
drained and counted.

Examples:
  meet60 join --room standup --name alice
  meet60 join --room standup --publish camera.ivf
  meet60 join --room demo --share screen.ivf`,
	RunE: runJoin,
}

func init() {
	joinCmd.Flags().StringVar(&flagServer, "server", "", "signal relay URL (overrides config)")
	joinCmd.Flags().StringVar(&flagRoom, "room", "", "room to join")
	joinCmd.Flags().StringVar(&flagName, "name", "", "display name")
	joinCmd.Flags().StringVar(&flagPublish, "publish", "", "IVF file to publish as camera video")
	joinCmd.Flags().StringVar(&flagShare, "share", "", "IVF file to publish as screen share")
	joinCmd.MarkFlagRequired("room")
	rootCmd.AddCommand(joinCmd)
}

func runJoin(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if flagServer != "" {
		cfg.SignalURL = flagServer
	}

	sink := media.NewSink()
	ctl := client.NewController(client.ControllerOptions{
		Dial: func(h client.Handlers) client.Transport {
			return client.NewChannel(cfg.SignalURL, h)
		},
		NewTransport:       rtc.NewFactory(rtc.ICEConfig(cfg)),
		OnRemoteMedia:      sink.HandleTrack,
		NegotiationTimeout: cfg.NegotiationTimeout,
	})

	var sources []*media.FileSource
	defer func() {
		for _, s := range sources {
			s.Close()
		}
	}()

	publish := func(path string, kind mesh.StreamKind) error {
		src, err := media.NewFileSource(path, kind)
		if err != nil {
			return err
		}
		sources = append(sources, src)
		ctl.Publish(src.Track())
		go func() {
			if err := src.Stream(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("module", "client").Str("file", path).Msg("source stopped")
			}
		}()
		return nil
	}
	if flagPublish != "" {
		if err := publish(flagPublish, mesh.StreamCamera); err != nil {
			return err
		}
	}
	if flagShare != "" {
		if err := publish(flagShare, mesh.StreamScreen); err != nil {
			return err
		}
	}

	if err := ctl.Join(ctx, domain.RoomID(flagRoom), flagName); err != nil {
		return err
	}
	defer ctl.Close()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "client").Msg("shutting down")
			return nil
		case <-ticker.C:
			for key, stats := range sink.Snapshot() {
				log.Info().
					Str("module", "client").
					Str("track", key).
					Uint64("packets", stats.Packets).
					Uint64("bytes", stats.Bytes).
					Uint64("lost", stats.Lost).
					Msg("inbound track stats")
			}
			log.Info().Str("module", "client").Int("peers", len(ctl.Roster())).Msg("roster")
		}
	}
}

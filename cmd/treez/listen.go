package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/zoobzio/treez"
	"github.com/zoobzio/treez/internal/logger"
	"github.com/zoobzio/treez/natsink"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print trace trees published to NATS",
	Long:  `Listen subscribes to the configured NATS subject and prints every trace tree received until interrupted`,
	Args:  cobra.NoArgs,
	RunE:  runListen,
}

func init() {
	listenCmd.Flags().String("format", "", "output format (text|json|msgpack)")
	listenCmd.Flags().String("url", "", "NATS server URL")
	listenCmd.Flags().String("subject", "", "NATS subject")
}

func runListen(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("format"); v != "" {
		cfg.Render.Format = v
	}
	if v, _ := cmd.Flags().GetString("url"); v != "" {
		cfg.NATS.URL = v
	}
	if v, _ := cmd.Flags().GetString("subject"); v != "" {
		cfg.NATS.Subject = v
	}
	cfg.NATS.Enabled = true
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.WithComponent("listen")

	printer, err := newPrinter(cfg.Render, os.Stdout, log)
	if err != nil {
		return err
	}

	nc, err := natsink.Connect(cfg.NATS.URL, logger.GetLogger())
	if err != nil {
		return err
	}
	defer nc.Close()

	fallback := cfg.NATSFormat()
	sub, err := nc.Subscribe(cfg.NATS.Subject, func(msg *nats.Msg) {
		entry, err := decode(msg, fallback)
		if err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("skipping message")
			return
		}
		printer(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", cfg.NATS.Subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	log.Info().Str("url", nc.ConnectedUrl()).Str("subject", cfg.NATS.Subject).Msg("listening")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	<-ctx.Done()

	return nil
}

// decode picks the format from the Content-Type header, falling back to the
// configured one for messages without it.
func decode(msg *nats.Msg, fallback treez.Format) (treez.Entry, error) {
	format := fallback
	switch msg.Header.Get(natsink.ContentTypeHeader) {
	case treez.FormatJSON.ContentType():
		format = treez.FormatJSON
	case treez.FormatMsgPack.ContentType():
		format = treez.FormatMsgPack
	}
	return format.Unmarshal(msg.Data)
}

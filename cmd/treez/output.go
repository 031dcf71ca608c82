package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zoobzio/treez"
	"github.com/zoobzio/treez/internal/config"
	"github.com/zoobzio/treez/render"
)

// newPrinter returns a handler writing every tree to w in the configured format.
func newPrinter(cfg config.Render, w io.Writer, log zerolog.Logger) (treez.Handler, error) {
	onErr := func(err error) {
		log.Error().Err(err).Msg("failed to print tree")
	}

	switch cfg.Format {
	case "text":
		r := render.New(render.Options{
			Width: cfg.Width,
			Color: useColor(cfg.Color, os.Stdout),
		})
		return r.Handler(w, onErr), nil
	case "json", "msgpack":
		format, err := treez.ParseFormat(cfg.Format)
		if err != nil {
			return nil, err
		}
		var mu sync.Mutex
		return func(e treez.Entry) {
			data, err := format.Marshal(&e)
			if err != nil {
				onErr(err)
				return
			}
			line := string(data)
			if format == treez.FormatMsgPack {
				line = hex.EncodeToString(data)
			}
			mu.Lock()
			defer mu.Unlock()
			if _, err := fmt.Fprintln(w, line); err != nil {
				onErr(err)
			}
		}, nil
	default:
		return nil, fmt.Errorf("unknown format: %s", cfg.Format)
	}
}

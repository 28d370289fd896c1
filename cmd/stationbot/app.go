package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"github.com/mattn/go-isatty"

	"github.com/daviddao/stationbot/pkg/config"
	"github.com/daviddao/stationbot/pkg/metrics"
	"github.com/daviddao/stationbot/pkg/misskey"
	"github.com/daviddao/stationbot/pkg/model"
	"github.com/daviddao/stationbot/pkg/store"
)

// app holds what every API-facing subcommand shares.
type app struct {
	cfg     *config.Config
	store   store.StoreInterface
	client  *misskey.Client
	self    model.Identity
	loc     *time.Location
	metrics *metrics.Metrics

	logOut   io.Writer
	logFlags int
}

// newApp loads and validates configuration, opens the state store and
// fetches the bot's own identity. Any failure here is fatal.
func newApp(ctx context.Context, cfgPath string, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	client, err := misskey.New(misskey.Options{
		URL:       cfg.Misskey.URL,
		Token:     cfg.Misskey.Token,
		Timeout:   cfg.Misskey.Timeout.Duration,
		UserAgent: cfg.Misskey.UserAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	st, err := openState(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		store:    st,
		client:   client,
		loc:      loc,
		logOut:   logOut,
		logFlags: logFlags(logOut),
	}
	self, err := client.I(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("fetch own identity: %w", err)
	}
	a.self = self
	a.logger("startup").Printf("instance %s, bot user %s (@%s)", client.Host(), self.ID, self.Username)
	return a, nil
}

// Close releases the state store.
func (a *app) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

// logger returns a logger whose lines carry "[component] ".
func (a *app) logger(component string) *log.Logger {
	return log.New(a.logOut, "["+component+"] ", a.logFlags|log.Lmsgprefix)
}

// openState opens the configured store, creating the SQLite directory if
// needed.
func openState(ctx context.Context, cfg *config.Config) (store.StoreInterface, error) {
	target := cfg.State.Path
	switch cfg.State.Driver {
	case "postgres":
		target = cfg.State.DSN
	case "sqlite", "":
		if dir := filepath.Dir(target); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("cannot create %s: %w", dir, err)
			}
		}
	}
	st, err := store.Open(ctx, cfg.State.Driver, target)
	if err != nil {
		return nil, fmt.Errorf("cannot open state %s: %w", cfg.State.Driver, err)
	}
	return st, nil
}

// logFlags picks a short local clock for terminals and full UTC
// timestamps for everything else.
func logFlags(w io.Writer) int {
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return log.Ltime
	}
	return log.LstdFlags | log.Lmicroseconds | log.LUTC
}

// printJSON writes v to w as indented JSON.
func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

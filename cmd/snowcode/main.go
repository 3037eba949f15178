package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/astromechza/snowcode/pkg/config"
	"github.com/astromechza/snowcode/pkg/editor"
	"github.com/astromechza/snowcode/pkg/execution"
	"github.com/astromechza/snowcode/pkg/history"
	"github.com/astromechza/snowcode/pkg/presence"
	"github.com/astromechza/snowcode/pkg/session"
)

func main() {
	if err := mainInner(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	cfg, err := config.LoadClient(os.Args[1:])
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	room := cfg.Room
	if room == "" {
		room = session.NewRoomCode()
	} else if !session.ValidRoomCode(room) {
		return fmt.Errorf("room code must be 10 digits: %q", room)
	}
	name := cfg.Name
	if name == "" {
		if name = os.Getenv("USER"); name == "" {
			name = "anonymous"
		}
	}

	color := cfg.Color
	switch {
	case color == "random":
		color = presence.RandomDarkColor()
	case color != "" && !presence.IsDark(color):
		slog.Warn("colour is not dark enough to read, deriving one from the name", "color", color)
		color = ""
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := openHistory(cfg.HistoryPath)
	if store != nil {
		defer store.Close()
	}

	sess, err := session.Open(ctx, session.Options{
		Server:      cfg.Server,
		Room:        room,
		Identity:    presence.Identity{Name: name, Color: color},
		SyncTimeout: cfg.SyncTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	surface := &terminalSurface{out: os.Stdout}
	r := &repl{out: os.Stdout, sess: sess, surface: surface, history: store, name: name, language: cfg.Language}
	r.printf("room %s, connecting to %s as %s", room, cfg.Server, name)
	r.record(ctx)

	if err := sess.WaitSynced(ctx); err != nil {
		return err
	}

	ed := editor.New(sess.Registry(), sess.Presence(), surface, editor.Options{CaptureTimeout: cfg.CaptureTimeout, Logger: logger})
	defer ed.Close()
	r.ed = ed
	if err := ed.SwitchIndex(0); err != nil {
		return fmt.Errorf("failed to open the first tab: %w", err)
	}

	client, err := execution.NewClient(cfg.ExecutionURL, nil, logger)
	if err != nil {
		return err
	}
	runner := execution.NewRunner(client, r.printPane)
	defer runner.Close()
	r.runner = runner

	unobserve := sess.Presence().Observe(r.onPresence)
	defer unobserve()

	r.printf("ready, %s", sess.State())
	_ = r.listTabs()
	r.printf("type :help for commands")

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.loop(ctx, os.Stdin)
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-done:
	}
	cancel()
	return nil
}

// openHistory treats any failure as having no history.
func openHistory(path string) *history.Store {
	if path == "" {
		p, err := history.DefaultPath()
		if err != nil {
			slog.Warn("history disabled", "err", err)
			return nil
		}
		path = p
	}
	store, err := history.Open(path, nil)
	if err != nil {
		slog.Warn("history disabled", "err", err)
		return nil
	}
	return store
}

// Package config loads settings for the relay and the client.
//
// Settings come from three layers, later ones winning: built in defaults, an
// optional YAML file named by --config, then command line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Relay configures cmd/relay.
type Relay struct {
	Addr          string        `yaml:"addr"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	PongTimeout   time.Duration `yaml:"pong_timeout"`
	RoomIdleTTL   time.Duration `yaml:"room_idle_ttl"`
	PresenceRate  float64       `yaml:"presence_rate"`
	PresenceBurst int           `yaml:"presence_burst"`
	LogLevel      string        `yaml:"log_level"`
}

// Client configures cmd/snowcode.
type Client struct {
	Server         string        `yaml:"server"`
	Room           string        `yaml:"room"`
	Name           string        `yaml:"name"`
	Color          string        `yaml:"color"`
	Language       string        `yaml:"language"`
	ExecutionURL   string        `yaml:"execution_url"`
	HistoryPath    string        `yaml:"history_path"`
	SyncTimeout    time.Duration `yaml:"sync_timeout"`
	CaptureTimeout time.Duration `yaml:"capture_timeout"`
	LogLevel       string        `yaml:"log_level"`
}

func DefaultRelay() Relay {
	return Relay{
		Addr:          "localhost:8080",
		PingInterval:  10 * time.Second,
		PongTimeout:   25 * time.Second,
		RoomIdleTTL:   10 * time.Minute,
		PresenceRate:  20,
		PresenceBurst: 40,
		LogLevel:      "info",
	}
}

func DefaultClient() Client {
	return Client{
		Server:         "http://localhost:8080",
		Language:       "python",
		ExecutionURL:   "https://emkc.org/api/v2/piston",
		SyncTimeout:    10 * time.Second,
		CaptureTimeout: 500 * time.Millisecond,
		LogLevel:       "warn",
	}
}

// LoadRelay resolves the relay settings for args, which exclude the program
// name.
func LoadRelay(args []string) (Relay, error) {
	cfg := DefaultRelay()
	if err := loadFile(args, &cfg); err != nil {
		return cfg, err
	}
	fs := newFlagSet("relay")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "the address to listen on")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "how often peers are pinged")
	fs.DurationVar(&cfg.PongTimeout, "pong-timeout", cfg.PongTimeout, "drop peers that have not answered a ping for this long")
	fs.DurationVar(&cfg.RoomIdleTTL, "room-idle-ttl", cfg.RoomIdleTTL, "forget rooms without peers after this long, negative keeps them forever")
	fs.Float64Var(&cfg.PresenceRate, "presence-rate", cfg.PresenceRate, "presence frames per second allowed per peer")
	fs.IntVar(&cfg.PresenceBurst, "presence-burst", cfg.PresenceBurst, "presence frame burst allowed per peer")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadClient resolves the client settings for args, which exclude the
// program name.
func LoadClient(args []string) (Client, error) {
	cfg := DefaultClient()
	if err := loadFile(args, &cfg); err != nil {
		return cfg, err
	}
	fs := newFlagSet("snowcode")
	fs.StringVar(&cfg.Server, "server", cfg.Server, "the relay base url")
	fs.StringVar(&cfg.Room, "room", cfg.Room, "the 10 digit room code to join, empty creates a new room")
	fs.StringVar(&cfg.Name, "name", cfg.Name, "the display name shown to other participants")
	fs.StringVar(&cfg.Color, "color", cfg.Color, "the cursor colour as #rrggbb or \"random\", derived from the name when empty")
	fs.StringVar(&cfg.Language, "language", cfg.Language, "the language used to run and export tabs")
	fs.StringVar(&cfg.ExecutionURL, "execution-url", cfg.ExecutionURL, "the code execution service base url")
	fs.StringVar(&cfg.HistoryPath, "history", cfg.HistoryPath, "the recent rooms database, empty uses the user config dir")
	fs.DurationVar(&cfg.SyncTimeout, "sync-timeout", cfg.SyncTimeout, "start offline when the relay has not answered within this long")
	fs.DurationVar(&cfg.CaptureTimeout, "capture-timeout", cfg.CaptureTimeout, "merge edits closer together than this into one undo step")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "a YAML file with settings, flags take precedence")
	return fs
}

// loadFile decodes the file named by --config, if any, over cfg.
func loadFile(args []string, cfg any) error {
	pre := pflag.NewFlagSet("config", pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.SetOutput(io.Discard)
	pre.Usage = func() {}
	path := pre.String("config", "", "")
	if err := pre.Parse(args); err != nil && !errors.Is(err, pflag.ErrHelp) {
		return err
	}
	if *path == "" {
		return nil
	}
	f, err := os.Open(*path)
	if err != nil {
		return fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode config %s: %w", *path, err)
	}
	return nil
}

// NewLogger returns a text logger writing to w at the named level.
func NewLogger(w io.Writer, level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}

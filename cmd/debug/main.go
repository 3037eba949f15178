package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/spf13/pflag"

	"github.com/astromechza/snowcode/pkg/registry"
	"github.com/astromechza/snowcode/pkg/relay"
	"github.com/astromechza/snowcode/pkg/viz"
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
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	fs := pflag.NewFlagSet("debug", pflag.ContinueOnError)
	server := fs.String("server", "", "fetch the room from this relay instead of reading a file")
	room := fs.String("room", "", "the room to fetch with --server")
	svg := fs.Bool("svg", false, "also render the change graph to an svg in the temp dir")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	var buff []byte
	var err error
	switch {
	case *server != "":
		buff, err = fetch(*server, *room)
	case fs.NArg() == 1:
		buff, err = os.ReadFile(fs.Arg(0))
	default:
		return fmt.Errorf("expected one position argument: the file to read, or --server and --room")
	}
	if err != nil {
		return err
	}
	doc, err := automerge.Load(buff)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	slog.Info("loaded heads", "heads", doc.Heads())

	tabs, err := registry.Snapshot(doc)
	if err != nil {
		return fmt.Errorf("failed to read tabs: %w", err)
	}
	for i, tab := range tabs {
		slog.Info("tab", "i", i, "id", tab.ID, "name", tab.Name, "chars", len([]rune(tab.Content)))
	}

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "message", change.Message(), "dep", change.Dependencies())
	}

	if err := viz.Render(os.Stdout, doc, graphviz.XDOT, relay.TabsLabel); err != nil {
		return err
	}
	if *svg {
		path, err := viz.RenderToTemp(doc, relay.TabsLabel)
		if err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+path)
	}
	return nil
}

func fetch(server, room string) ([]byte, error) {
	if room == "" {
		return nil, fmt.Errorf("--room is required with --server")
	}
	base, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server url: %w", err)
	}
	resp, err := http.DefaultClient.Get(base.JoinPath("rooms", room, "latest").String())
	if err != nil {
		return nil, fmt.Errorf("failed to get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body from get: %w", err)
	}
	return raw, nil
}

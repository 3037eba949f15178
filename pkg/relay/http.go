package relay

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/automerge/automerge-go"
	"github.com/felixge/httpsnoop"
	"github.com/goccy/go-graphviz"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/snowcode/pkg/registry"
	"github.com/astromechza/snowcode/pkg/viz"
	"github.com/astromechza/snowcode/pkg/wire"
)

// Handler returns the relay's routes.
func (r *Relay) Handler() http.Handler {
	m := mux.NewRouter()
	m.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			metrics := httpsnoop.CaptureMetrics(handler, writer, request)
			r.log.Info("handled", "method", request.Method, "url", request.URL, "duration", metrics.Duration, "status", metrics.Code)
		})
	})

	m.Methods(http.MethodGet).Path("/healthz").HandlerFunc(r.healthz)
	m.Methods(http.MethodGet).Path("/rooms/{room}/latest").HandlerFunc(r.getLatest)
	m.Methods(http.MethodGet).Path("/rooms/{room}/history.svg").HandlerFunc(r.getHistory)
	m.Methods(http.MethodGet).Path("/rooms/{room}/sync").HandlerFunc(r.syncRoom)
	return m
}

func (r *Relay) healthz(writer http.ResponseWriter, _ *http.Request) {
	writer.Header().Set("Content-Type", "text/plain")
	_, _ = writer.Write([]byte("ok\n"))
}

func (r *Relay) getLatest(writer http.ResponseWriter, request *http.Request) {
	rm, ok := r.lookup(mux.Vars(request)["room"])
	if !ok {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	writer.Header().Set("Content-Type", "application/octet-stream")
	if _, err := writer.Write(rm.save()); err != nil {
		r.log.Error("failed to write out", "err", err)
	}
}

func (r *Relay) getHistory(writer http.ResponseWriter, request *http.Request) {
	rm, ok := r.lookup(mux.Vars(request)["room"])
	if !ok {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	doc, err := rm.fork()
	if err != nil {
		r.log.Error("failed to fork", "room", rm.name, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Set("Content-Type", "image/svg+xml")
	if err := viz.Render(writer, doc, graphviz.SVG, TabsLabel); err != nil {
		r.log.Error("failed to render", "room", rm.name, "err", err)
	}
}

func (r *Relay) syncRoom(writer http.ResponseWriter, request *http.Request) {
	name := mux.Vars(request)["room"]
	raw, err := r.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		r.log.Error("failed to upgrade", "err", err)
		return
	}
	conn := wire.NewConn(raw)
	defer conn.Close()

	if err := r.serve(request.Context(), name, conn); err != nil && !isClosed(err) {
		r.log.Error("failed to sync", "room", name, "err", err)
	}
}

// TabsLabel lists the tab names held by a document, for change graphs.
func TabsLabel(doc *automerge.Doc) string {
	tabs, err := registry.Snapshot(doc)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	names := make([]string, len(tabs))
	for i, tab := range tabs {
		names[i] = tab.Name
	}
	return "[" + strings.Join(names, ", ") + "]"
}

func isClosed(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, websocket.ErrCloseSent)
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/astromechza/snowcode/pkg/editor"
	"github.com/astromechza/snowcode/pkg/execution"
	"github.com/astromechza/snowcode/pkg/export"
	"github.com/astromechza/snowcode/pkg/history"
	"github.com/astromechza/snowcode/pkg/lang"
	"github.com/astromechza/snowcode/pkg/presence"
	"github.com/astromechza/snowcode/pkg/registry"
	"github.com/astromechza/snowcode/pkg/session"
)

const helpText = `lines not starting with ':' are appended to the current tab.
  :tabs                 list tabs
  :add                  add a tab
  :rm <n>               remove tab n
  :switch <n>           edit tab n
  :rename <n> <name>    rename tab n
  :close                stop editing the current tab
  :show                 print the current tab
  :follow on|off        print the tab whenever it changes
  :ins <pos> <text>     insert text at a code point position
  :del <pos> <n>        delete n code points
  :sel <anchor> <head>  publish a selection
  :undo, :redo          step through your own edits
  :run                  run the current tab
  :lang [name]          set the language for run and export, or list them
  :export <dir>         write the current tab into dir
  :zip <path>           write every tab into a zip archive
  :who                  list participants
  :status               show the connection state
  :rooms                list recent rooms
  :forget <room>        drop a room from the recent list
  :quit                 leave the room`

type repl struct {
	out      io.Writer
	sess     *session.Session
	ed       *editor.Editor
	surface  *terminalSurface
	runner   *execution.Runner
	history  *history.Store
	name     string
	language string
}

func (r *repl) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format+"\n", args...)
}

// loop reads commands until in is exhausted, :quit, or ctx is done.
func (r *repl) loop(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := r.handle(ctx, line); quit {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) bool {
	if !strings.HasPrefix(line, ":") {
		r.report(r.appendLine(line))
		return false
	}
	cmd, rest, _ := strings.Cut(strings.TrimPrefix(line, ":"), " ")
	args := strings.Fields(rest)
	reg := r.sess.Registry()
	switch cmd {
	case "help", "h":
		r.printf("%s", helpText)
	case "quit", "q":
		return true
	case "tabs":
		r.report(r.listTabs())
	case "add":
		index, added, err := reg.AddTab()
		switch {
		case err != nil:
			r.report(err)
		case !added:
			r.printf("already at %d tabs", registry.MaxTabs)
		default:
			r.report(r.ed.SwitchIndex(index))
		}
	case "rm":
		n, err := r.intArg(args, 0)
		if err == nil {
			var removed bool
			if removed, err = reg.RemoveTab(n - 1); err == nil && !removed {
				r.printf("cannot remove tab %d", n)
			}
		}
		r.report(err)
	case "switch":
		n, err := r.intArg(args, 0)
		if err == nil {
			err = r.ed.SwitchIndex(n - 1)
		}
		r.report(err)
	case "rename":
		n, err := r.intArg(args, 0)
		if err == nil {
			_, name, _ := strings.Cut(strings.TrimSpace(rest), " ")
			err = reg.RenameTab(n-1, strings.TrimSpace(name))
		}
		r.report(err)
	case "close":
		r.ed.Detach()
	case "show":
		r.surface.Print()
	case "follow":
		r.surface.SetFollow(len(args) == 0 || args[0] != "off")
	case "ins":
		pos, err := r.intArg(args, 0)
		if err == nil {
			_, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
			err = r.withBinding(func(b *editor.Binding) error { return b.Insert(pos, unescape(text)) })
		}
		r.report(err)
	case "del":
		pos, err := r.intArg(args, 0)
		var n int
		if err == nil {
			n, err = r.intArg(args, 1)
		}
		if err == nil {
			err = r.withBinding(func(b *editor.Binding) error { return b.Delete(pos, n) })
		}
		r.report(err)
	case "sel":
		anchor, err := r.intArg(args, 0)
		var head int
		if err == nil {
			head, err = r.intArg(args, 1)
		}
		if err == nil {
			err = r.withBinding(func(b *editor.Binding) error { return b.SetSelection(anchor, head) })
		}
		r.report(err)
	case "undo", "redo":
		r.report(r.withBinding(func(b *editor.Binding) error {
			step := b.Undo
			if cmd == "redo" {
				step = b.Redo
			}
			ok, err := step()
			if err == nil && !ok {
				r.printf("nothing to %s", cmd)
			}
			return err
		}))
	case "run":
		r.report(r.withBinding(func(b *editor.Binding) error {
			r.runner.Start(ctx, r.language, b.Text())
			return nil
		}))
	case "lang":
		if len(args) == 1 {
			r.language = args[0]
			r.record(ctx)
		} else {
			r.printf("known: %s", strings.Join(lang.Known(), ", "))
		}
		r.printf("language: %s", r.language)
	case "export":
		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}
		r.report(r.exportTab(dir))
	case "zip":
		path := r.sess.Room() + ".zip"
		if len(args) > 0 {
			path = args[0]
		}
		r.report(r.exportZip(path))
	case "who":
		local := r.sess.Presence().Local()
		r.printf("* %s (%s) you", local.Name, local.Color)
		for _, e := range r.sess.Presence().Remote() {
			where := ""
			if e.Cursor != nil {
				where = fmt.Sprintf(" at %d in %s", e.Cursor.Head, r.tabName(e.Cursor.TabID))
			}
			r.printf("  %s (%s)%s", e.Name, e.Color, where)
		}
	case "status":
		r.printf("room %s: %s", r.sess.Room(), r.sess.State())
	case "rooms":
		if r.history == nil {
			r.printf("no history")
			break
		}
		for _, e := range r.history.Recent(ctx, 10) {
			r.printf("%s  %-12s %-10s %s", e.Room, e.DisplayName, e.Language, e.Timestamp.Format(time.DateTime))
		}
	case "forget":
		if r.history == nil || len(args) != 1 {
			r.printf("usage: :forget <room>")
			break
		}
		r.report(r.history.Forget(ctx, args[0]))
	default:
		r.printf("unknown command %q, try :help", cmd)
	}
	return false
}

func (r *repl) report(err error) {
	if err != nil {
		r.printf("error: %v", err)
	}
}

func (r *repl) intArg(args []string, i int) (int, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing argument %d", i+1)
	}
	n, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, fmt.Errorf("argument %d is not a number: %w", i+1, err)
	}
	return n, nil
}

func (r *repl) withBinding(fn func(b *editor.Binding) error) error {
	b := r.ed.Binding()
	if b == nil {
		return fmt.Errorf("no tab is open, use :switch")
	}
	return fn(b)
}

func (r *repl) appendLine(line string) error {
	return r.withBinding(func(b *editor.Binding) error {
		return b.Insert(utf8.RuneCountInString(b.Text()), line+"\n")
	})
}

func (r *repl) listTabs() error {
	tabs, err := r.sess.Registry().Tabs()
	if err != nil {
		return err
	}
	current := r.ed.State()
	for i, t := range tabs {
		marker := " "
		if t.ID == current.TabID {
			marker = "*"
		}
		r.printf("%s %d %s (%d chars)", marker, i+1, t.Name, utf8.RuneCountInString(t.Content))
	}
	return nil
}

func (r *repl) tabName(id string) string {
	tabs, _ := r.sess.Registry().Tabs()
	for _, t := range tabs {
		if t.ID == id {
			return t.Name
		}
	}
	return "?"
}

func (r *repl) currentTab() (registry.Tab, error) {
	state := r.ed.State()
	tabs, err := r.sess.Registry().Tabs()
	if err != nil {
		return registry.Tab{}, err
	}
	for _, t := range tabs {
		if t.ID == state.TabID {
			return t, nil
		}
	}
	return registry.Tab{}, registry.ErrTabNotFound
}

func (r *repl) exportTab(dir string) error {
	tab, err := r.currentTab()
	if err != nil {
		return err
	}
	path, err := export.WriteFile(dir, tab, r.language)
	if err != nil {
		return err
	}
	r.printf("wrote %s", path)
	return nil
}

func (r *repl) exportZip(path string) error {
	tabs, err := r.sess.Registry().Tabs()
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	if err := export.Archive(f, tabs, r.language, time.Now()); err != nil {
		return err
	}
	r.printf("wrote %d tabs to %s", len(tabs), filepath.Clean(path))
	return nil
}

func (r *repl) record(ctx context.Context) {
	if r.history == nil {
		return
	}
	if err := r.history.Record(ctx, history.Entry{Room: r.sess.Room(), DisplayName: r.name, Language: r.language}); err != nil {
		r.printf("warning: %v", err)
	}
}

func (r *repl) printPane(p execution.Pane) {
	switch {
	case p.Running:
		r.printf("running...")
	case p.Err != "":
		r.printf("error: %s", p.Err)
	case p.Output != nil:
		if p.Output.Stdout != "" {
			r.printf("--- stdout\n%s", strings.TrimRight(p.Output.Stdout, "\n"))
		}
		if p.Output.Stderr != "" {
			r.printf("--- stderr\n%s", strings.TrimRight(p.Output.Stderr, "\n"))
		}
		if p.Output.Code != nil {
			r.printf("--- exit code %d", *p.Output.Code)
		}
	}
}

func (r *repl) onPresence(ev presence.Event) {
	switch ev.Kind {
	case presence.Join:
		r.printf("%s joined", ev.Entry.Name)
	case presence.Leave:
		r.printf("%s left", ev.Entry.Name)
	}
}

// unescape turns \n and \t in typed text into the characters they name.
func unescape(s string) string {
	return strings.NewReplacer(`\n`, "\n", `\t`, "\t").Replace(s)
}

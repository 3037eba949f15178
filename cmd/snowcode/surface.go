package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/astromechza/snowcode/pkg/presence"
)

// terminalSurface keeps the bound tab's text and the remote cursors in it,
// and prints them on request.
type terminalSurface struct {
	mu      sync.Mutex
	out     io.Writer
	text    string
	cursors []presence.Entry
	follow  bool
}

func (s *terminalSurface) SetText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = text
	if s.follow {
		s.printLocked()
	}
}

func (s *terminalSurface) SetCursors(cursors []presence.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors = cursors
}

func (s *terminalSurface) SetFollow(follow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.follow = follow
}

func (s *terminalSurface) Print() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.printLocked()
}

// printLocked numbers each line and marks remote cursors with their name.
func (s *terminalSurface) printLocked() {
	marks := map[int][]string{}
	for _, c := range s.cursors {
		if c.Cursor != nil {
			marks[c.Cursor.Head] = append(marks[c.Cursor.Head], c.Name)
		}
	}
	var b strings.Builder
	line, offset := 1, 0
	fmt.Fprintf(&b, "%4d | ", line)
	for _, r := range s.text + "\x00" {
		if names, ok := marks[offset]; ok {
			fmt.Fprintf(&b, "[%s]", strings.Join(names, ","))
		}
		offset++
		switch r {
		case 0:
		case '\n':
			line++
			fmt.Fprintf(&b, "\n%4d | ", line)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteString("\n")
	_, _ = io.WriteString(s.out, b.String())
}

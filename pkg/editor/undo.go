package editor

import (
	"time"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// change is one edit to the bound text in code points: either n code points
// inserted at pos, or the range [pos, end) deleted.
type change struct {
	insert bool
	pos    int
	n      int
	end    int
}

func insertion(pos, n int) change { return change{insert: true, pos: pos, n: n} }
func deletion(pos, end int) change { return change{pos: pos, end: end} }

type span struct{ start, end int }

// op is a stored inverse. With spans set it deletes those ranges (the inverse
// of a local insert); otherwise it inserts text at pos (the inverse of a
// local delete). Positions follow every later change to the text.
type op struct {
	spans []span
	pos   int
	text  string
	// claims hand reinserted text back to the ops that covered it before the
	// delete, so undoing further still removes it.
	claims []claim
}

type claim struct {
	target     *op
	start, end int
}

func (o *op) deletes() bool { return o.spans != nil }

func (o *op) transform(c change) {
	if !o.deletes() {
		if c.insert {
			if c.pos < o.pos {
				o.pos += c.n
			}
		} else {
			o.pos = mapPoint(o.pos, c.pos, c.end)
		}
		return
	}

	out := o.spans[:0:0]
	for _, sp := range o.spans {
		switch {
		case c.insert && c.pos <= sp.start:
			out = append(out, span{sp.start + c.n, sp.end + c.n})
		case c.insert && c.pos < sp.end:
			// text typed inside our range is not ours to undo
			out = append(out, span{sp.start, c.pos}, span{c.pos + c.n, sp.end + c.n})
		case c.insert:
			out = append(out, sp)
		default:
			s, e := mapPoint(sp.start, c.pos, c.end), mapPoint(sp.end, c.pos, c.end)
			if s < e {
				out = append(out, span{s, e})
			}
		}
	}
	// keep a non-nil slice so the op stays a delete even when fully consumed
	o.spans = out
}

// addSpan covers [sp.start, sp.end) again, merging with touching spans.
func (o *op) addSpan(sp span) {
	if sp.start >= sp.end {
		return
	}
	out := make([]span, 0, len(o.spans)+1)
	placed := false
	for _, cur := range o.spans {
		switch {
		case cur.end < sp.start:
			out = append(out, cur)
		case sp.end < cur.start:
			if !placed {
				out = append(out, sp)
				placed = true
			}
			out = append(out, cur)
		default:
			sp = span{min(sp.start, cur.start), max(sp.end, cur.end)}
		}
	}
	if !placed {
		out = append(out, sp)
	}
	o.spans = out
}

func (o *op) empty() bool {
	if o.deletes() {
		return len(o.spans) == 0
	}
	return o.text == ""
}

func mapPoint(p, start, end int) int {
	switch {
	case p <= start:
		return p
	case p <= end:
		return start
	default:
		return p - (end - start)
	}
}

type entry struct {
	ops []*op
}

// scope is the local undo scope for one bound tab. It only ever holds inverses
// of edits made through this binding; remote edits only move them around.
type scope struct {
	undo, redo []*entry

	capture   time.Duration
	lastLocal time.Time
	capturing bool
	now       func() time.Time
}

func newScope(capture time.Duration, now func() time.Time) *scope {
	return &scope{capture: capture, now: now}
}

// transform moves every stored op, plus any in-flight ops, past c.
func (s *scope) transform(c change, extra []*op) {
	for _, stack := range [][]*entry{s.undo, s.redo} {
		for _, e := range stack {
			for _, o := range e.ops {
				o.transform(c)
			}
		}
	}
	for _, o := range extra {
		o.transform(c)
	}
}

// claimsFor finds the local inserts covering [start, end) before that range
// is deleted. Offsets are relative to start.
func (s *scope) claimsFor(start, end int, pending []*op, skip *op) []claim {
	var out []claim
	visit := func(o *op) {
		if o == skip || !o.deletes() {
			return
		}
		for _, sp := range o.spans {
			lo, hi := max(sp.start, start), min(sp.end, end)
			if lo < hi {
				out = append(out, claim{target: o, start: lo - start, end: hi - start})
			}
		}
	}
	for _, e := range s.undo {
		for _, o := range e.ops {
			visit(o)
		}
	}
	for _, o := range pending {
		visit(o)
	}
	return out
}

// pushLocal records the inverse of a local edit. Edits that follow each other
// within the capture timeout collapse into one undo step.
func (s *scope) pushLocal(o *op) {
	now := s.now()
	s.redo = nil
	if s.capturing && s.capture > 0 && len(s.undo) > 0 && now.Sub(s.lastLocal) < s.capture {
		top := s.undo[len(s.undo)-1]
		top.ops = append(top.ops, o)
	} else {
		s.undo = append(s.undo, &entry{ops: []*op{o}})
	}
	s.lastLocal = now
	s.capturing = true
}

// stopCapturing makes the next local edit start a new undo step.
func (s *scope) stopCapturing() {
	s.capturing = false
}

func pop(stack *[]*entry) *entry {
	for len(*stack) > 0 {
		e := (*stack)[len(*stack)-1]
		*stack = (*stack)[:len(*stack)-1]
		if !e.empty() {
			return e
		}
	}
	return nil
}

func (e *entry) empty() bool {
	for _, o := range e.ops {
		if !o.empty() {
			return false
		}
	}
	return true
}

// diffChanges turns the difference between two texts into a sequence of
// changes, each positioned against the text left by the ones before it.
func diffChanges(from, to string) []change {
	if from == to {
		return nil
	}
	dmp := diffmatchpatch.New()
	var out []change
	pos := 0
	for _, d := range dmp.DiffMain(from, to, false) {
		n := utf8.RuneCountInString(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			pos += n
		case diffmatchpatch.DiffDelete:
			out = append(out, deletion(pos, pos+n))
		case diffmatchpatch.DiffInsert:
			out = append(out, insertion(pos, n))
			pos += n
		}
	}
	return out
}

// Package wire defines what travels over a room's websocket.
//
// Binary frames carry automerge sync messages and nothing else. Text frames
// carry JSON encoded Messages for everything that must stay out of the
// document: the connection welcome, presence updates and leaves.
package wire

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"
)

const (
	TypeWelcome  = "welcome"
	TypePresence = "presence"
	TypeLeave    = "leave"
)

// Cursor is a selection inside one tab, in unicode code points.
type Cursor struct {
	TabID  string `json:"tabId"`
	Anchor int    `json:"anchor"`
	Head   int    `json:"head"`
}

// Message is a control frame. The relay stamps ConnectionID on everything it
// forwards so peers cannot speak for each other.
type Message struct {
	Type         string  `json:"type"`
	ConnectionID string  `json:"connectionId,omitempty"`
	Name         string  `json:"name,omitempty"`
	Color        string  `json:"color,omitempty"`
	Cursor       *Cursor `json:"cursor,omitempty"`
}

// Frame is one decoded websocket message. Exactly one of Sync or Control is set.
type Frame struct {
	Sync    []byte
	Control *Message
}

// Conn serialises writes to a websocket, which gorilla requires.
type Conn struct {
	*websocket.Conn
	writeMu sync.Mutex
}

func NewConn(c *websocket.Conn) *Conn {
	return &Conn{Conn: c}
}

// ReadFrame blocks for the next frame. Frames of other websocket types are
// skipped.
func (c *Conn) ReadFrame() (Frame, error) {
	for {
		mt, p, err := c.ReadMessage()
		if err != nil {
			return Frame{}, fmt.Errorf("failed to read message: %w", err)
		}
		switch mt {
		case websocket.BinaryMessage:
			return Frame{Sync: p}, nil
		case websocket.TextMessage:
			var m Message
			if err := json.Unmarshal(p, &m); err != nil {
				return Frame{}, fmt.Errorf("failed to decode control message: %w", err)
			}
			return Frame{Control: &m}, nil
		default:
		}
	}
}

// WriteSync writes each sync message as its own binary frame.
func (c *Conn) WriteSync(msgs [][]byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, m := range msgs {
		if err := c.WriteMessage(websocket.BinaryMessage, m); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
	}
	return nil
}

// WriteJSONMessage writes m as a JSON text frame.
func (c *Conn) WriteJSONMessage(m Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode control message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// WritePing sends a websocket ping that must go out within wait.
func (c *Conn) WritePing(wait time.Duration) error {
	return c.WriteControl(websocket.PingMessage, nil, time.Now().Add(wait))
}

// Drain collects every message the sync state wants to send right now. The
// caller must hold whatever lock guards the state's document.
func Drain(syncState *automerge.SyncState) [][]byte {
	var out [][]byte
	for {
		msg, valid := syncState.GenerateMessage()
		if !valid || msg == nil {
			return out
		}
		out = append(out, msg.Bytes())
	}
}

// Receive applies one inbound sync message and reports the heads the peer
// announced in it.
func Receive(syncState *automerge.SyncState, raw []byte) ([]automerge.ChangeHash, error) {
	msg, err := syncState.ReceiveMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to receive message: %w", err)
	}
	return msg.Heads(), nil
}

// SameHeads reports whether two head sets are equal, ignoring order.
func SameHeads(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, h := range a {
		seen[h.String()] = struct{}{}
	}
	for _, h := range b {
		if _, ok := seen[h.String()]; !ok {
			return false
		}
	}
	return true
}

// Package presence broadcasts the local cursor and selection and keeps one
// decoration per remote participant.
package presence

import (
	"hash/fnv"
	"log"
	"sort"
	"sync"
	"time"

	"codecollab/server/internal/protocol"
	"codecollab/server/internal/textop"
)

// Palette is the default set of decoration colors.
var Palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4",
	"#42d4f4", "#f032e6", "#9a6324", "#469990", "#808000",
}

// Gate reports whether local presence must not be emitted, e.g. while remote
// document changes are being applied.
type Gate interface {
	Suppressed() bool
}

type Options struct {
	RoomID   string
	UserID   string
	UserName string
	Debounce time.Duration
	Palette  []string
}

// Decoration is what gets rendered for one remote participant.
type Decoration struct {
	UserID    string
	UserName  string
	Color     string
	Cursor    *textop.Position
	Selection *textop.Range
}

// Channel is scoped to one room session. Colors and decorations live on the
// instance, never in package state.
type Channel struct {
	opts   Options
	sender protocol.Sender
	gate   Gate

	mu          sync.Mutex
	colors      map[string]string
	decorations map[string]Decoration
	next        *protocol.Envelope
	timer       *time.Timer
	onRender    func(userID string, d *Decoration)
}

func New(sender protocol.Sender, gate Gate, opts Options) *Channel {
	if len(opts.Palette) == 0 {
		opts.Palette = Palette
	}
	return &Channel{
		opts:        opts,
		sender:      sender,
		gate:        gate,
		colors:      make(map[string]string),
		decorations: make(map[string]Decoration),
	}
}

// OnRender registers a callback invoked whenever the decoration of a user is
// replaced (d non-nil) or removed (d nil).
func (c *Channel) OnRender(fn func(userID string, d *Decoration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRender = fn
}

// MoveCursor schedules a cursor broadcast.
func (c *Channel) MoveCursor(pos textop.Position) {
	c.schedule(protocol.MsgCursorPosition, protocol.Presence{Position: &pos})
}

// Select schedules a selection broadcast.
func (c *Channel) Select(r textop.Range) {
	c.schedule(protocol.MsgSelectionChange, protocol.Presence{Selection: &r})
}

func (c *Channel) schedule(t protocol.Type, p protocol.Presence) {
	if c.suppressed() {
		return
	}
	p.RoomID = c.opts.RoomID
	p.UserID = c.opts.UserID
	p.UserName = c.opts.UserName
	env := protocol.MustNew(t, p)

	c.mu.Lock()
	c.next = &env
	if c.opts.Debounce <= 0 {
		c.mu.Unlock()
		c.Flush()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.opts.Debounce, c.Flush)
	c.mu.Unlock()
}

// Flush sends the latest scheduled update now.
func (c *Channel) Flush() {
	c.mu.Lock()
	env := c.next
	c.next = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	if env == nil || c.suppressed() {
		return
	}
	if err := c.sender.Send(*env); err != nil {
		log.Printf("presence send failed user=%s: %v", c.opts.UserID, err)
	}
}

func (c *Channel) suppressed() bool {
	return c.gate != nil && c.gate.Suppressed()
}

// Receive replaces the decoration of p.UserID. Updates about the local user
// are ignored.
func (c *Channel) Receive(p protocol.Presence) {
	if p.UserID == "" || p.UserID == c.opts.UserID {
		return
	}
	d := Decoration{
		UserID:    p.UserID,
		UserName:  p.UserName,
		Color:     c.ColorFor(p.UserID),
		Cursor:    p.Position,
		Selection: p.Selection,
	}
	c.mu.Lock()
	c.decorations[p.UserID] = d
	render := c.onRender
	c.mu.Unlock()
	if render != nil {
		render(p.UserID, &d)
	}
}

// Remove drops the decoration of a participant that left.
func (c *Channel) Remove(userID string) {
	c.mu.Lock()
	_, ok := c.decorations[userID]
	delete(c.decorations, userID)
	render := c.onRender
	c.mu.Unlock()
	if ok && render != nil {
		render(userID, nil)
	}
}

// Clear drops every decoration.
func (c *Channel) Clear() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.decorations))
	for id := range c.decorations {
		ids = append(ids, id)
	}
	c.decorations = make(map[string]Decoration)
	render := c.onRender
	c.mu.Unlock()
	if render != nil {
		for _, id := range ids {
			render(id, nil)
		}
	}
}

// Decoration returns the current decoration of userID.
func (c *Channel) Decoration(userID string) (Decoration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.decorations[userID]
	return d, ok
}

// Decorations returns all decorations ordered by user id.
func (c *Channel) Decorations() []Decoration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Decoration, 0, len(c.decorations))
	for _, d := range c.decorations {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// ColorFor derives a stable color for userID.
func (c *Channel) ColorFor(userID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if color, ok := c.colors[userID]; ok {
		return color
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	color := c.opts.Palette[h.Sum32()%uint32(len(c.opts.Palette))]
	c.colors[userID] = color
	return color
}

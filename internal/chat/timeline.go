package chat

import (
	"sync"

	"github.com/medilink/realtime/internal/protocol"
)

// Outcome says what Receive did with a message.
type Outcome int

const (
	Appended Outcome = iota
	Replaced
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Replaced:
		return "replaced"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// Timeline is the ordered message list of one conversation, oldest first.
// It is goroutine-safe.
type Timeline struct {
	mu     sync.RWMutex
	selfID string
	items  []Message
	ids    map[string]struct{}
}

// NewTimeline creates an empty timeline for the local user selfID.
func NewTimeline(selfID string) *Timeline {
	return &Timeline{
		selfID: selfID,
		ids:    make(map[string]struct{}),
	}
}

// AddPending appends an optimistic message.
func (t *Timeline) AddPending(m Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m.Pending = true
	t.items = append(t.items, m)
}

// Receive merges an authoritative message.
//
// A message whose id is already present is dropped. A message from the local
// user replaces the pending entry with the same client key, or failing that
// the oldest pending entry with identical content, keeping its position.
// Anything else is appended.
func (t *Timeline) Receive(msg protocol.ChatMessage) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.ids[msg.ID]; ok {
		return Duplicate
	}
	t.ids[msg.ID] = struct{}{}

	if msg.SenderID == t.selfID {
		if i := t.pendingIndex(msg); i >= 0 {
			t.items[i] = Message{ChatMessage: msg}
			return Replaced
		}
	}

	t.items = append(t.items, Message{ChatMessage: msg})
	return Appended
}

func (t *Timeline) pendingIndex(msg protocol.ChatMessage) int {
	if msg.ClientKey != "" {
		for i, m := range t.items {
			if m.Pending && m.ClientKey == msg.ClientKey {
				return i
			}
		}
	}
	for i, m := range t.items {
		if m.Pending && m.Content == msg.Content && (m.ClientKey == "" || msg.ClientKey == "") {
			return i
		}
	}
	return -1
}

// Prepend inserts an older page in front of the timeline, skipping messages
// already present. It returns how many were added.
func (t *Timeline) Prepend(page []protocol.ChatMessage) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	older := make([]Message, 0, len(page))
	for _, msg := range page {
		if _, ok := t.ids[msg.ID]; ok {
			continue
		}
		t.ids[msg.ID] = struct{}{}
		older = append(older, Message{ChatMessage: msg})
	}
	t.items = append(older, t.items...)
	return len(older)
}

// Messages returns a copy of the timeline.
func (t *Timeline) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Message, len(t.items))
	copy(out, t.items)
	return out
}

// Len returns the number of entries, pending ones included.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// Newest returns the most recent confirmed message.
func (t *Timeline) Newest() (protocol.ChatMessage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := len(t.items) - 1; i >= 0; i-- {
		if !t.items[i].Pending {
			return t.items[i].ChatMessage, true
		}
	}
	return protocol.ChatMessage{}, false
}

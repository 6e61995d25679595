package chat

import (
	"context"
	"log"
	"sync"

	"github.com/medilink/realtime/internal/protocol"
)

// Marker performs the mark-as-read request. *restclient.Client implements it.
type Marker interface {
	MarkRead(ctx context.Context, conversationID, lastMessageID string) error
}

// ReadReceipts decides when to mark a conversation read.
type ReadReceipts struct {
	marker         Marker
	conversationID string
	selfID         string

	mu         sync.Mutex
	lastMarked string
}

// NewReadReceipts creates the receipt tracker of one conversation.
func NewReadReceipts(marker Marker, conversationID, selfID string) *ReadReceipts {
	return &ReadReceipts{
		marker:         marker,
		conversationID: conversationID,
		selfID:         selfID,
	}
}

// PageLoaded is called once per loaded page (oldest first). When the newest
// message came from the other participant and was not marked before, one
// mark-as-read request is issued. It reports whether a request was sent.
func (r *ReadReceipts) PageLoaded(ctx context.Context, page []protocol.ChatMessage) (bool, error) {
	if len(page) == 0 {
		return false, nil
	}
	newest := page[len(page)-1]
	if newest.SenderID == r.selfID || newest.ID == "" {
		return false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if newest.ID == r.lastMarked {
		return false, nil
	}

	if err := r.marker.MarkRead(ctx, r.conversationID, newest.ID); err != nil {
		log.Printf("[chat] mark read %s up to %s: %v", r.conversationID, newest.ID, err)
		return true, err
	}
	r.lastMarked = newest.ID
	return true, nil
}

// LastMarked returns the id of the last message marked read.
func (r *ReadReceipts) LastMarked() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastMarked
}

package protocol

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // bytes of message content
	MaxTextChars    = 2000 // max character count
)

// ValidateMessageText checks that chat message content meets the limits
// enforced by the gateway. Clients run the same check before sending.
func ValidateMessageText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}

// MaxFrameBytes bounds one inbound WebSocket frame. Session descriptions are
// the largest legitimate payloads.
const MaxFrameBytes = 64 << 10

package relay

import (
	"context"
	"errors"
	"time"

	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// MessageLog is the append side of the group store.
type MessageLog interface {
	AppendMessage(ctx context.Context, groupID string, entry store.MessageEntry) ([]store.MessageEntry, error)
}

// Appended is the outcome of a successful append.
type Appended struct {
	Entry store.MessageEntry
	// Log is the authoritative post-append message log.
	Log []store.MessageEntry
}

// Appender stamps entries and appends them to a group's log.
type Appender struct {
	log MessageLog
	now func() time.Time
}

func NewAppender(log MessageLog) *Appender {
	return &Appender{log: log, now: time.Now}
}

// Append records text from senderID. The store call is not retried.
func (a *Appender) Append(ctx context.Context, groupID, senderID, text string) (Appended, error) {
	entry := store.MessageEntry{
		UserID:    senderID,
		Text:      text,
		Timestamp: a.now().UTC(),
	}

	messages, err := a.log.AppendMessage(ctx, groupID, entry)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Appended{}, relayError(KindNotFound, "", msgGroupNotFound, err)
		}
		return Appended{}, relayError(KindStoreUnavailable, "", msgStoreFailure, err)
	}
	return Appended{Entry: entry, Log: messages}, nil
}

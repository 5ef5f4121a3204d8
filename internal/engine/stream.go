package engine

import (
	"log/slog"
	"sort"
	"time"

	"github.com/okch/chatsync/pkg/protocol"
)

// StreamMerger reconciles the append-only push stream of messages with
// per-conversation history snapshots. It holds one mapping from message id to
// message for all conversations; reading a conversation out is a filter, not
// a separate store, so a message can never be counted twice and switching
// conversations moves no data.
//
// Every apply operation is idempotent, which makes the merger safe under
// duplicate delivery and under history fetches racing with live pushes. Not
// safe for concurrent use: the session serializes all access.
type StreamMerger struct {
	byID   map[int64]*protocol.Message
	order  []int64
	logger *slog.Logger
}

// NewStreamMerger returns an empty merger.
func NewStreamMerger(logger *slog.Logger) *StreamMerger {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamMerger{
		byID:   make(map[int64]*protocol.Message),
		logger: logger.With("component", "merger"),
	}
}

// ApplyHistory merges a history snapshot: every message whose id is absent is
// inserted, already-present entries are left untouched. A live-pushed copy
// that arrived first is as authoritative as the snapshot copy. Returns the
// number of messages inserted.
func (s *StreamMerger) ApplyHistory(msgs []protocol.Message) int {
	inserted := 0
	for _, m := range msgs {
		if s.insert(m) {
			inserted++
		}
	}
	return inserted
}

// ApplyCreated inserts a pushed message if its id is absent. Duplicate
// delivery is a no-op, so event replay cannot produce a duplicate entry.
func (s *StreamMerger) ApplyCreated(m protocol.Message) bool {
	return s.insert(m)
}

// ApplyEdited patches text and edit timestamp in place on the existing
// entry. An edit for an id not held yet is dropped: if the original later
// arrives via a history snapshot it already carries the edit. Returns whether
// the edit was applied.
func (s *StreamMerger) ApplyEdited(id int64, text string, editedAt time.Time) bool {
	m, ok := s.byID[id]
	if !ok {
		s.logger.Debug("dropped edit for unknown message", "id", id)
		return false
	}
	m.Text = text
	at := editedAt
	m.EditedAt = &at
	return true
}

// ApplyDeleted removes the entry by id, including its slot in the insertion
// order so a replayed create cannot occupy two slots. Deleting an absent id is
// a no-op.
func (s *StreamMerger) ApplyDeleted(id int64) {
	if _, ok := s.byID[id]; !ok {
		return
	}
	delete(s.byID, id)
	for i, held := range s.order {
		if held == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Conversation returns the non-deleted messages belonging to the given
// conversation, sorted by sent time with ties broken by ascending id.
func (s *StreamMerger) Conversation(conv protocol.Conversation) []protocol.Message {
	var out []protocol.Message
	for _, id := range s.order {
		m, ok := s.byID[id]
		if !ok || m.Conversation != conv {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SentAt.Before(out[j].SentAt)
	})
	return out
}

// Contains reports whether a message with the given id is held.
func (s *StreamMerger) Contains(id int64) bool {
	_, ok := s.byID[id]
	return ok
}

// Len returns the number of messages held across all conversations.
func (s *StreamMerger) Len() int {
	return len(s.byID)
}

func (s *StreamMerger) insert(m protocol.Message) bool {
	if _, ok := s.byID[m.ID]; ok {
		return false
	}
	msg := m
	s.byID[m.ID] = &msg
	s.order = append(s.order, m.ID)
	return true
}

package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/okch/chatsync/pkg/protocol"
)

// DefaultTypingIdle is how long after the last keystroke the local client
// waits before emitting a stop-typing signal.
const DefaultTypingIdle = time.Second

// typingStaleSlack is added to the idle interval to form the staleness
// window for remote signals whose stop event was lost.
const typingStaleSlack = 5 * time.Second

type typingEntry struct {
	signal protocol.TypingSignal
	seen   time.Time
}

// TypingTracker maintains who is typing where, keyed by (user, conversation),
// in arrival order. The server normally delivers a terminal inactive signal,
// but entries are also evicted after a staleness window so a lost stop event
// cannot leave a typist stuck forever. Not safe for concurrent use: the
// session serializes all access.
type TypingTracker struct {
	entries    []typingEntry
	staleAfter time.Duration
	now        func() time.Time
}

// NewTypingTracker returns an empty tracker with the default staleness
// window.
func NewTypingTracker() *TypingTracker {
	return &TypingTracker{
		staleAfter: DefaultTypingIdle + typingStaleSlack,
		now:        time.Now,
	}
}

// Apply upserts an active signal, moving the typist to the end of the
// arrival order, or removes the entry for an inactive one.
func (t *TypingTracker) Apply(sig protocol.TypingSignal) {
	filtered := t.entries[:0]
	for _, e := range t.entries {
		if e.signal.UserID == sig.UserID && e.signal.Conversation == sig.Conversation {
			continue
		}
		filtered = append(filtered, e)
	}
	t.entries = filtered
	if sig.Active {
		t.entries = append(t.entries, typingEntry{signal: sig, seen: t.now()})
	}
}

// TypingIn returns the users typing in exactly the given conversation, in
// arrival order. Entries past the staleness window are evicted on the way.
func (t *TypingTracker) TypingIn(conv protocol.Conversation) []protocol.TypingSignal {
	cutoff := t.now().Add(-t.staleAfter)
	kept := t.entries[:0]
	var out []protocol.TypingSignal
	for _, e := range t.entries {
		if e.seen.Before(cutoff) {
			continue
		}
		kept = append(kept, e)
		if e.signal.Conversation == conv {
			out = append(out, e.signal)
		}
	}
	t.entries = kept
	return out
}

// FormatTyping renders the typing indicator line for the given names, in
// order. Returns "" when nobody is typing.
func FormatTyping(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing...", names[0])
	case 2:
		return fmt.Sprintf("%s and %s are typing...", names[0], names[1])
	default:
		return fmt.Sprintf("%d people are typing...", len(names))
	}
}

// TypingEmitter debounces local typing emission: the first keystroke after an
// idle period emits an active signal, and a single trailing timer emits the
// inactive signal once the user has been quiet for the idle interval. Flush
// cancels the timer and emits the inactive signal immediately; it runs on
// send so a stale typing indicator never outlives the sent message.
//
// Exactly one timer is pending at a time; a keystroke resets it.
type TypingEmitter struct {
	mu     sync.Mutex
	idle   time.Duration
	emit   func(active bool)
	timer  *time.Timer
	active bool
}

// NewTypingEmitter creates an emitter firing emit on state changes. A zero
// idle interval falls back to DefaultTypingIdle.
func NewTypingEmitter(idle time.Duration, emit func(active bool)) *TypingEmitter {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &TypingEmitter{idle: idle, emit: emit}
}

// Keystroke records local typing activity.
func (e *TypingEmitter) Keystroke() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active {
		e.active = true
		e.emit(true)
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.idle, e.timeout)
}

func (e *TypingEmitter) timeout() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active {
		return
	}
	e.active = false
	e.timer = nil
	e.emit(false)
}

// Flush cancels any pending timer and, if typing was active, emits the
// inactive signal synchronously. Called on send and on teardown.
func (e *TypingEmitter) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.active {
		e.active = false
		e.emit(false)
	}
}

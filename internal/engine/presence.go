package engine

import (
	"sort"

	"github.com/okch/chatsync/pkg/protocol"
)

// PresenceTracker maintains the set of currently-online users, keyed by user
// id. Per-id updates are last-write-wins; a snapshot is authoritative and
// replaces everything seen before it. Not safe for concurrent use: the
// session serializes all access.
type PresenceTracker struct {
	users map[int64]protocol.User
}

// NewPresenceTracker returns an empty tracker.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{users: make(map[int64]protocol.User)}
}

// ApplyOnline upserts a user into the online set, replacing any stale copy.
func (t *PresenceTracker) ApplyOnline(u protocol.User) {
	t.users[u.ID] = u
}

// ApplyOffline removes a user by id. Removing an absent id is a no-op.
func (t *PresenceTracker) ApplyOffline(id int64) {
	delete(t.users, id)
}

// ApplySnapshot replaces the whole online set. Used once after connect and
// safe to apply any time as a resync.
func (t *PresenceTracker) ApplySnapshot(users []protocol.User) {
	t.users = make(map[int64]protocol.User, len(users))
	for _, u := range users {
		t.users[u.ID] = u
	}
}

// IsOnline reports whether the user is in the online set.
func (t *PresenceTracker) IsOnline(id int64) bool {
	_, ok := t.users[id]
	return ok
}

// Online returns the online set ordered by user id for deterministic display.
func (t *PresenceTracker) Online() []protocol.User {
	out := make([]protocol.User, 0, len(t.users))
	for _, u := range t.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of online users.
func (t *PresenceTracker) Len() int {
	return len(t.users)
}

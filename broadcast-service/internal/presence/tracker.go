// Package presence tracks which users hold an open connection to a
// conversation. A user may have several tabs open, so joins are counted.
package presence

import "sync"

// Tracker counts live conversation connections per user
type Tracker struct {
	mu    sync.RWMutex
	rooms map[string]map[string]int
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{rooms: make(map[string]map[string]int)}
}

// Join records a connection of userID to conversationID
func (t *Tracker) Join(conversationID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[conversationID]
	if !ok {
		room = make(map[string]int)
		t.rooms[conversationID] = room
	}
	room[userID]++
}

// Leave drops one connection of userID from conversationID
func (t *Tracker) Leave(conversationID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[conversationID]
	if !ok {
		return
	}
	if room[userID] <= 1 {
		delete(room, userID)
	} else {
		room[userID]--
	}
	if len(room) == 0 {
		delete(t.rooms, conversationID)
	}
}

// IsPresent reports whether userID has at least one connection open
func (t *Tracker) IsPresent(conversationID, userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rooms[conversationID][userID] > 0
}

// Count returns the number of distinct users in conversationID
func (t *Tracker) Count(conversationID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms[conversationID])
}

// Package convlock serializes turns against a single conversation. Two
// concurrent submissions to the same conversation would otherwise interleave
// their history reads and writes and break the user-before-assistant ordering
// of stored rows.
package convlock

import "sync"

var (
	mu    sync.Mutex
	slots = map[uint]chan struct{}{}
)

// Acquire blocks until the conversation's slot is free and returns the
// release func. Release exactly once, on completion or cancellation.
func Acquire(conversationID uint) (release func()) {
	mu.Lock()
	slot := slots[conversationID]
	if slot == nil {
		slot = make(chan struct{}, 1)
		slots[conversationID] = slot
	}
	mu.Unlock()

	slot <- struct{}{}
	return func() { <-slot }
}

// TryAcquire is the non-blocking variant; ok reports whether the slot was
// taken. Used where a busy conversation should be rejected instead of queued.
func TryAcquire(conversationID uint) (release func(), ok bool) {
	mu.Lock()
	slot := slots[conversationID]
	if slot == nil {
		slot = make(chan struct{}, 1)
		slots[conversationID] = slot
	}
	mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, true
	default:
		return nil, false
	}
}

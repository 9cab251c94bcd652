package hitl

import "sync"

// Channel is a front-end delivery handle: a Telegram chat, a browser
// websocket, or anything else that can render events for a session. Send must
// not block; slow consumers buffer or drop on their own side. The registry
// holds channels only to look up who to notify, never to manage their
// lifecycle; connect/disconnect handlers own Attach/Detach.
type Channel interface {
	Key() string
	Send(Event)
}

// Registry maps session IDs to the set of currently attached channels.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[string]Channel // session id → channel key → channel
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]map[string]Channel)}
}

// Attach registers a channel as interested in a session. Re-attaching the
// same key replaces the previous handle.
func (r *Registry) Attach(sessionID string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.channels[sessionID]
	if !ok {
		set = make(map[string]Channel)
		r.channels[sessionID] = set
	}
	set[ch.Key()] = ch
}

// Detach removes a channel from a session. Idempotent; detaching a channel
// that was never attached is a no-op.
func (r *Registry) Detach(sessionID, channelKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.channels[sessionID]
	if !ok {
		return
	}
	delete(set, channelKey)
	if len(set) == 0 {
		delete(r.channels, sessionID)
	}
}

// ChannelsFor returns a snapshot of the channels attached to a session.
func (r *Registry) ChannelsFor(sessionID string) []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.channels[sessionID]
	out := make([]Channel, 0, len(set))
	for _, ch := range set {
		out = append(out, ch)
	}
	return out
}

// HasListeners reports whether any channel is attached to the session.
func (r *Registry) HasListeners(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[sessionID]) > 0
}

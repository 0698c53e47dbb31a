package sse

// Broadcaster fans one event out to many recipients' channels in a single
// coordinated pass with per-recipient accounting.
type Broadcaster struct {
	registry *Registry
}

// BroadcastResult tallies per-recipient outcomes; Success+Failed always
// equals Total.
type BroadcastResult struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// NewBroadcaster constructs a broadcaster over the supplied registry.
func NewBroadcaster(registry *Registry) *Broadcaster {
	return &Broadcaster{registry: registry}
}

// Broadcast writes one frame per recipient. With no explicit targets the
// snapshot of currently connected users is taken; explicit targets that
// are offline count as failures rather than being skipped. Total is fixed
// at snapshot time.
func (b *Broadcaster) Broadcast(event string, payload any, userIDs ...string) BroadcastResult {
	targets := userIDs
	if len(targets) == 0 {
		targets = b.registry.ConnectedUserIDs()
	}

	result := BroadcastResult{Total: len(targets)}
	for _, userID := range targets {
		if b.registry.Send(userID, Frame{Event: event, Data: payload}) {
			result.Success++
		} else {
			result.Failed++
		}
	}
	return result
}

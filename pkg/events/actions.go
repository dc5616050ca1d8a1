package events

import "sync"

// Callback handles a dispatched action with its raw payload.
type Callback func(data []byte)

// ActionRegistry maps action names to a set of callbacks, dispatched
// without holding the registry lock so a callback is free to register
// or unregister another action without deadlocking.
type ActionRegistry struct {
	mu        sync.Mutex
	callbacks map[string]map[*Callback]Callback
}

// NewActionRegistry creates an empty action registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{
		callbacks: make(map[string]map[*Callback]Callback),
	}
}

// Register adds cb under action and returns a token usable with Unregister.
func (r *ActionRegistry) Register(action string, cb Callback) *Callback {
	r.mu.Lock()
	defer r.mu.Unlock()

	token := &cb
	if r.callbacks[action] == nil {
		r.callbacks[action] = make(map[*Callback]Callback)
	}
	r.callbacks[action][token] = cb
	return token
}

// Unregister removes a callback previously returned by Register.
func (r *ActionRegistry) Unregister(action string, token *Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.callbacks[action]; ok {
		delete(set, token)
		if len(set) == 0 {
			delete(r.callbacks, action)
		}
	}
}

// Dispatch invokes every callback registered for action with data. The
// registry lock is held only long enough to snapshot the callback set.
func (r *ActionRegistry) Dispatch(action string, data []byte) {
	r.mu.Lock()
	set := r.callbacks[action]
	snapshot := make([]Callback, 0, len(set))
	for _, cb := range set {
		snapshot = append(snapshot, cb)
	}
	r.mu.Unlock()

	for _, cb := range snapshot {
		cb(data)
	}
}

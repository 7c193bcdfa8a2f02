package fibaro

import (
	"fmt"
	"sort"
	"sync"
)

// Registry routes device ids to their handlers. At most one handler is
// registered per id; a later registration replaces the earlier one.
//
// Thread Safety: All methods are safe for concurrent use.
type Registry struct {
	logSink

	mu       sync.RWMutex
	handlers map[DeviceID]DeviceHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[DeviceID]DeviceHandler)}
}

// Register adds h under its device id and reports whether it replaced an
// existing handler.
func (r *Registry) Register(h DeviceHandler) bool {
	id := h.DeviceID()

	r.mu.Lock()
	_, replaced := r.handlers[id]
	r.handlers[id] = h
	r.mu.Unlock()

	if replaced {
		r.logDebug("device handler replaced", "device_id", int(id))
	}
	return replaced
}

// Unregister removes the handler for id. Unknown ids are ignored.
func (r *Registry) Unregister(id DeviceID) {
	r.mu.Lock()
	delete(r.handlers, id)
	r.mu.Unlock()
}

// Lookup returns the handler registered for id.
func (r *Registry) Lookup(id DeviceID) (DeviceHandler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[id]
	r.mu.RUnlock()
	return h, ok
}

// Dispatch hands u to the handler registered for its device id. The
// handler runs outside the registry lock. Unknown ids return
// ErrUnknownDevice, which callers may treat as non-fatal.
func (r *Registry) Dispatch(u Update) error {
	h, ok := r.Lookup(u.DeviceID)
	if !ok {
		r.logDebug("update for unregistered device",
			"device_id", int(u.DeviceID), "property", u.Property)
		return fmt.Errorf("%w: %d", ErrUnknownDevice, u.DeviceID)
	}
	h.HandleUpdate(u)
	return nil
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// IDs returns the registered device ids in ascending order.
func (r *Registry) IDs() []DeviceID {
	r.mu.RLock()
	ids := make([]DeviceID, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

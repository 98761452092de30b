package provider

import (
	"sync"

	ivxp "github.com/franksprotocols/ivxp-protocol-sub001"
)

// HandlerRegistry maps a service type to the ServiceHandler that
// fulfills it. Registration happens once at startup; lookups happen on
// every /deliver call, so reads take the fast RLock path: a
// write-then-read-safe service-handler registry.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ivxp.ServiceHandler
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]ivxp.ServiceHandler)}
}

// Register binds serviceType to handler, replacing any existing binding.
func (r *HandlerRegistry) Register(serviceType string, handler ivxp.ServiceHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[serviceType] = handler
}

// Lookup returns the handler bound to serviceType, if any.
func (r *HandlerRegistry) Lookup(serviceType string) (ivxp.ServiceHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[serviceType]
	return h, ok
}

// Types returns every registered service type, in no particular order.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

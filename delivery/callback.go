package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	ivxp "github.com/franksprotocols/ivxp-protocol-sub001"
)

const maxCallbackBody = 1 << 20 // 1 MiB

// CallbackHandlers are invoked once a push callback clears validation.
type CallbackHandlers struct {
	// OnDelivery is called when the callback's content_hash matches the
	// delivered content.
	OnDelivery func(ivxp.PushCallback)

	// OnRejected is called when the callback is well-formed but its
	// content_hash does not match the delivered content, or its status
	// is not "delivered". The receiver still responds 200: a push
	// callback is not the provider's only delivery path, and rejecting
	// it with a non-2xx would just trigger the provider's own retry.
	OnRejected func(ivxp.PushCallback, error)
}

// CallbackReceiver is C7c: a loopback-only HTTP server exposing a single
// POST /ivxp/callback endpoint that a provider pushes deliverables to.
type CallbackReceiver struct {
	server   *http.Server
	listener net.Listener
	handlers CallbackHandlers

	mu      sync.Mutex
	stopped bool
}

// NewCallbackReceiver binds addr (default "127.0.0.1:0", an ephemeral
// loopback port) and returns a receiver not yet accepting connections;
// call Start to begin serving.
func NewCallbackReceiver(addr string, handlers CallbackHandlers) (*CallbackReceiver, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, ivxp.NewError(ivxp.ErrServiceUnavailable, "bind callback listener").WithCause(err)
	}

	r := &CallbackReceiver{listener: ln, handlers: handlers}
	mux := http.NewServeMux()
	mux.HandleFunc("/ivxp/callback", r.handleCallback)
	r.server = &http.Server{Handler: mux}
	return r, nil
}

// Addr returns the bound loopback address, including the ephemeral port
// the OS assigned if addr was "127.0.0.1:0".
func (r *CallbackReceiver) Addr() string {
	return r.listener.Addr().String()
}

// URL returns the full delivery_endpoint URL to hand a provider.
func (r *CallbackReceiver) URL() string {
	return fmt.Sprintf("http://%s/ivxp/callback", r.Addr())
}

// Start serves in the background until ctx is canceled or Stop is called.
func (r *CallbackReceiver) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	go r.server.Serve(r.listener)
}

// Stop shuts the receiver down. It is safe to call more than once.
func (r *CallbackReceiver) Stop() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.mu.Unlock()
	return r.server.Shutdown(context.Background())
}

func (r *CallbackReceiver) handleCallback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	req.Body = http.MaxBytesReader(w, req.Body, maxCallbackBody)

	var cb ivxp.PushCallback
	if err := json.NewDecoder(req.Body).Decode(&cb); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if cb.OrderID == "" || !ivxp.ValidContentHash(cb.Deliverable.ContentHash) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var verifyErr error
	switch {
	case cb.Status != string(ivxp.StatusDelivered):
		verifyErr = ivxp.Newf(ivxp.ErrProviderError, "callback for order %s reports status %s, not delivered", cb.OrderID, cb.Status)
	case ivxp.NormalizeContentHash(cb.Deliverable.ContentHash) != ivxp.ContentHashHex(cb.Deliverable.Content):
		verifyErr = ivxp.Newf(ivxp.ErrContentHashMismatch, "callback for order %s: content_hash does not match delivered content", cb.OrderID)
	}

	if verifyErr != nil {
		if r.handlers.OnRejected != nil {
			r.handlers.OnRejected(cb, verifyErr)
		}
	} else if r.handlers.OnDelivery != nil {
		r.handlers.OnDelivery(cb)
	}

	w.WriteHeader(http.StatusOK)
}

// Package store provides OrderStorage implementations.
package store

import (
	"context"
	"sync"

	ivxp "github.com/franksprotocols/ivxp-protocol-sub001"
)

// InMemoryStore is a single-process OrderStorage backed by a map guarded
// by one mutex. Suitable for a single provider instance; a multi-instance
// deployment needs a shared backend (Redis, a SQL table) implementing the
// same interface.
type InMemoryStore struct {
	mu        sync.Mutex
	orders    map[string]*ivxp.Order
	usedTxHash map[string]string // tx_hash -> the order_id that claimed it
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		orders:     make(map[string]*ivxp.Order),
		usedTxHash: make(map[string]string),
	}
}

func (s *InMemoryStore) Put(ctx context.Context, o *ivxp.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.OrderID]; exists {
		return ivxp.Newf(ivxp.ErrInvalidRequest, "order %s already exists", o.OrderID)
	}
	cp := *o
	s.orders[o.OrderID] = &cp
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, orderID string) (*ivxp.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, ivxp.Newf(ivxp.ErrOrderNotFound, "no such order %s", orderID)
	}
	cp := *o
	return &cp, nil
}

// CompareAndSwap replaces the stored order only if its current status
// still equals expectStatus, so two concurrent /deliver calls for the
// same order never both win (exactly one status
// transition per call).
func (s *InMemoryStore) CompareAndSwap(ctx context.Context, orderID string, expectStatus ivxp.OrderStatus, next *ivxp.Order) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[orderID]
	if !ok {
		return false, ivxp.Newf(ivxp.ErrOrderNotFound, "no such order %s", orderID)
	}
	if cur.Status != expectStatus {
		return false, nil
	}
	cp := *next
	s.orders[orderID] = &cp
	return true, nil
}

// MarkTxHashUsed claims txHash for orderID, returning false only if a
// different order already claimed it (cross-order replay prevention).
// Claiming the same tx_hash for the same order repeatedly is an
// idempotent no-op, so a client retrying /deliver against its own
// still-pending transaction never burns its own tx_hash.
func (s *InMemoryStore) MarkTxHashUsed(ctx context.Context, txHash, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if claimedBy, exists := s.usedTxHash[txHash]; exists {
		return claimedBy == orderID, nil
	}
	s.usedTxHash[txHash] = orderID
	return true, nil
}

var _ ivxp.OrderStorage = (*InMemoryStore)(nil)

package store

import (
	"context"
	"testing"
	"time"

	ivxp "github.com/franksprotocols/ivxp-protocol-sub001"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOrder(id string, status ivxp.OrderStatus) *ivxp.Order {
	return &ivxp.Order{
		OrderID:   id,
		Status:    status,
		CreatedAt: time.Now(),
	}
}

func TestPutAndGet(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	o := testOrder("ivxp-1", ivxp.StatusQuoted)
	require.NoError(t, s.Put(ctx, o))

	got, err := s.Get(ctx, "ivxp-1")
	require.NoError(t, err)
	assert.Equal(t, ivxp.StatusQuoted, got.Status)
}

func TestPutDuplicate(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	o := testOrder("ivxp-1", ivxp.StatusQuoted)
	if err := s.Put(ctx, o); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, o); err == nil {
		t.Error("expected error inserting duplicate order_id")
	}
}

func TestGetMissing(t *testing.T) {
	s := NewInMemoryStore()
	if _, err := s.Get(context.Background(), "ivxp-does-not-exist"); err == nil {
		t.Error("expected ORDER_NOT_FOUND error")
	} else if ivxp.CodeOf(err) != ivxp.ErrOrderNotFound {
		t.Errorf("expected ORDER_NOT_FOUND, got %v", ivxp.CodeOf(err))
	}
}

func TestCompareAndSwapWins(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	o := testOrder("ivxp-1", ivxp.StatusQuoted)
	_ = s.Put(ctx, o)

	paid, err := o.Advance(ivxp.StatusPaid, time.Now())
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}

	ok, err := s.CompareAndSwap(ctx, "ivxp-1", ivxp.StatusQuoted, paid)
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if !ok {
		t.Fatal("expected CAS to succeed")
	}

	got, _ := s.Get(ctx, "ivxp-1")
	if got.Status != ivxp.StatusPaid {
		t.Errorf("expected status paid, got %s", got.Status)
	}
}

func TestCompareAndSwapLosesOnStaleExpectation(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	o := testOrder("ivxp-1", ivxp.StatusQuoted)
	_ = s.Put(ctx, o)

	paid, _ := o.Advance(ivxp.StatusPaid, time.Now())
	ok, err := s.CompareAndSwap(ctx, "ivxp-1", ivxp.StatusQuoted, paid)
	if err != nil || !ok {
		t.Fatalf("first CAS should win: ok=%v err=%v", ok, err)
	}

	// A second caller still expecting "quoted" must lose the race.
	delivered, _ := paid.Advance(ivxp.StatusDelivered, time.Now())
	ok, err = s.CompareAndSwap(ctx, "ivxp-1", ivxp.StatusQuoted, delivered)
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if ok {
		t.Error("expected CAS to lose against a stale expected status")
	}
}

func TestMarkTxHashUsedOnce(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	first, err := s.MarkTxHashUsed(ctx, "0xabc", "ivxp-1")
	require.NoError(t, err)
	assert.True(t, first, "first claim of a tx_hash should succeed")

	second, err := s.MarkTxHashUsed(ctx, "0xabc", "ivxp-2")
	require.NoError(t, err)
	assert.False(t, second, "a different order claiming the same tx_hash should be rejected")
}

func TestMarkTxHashUsedSameOrderIsIdempotent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	first, err := s.MarkTxHashUsed(ctx, "0xabc", "ivxp-1")
	require.NoError(t, err)
	assert.True(t, first)

	retry, err := s.MarkTxHashUsed(ctx, "0xabc", "ivxp-1")
	require.NoError(t, err)
	assert.True(t, retry, "the same order retrying /deliver against its own tx_hash should not be rejected")
}

package ivxp

import (
	"context"
	"math/big"
)

// OrderStorage persists Orders and enforces compare-and-swap transitions
// so concurrent /deliver and /status calls never race past each other.
type OrderStorage interface {
	// Put inserts a brand new order. It errors if the order_id already exists.
	Put(ctx context.Context, o *Order) error

	// Get returns the order, or an *IVXPError coded ORDER_NOT_FOUND.
	Get(ctx context.Context, orderID string) (*Order, error)

	// CompareAndSwap atomically replaces the stored order with next, but
	// only if the stored order's status still equals expectStatus. It
	// returns false (no error) on a losing race, so callers can decide
	// whether to retry or surface INVALID_ORDER_STATUS.
	CompareAndSwap(ctx context.Context, orderID string, expectStatus OrderStatus, next *Order) (bool, error)

	// MarkTxHashUsed records that txHash settles orderID, returning true
	// if txHash was unclaimed or already claimed by this same orderID
	// (an idempotent retry), and false if a different order claimed it
	// first (replay prevention).
	MarkTxHashUsed(ctx context.Context, txHash, orderID string) (ok bool, err error)
}

// TransferEvent is a verified on-chain USDC transfer, extracted from a
// transaction receipt's logs.
type TransferEvent struct {
	From        string
	To          string
	AmountUSDC  int64 // base units (micro-USDC)
	BlockNumber int64
	Confirmed   bool
}

// PaymentService is the chain-facing capability consumed by both C4
// (provider-side verification) and C6 (client-side send), following the
// dependency-injection pattern: the engine depends on this
// interface, never directly on an RPC client.
type PaymentService interface {
	// VerifyTransfer inspects txHash on network and reports the USDC
	// transfer it carries, if any. A (nil, nil) return means no transfer
	// is visible yet: the transaction is unknown, still pending, or its
	// receipt carries no matching transfer log. A reverted transaction is
	// reported as an event with Confirmed false. A non-nil
	// error means verification could not be completed (RPC failure,
	// chain reorg ambiguity) and MUST NOT be treated as "payment invalid".
	VerifyTransfer(ctx context.Context, network Network, txHash string) (*TransferEvent, error)

	// SendUSDC submits a USDC transfer from the configured signer to to,
	// for amountBaseUnits, returning the submitted transaction hash.
	SendUSDC(ctx context.Context, network Network, to string, amountBaseUnits int64) (txHash string, err error)

	// Balance returns the caller's USDC balance in base units.
	Balance(ctx context.Context, network Network, address string) (*big.Int, error)
}

// CryptoService is the signing/verification capability consumed by C5
// and C6.
type CryptoService interface {
	// Sign produces an EIP-191 personal-sign signature over message,
	// hex-encoded with a leading "0x".
	Sign(message string) (signature string, err error)

	// Verify recovers the signer of message from signature and reports
	// whether it matches expectedAddress (case-insensitive).
	Verify(message, signature, expectedAddress string) (bool, error)

	// Address returns the signer's own wallet address.
	Address() string
}

// ServiceHandler produces the deliverable for a paid order. Providers implement
// it per service (static file, generated text, proxied upstream call);
// the HandlerRegistry dispatches to one per service type.
type ServiceHandler interface {
	// Fulfill produces the deliverable content and its format for a
	// paid order. It runs after payment has been verified, before the
	// order transitions to delivered.
	Fulfill(ctx context.Context, o *Order) (content string, format string, err error)
}

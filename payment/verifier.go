package payment

import (
	"context"

	ivxp "github.com/franksprotocols/ivxp-protocol-sub001"
)

// Verifier is C4: it decides whether a claimed payment satisfies an
// order's quote. A rejected payment is reported as (false, nil) or as
// false with an error coded INVALID_TX_HASH, PAYMENT_PENDING,
// TRANSACTION_FAILED, PAYMENT_FAILED, PAYMENT_NOT_VERIFIED or
// PAYMENT_AMOUNT_MISMATCH. An error with any other code means
// verification could not be completed (chain RPC down, ambiguous reorg)
// and must never be read as "payment rejected".
type Verifier struct {
	payments ivxp.PaymentService
	orders   ivxp.OrderStorage
}

// NewVerifier builds a Verifier from its two capability dependencies.
func NewVerifier(payments ivxp.PaymentService, orders ivxp.OrderStorage) *Verifier {
	return &Verifier{payments: payments, orders: orders}
}

// Verify checks that proof settles o's quote: same network, same
// recipient, an amount not less than the quoted price, and a tx_hash
// never claimed by any other order. It returns (true, nil) only when
// every check passes.
func (v *Verifier) Verify(ctx context.Context, o *ivxp.Order, proof ivxp.PaymentProof) (bool, error) {
	if !ivxp.ValidTxHash(proof.TxHash) {
		return false, ivxp.NewError(ivxp.ErrInvalidTxHash, "malformed tx_hash")
	}
	if ivxp.Network(proof.Network) != o.Network {
		return false, nil
	}

	transfer, err := v.payments.VerifyTransfer(ctx, o.Network, proof.TxHash)
	if err != nil {
		return false, err
	}
	if transfer == nil {
		return false, ivxp.NewError(ivxp.ErrPaymentPending, "transaction not yet mined")
	}
	if !transfer.Confirmed {
		return false, ivxp.NewError(ivxp.ErrTransactionFailed, "transaction reverted")
	}

	// Only a mined, non-reverted transfer claims its tx_hash: claiming
	// it any earlier would let a client's own pending-transaction retry
	// of /deliver burn its own tx_hash before it ever has a chance to
	// confirm.
	claimed, err := v.orders.MarkTxHashUsed(ctx, proof.TxHash, o.OrderID)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, ivxp.Newf(ivxp.ErrPaymentFailed, "tx_hash %s already claimed by another order", proof.TxHash)
	}

	if !ivxp.SameAddress(transfer.To, o.ProviderAddress) {
		return false, ivxp.Newf(ivxp.ErrPaymentNotVerified, "transfer recipient %s does not match provider address %s", transfer.To, o.ProviderAddress)
	}
	if !ivxp.SameAddress(transfer.From, proof.FromAddress) {
		return false, ivxp.Newf(ivxp.ErrPaymentNotVerified, "transfer sender %s does not match claimed from_address %s", transfer.From, proof.FromAddress)
	}

	want, err := ivxp.ParseUSDCBaseUnits(o.PriceUSDC)
	if err != nil {
		return false, err
	}
	if transfer.AmountUSDC < want {
		return false, ivxp.Newf(ivxp.ErrPaymentAmountMismatch, "transferred %s is less than quoted %s",
			ivxp.FormatUSDC(transfer.AmountUSDC), ivxp.FormatUSDC(want))
	}

	return true, nil
}

package ivxp

import (
	"encoding/json"
	"fmt"
)

// ValidationError wraps a decode/validate failure. It is distinct from
// IVXPError so callers can tell a wire-format problem (this package)
// apart from a protocol-state problem (the rest of the engine).
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Encode and Decode preserve unknown wire fields across a round trip
// for forward compatibility generically, rather than via a
// hand-written (Un)MarshalJSON per message type.

// Encode marshals v, re-merging any extension fields previously captured
// by Decode into extra.
func Encode[T any](v T, extra map[string]interface{}) ([]byte, error) {
	known, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	if len(extra) == 0 {
		return known, nil
	}

	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		// v did not marshal to a JSON object; extra fields make no sense.
		return known, nil
	}
	for k, val := range extra {
		if _, exists := knownMap[k]; exists {
			continue // known fields always win over stale extras
		}
		raw, err := json.Marshal(val)
		if err != nil {
			continue
		}
		knownMap[k] = raw
	}
	return json.Marshal(knownMap)
}

// Decode unmarshals data into v and returns every field in data that has
// no corresponding tag in T's JSON shape, so callers can round-trip it
// via Encode later.
func Decode[T any](data []byte, v *T) (extra map[string]interface{}, err error) {
	if err := json.Unmarshal(data, v); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("malformed JSON: %v", err)}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		// Not a JSON object at all (e.g. an array or scalar); nothing to extract.
		return nil, nil
	}

	knownBytes, err := json.Marshal(v)
	if err != nil {
		return nil, nil
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(knownBytes, &known); err != nil {
		return nil, nil
	}

	extra = make(map[string]interface{})
	for k, rawVal := range raw {
		if _, isKnown := known[k]; isKnown {
			continue
		}
		var val interface{}
		if err := json.Unmarshal(rawVal, &val); err != nil {
			continue
		}
		extra[k] = val
	}
	if len(extra) == 0 {
		return nil, nil
	}
	return extra, nil
}

// ValidateCatalog checks the structural invariants of a ServiceCatalog.
func ValidateCatalog(c *ServiceCatalog) error {
	if c.Protocol != ProtocolVersion {
		return &ValidationError{Field: "protocol", Message: "must be " + ProtocolVersion}
	}
	if !ValidAddress(c.WalletAddress) {
		return &ValidationError{Field: "wallet_address", Message: "not a valid 0x address"}
	}
	if len(c.Services) == 0 {
		return &ValidationError{Field: "services", Message: "must list at least one service"}
	}
	for i, svc := range c.Services {
		if svc.Type == "" {
			return &ValidationError{Field: fmt.Sprintf("services[%d].type", i), Message: "required"}
		}
		if _, err := ParseUSDCBaseUnits(svc.BasePriceUSDC); err != nil {
			return &ValidationError{Field: fmt.Sprintf("services[%d].base_price_usdc", i), Message: err.Error()}
		}
	}
	return nil
}

// ValidateServiceRequest checks the structural invariants of a ServiceRequest.
func ValidateServiceRequest(r *ServiceRequest) error {
	if r.Protocol != ProtocolVersion {
		return &ValidationError{Field: "protocol", Message: "must be " + ProtocolVersion}
	}
	if !ValidAddress(r.ClientAgent.WalletAddress) {
		return &ValidationError{Field: "client_agent.wallet_address", Message: "not a valid 0x address"}
	}
	if r.ServiceRequest.Type == "" {
		return &ValidationError{Field: "service_request.type", Message: "required"}
	}
	if r.ServiceRequest.BudgetUSDC != "" {
		if _, err := ParseUSDCBaseUnits(r.ServiceRequest.BudgetUSDC); err != nil {
			return &ValidationError{Field: "service_request.budget_usdc", Message: err.Error()}
		}
	}
	return nil
}

// ValidateDeliveryRequest checks the structural invariants of a DeliveryRequest
// (payment-proof semantics are checked separately by the provider engine).
func ValidateDeliveryRequest(r *DeliveryRequest) error {
	if r.Protocol != ProtocolVersion {
		return &ValidationError{Field: "protocol", Message: "must be " + ProtocolVersion}
	}
	if !ValidOrderID(r.OrderID) {
		return &ValidationError{Field: "order_id", Message: "malformed order id"}
	}
	if !ValidTxHash(r.PaymentProof.TxHash) {
		return &ValidationError{Field: "payment_proof.tx_hash", Message: "malformed tx hash"}
	}
	if !ValidAddress(r.PaymentProof.FromAddress) {
		return &ValidationError{Field: "payment_proof.from_address", Message: "malformed address"}
	}
	if r.Signature == "" {
		return &ValidationError{Field: "signature", Message: "required"}
	}
	if r.SignedMessage == "" || !containsOrderID(r.SignedMessage, r.OrderID) {
		return &ValidationError{Field: "signed_message", Message: "must contain the order_id"}
	}
	return nil
}

func containsOrderID(msg, orderID string) bool {
	return len(msg) >= len(orderID) && indexOf(msg, orderID) >= 0
}

func indexOf(haystack, needle string) int {
	n, m := len(haystack), len(needle)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		if haystack[i:i+m] == needle {
			return i
		}
	}
	return -1
}

// CanonicalSignedMessage builds the mandatory signed-message form from
// "Order: {order_id} | Payment: {tx_hash} | Timestamp: {iso8601}".
func CanonicalSignedMessage(orderID, txHash, timestamp string) string {
	return fmt.Sprintf("Order: %s | Payment: %s | Timestamp: %s", orderID, txHash, timestamp)
}

package ivxp

import "time"

// ProtocolVersion is the wire-level "protocol" field value every IVXP
// message carries.
const ProtocolVersion = "IVXP/1.0"

// Network identifiers. IVXP is EVM/USDC-only; other chains are out of
// scope.
type Network string

const (
	NetworkBaseMainnet Network = "base-mainnet"
	NetworkBaseSepolia Network = "base-sepolia"
)

// Valid reports whether n is one of the two supported networks.
func (n Network) Valid() bool {
	return n == NetworkBaseMainnet || n == NetworkBaseSepolia
}

// USDCContracts maps each supported network to its USDC token contract
// address. Supplied to the payment verifier; not independently
// discoverable from chain data.
var USDCContracts = map[Network]string{
	NetworkBaseMainnet: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	NetworkBaseSepolia: "0x036CbD53842c5426634E7929541eC2318f3dCF7e",
}

// USDCDecimals is the fixed-point scale of USDC amounts on every
// supported network.
const USDCDecimals = 6

// Order status values, forming the quoted -> paid -> delivered|delivery_failed -> confirmed DAG.
type OrderStatus string

const (
	StatusQuoted         OrderStatus = "quoted"
	StatusPaid           OrderStatus = "paid"
	StatusDelivered      OrderStatus = "delivered"
	StatusDeliveryFailed OrderStatus = "delivery_failed"
	StatusConfirmed      OrderStatus = "confirmed"
)

// Terminal reports whether status has no valid outgoing transition
// other than the optional delivered/delivery_failed -> confirmed edge.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusDelivered, StatusDeliveryFailed, StatusConfirmed:
		return true
	default:
		return false
	}
}

// Default timeouts.
const (
	DefaultChainRPCTimeout   = 15 * time.Second
	DefaultSSEConnectTimeout = 10 * time.Second
	DefaultStatusPollBudget  = 10 * time.Minute
	DefaultQuoteValidity     = 15 * time.Minute
)

// OrderIDPrefix is the literal prefix of every minted order_id.
const OrderIDPrefix = "ivxp-"

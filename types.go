package ivxp

// Wire message shapes. Field names are
// snake_case on the wire, without exception. ServiceCatalog,
// ServiceRequest, ServiceQuote, DeliveryRequest and Deliverable carry an
// Extra map that Decode fills with unknown extension fields and Encode
// merges back (see codec.go). DeliveryAccepted, OrderStatusView and
// PushCallback have no Extra and drop unknown fields when decoded.

// AgentRef identifies an agent (client or provider) by name and wallet.
type AgentRef struct {
	Name           string `json:"name"`
	WalletAddress  string `json:"wallet_address"`
	ContactEndpoint string `json:"contact_endpoint,omitempty"`
}

// CatalogService describes one service a provider sells.
type CatalogService struct {
	Type                    string `json:"type"`
	BasePriceUSDC           string `json:"base_price_usdc"`
	EstimatedDeliveryHours  float64 `json:"estimated_delivery_hours"`
}

// ServiceCatalog is the provider's advertised service listing (C3 GET /ivxp/catalog).
type ServiceCatalog struct {
	Protocol      string           `json:"protocol"`
	Provider      string           `json:"provider"`
	WalletAddress string           `json:"wallet_address"`
	Services      []CatalogService `json:"services"`
	Capabilities  []string         `json:"capabilities,omitempty"`
	Timestamp     string           `json:"timestamp,omitempty"`
	Extra         map[string]interface{} `json:"-"`
}

// HasCapability reports whether the catalog advertises cap (e.g. "sse").
func (c ServiceCatalog) HasCapability(cap string) bool {
	for _, have := range c.Capabilities {
		if have == cap {
			return true
		}
	}
	return false
}

// ServiceRequestBody is the client's requested service inside a ServiceRequest message.
type ServiceRequestBody struct {
	Type           string `json:"type"`
	Description    string `json:"description"`
	BudgetUSDC     string `json:"budget_usdc"`
	DeliveryFormat string `json:"delivery_format,omitempty"`
	Deadline       string `json:"deadline,omitempty"`
}

// ServiceRequest is POSTed to /ivxp/request.
type ServiceRequest struct {
	Protocol       string             `json:"protocol"`
	MessageType    string             `json:"message_type"`
	Timestamp      string             `json:"timestamp"`
	ClientAgent    AgentRef           `json:"client_agent"`
	ServiceRequest ServiceRequestBody `json:"service_request"`
	Extra          map[string]interface{} `json:"-"`
}

// QuoteBody carries the negotiated price/payment details of a ServiceQuote.
type QuoteBody struct {
	PriceUSDC         string `json:"price_usdc"`
	EstimatedDelivery string `json:"estimated_delivery,omitempty"`
	PaymentAddress    string `json:"payment_address"`
	Network           string `json:"network"`
	TokenContract     string `json:"token_contract,omitempty"`
}

// ServiceQuote is returned by POST /ivxp/request.
type ServiceQuote struct {
	Protocol     string   `json:"protocol"`
	MessageType  string   `json:"message_type"`
	Timestamp    string   `json:"timestamp"`
	OrderID      string   `json:"order_id"`
	ProviderAgent AgentRef `json:"provider_agent"`
	Quote        QuoteBody `json:"quote"`
	ExpiresAt    string   `json:"expires_at,omitempty"`
	Extra        map[string]interface{} `json:"-"`
}

// PaymentProof is the on-chain payment evidence inside a DeliveryRequest.
type PaymentProof struct {
	TxHash      string `json:"tx_hash"`
	FromAddress string `json:"from_address"`
	Network     string `json:"network"`
	ToAddress   string `json:"to_address,omitempty"`
	AmountUSDC  string `json:"amount_usdc,omitempty"`
	BlockNumber int64  `json:"block_number,omitempty"`
}

// DeliveryRequest is POSTed to /ivxp/deliver.
type DeliveryRequest struct {
	Protocol         string       `json:"protocol"`
	MessageType      string       `json:"message_type"`
	Timestamp        string       `json:"timestamp"`
	OrderID          string       `json:"order_id"`
	PaymentProof     PaymentProof `json:"payment_proof"`
	DeliveryEndpoint string       `json:"delivery_endpoint,omitempty"`
	Signature        string       `json:"signature"`
	SignedMessage    string       `json:"signed_message"`
	Extra            map[string]interface{} `json:"-"`
}

// DeliveryAccepted is the 200 response to a successful /ivxp/deliver call.
type DeliveryAccepted struct {
	OrderID   string `json:"order_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	StreamURL string `json:"stream_url,omitempty"`
}

// OrderStatusView is returned by GET /ivxp/status/{id}.
type OrderStatusView struct {
	OrderID     string `json:"order_id"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	ServiceType string `json:"service_type"`
	PriceUSDC   string `json:"price_usdc"`
	ContentHash string `json:"content_hash,omitempty"`
}

// DeliverableBody is the payload wrapper inside a Deliverable message.
type DeliverableBody struct {
	Type    string `json:"type"`
	Format  string `json:"format,omitempty"`
	Content string `json:"content"`
}

// Deliverable is returned by GET /ivxp/download/{id}.
type Deliverable struct {
	Protocol     string          `json:"protocol"`
	MessageType  string          `json:"message_type"`
	Timestamp    string          `json:"timestamp"`
	OrderID      string          `json:"order_id"`
	Status       string          `json:"status"`
	Deliverable  DeliverableBody `json:"deliverable"`
	ContentHash  string          `json:"content_hash"`
	DeliveredAt  string          `json:"delivered_at,omitempty"`
	Extra        map[string]interface{} `json:"-"`
}

// PushCallbackDeliverable is the nested deliverable inside a PushCallback.
type PushCallbackDeliverable struct {
	Content     string `json:"content"`
	ContentHash string `json:"content_hash"`
	Format      string `json:"format"`
}

// PushCallback is POSTed by a provider to a client's delivery_endpoint (C7c).
type PushCallback struct {
	OrderID     string                  `json:"order_id"`
	Status      string                  `json:"status"`
	Deliverable PushCallbackDeliverable `json:"deliverable"`
	DeliveredAt string                  `json:"delivered_at"`
}

// ErrorBody is the shape of every non-2xx provider response body.
type ErrorBody struct {
	Error string `json:"error"`
}

// Package client implements C6, the client-side engine: it walks a
// service request through quote, on-chain payment, delivery request,
// and deliverable acquisition, emitting ordered events along the way.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	ivxp "github.com/franksprotocols/ivxp-protocol-sub001"
	"github.com/franksprotocols/ivxp-protocol-sub001/delivery"
)

// Engine orchestrates one provider's worth of requests on behalf of a
// single client identity.
type Engine struct {
	httpClient *http.Client
	payments   ivxp.PaymentService
	crypto     ivxp.CryptoService
	bus        *Bus
	network    ivxp.Network
	name       string
}

// Config configures an Engine.
type Config struct {
	HTTPClient *http.Client
	Payments   ivxp.PaymentService
	Crypto     ivxp.CryptoService
	Bus        *Bus
	Network    ivxp.Network
	AgentName  string
}

// New constructs an Engine. A nil Bus is replaced with a fresh one so
// callers that don't care about events can still call RequestService.
func New(cfg Config) *Engine {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Bus == nil {
		cfg.Bus = NewBus()
	}
	return &Engine{
		httpClient: cfg.HTTPClient,
		payments:   cfg.Payments,
		crypto:     cfg.Crypto,
		bus:        cfg.Bus,
		network:    cfg.Network,
		name:       cfg.AgentName,
	}
}

// Bus returns the engine's event bus, for subscribing before a call to
// RequestService.
func (e *Engine) Bus() *Bus {
	return e.bus
}

// Result is the outcome of a completed RequestService call.
type Result struct {
	OrderID     string
	TxHash      string
	Content     string
	Format      string
	ContentHash string
}

// RequestOptions parameterizes one RequestService call.
type RequestOptions struct {
	ProviderBaseURL string
	ServiceType     string
	Description     string
	BudgetUSDC      string
	DeliveryFormat  string

	// DeliveryEndpoint, if set, asks the provider to push the deliverable
	// via callback instead of (or in addition to) the client polling or
	// subscribing for it.
	DeliveryEndpoint string

	// PollOptions overrides the default exponential-backoff status poll
	// used as a fallback when the provider doesn't advertise "sse".
	PollOptions *delivery.PollOptions
}

// RequestService runs the full client-side flow for one paid service
// call: fetch the catalog, request a quote, pay on-chain, sign and
// submit the delivery request, wait for the deliverable (SSE if
// advertised, polling otherwise), and verify its content hash.
func (e *Engine) RequestService(ctx context.Context, opts RequestOptions) (*Result, error) {
	catalog, err := e.fetchCatalog(ctx, opts.ProviderBaseURL)
	if err != nil {
		return nil, err
	}

	svc := findCatalogService(catalog, opts.ServiceType)
	if svc == nil {
		return nil, ivxp.Newf(ivxp.ErrServiceNotFound, "provider does not offer service %q", opts.ServiceType)
	}
	if opts.BudgetUSDC != "" {
		budget, err := ivxp.ParseUSDCBaseUnits(opts.BudgetUSDC)
		if err != nil {
			return nil, err
		}
		price, err := ivxp.ParseUSDCBaseUnits(svc.BasePriceUSDC)
		if err != nil {
			return nil, err
		}
		if price > budget {
			return nil, ivxp.Newf(ivxp.ErrBudgetExceeded, "service price %s exceeds budget %s", svc.BasePriceUSDC, opts.BudgetUSDC)
		}
	}

	quote, err := e.requestQuote(ctx, opts.ProviderBaseURL, opts, catalog)
	if err != nil {
		return nil, err
	}
	e.bus.Emit(Event{Type: EventOrderQuoted, OrderID: quote.OrderID, Data: map[string]interface{}{"price_usdc": quote.Quote.PriceUSDC}})

	priceBaseUnits, err := ivxp.ParseUSDCBaseUnits(quote.Quote.PriceUSDC)
	if err != nil {
		return nil, err
	}
	if quote.ExpiresAt != "" {
		expiresAt, err := time.Parse(time.RFC3339, quote.ExpiresAt)
		if err != nil {
			return nil, ivxp.Newf(ivxp.ErrInvalidRequest, "order %s: malformed expires_at %q", quote.OrderID, quote.ExpiresAt)
		}
		if time.Now().After(expiresAt) {
			return nil, ivxp.Newf(ivxp.ErrOrderExpired, "quote for order %s expired at %s", quote.OrderID, quote.ExpiresAt)
		}
	}
	if e.payments != nil {
		balance, err := e.payments.Balance(ctx, e.network, e.crypto.Address())
		if err != nil {
			return nil, err
		}
		if balance.Int64() < priceBaseUnits {
			return nil, ivxp.Newf(ivxp.ErrInsufficientBalance, "balance %s below price %s", balance.String(), quote.Quote.PriceUSDC)
		}
	}

	txHash, err := e.payments.SendUSDC(ctx, e.network, quote.Quote.PaymentAddress, priceBaseUnits)
	if err != nil {
		return nil, ivxp.NewError(ivxp.ErrTransactionSubmissionFailed, "send usdc").WithCause(err)
	}
	e.bus.Emit(Event{Type: EventPaymentSent, OrderID: quote.OrderID, Data: map[string]interface{}{"tx_hash": txHash}})

	if err := e.awaitConfirmation(ctx, txHash); err != nil {
		return nil, err
	}
	e.bus.Emit(Event{Type: EventPaymentConfirmed, OrderID: quote.OrderID, Data: map[string]interface{}{"tx_hash": txHash}})

	accepted, err := e.submitDelivery(ctx, opts.ProviderBaseURL, quote, txHash, opts.DeliveryEndpoint)
	if err != nil {
		return nil, err
	}
	e.bus.Emit(Event{Type: EventOrderPaid, OrderID: quote.OrderID, Data: map[string]interface{}{"status": accepted.Status}})

	deliverable, err := e.awaitDeliverable(ctx, opts.ProviderBaseURL, quote.OrderID, accepted.StreamURL, catalog, opts.PollOptions)
	if err != nil {
		return nil, err
	}

	if !ivxp.ValidContentHash(deliverable.ContentHash) {
		return nil, ivxp.Newf(ivxp.ErrContentHashMismatch, "order %s: malformed content_hash %q", quote.OrderID, deliverable.ContentHash)
	}
	want := ivxp.NormalizeContentHash(deliverable.ContentHash)
	got := ivxp.ContentHashHex(deliverable.Deliverable.Content)
	if want != got {
		return nil, ivxp.Newf(ivxp.ErrContentHashMismatch, "order %s: content_hash %s does not match delivered content", quote.OrderID, want)
	}
	e.bus.Emit(Event{Type: EventOrderDelivered, OrderID: quote.OrderID, Data: map[string]interface{}{"content_hash": got}})

	return &Result{
		OrderID:     quote.OrderID,
		TxHash:      txHash,
		Content:     deliverable.Deliverable.Content,
		Format:      deliverable.Deliverable.Format,
		ContentHash: got,
	}, nil
}

// Confirm optionally POSTs /ivxp/confirm/{id} to close out the order.
func (e *Engine) Confirm(ctx context.Context, providerBaseURL, orderID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, providerBaseURL+"/ivxp/confirm/"+orderID, nil)
	if err != nil {
		return err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return ivxp.NewError(ivxp.ErrServiceUnavailable, "confirm order").WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeErrorResponse(resp)
	}
	e.bus.Emit(Event{Type: EventOrderConfirmed, OrderID: orderID})
	return nil
}

func (e *Engine) fetchCatalog(ctx context.Context, baseURL string) (*ivxp.ServiceCatalog, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/ivxp/catalog", nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, ivxp.NewError(ivxp.ErrServiceUnavailable, "fetch catalog").WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeErrorResponse(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var catalog ivxp.ServiceCatalog
	extra, err := ivxp.Decode(body, &catalog)
	if err != nil {
		return nil, err
	}
	catalog.Extra = extra
	return &catalog, nil
}

func findCatalogService(c *ivxp.ServiceCatalog, serviceType string) *ivxp.CatalogService {
	for i := range c.Services {
		if c.Services[i].Type == serviceType {
			return &c.Services[i]
		}
	}
	return nil
}

func (e *Engine) requestQuote(ctx context.Context, baseURL string, opts RequestOptions, catalog *ivxp.ServiceCatalog) (*ivxp.ServiceQuote, error) {
	reqBody := ivxp.ServiceRequest{
		Protocol:    ivxp.ProtocolVersion,
		MessageType: "service_request",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		ClientAgent: ivxp.AgentRef{
			Name:          e.name,
			WalletAddress: e.crypto.Address(),
		},
		ServiceRequest: ivxp.ServiceRequestBody{
			Type:           opts.ServiceType,
			Description:    opts.Description,
			BudgetUSDC:     opts.BudgetUSDC,
			DeliveryFormat: opts.DeliveryFormat,
		},
	}
	data, err := ivxp.Encode(reqBody, nil)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/ivxp/request", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, ivxp.NewError(ivxp.ErrServiceUnavailable, "submit service request").WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeErrorResponse(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var quote ivxp.ServiceQuote
	extra, err := ivxp.Decode(body, &quote)
	if err != nil {
		return nil, err
	}
	quote.Extra = extra
	return &quote, nil
}

// awaitConfirmation blocks until the payment client's own chain view
// reports txHash as mined, using the same backoff the status poller
// uses elsewhere in this package. A mined-but-reverted transfer fails
// fast with ErrTransactionFailed rather than exhausting the poll
// budget: a revert will never become a confirmation no matter how long
// this waits.
func (e *Engine) awaitConfirmation(ctx context.Context, txHash string) error {
	opts := delivery.DefaultPollOptions()
	_, err := delivery.PollWithBackoff(ctx, opts, func(ctx context.Context) (struct{}, bool, error) {
		ev, err := e.payments.VerifyTransfer(ctx, e.network, txHash)
		if err != nil {
			return struct{}{}, false, err
		}
		if ev == nil {
			return struct{}{}, false, nil
		}
		if !ev.Confirmed {
			return struct{}{}, false, ivxp.Newf(ivxp.ErrTransactionFailed, "transaction %s reverted", txHash)
		}
		return struct{}{}, true, nil
	})
	return err
}

func (e *Engine) submitDelivery(ctx context.Context, baseURL string, quote *ivxp.ServiceQuote, txHash, deliveryEndpoint string) (*ivxp.DeliveryAccepted, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	signedMessage := ivxp.CanonicalSignedMessage(quote.OrderID, txHash, now)
	signature, err := e.crypto.Sign(signedMessage)
	if err != nil {
		return nil, err
	}

	reqBody := ivxp.DeliveryRequest{
		Protocol:    ivxp.ProtocolVersion,
		MessageType: "delivery_request",
		Timestamp:   now,
		OrderID:     quote.OrderID,
		PaymentProof: ivxp.PaymentProof{
			TxHash:      txHash,
			FromAddress: e.crypto.Address(),
			Network:     string(e.network),
			ToAddress:   quote.Quote.PaymentAddress,
			AmountUSDC:  quote.Quote.PriceUSDC,
		},
		DeliveryEndpoint: deliveryEndpoint,
		Signature:        signature,
		SignedMessage:    signedMessage,
	}
	data, err := ivxp.Encode(reqBody, nil)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/ivxp/deliver", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, ivxp.NewError(ivxp.ErrServiceUnavailable, "submit delivery request").WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeErrorResponse(resp)
	}
	var accepted ivxp.DeliveryAccepted
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		return nil, ivxp.NewError(ivxp.ErrInvalidRequest, "decode delivery accepted response").WithCause(err)
	}
	return &accepted, nil
}

// awaitDeliverable uses SSE when the catalog advertises it, falling
// back to exponential-backoff status polling otherwise, then fetches
// the deliverable body once the order is terminal.
func (e *Engine) awaitDeliverable(ctx context.Context, baseURL, orderID, streamURL string, catalog *ivxp.ServiceCatalog, pollOpts *delivery.PollOptions) (*ivxp.Deliverable, error) {
	if catalog.HasCapability("sse") {
		err := e.awaitViaSSE(ctx, baseURL, orderID, streamURL)
		if err == nil {
			return e.fetchDeliverable(ctx, baseURL, orderID)
		}
		e.bus.Emit(Event{Type: EventSSEFallback, OrderID: orderID, Data: map[string]interface{}{"reason": err.Error()}})
	}

	opts := delivery.DefaultPollOptions()
	if pollOpts != nil {
		opts = *pollOpts
	}
	terminal := map[ivxp.OrderStatus]bool{
		ivxp.StatusDelivered:      true,
		ivxp.StatusDeliveryFailed: true,
		ivxp.StatusConfirmed:      true,
	}
	_, err := delivery.PollOrderStatus(ctx, opts, func(ctx context.Context) (*ivxp.OrderStatusView, error) {
		return e.fetchStatus(ctx, baseURL, orderID)
	}, terminal)
	if err != nil {
		return nil, err
	}
	return e.fetchDeliverable(ctx, baseURL, orderID)
}

func (e *Engine) awaitViaSSE(ctx context.Context, baseURL, orderID, streamURL string) error {
	if streamURL == "" {
		streamURL = baseURL + "/ivxp/orders/" + orderID + "/stream"
	}
	sub := delivery.NewSSESubscriber(e.httpClient)
	resultCh := make(chan error, 1)
	unsubscribe, done := sub.Subscribe(ctx, orderID, streamURL, delivery.SSEHandlers{
		OnCompleted: func(json.RawMessage) { resultCh <- nil },
		OnFailed: func(data json.RawMessage) {
			resultCh <- ivxp.NewError(ivxp.ErrProviderError, "delivery failed: "+string(data))
		},
	})
	defer unsubscribe()

	select {
	case err := <-resultCh:
		return err
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) fetchStatus(ctx context.Context, baseURL, orderID string) (*ivxp.OrderStatusView, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/ivxp/status/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, ivxp.NewError(ivxp.ErrServiceUnavailable, "fetch order status").WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, decodeErrorResponse(resp)
	}
	var view ivxp.OrderStatusView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return nil, ivxp.NewError(ivxp.ErrInvalidRequest, "decode order status").WithCause(err)
	}
	return &view, nil
}

func (e *Engine) fetchDeliverable(ctx context.Context, baseURL, orderID string) (*ivxp.Deliverable, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/ivxp/download/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, ivxp.NewError(ivxp.ErrServiceUnavailable, "fetch deliverable").WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeErrorResponse(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var deliverable ivxp.Deliverable
	extra, err := ivxp.Decode(body, &deliverable)
	if err != nil {
		return nil, err
	}
	deliverable.Extra = extra
	return &deliverable, nil
}

func decodeErrorResponse(resp *http.Response) error {
	var body ivxp.ErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return ivxp.Newf(ivxp.ErrProviderError, "provider returned %s", strconv.Itoa(resp.StatusCode))
	}
	return ivxp.Newf(body.Error, "provider returned %s: %s", strconv.Itoa(resp.StatusCode), body.Error)
}

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ivxp "github.com/franksprotocols/ivxp-protocol-sub001"
	"github.com/franksprotocols/ivxp-protocol-sub001/signer"
	"github.com/franksprotocols/ivxp-protocol-sub001/store"
)

// fakeConfirmedPayments always reports a confirmed transfer matching
// whatever order the test seeds, so a test can drive handleDeliver past
// step 5 (payment verification) into step 6 (signature verification).
type fakeConfirmedPayments struct {
	from, to   string
	amountUSDC int64
}

func (f *fakeConfirmedPayments) VerifyTransfer(ctx context.Context, network ivxp.Network, txHash string) (*ivxp.TransferEvent, error) {
	return &ivxp.TransferEvent{From: f.from, To: f.to, AmountUSDC: f.amountUSDC, Confirmed: true}, nil
}

func (f *fakeConfirmedPayments) SendUSDC(ctx context.Context, network ivxp.Network, to string, amountBaseUnits int64) (string, error) {
	return "0xsent", nil
}

func (f *fakeConfirmedPayments) Balance(ctx context.Context, network ivxp.Network, address string) (*big.Int, error) {
	return big.NewInt(0), nil
}

const testProviderAddr = "0x3333333333333333333333333333333333333333"
const testClientAddr = "0x4444444444444444444444444444444444444444"

func newTestServer(t *testing.T) (*Server, *store.InMemoryStore) {
	t.Helper()
	orders := store.NewInMemoryStore()
	registry := NewHandlerRegistry()

	cfg := Config{
		ProviderName:   "test-provider",
		WalletAddress:  testProviderAddr,
		PaymentAddress: testProviderAddr,
		Network:        ivxp.NetworkBaseSepolia,
		Services: []ivxp.CatalogService{
			{Type: "text_echo", BasePriceUSDC: "1.000000", EstimatedDeliveryHours: 0.01},
		},
		Capabilities:  []string{"sse"},
		QuoteValidity: 15 * time.Minute,
		EnforceExpiry: true,
	}

	s := NewServer(cfg, orders, nil, nil, registry, nil)
	return s, orders
}

func TestCatalogEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/ivxp/catalog", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var catalog ivxp.ServiceCatalog
	if err := json.Unmarshal(w.Body.Bytes(), &catalog); err != nil {
		t.Fatalf("decode catalog: %v", err)
	}
	if len(catalog.Services) != 1 || catalog.Services[0].Type != "text_echo" {
		t.Errorf("unexpected catalog services: %+v", catalog.Services)
	}
}

func TestCatalogWrongMethodIs405(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/ivxp/catalog", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestRequestCreatesQuotedOrder(t *testing.T) {
	s, orders := newTestServer(t)
	body, _ := json.Marshal(ivxp.ServiceRequest{
		Protocol:    ivxp.ProtocolVersion,
		MessageType: "service_request",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		ClientAgent: ivxp.AgentRef{Name: "client", WalletAddress: testClientAddr},
		ServiceRequest: ivxp.ServiceRequestBody{
			Type:       "text_echo",
			BudgetUSDC: "10.000000",
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/ivxp/request", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var quote ivxp.ServiceQuote
	if err := json.Unmarshal(w.Body.Bytes(), &quote); err != nil {
		t.Fatalf("decode quote: %v", err)
	}
	if !ivxp.ValidOrderID(quote.OrderID) {
		t.Errorf("order_id %q does not match expected format", quote.OrderID)
	}

	stored, err := orders.Get(context.Background(), quote.OrderID)
	if err != nil {
		t.Fatalf("order not persisted: %v", err)
	}
	if stored.Status != ivxp.StatusQuoted {
		t.Errorf("expected status quoted, got %s", stored.Status)
	}
}

func TestRequestUnknownServiceIs404(t *testing.T) {
	s, _ := newTestServer(t)
	body, _ := json.Marshal(ivxp.ServiceRequest{
		Protocol:       ivxp.ProtocolVersion,
		ClientAgent:    ivxp.AgentRef{WalletAddress: testClientAddr},
		ServiceRequest: ivxp.ServiceRequestBody{Type: "nonexistent_service"},
	})
	req := httptest.NewRequest(http.MethodPost, "/ivxp/request", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestStatusUnknownOrderIs404(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/ivxp/status/ivxp-does-not-exist", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// TestDeliverRejectsInvalidOrderStatus: a /deliver call against a
// non-quoted order must fail 400 with no state change, before payment
// or signature verification ever runs.
func TestDeliverRejectsInvalidOrderStatus(t *testing.T) {
	s, orders := newTestServer(t)
	now := time.Now()
	order := &ivxp.Order{
		OrderID:         "ivxp-11111111-1111-4111-8111-111111111111",
		Status:          ivxp.StatusPaid,
		ProviderAddress: testProviderAddr,
		ClientAddress:   testClientAddr,
		Network:         ivxp.NetworkBaseSepolia,
		PriceUSDC:       "1.000000",
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(time.Hour),
	}
	if err := orders.Put(context.Background(), order); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	body, _ := json.Marshal(ivxp.DeliveryRequest{
		Protocol: ivxp.ProtocolVersion,
		OrderID:  order.OrderID,
		PaymentProof: ivxp.PaymentProof{
			TxHash:      "0x" + strings.Repeat("a", 64),
			FromAddress: order.ClientAddress,
			Network:     string(ivxp.NetworkBaseSepolia),
		},
		Signature:     "0x" + strings.Repeat("b", 130),
		SignedMessage: "Order: " + order.OrderID + " | Payment: 0xabc | Timestamp: now",
	})
	req := httptest.NewRequest(http.MethodPost, "/ivxp/deliver", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a non-quoted order, got %d: %s", w.Code, w.Body.String())
	}

	reloaded, err := orders.Get(context.Background(), order.OrderID)
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if reloaded.Status != ivxp.StatusPaid {
		t.Errorf("expected order status to remain unchanged, got %s", reloaded.Status)
	}
}

func TestDeliverUnknownOrderIs404(t *testing.T) {
	s, _ := newTestServer(t)
	body, _ := json.Marshal(ivxp.DeliveryRequest{
		Protocol: ivxp.ProtocolVersion,
		OrderID:  "ivxp-99999999-9999-4999-8999-999999999999",
		PaymentProof: ivxp.PaymentProof{
			TxHash:      "0x" + strings.Repeat("a", 64),
			FromAddress: testClientAddr,
			Network:     string(ivxp.NetworkBaseSepolia),
		},
		Signature:     "0x" + strings.Repeat("b", 130),
		SignedMessage: "Order: ivxp-99999999-9999-4999-8999-999999999999 | Payment: 0xabc | Timestamp: now",
	})
	req := httptest.NewRequest(http.MethodPost, "/ivxp/deliver", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// TestDeliverWrongSignerIs401: a signed_message produced by a different
// key than client_agent.wallet_address must be rejected with 401 and
// must leave the order in its pre-existing quoted state.
func TestDeliverWrongSignerIs401(t *testing.T) {
	clientSigner, err := signer.NewService(strings.Repeat("11", 32))
	if err != nil {
		t.Fatalf("new client signer: %v", err)
	}
	attackerSigner, err := signer.NewService(strings.Repeat("22", 32))
	if err != nil {
		t.Fatalf("new attacker signer: %v", err)
	}

	orders := store.NewInMemoryStore()
	registry := NewHandlerRegistry()
	cfg := Config{
		ProviderName:   "test-provider",
		WalletAddress:  testProviderAddr,
		PaymentAddress: testProviderAddr,
		Network:        ivxp.NetworkBaseSepolia,
		Services: []ivxp.CatalogService{
			{Type: "text_echo", BasePriceUSDC: "1.000000", EstimatedDeliveryHours: 0.01},
		},
		Capabilities:  []string{"sse"},
		QuoteValidity: 15 * time.Minute,
		EnforceExpiry: true,
	}
	payments := &fakeConfirmedPayments{from: clientSigner.Address(), to: testProviderAddr, amountUSDC: 1_000_000}
	s := NewServer(cfg, orders, payments, clientSigner, registry, nil)

	now := time.Now()
	order := &ivxp.Order{
		OrderID:         "ivxp-22222222-2222-4222-8222-222222222222",
		Status:          ivxp.StatusQuoted,
		ProviderAddress: testProviderAddr,
		ClientAddress:   clientSigner.Address(),
		Network:         ivxp.NetworkBaseSepolia,
		PriceUSDC:       "1.000000",
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(time.Hour),
	}
	if err := orders.Put(context.Background(), order); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	txHash := "0x" + strings.Repeat("a", 64)
	timestamp := now.UTC().Format(time.RFC3339)
	signedMessage := ivxp.CanonicalSignedMessage(order.OrderID, txHash, timestamp)

	// The attacker's key signs, not the client's own key: the signature
	// recovers to attackerSigner.Address(), which does not match
	// order.ClientAddress.
	sig, err := attackerSigner.Sign(signedMessage)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	body, _ := json.Marshal(ivxp.DeliveryRequest{
		Protocol: ivxp.ProtocolVersion,
		OrderID:  order.OrderID,
		PaymentProof: ivxp.PaymentProof{
			TxHash:      txHash,
			FromAddress: clientSigner.Address(),
			Network:     string(ivxp.NetworkBaseSepolia),
		},
		Signature:     sig,
		SignedMessage: signedMessage,
	})
	req := httptest.NewRequest(http.MethodPost, "/ivxp/deliver", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a wrong-signer signature, got %d: %s", w.Code, w.Body.String())
	}

	reloaded, err := orders.Get(context.Background(), order.OrderID)
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if reloaded.Status != ivxp.StatusQuoted {
		t.Errorf("expected order status to remain quoted, got %s", reloaded.Status)
	}
}

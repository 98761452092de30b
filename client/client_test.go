package client

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	ivxp "github.com/franksprotocols/ivxp-protocol-sub001"
)

type fakeCrypto struct {
	address string
}

func (f *fakeCrypto) Sign(message string) (string, error) { return "0x" + message, nil }
func (f *fakeCrypto) Verify(message, signature, expectedAddress string) (bool, error) {
	return true, nil
}
func (f *fakeCrypto) Address() string { return f.address }

type fakePayments struct {
	balance     int64
	sendTxHash  string
	confirmed   bool
	reverted    bool
	verifyCalls int
}

func (f *fakePayments) VerifyTransfer(ctx context.Context, network ivxp.Network, txHash string) (*ivxp.TransferEvent, error) {
	f.verifyCalls++
	if f.reverted {
		return &ivxp.TransferEvent{Confirmed: false}, nil
	}
	if !f.confirmed {
		return nil, nil
	}
	return &ivxp.TransferEvent{Confirmed: true}, nil
}

func (f *fakePayments) SendUSDC(ctx context.Context, network ivxp.Network, to string, amountBaseUnits int64) (string, error) {
	return f.sendTxHash, nil
}

func (f *fakePayments) Balance(ctx context.Context, network ivxp.Network, address string) (*big.Int, error) {
	return big.NewInt(f.balance), nil
}

const testClientAddr = "0x2222222222222222222222222222222222222222"
const testProviderPayAddr = "0x3333333333333333333333333333333333333333"

// newFakeProvider serves the minimal subset of the provider endpoints
// RequestService walks through, returning a deliverable that matches
// its own content hash.
func newFakeProvider(t *testing.T, content string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/ivxp/catalog", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ivxp.ServiceCatalog{
			Protocol:      ivxp.ProtocolVersion,
			Provider:      "fake-provider",
			WalletAddress: testProviderPayAddr,
			Services: []ivxp.CatalogService{
				{Type: "echo", BasePriceUSDC: "0.500000"},
			},
		})
	})

	mux.HandleFunc("/ivxp/request", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ivxp.ServiceQuote{
			Protocol:    ivxp.ProtocolVersion,
			MessageType: "service_quote",
			OrderID:     "ivxp-test-order",
			Quote: ivxp.QuoteBody{
				PriceUSDC:      "0.500000",
				PaymentAddress: testProviderPayAddr,
				Network:        string(ivxp.NetworkBaseSepolia),
			},
		})
	})

	mux.HandleFunc("/ivxp/deliver", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ivxp.DeliveryAccepted{
			OrderID: "ivxp-test-order",
			Status:  "paid",
		})
	})

	mux.HandleFunc("/ivxp/status/ivxp-test-order", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ivxp.OrderStatusView{
			OrderID: "ivxp-test-order",
			Status:  "delivered",
		})
	})

	mux.HandleFunc("/ivxp/download/ivxp-test-order", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ivxp.Deliverable{
			Protocol:    ivxp.ProtocolVersion,
			MessageType: "deliverable",
			OrderID:     "ivxp-test-order",
			Status:      "delivered",
			Deliverable: ivxp.DeliverableBody{
				Type:    "echo",
				Format:  "text/plain",
				Content: content,
			},
			ContentHash: ivxp.ContentHashHex(content),
		})
	})

	return httptest.NewServer(mux)
}

func TestRequestServiceHappyPath(t *testing.T) {
	content := "fulfilled content"
	srv := newFakeProvider(t, content)
	defer srv.Close()

	payments := &fakePayments{balance: 1_000_000, sendTxHash: "0x" + repeat("a", 64), confirmed: true}
	crypto := &fakeCrypto{address: testClientAddr}

	engine := New(Config{
		Payments: payments,
		Crypto:   crypto,
		Network:  ivxp.NetworkBaseSepolia,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := engine.RequestService(ctx, RequestOptions{
		ProviderBaseURL: srv.URL,
		ServiceType:     "echo",
		BudgetUSDC:      "1.000000",
	})
	if err != nil {
		t.Fatalf("RequestService: %v", err)
	}
	if result.OrderID != "ivxp-test-order" {
		t.Errorf("order id = %q, want ivxp-test-order", result.OrderID)
	}
	if result.Content != content {
		t.Errorf("content = %q, want %q", result.Content, content)
	}
	if result.ContentHash != ivxp.ContentHashHex(content) {
		t.Errorf("content hash mismatch")
	}
}

func TestRequestServiceRejectsOverBudget(t *testing.T) {
	srv := newFakeProvider(t, "content")
	defer srv.Close()

	payments := &fakePayments{balance: 1_000_000, confirmed: true}
	crypto := &fakeCrypto{address: testClientAddr}
	engine := New(Config{Payments: payments, Crypto: crypto, Network: ivxp.NetworkBaseSepolia})

	_, err := engine.RequestService(context.Background(), RequestOptions{
		ProviderBaseURL: srv.URL,
		ServiceType:     "echo",
		BudgetUSDC:      "0.100000",
	})
	if ivxp.CodeOf(err) != ivxp.ErrBudgetExceeded {
		t.Fatalf("code = %q, want %q", ivxp.CodeOf(err), ivxp.ErrBudgetExceeded)
	}
}

func TestRequestServiceRejectsInsufficientBalance(t *testing.T) {
	srv := newFakeProvider(t, "content")
	defer srv.Close()

	payments := &fakePayments{balance: 100, confirmed: true}
	crypto := &fakeCrypto{address: testClientAddr}
	engine := New(Config{Payments: payments, Crypto: crypto, Network: ivxp.NetworkBaseSepolia})

	_, err := engine.RequestService(context.Background(), RequestOptions{
		ProviderBaseURL: srv.URL,
		ServiceType:     "echo",
		BudgetUSDC:      "1.000000",
	})
	if ivxp.CodeOf(err) != ivxp.ErrInsufficientBalance {
		t.Fatalf("code = %q, want %q", ivxp.CodeOf(err), ivxp.ErrInsufficientBalance)
	}
}

func TestRequestServiceRejectsUnknownService(t *testing.T) {
	srv := newFakeProvider(t, "content")
	defer srv.Close()

	payments := &fakePayments{balance: 1_000_000, confirmed: true}
	crypto := &fakeCrypto{address: testClientAddr}
	engine := New(Config{Payments: payments, Crypto: crypto, Network: ivxp.NetworkBaseSepolia})

	_, err := engine.RequestService(context.Background(), RequestOptions{
		ProviderBaseURL: srv.URL,
		ServiceType:     "does-not-exist",
	})
	if ivxp.CodeOf(err) != ivxp.ErrServiceNotFound {
		t.Fatalf("code = %q, want %q", ivxp.CodeOf(err), ivxp.ErrServiceNotFound)
	}
}

func TestRequestServiceFailsFastOnRevertedTransfer(t *testing.T) {
	var deliverCalled bool
	mux := http.NewServeMux()
	mux.HandleFunc("/ivxp/catalog", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ivxp.ServiceCatalog{
			Protocol: ivxp.ProtocolVersion, Provider: "fake-provider", WalletAddress: testProviderPayAddr,
			Services: []ivxp.CatalogService{{Type: "echo", BasePriceUSDC: "0.500000"}},
		})
	})
	mux.HandleFunc("/ivxp/request", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ivxp.ServiceQuote{
			Protocol: ivxp.ProtocolVersion, MessageType: "service_quote", OrderID: "ivxp-test-order",
			Quote: ivxp.QuoteBody{PriceUSDC: "0.500000", PaymentAddress: testProviderPayAddr, Network: string(ivxp.NetworkBaseSepolia)},
		})
	})
	mux.HandleFunc("/ivxp/deliver", func(w http.ResponseWriter, r *http.Request) {
		deliverCalled = true
		json.NewEncoder(w).Encode(ivxp.DeliveryAccepted{OrderID: "ivxp-test-order", Status: "paid"})
	})
	revertedSrv := httptest.NewServer(mux)
	defer revertedSrv.Close()

	payments := &fakePayments{balance: 1_000_000, sendTxHash: "0x" + repeat("c", 64), reverted: true}
	crypto := &fakeCrypto{address: testClientAddr}
	engine := New(Config{Payments: payments, Crypto: crypto, Network: ivxp.NetworkBaseSepolia})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := engine.RequestService(ctx, RequestOptions{
		ProviderBaseURL: revertedSrv.URL,
		ServiceType:     "echo",
	})
	if ivxp.CodeOf(err) != ivxp.ErrTransactionFailed {
		t.Fatalf("code = %q, want %q", ivxp.CodeOf(err), ivxp.ErrTransactionFailed)
	}
	if deliverCalled {
		t.Error("expected /ivxp/deliver to never be called after a reverted transfer")
	}
}

func TestEventBusEmitsOrderedEvents(t *testing.T) {
	content := "fulfilled content"
	srv := newFakeProvider(t, content)
	defer srv.Close()

	payments := &fakePayments{balance: 1_000_000, sendTxHash: "0x" + repeat("b", 64), confirmed: true}
	crypto := &fakeCrypto{address: testClientAddr}

	var seen []EventType
	bus := NewBus()
	for _, et := range []EventType{EventOrderQuoted, EventPaymentSent, EventPaymentConfirmed, EventOrderPaid, EventOrderDelivered} {
		et := et
		bus.Subscribe(et, func(e Event) { seen = append(seen, e.Type) })
	}

	engine := New(Config{Payments: payments, Crypto: crypto, Bus: bus, Network: ivxp.NetworkBaseSepolia})

	_, err := engine.RequestService(context.Background(), RequestOptions{
		ProviderBaseURL: srv.URL,
		ServiceType:     "echo",
	})
	if err != nil {
		t.Fatalf("RequestService: %v", err)
	}

	want := []EventType{EventOrderQuoted, EventPaymentSent, EventPaymentConfirmed, EventOrderPaid, EventOrderDelivered}
	if len(seen) != len(want) {
		t.Fatalf("got %d events %v, want %d", len(seen), seen, len(want))
	}
	for i, et := range want {
		if seen[i] != et {
			t.Errorf("event[%d] = %q, want %q", i, seen[i], et)
		}
	}
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s[0])
	}
	return string(out)
}

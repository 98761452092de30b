// Package provider implements C3, the provider-side HTTP engine: it
// advertises a catalog, quotes orders, verifies payment and signature on
// delivery requests, and dispatches service handlers asynchronously.
package provider

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	ivxp "github.com/franksprotocols/ivxp-protocol-sub001"
	"github.com/franksprotocols/ivxp-protocol-sub001/payment"
)

const maxRequestBody = 64 * 1024 // 64 KiB cap on /request and /deliver

// Config configures a Server.
type Config struct {
	ProviderName    string
	WalletAddress   string
	PaymentAddress  string
	Network         ivxp.Network
	TokenContract   string
	Services        []ivxp.CatalogService
	Capabilities    []string
	QuoteValidity   time.Duration
	EnforceExpiry   bool // DESIGN.md: Open Question decision — enforce quote expiry at /deliver
}

// Server is the provider engine.
type Server struct {
	cfg      Config
	orders   ivxp.OrderStorage
	crypto   ivxp.CryptoService
	verifier *payment.Verifier
	registry *HandlerRegistry
	log      *slog.Logger
	engine   *gin.Engine
}

// NewServer wires a Server from its capability dependencies.
func NewServer(cfg Config, orders ivxp.OrderStorage, payments ivxp.PaymentService, crypto ivxp.CryptoService, registry *HandlerRegistry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.QuoteValidity == 0 {
		cfg.QuoteValidity = ivxp.DefaultQuoteValidity
	}
	s := &Server{
		cfg:      cfg,
		orders:   orders,
		crypto:   crypto,
		verifier: payment.NewVerifier(payments, orders),
		registry: registry,
		log:      log,
	}
	s.engine = s.newEngine()
	return s
}

// Handler returns the http.Handler serving every IVXP endpoint.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) newEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery())
	r.Use(s.requestSizeLimit())

	ivxpGroup := r.Group("/ivxp")
	ivxpGroup.GET("/catalog", s.handleCatalog)
	ivxpGroup.POST("/request", s.handleRequest)
	ivxpGroup.POST("/deliver", s.handleDeliver)
	ivxpGroup.GET("/status/:id", s.handleStatus)
	ivxpGroup.GET("/download/:id", s.handleDownload)
	ivxpGroup.POST("/confirm/:id", s.handleConfirm)
	ivxpGroup.GET("/orders/:id/stream", s.handleStream)

	// Method mismatch on a known path must be 405, never 404.
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, ivxp.ErrorBody{Error: "method not allowed"})
	})
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, ivxp.ErrorBody{Error: "not found"})
	})
	return r
}

func (s *Server) requestSizeLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBody)
		}
		c.Next()
	}
}

func (s *Server) respondError(c *gin.Context, status int, err error) {
	s.log.Warn("request failed", "path", c.Request.URL.Path, "code", ivxp.CodeOf(err), "error", err)
	c.JSON(status, ivxp.ErrorBody{Error: publicMessage(err)})
}

// publicMessage strips internal detail from err: no stack traces, no
// library error text passed through verbatim.
func publicMessage(err error) string {
	if code := ivxp.CodeOf(err); code != "" {
		return code
	}
	return "internal error"
}

func (s *Server) handleCatalog(c *gin.Context) {
	catalog := ivxp.ServiceCatalog{
		Protocol:      ivxp.ProtocolVersion,
		Provider:      s.cfg.ProviderName,
		WalletAddress: s.cfg.WalletAddress,
		Services:      s.cfg.Services,
		Capabilities:  s.cfg.Capabilities,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	c.JSON(http.StatusOK, catalog)
}

func (s *Server) handleRequest(c *gin.Context) {
	var req ivxp.ServiceRequest
	extra, err := decodeBody(c, &req)
	if err != nil {
		if err != errAlreadyHandled {
			s.respondError(c, http.StatusBadRequest, err)
		}
		return
	}
	req.Extra = extra
	if err := ivxp.ValidateServiceRequest(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}

	svc := s.findService(req.ServiceRequest.Type)
	if svc == nil {
		s.respondError(c, http.StatusNotFound, ivxp.NewError(ivxp.ErrServiceNotFound, "unknown service type"))
		return
	}

	now := time.Now()
	orderID := ivxp.OrderIDPrefix + uuid.NewString()
	order := &ivxp.Order{
		OrderID:         orderID,
		Status:          ivxp.StatusQuoted,
		ClientAddress:   req.ClientAgent.WalletAddress,
		ProviderAddress: s.cfg.PaymentAddress,
		ServiceType:     svc.Type,
		PriceUSDC:       svc.BasePriceUSDC,
		Network:         s.cfg.Network,
		TokenContract:   s.cfg.TokenContract,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(s.cfg.QuoteValidity),
	}
	if err := s.orders.Put(c.Request.Context(), order); err != nil {
		s.respondError(c, http.StatusInternalServerError, err)
		return
	}

	quote := ivxp.ServiceQuote{
		Protocol:    ivxp.ProtocolVersion,
		MessageType: "service_quote",
		Timestamp:   now.UTC().Format(time.RFC3339),
		OrderID:     orderID,
		ProviderAgent: ivxp.AgentRef{
			Name:          s.cfg.ProviderName,
			WalletAddress: s.cfg.WalletAddress,
		},
		Quote: ivxp.QuoteBody{
			PriceUSDC:      svc.BasePriceUSDC,
			PaymentAddress: s.cfg.PaymentAddress,
			Network:        string(s.cfg.Network),
			TokenContract:  s.cfg.TokenContract,
		},
		ExpiresAt: order.ExpiresAt.UTC().Format(time.RFC3339),
	}
	c.JSON(http.StatusOK, quote)
}

func (s *Server) findService(serviceType string) *ivxp.CatalogService {
	for i := range s.cfg.Services {
		if s.cfg.Services[i].Type == serviceType {
			return &s.cfg.Services[i]
		}
	}
	return nil
}

// handleDeliver implements the nine-step /deliver contract.
func (s *Server) handleDeliver(c *gin.Context) {
	var req ivxp.DeliveryRequest
	extra, err := decodeBody(c, &req)
	if err != nil {
		if err != errAlreadyHandled {
			s.respondError(c, http.StatusBadRequest, err)
		}
		return
	}
	req.Extra = extra
	if err := ivxp.ValidateDeliveryRequest(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}

	ctx := c.Request.Context()

	// 1. Look up order.
	order, err := s.orders.Get(ctx, req.OrderID)
	if err != nil {
		s.respondError(c, http.StatusNotFound, err)
		return
	}

	// 2. Must still be quoted.
	if order.Status != ivxp.StatusQuoted {
		s.respondError(c, http.StatusBadRequest, ivxp.Newf(ivxp.ErrInvalidOrderStatus, "order %s is %s, not quoted", order.OrderID, order.Status))
		return
	}

	// Quote-expiry enforcement at /deliver (DESIGN.md Open Question decision).
	if s.cfg.EnforceExpiry && order.Expired(time.Now()) {
		s.respondError(c, http.StatusBadRequest, ivxp.Newf(ivxp.ErrOrderExpired, "quote for order %s expired at %s", order.OrderID, order.ExpiresAt))
		return
	}

	// 3. Network must match.
	if ivxp.Network(req.PaymentProof.Network) != order.Network {
		s.respondError(c, http.StatusBadRequest, ivxp.Newf(ivxp.ErrNetworkMismatch, "payment network %s does not match order network %s", req.PaymentProof.Network, order.Network))
		return
	}

	// 4. signed_message must contain order_id (already checked structurally
	// by ValidateDeliveryRequest); re-check the canonical form isn't empty.
	if !strings.Contains(req.SignedMessage, req.OrderID) {
		s.respondError(c, http.StatusBadRequest, ivxp.NewError(ivxp.ErrInvalidSignedMessage, "signed_message must contain order_id"))
		return
	}

	// 5. Verify payment. A returned error distinguishes "could not decide"
	// (propagate 5xx) from "not verified" (ok==false, err==nil or a
	// verification-grade error we still map to 402).
	ok, verr := s.verifier.Verify(ctx, order, req.PaymentProof)
	if verr != nil && isSystemError(verr) {
		s.respondError(c, http.StatusInternalServerError, verr)
		return
	}
	if !ok {
		if verr == nil {
			verr = ivxp.NewError(ivxp.ErrPaymentNotVerified, "payment not verified")
		}
		s.respondError(c, http.StatusPaymentRequired, verr)
		return
	}

	// 6. Verify signature over signed_message against the client's
	// address. Unlike payment verification, a crypto.Verify error here
	// is never "system could not decide" — it's always some flavor of
	// malformed or non-matching signature, so it maps to the same 401
	// as an explicit sigOK==false.
	sigOK, err := s.crypto.Verify(req.SignedMessage, req.Signature, order.ClientAddress)
	if err != nil || !sigOK {
		s.respondError(c, http.StatusUnauthorized, ivxp.NewError(ivxp.ErrSignatureVerificationFailed, "signature does not match client_agent.wallet_address").WithCause(err))
		return
	}

	// 7. CAS quoted -> paid.
	next, err := order.Advance(ivxp.StatusPaid, time.Now())
	if err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}
	next.TxHash = req.PaymentProof.TxHash
	next.DeliveryEndpoint = req.DeliveryEndpoint

	won, err := s.orders.CompareAndSwap(ctx, order.OrderID, ivxp.StatusQuoted, next)
	if err != nil {
		s.respondError(c, http.StatusInternalServerError, err)
		return
	}
	if !won {
		s.respondError(c, http.StatusBadRequest, ivxp.Newf(ivxp.ErrInvalidOrderStatus, "order %s was concurrently transitioned", order.OrderID))
		return
	}

	// 8. Respond without waiting for handler completion.
	c.JSON(http.StatusOK, ivxp.DeliveryAccepted{
		OrderID: order.OrderID,
		Status:  "accepted",
		Message: "payment verified, processing order",
	})

	// 9. Dispatch the service handler asynchronously.
	go s.fulfill(next.OrderID)
}

// fulfill runs the registered handler for an order's service type and
// transitions the order to delivered or delivery_failed. It never
// propagates a panic to the server: a crashing handler is logged and
// treated as a delivery failure; it must never terminate the server.
func (s *Server) fulfill(orderID string) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("service handler panicked", "order_id", orderID, "panic", r)
			s.failOrder(ctx, orderID, "handler panicked")
		}
	}()

	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		s.log.Error("fulfill: order vanished", "order_id", orderID, "error", err)
		return
	}

	handler, ok := s.registry.Lookup(order.ServiceType)
	if !ok {
		s.log.Error("fulfill: no handler registered", "order_id", orderID, "service_type", order.ServiceType)
		s.failOrder(ctx, orderID, "no handler registered for service type")
		return
	}

	content, format, err := handler.Fulfill(ctx, order)
	if err != nil {
		s.log.Error("fulfill: handler error", "order_id", orderID, "error", err)
		s.failOrder(ctx, orderID, err.Error())
		return
	}

	delivered, err := order.Advance(ivxp.StatusDelivered, time.Now())
	if err != nil {
		s.log.Error("fulfill: advance to delivered", "order_id", orderID, "error", err)
		return
	}
	delivered.DeliverableBody = content
	delivered.DeliverableFmt = format
	delivered.ContentHash = ivxp.ContentHashHex(content)

	if _, err := s.orders.CompareAndSwap(ctx, orderID, ivxp.StatusPaid, delivered); err != nil {
		s.log.Error("fulfill: CAS to delivered", "order_id", orderID, "error", err)
	}
}

func (s *Server) failOrder(ctx context.Context, orderID, reason string) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return
	}
	failed, err := order.Advance(ivxp.StatusDeliveryFailed, time.Now())
	if err != nil {
		return
	}
	failed.FailureReason = reason
	if _, err := s.orders.CompareAndSwap(ctx, orderID, ivxp.StatusPaid, failed); err != nil {
		s.log.Error("failOrder: CAS to delivery_failed", "order_id", orderID, "error", err)
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	orderID := c.Param("id")
	order, err := s.orders.Get(c.Request.Context(), orderID)
	if err != nil {
		s.respondError(c, http.StatusNotFound, err)
		return
	}
	if order.Status == ivxp.StatusPaid {
		c.JSON(http.StatusAccepted, order.ToStatusView())
		return
	}
	c.JSON(http.StatusOK, order.ToStatusView())
}

func (s *Server) handleDownload(c *gin.Context) {
	orderID := c.Param("id")
	order, err := s.orders.Get(c.Request.Context(), orderID)
	if err != nil {
		s.respondError(c, http.StatusNotFound, err)
		return
	}
	if order.Status != ivxp.StatusDelivered && order.Status != ivxp.StatusConfirmed {
		s.respondError(c, http.StatusNotFound, ivxp.NewError(ivxp.ErrOrderNotFound, "deliverable not ready"))
		return
	}
	c.JSON(http.StatusOK, order.ToDeliverable())
}

// handleConfirm implements the supplemented optional terminal-confirm
// endpoint (DESIGN.md: "confirmed" open-question decision).
func (s *Server) handleConfirm(c *gin.Context) {
	orderID := c.Param("id")
	order, err := s.orders.Get(c.Request.Context(), orderID)
	if err != nil {
		s.respondError(c, http.StatusNotFound, err)
		return
	}
	next, err := order.Advance(ivxp.StatusConfirmed, time.Now())
	if err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}
	won, err := s.orders.CompareAndSwap(c.Request.Context(), orderID, order.Status, next)
	if err != nil {
		s.respondError(c, http.StatusInternalServerError, err)
		return
	}
	if !won {
		s.respondError(c, http.StatusBadRequest, ivxp.NewError(ivxp.ErrInvalidOrderStatus, "order state changed concurrently"))
		return
	}
	c.JSON(http.StatusOK, next.ToStatusView())
}

func isSystemError(err error) bool {
	switch ivxp.CodeOf(err) {
	case ivxp.ErrPaymentAmountMismatch, ivxp.ErrPaymentNotVerified, ivxp.ErrTransactionFailed,
		ivxp.ErrPaymentPending, ivxp.ErrPaymentFailed, ivxp.ErrInvalidTxHash:
		return false
	}
	return true
}

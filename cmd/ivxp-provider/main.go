// Command ivxp-provider runs a standalone IVXP provider offering one
// demo service, priced in USDC on Base.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ivxp "github.com/franksprotocols/ivxp-protocol-sub001"
	"github.com/franksprotocols/ivxp-protocol-sub001/config"
	"github.com/franksprotocols/ivxp-protocol-sub001/payment"
	"github.com/franksprotocols/ivxp-protocol-sub001/provider"
	"github.com/franksprotocols/ivxp-protocol-sub001/provider/example"
	"github.com/franksprotocols/ivxp-protocol-sub001/signer"
	"github.com/franksprotocols/ivxp-protocol-sub001/store"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.LoadProvider()
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}

	payments, err := payment.NewService(
		map[ivxp.Network]string{cfg.Network: cfg.RPCURL},
		map[ivxp.Network]int64{cfg.Network: cfg.ChainID},
	)
	if err != nil {
		log.Error("init payment service", "error", err)
		os.Exit(1)
	}

	var crypto ivxp.CryptoService
	if cfg.PrivateKey != "" {
		crypto, err = signer.NewService(cfg.PrivateKey)
		if err != nil {
			log.Error("init signer", "error", err)
			os.Exit(1)
		}
	}

	orders := store.NewInMemoryStore()
	registry := provider.NewHandlerRegistry()
	registry.Register("echo", example.EchoHandler{})

	srv := provider.NewServer(provider.Config{
		ProviderName:   cfg.ProviderName,
		WalletAddress:  cfg.WalletAddress,
		PaymentAddress: cfg.PaymentAddress,
		Network:        cfg.Network,
		TokenContract:  cfg.TokenContract,
		QuoteValidity:  cfg.QuoteValidity,
		EnforceExpiry:  cfg.EnforceExpiry,
		Services: []ivxp.CatalogService{
			{Type: "echo", BasePriceUSDC: "0.010000", EstimatedDeliveryHours: 0},
		},
		Capabilities: []string{"sse"},
	}, orders, payments, crypto, registry, log)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	go func() {
		log.Info("provider listening", "addr", cfg.ListenAddr, "network", cfg.Network)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("serve", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("shutdown", "error", err)
	}
}

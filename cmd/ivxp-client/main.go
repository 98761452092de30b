// Command ivxp-client places one paid order against an IVXP provider
// and prints the delivered content.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	ivxp "github.com/franksprotocols/ivxp-protocol-sub001"
	ivxpclient "github.com/franksprotocols/ivxp-protocol-sub001/client"
	"github.com/franksprotocols/ivxp-protocol-sub001/config"
	"github.com/franksprotocols/ivxp-protocol-sub001/payment"
	"github.com/franksprotocols/ivxp-protocol-sub001/signer"
)

func main() {
	serviceType := flag.String("service", "echo", "service type to request")
	description := flag.String("description", "demo request", "service description")
	budget := flag.String("budget", "1.000000", "max USDC willing to spend")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.LoadClient()
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}

	crypto, err := signer.NewService(cfg.PrivateKey)
	if err != nil {
		log.Error("init signer", "error", err)
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
	if err := payments.WithSigner(cfg.PrivateKey); err != nil {
		log.Error("attach signer to payment service", "error", err)
		os.Exit(1)
	}

	bus := ivxpclient.NewBus()
	bus.Subscribe(ivxpclient.EventOrderQuoted, func(e ivxpclient.Event) {
		log.Info("order quoted", "order_id", e.OrderID, "data", e.Data)
	})
	bus.Subscribe(ivxpclient.EventPaymentSent, func(e ivxpclient.Event) {
		log.Info("payment sent", "order_id", e.OrderID, "data", e.Data)
	})
	bus.Subscribe(ivxpclient.EventOrderDelivered, func(e ivxpclient.Event) {
		log.Info("order delivered", "order_id", e.OrderID, "data", e.Data)
	})

	engine := ivxpclient.New(ivxpclient.Config{
		Payments:  payments,
		Crypto:    crypto,
		Bus:       bus,
		Network:   cfg.Network,
		AgentName: cfg.AgentName,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := engine.RequestService(ctx, ivxpclient.RequestOptions{
		ProviderBaseURL: cfg.ProviderBaseURL,
		ServiceType:     *serviceType,
		Description:     *description,
		BudgetUSDC:      *budget,
	})
	if err != nil {
		log.Error("request service", "error", err)
		os.Exit(1)
	}

	fmt.Printf("order %s delivered (tx %s):\n%s\n", result.OrderID, result.TxHash, result.Content)
}

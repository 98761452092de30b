// Package config loads IVXP provider and client configuration from
// environment variables, with an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	ivxp "github.com/franksprotocols/ivxp-protocol-sub001"
)

// ProviderConfig holds everything a provider binary needs to start serving.
type ProviderConfig struct {
	ProviderName    string
	ListenAddr      string
	WalletAddress   string
	PaymentAddress  string
	PrivateKey      string
	Network         ivxp.Network
	TokenContract   string
	RPCURL          string
	ChainID         int64
	QuoteValidity   time.Duration
	EnforceExpiry   bool
}

// LoadProvider reads provider configuration from the environment. A .env
// file in the working directory is loaded first if present.
func LoadProvider() (*ProviderConfig, error) {
	_ = godotenv.Load()

	network := ivxp.Network(getEnv("IVXP_NETWORK", string(ivxp.NetworkBaseSepolia)))
	if !network.Valid() {
		return nil, fmt.Errorf("IVXP_NETWORK %q is not a supported network", network)
	}

	cfg := &ProviderConfig{
		ProviderName:   getEnv("IVXP_PROVIDER_NAME", "ivxp-demo-provider"),
		ListenAddr:     getEnv("IVXP_LISTEN_ADDR", ":8080"),
		WalletAddress:  getEnv("IVXP_WALLET_ADDRESS", ""),
		PaymentAddress: getEnv("IVXP_PAYMENT_ADDRESS", ""),
		PrivateKey:     getEnv("IVXP_PRIVATE_KEY", ""),
		Network:        network,
		TokenContract:  getEnv("IVXP_TOKEN_CONTRACT", ivxp.USDCContracts[network]),
		RPCURL:         getEnv("IVXP_RPC_URL", ""),
		ChainID:        int64(getEnvInt("IVXP_CHAIN_ID", 84532)),
		QuoteValidity:  time.Duration(getEnvInt("IVXP_QUOTE_VALIDITY_MINUTES", 15)) * time.Minute,
		EnforceExpiry:  getEnvBool("IVXP_ENFORCE_EXPIRY", true),
	}

	if cfg.WalletAddress == "" {
		return nil, fmt.Errorf("IVXP_WALLET_ADDRESS is required")
	}
	if cfg.PaymentAddress == "" {
		cfg.PaymentAddress = cfg.WalletAddress
	}
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("IVXP_RPC_URL is required")
	}
	return cfg, nil
}

// ClientConfig holds everything a client binary needs to place an order.
type ClientConfig struct {
	AgentName       string
	PrivateKey      string
	Network         ivxp.Network
	RPCURL          string
	ChainID         int64
	ProviderBaseURL string
	CallbackAddr    string
}

// LoadClient reads client configuration from the environment.
func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	network := ivxp.Network(getEnv("IVXP_NETWORK", string(ivxp.NetworkBaseSepolia)))
	if !network.Valid() {
		return nil, fmt.Errorf("IVXP_NETWORK %q is not a supported network", network)
	}

	cfg := &ClientConfig{
		AgentName:       getEnv("IVXP_AGENT_NAME", "ivxp-demo-client"),
		PrivateKey:      getEnv("IVXP_PRIVATE_KEY", ""),
		Network:         network,
		RPCURL:          getEnv("IVXP_RPC_URL", ""),
		ChainID:         int64(getEnvInt("IVXP_CHAIN_ID", 84532)),
		ProviderBaseURL: getEnv("IVXP_PROVIDER_URL", "http://localhost:8080"),
		CallbackAddr:    getEnv("IVXP_CALLBACK_ADDR", ""),
	}

	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("IVXP_PRIVATE_KEY is required")
	}
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("IVXP_RPC_URL is required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

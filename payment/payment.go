// Package payment verifies and submits on-chain USDC transfers.
package payment

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	ivxp "github.com/franksprotocols/ivxp-protocol-sub001"
)

// erc20TransferTopic is keccak256("Transfer(address,address,uint256)"),
// the event signature USDC (and every standard ERC-20) emits on a
// transfer. Logs are matched against this to avoid trusting the
// transaction's outer calldata, which a malicious client could forge.
var erc20TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Service is the default PaymentService, backed by a go-ethereum RPC
// client per configured network and an optional signing key for C6's
// SendUSDC.
type Service struct {
	clients    map[ivxp.Network]*ethclient.Client
	tokenAddrs map[ivxp.Network]common.Address
	chainIDs   map[ivxp.Network]*big.Int
	signer     *signerKey
}

type signerKey struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// WithSigner attaches a signing key to s, enabling SendUSDC. privateKeyHex
// is a hex-encoded secp256k1 key, with or without a leading "0x".
func (s *Service) WithSigner(privateKeyHex string) error {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return ivxp.Newf(ivxp.ErrInvalidPrivateKey, "parse private key").WithCause(err)
	}
	s.signer = &signerKey{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
	return nil
}

func (s *Service) signTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.NewLondonSigner(chainID), s.signer.key)
}

// NewService dials rpcURLs (one per supported network) and resolves the
// configured USDC contract address on each.
func NewService(rpcURLs map[ivxp.Network]string, chainIDs map[ivxp.Network]int64) (*Service, error) {
	s := &Service{
		clients:    make(map[ivxp.Network]*ethclient.Client),
		tokenAddrs: make(map[ivxp.Network]common.Address),
		chainIDs:   make(map[ivxp.Network]*big.Int),
	}
	for network, url := range rpcURLs {
		client, err := ethclient.Dial(url)
		if err != nil {
			return nil, ivxp.Newf(ivxp.ErrServiceUnavailable, "dial rpc for %s", network).WithCause(err)
		}
		tokenHex, ok := ivxp.USDCContracts[network]
		if !ok {
			return nil, ivxp.Newf(ivxp.ErrInvalidProviderConfig, "no usdc contract configured for network %s", network)
		}
		s.clients[network] = client
		s.tokenAddrs[network] = common.HexToAddress(tokenHex)
		if id, ok := chainIDs[network]; ok {
			s.chainIDs[network] = big.NewInt(id)
		}
	}
	return s, nil
}

// VerifyTransfer fetches the transaction receipt for txHash and scans its
// logs for a USDC Transfer event. A transaction that simply doesn't exist
// yet (not mined) is reported as a nil event with no error, which the
// Verifier reports as PAYMENT_PENDING; an RPC failure
// is returned as an error so it is never mistaken for "not paid".
func (s *Service) VerifyTransfer(ctx context.Context, network ivxp.Network, txHash string) (*ivxp.TransferEvent, error) {
	client, ok := s.clients[network]
	if !ok {
		return nil, ivxp.Newf(ivxp.ErrNetworkMismatch, "no rpc client configured for network %s", network)
	}
	tokenAddr := s.tokenAddrs[network]

	hash := common.HexToHash(txHash)
	_, isPending, err := client.TransactionByHash(ctx, hash)
	if err != nil {
		if err == ethereum.NotFound {
			return nil, nil
		}
		return nil, ivxp.Newf(ivxp.ErrServiceUnavailable, "fetch transaction %s", txHash).WithCause(err)
	}
	if isPending {
		return nil, nil
	}

	receipt, err := client.TransactionReceipt(ctx, hash)
	if err != nil {
		if err == ethereum.NotFound {
			return nil, nil
		}
		return nil, ivxp.Newf(ivxp.ErrServiceUnavailable, "fetch receipt for %s", txHash).WithCause(err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return &ivxp.TransferEvent{Confirmed: false, BlockNumber: int64(receipt.BlockNumber.Uint64())}, nil
	}

	for _, log := range receipt.Logs {
		if !strings.EqualFold(log.Address.Hex(), tokenAddr.Hex()) {
			continue
		}
		if len(log.Topics) != 3 || log.Topics[0] != erc20TransferTopic {
			continue
		}
		from := common.HexToAddress(log.Topics[1].Hex())
		to := common.HexToAddress(log.Topics[2].Hex())
		amount := new(big.Int).SetBytes(log.Data)

		return &ivxp.TransferEvent{
			From:        from.Hex(),
			To:          to.Hex(),
			AmountUSDC:  amount.Int64(),
			BlockNumber: int64(receipt.BlockNumber.Uint64()),
			Confirmed:   true,
		}, nil
	}
	return nil, nil
}

// SendUSDC requires the Service to have been constructed with a signing
// key (see WithSigner); it submits a standard ERC-20 transfer(address,uint256)
// call and returns the pending transaction hash without waiting for it
// to be mined.
func (s *Service) SendUSDC(ctx context.Context, network ivxp.Network, to string, amountBaseUnits int64) (string, error) {
	if s.signer == nil {
		return "", ivxp.NewError(ivxp.ErrInvalidProviderConfig, "payment service has no signing key configured")
	}
	client, ok := s.clients[network]
	if !ok {
		return "", ivxp.Newf(ivxp.ErrNetworkMismatch, "no rpc client configured for network %s", network)
	}
	chainID, ok := s.chainIDs[network]
	if !ok {
		return "", ivxp.Newf(ivxp.ErrInvalidProviderConfig, "no chain id configured for network %s", network)
	}
	tokenAddr := s.tokenAddrs[network]
	toAddr := common.HexToAddress(to)

	callData := packTransfer(toAddr, big.NewInt(amountBaseUnits))

	nonce, err := client.PendingNonceAt(ctx, s.signer.addr)
	if err != nil {
		return "", ivxp.NewError(ivxp.ErrTransactionSubmissionFailed, "fetch nonce").WithCause(err)
	}
	gasLimit := uint64(65_000)
	if est, err := client.EstimateGas(ctx, ethereum.CallMsg{From: s.signer.addr, To: &tokenAddr, Data: callData}); err == nil {
		gasLimit = est * 12 / 10
	}
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", ivxp.NewError(ivxp.ErrTransactionSubmissionFailed, "fetch latest header").WithCause(err)
	}
	tip := big.NewInt(1e9)
	feeCap := new(big.Int).Add(header.BaseFee, tip)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &tokenAddr,
		Value:     new(big.Int),
		Data:      callData,
	})

	signed, err := s.signTx(tx, chainID)
	if err != nil {
		return "", ivxp.NewError(ivxp.ErrTransactionSubmissionFailed, "sign transfer").WithCause(err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return "", ivxp.NewError(ivxp.ErrTransactionSubmissionFailed, "submit transfer").WithCause(err)
	}
	return signed.Hash().Hex(), nil
}

// Balance returns the ERC-20 balanceOf the given address on network.
func (s *Service) Balance(ctx context.Context, network ivxp.Network, address string) (*big.Int, error) {
	client, ok := s.clients[network]
	if !ok {
		return nil, ivxp.Newf(ivxp.ErrNetworkMismatch, "no rpc client configured for network %s", network)
	}
	tokenAddr := s.tokenAddrs[network]
	callData := packBalanceOf(common.HexToAddress(address))

	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: callData}, nil)
	if err != nil {
		return nil, ivxp.NewError(ivxp.ErrServiceUnavailable, "call balanceOf").WithCause(err)
	}
	return new(big.Int).SetBytes(out), nil
}

// WaitMined blocks until txHash is mined, wrapping go-ethereum's bind helper.
func WaitMined(ctx context.Context, client *ethclient.Client, txHash common.Hash) (*types.Receipt, error) {
	tx, _, err := client.TransactionByHash(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("fetch transaction: %w", err)
	}
	return bind.WaitMined(ctx, client, tx)
}

var transferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
var balanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]

func packTransfer(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 4+2*32)
	copy(data[:4], transferSelector)
	copy(data[4+12:4+32], to.Bytes())
	amt := amount.Bytes()
	copy(data[4+32+32-len(amt):4+64], amt)
	return data
}

func packBalanceOf(addr common.Address) []byte {
	data := make([]byte, 4+32)
	copy(data[:4], balanceOfSelector)
	copy(data[4+12:4+32], addr.Bytes())
	return data
}

var _ ivxp.PaymentService = (*Service)(nil)

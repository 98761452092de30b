// Package signer implements EIP-191 personal-sign signing and recovery
// (C5). IVXP intentionally does not use EIP-712 typed-data signing: the
// signed message is a plain string built by ivxp.CanonicalSignedMessage.
package signer

import (
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	ivxp "github.com/franksprotocols/ivxp-protocol-sub001"
)

// Service is the default CryptoService, backed by a single secp256k1 key.
type Service struct {
	key     *ecdsa.PrivateKey
	address string
}

// NewService parses a hex-encoded private key (with or without a leading
// "0x") and derives its wallet address.
func NewService(privateKeyHex string) (*Service, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, ivxp.Newf(ivxp.ErrInvalidPrivateKey, "parse private key").WithCause(err)
	}
	return &Service{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}, nil
}

// Address returns the signer's own wallet address.
func (s *Service) Address() string {
	return s.address
}

// Sign produces an EIP-191 personal-sign signature over message.
func (s *Service) Sign(message string) (string, error) {
	digest := accounts.TextHash([]byte(message))
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return "", ivxp.NewError(ivxp.ErrSignatureInvalid, "sign message").WithCause(err)
	}
	// crypto.Sign returns a recovery id of 0/1; personal_sign convention
	// (and ecrecover callers expecting it) is 27/28.
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// Verify recovers the signer of message from signature and reports
// whether it matches expectedAddress, case-insensitively.
func (s *Service) Verify(message, signature, expectedAddress string) (bool, error) {
	recovered, err := Recover(message, signature)
	if err != nil {
		return false, err
	}
	return ivxp.SameAddress(recovered, expectedAddress), nil
}

// Recover returns the address that produced signature over message under
// the EIP-191 personal-sign scheme.
func Recover(message, signature string) (string, error) {
	sigBytes, err := hexutil.Decode(signature)
	if err != nil || len(sigBytes) != 65 {
		return "", ivxp.NewError(ivxp.ErrSignatureInvalid, "signature must be 65 bytes hex-encoded")
	}
	sig := make([]byte, 65)
	copy(sig, sigBytes)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	digest := accounts.TextHash([]byte(message))
	pubBytes, err := crypto.Ecrecover(digest, sig)
	if err != nil {
		return "", ivxp.NewError(ivxp.ErrSignatureVerificationFailed, "ecrecover").WithCause(err)
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return "", ivxp.NewError(ivxp.ErrSignatureVerificationFailed, "unmarshal recovered public key").WithCause(err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

var _ ivxp.CryptoService = (*Service)(nil)

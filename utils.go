package ivxp

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	orderIDPattern    = regexp.MustCompile(`^ivxp-[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	addressPattern    = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	txHashPattern     = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	contentHashPattern = regexp.MustCompile(`^(sha256:)?[0-9a-fA-F]{64}$`)
)

// ValidOrderID reports whether id matches "ivxp-" + UUIDv4.
func ValidOrderID(id string) bool {
	return orderIDPattern.MatchString(id)
}

// ValidAddress reports whether s is a 0x-prefixed 20-byte hex address.
// Case is not significant; comparisons are checksum-agnostic.
func ValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}

// ValidTxHash reports whether s is a 0x-prefixed 32-byte hex hash.
func ValidTxHash(s string) bool {
	return txHashPattern.MatchString(s)
}

// NormalizeContentHash strips an optional "sha256:" prefix and
// lower-cases the remaining hex.
func NormalizeContentHash(s string) string {
	s = strings.TrimPrefix(s, "sha256:")
	return strings.ToLower(s)
}

// ValidContentHash reports whether s is a 64-char hex sha256 digest,
// with or without the "sha256:" prefix.
func ValidContentHash(s string) bool {
	return contentHashPattern.MatchString(s)
}

// ContentHashHex returns the lowercase hex sha256 digest of content, with
// no "sha256:" prefix.
func ContentHashHex(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ParseUSDCBaseUnits parses a decimal USDC amount string (at most
// USDCDecimals fractional digits, non-negative) into base units
// (micro-USDC, 10^6 per whole USDC). Amounts are never compared as
// floating point.
func ParseUSDCBaseUnits(amount string) (int64, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, Newf(ErrInvalidNumericString, "price_usdc %q is not a decimal number", amount).WithCause(err)
	}
	if d.IsNegative() {
		return 0, Newf(ErrInvalidNumericString, "price_usdc %q must be non-negative", amount)
	}
	if d.Exponent() < -USDCDecimals {
		return 0, Newf(ErrInvalidNumericString, "price_usdc %q has more than %d fractional digits", amount, USDCDecimals)
	}
	scaled := d.Shift(USDCDecimals)
	if !scaled.IsInteger() {
		return 0, Newf(ErrInvalidNumericString, "price_usdc %q does not scale to an integer base-unit amount", amount)
	}
	return scaled.IntPart(), nil
}

// FormatUSDC renders base units back into a 6-fractional-digit decimal
// string, e.g. 1000000 -> "1.000000".
func FormatUSDC(baseUnits int64) string {
	return decimal.New(baseUnits, -USDCDecimals).StringFixed(USDCDecimals)
}

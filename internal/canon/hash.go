package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Hash domains. Every content-addressed identity in the engine is
// computed over canonical bytes under exactly one of these domains,
// separated from the payload by a single zero byte. Two structures
// with identical canonical bytes but different domains never collide.
const (
	DomainOp        = "covenant/op/v1"
	DomainGraph     = "covenant/graph/v1"
	DomainBatch     = "covenant/batch/v1"
	DomainState     = "covenant/state/v1"
	DomainReceipt   = "covenant/receipt/v1"
	DomainFailure   = "covenant/failure/v1"
	DomainMatrix    = "covenant/matrix/v1"
	DomainPolicy    = "covenant/policy/v1"
	DomainContracts = "covenant/contracts/v1"
)

// ZeroHash is the genesis sentinel: the prev-hash of the first receipt
// in a chain. It is not the hash of any input.
const ZeroHash = "h:0000000000000000000000000000000000000000000000000000000000000000"

// HashWithDomain computes the domain-separated content hash of raw
// canonical bytes: SHA-256 over domain || 0x00 || data, rendered as
// "h:" + lowercase hex.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0})
	h.Write(data)
	return "h:" + hex.EncodeToString(h.Sum(nil))
}

// HashValue canonically encodes v and hashes it under domain.
func HashValue(domain string, v any) (string, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("canonical encoding for %s hash: %w", domain, err)
	}
	return HashWithDomain(domain, data), nil
}

// ValidHash reports whether s has the wire form of a content hash:
// "h:" followed by 64 lowercase hex digits.
func ValidHash(s string) bool {
	if len(s) != 66 || !strings.HasPrefix(s, "h:") {
		return false
	}
	for _, c := range s[2:] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

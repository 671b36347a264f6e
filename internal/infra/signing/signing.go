// Package signing provides the keyed digests used to sign agent reports.
// Client and server must be configured with the same algorithm.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	"beacon/internal/domain"
)

const (
	AlgorithmHMACSHA256  = "hmac-sha256"
	AlgorithmFNV1aDouble = "fnv1a-double"
)

var algorithms = map[string]domain.Signer{
	AlgorithmHMACSHA256:  HMACSHA256{},
	AlgorithmFNV1aDouble: FNV1aDouble{},
}

// New resolves a signer by its configured name.
func New(name string) (domain.Signer, error) {
	signer, ok := algorithms[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown signature algorithm %q (supported: %s)", name, strings.Join(Supported(), ", "))
	}
	return signer, nil
}

func Supported() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HMACSHA256 signs `timestamp:nonce:payload` keyed by the shared secret and
// renders the MAC as lowercase hex.
type HMACSHA256 struct{}

func (HMACSHA256) Algorithm() string { return AlgorithmHMACSHA256 }

func (HMACSHA256) Sign(secret string, timestamp int64, nonce, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{':'})
	mac.Write([]byte(nonce))
	mac.Write([]byte{':'})
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// FNV1aDouble is the digest computed by the lightweight legacy agent. It is
// not a MAC and only exists so those agents keep working; prefer
// HMACSHA256 for new deployments.
type FNV1aDouble struct{}

func (FNV1aDouble) Algorithm() string { return AlgorithmFNV1aDouble }

func (FNV1aDouble) Sign(secret string, timestamp int64, nonce, payload string) string {
	first := secret + ":" + strconv.FormatInt(timestamp, 10) + ":" + nonce + ":" + payload
	inner := fmt.Sprintf("%08x", fnv1a32(first))
	return fmt.Sprintf("%08x", fnv1a32(inner+":"+secret))
}

const (
	fnvOffset32 = 2166136261
	fnvPrime32  = 16777619
)

// fnv1a32 hashes UTF-16 code units rather than bytes; the agent runtime
// works on UTF-16 strings and XORs whole code units into the state.
func fnv1a32(s string) uint32 {
	hash := uint32(fnvOffset32)
	for _, unit := range utf16.Encode([]rune(s)) {
		hash ^= uint32(unit)
		hash *= fnvPrime32
	}
	return hash
}

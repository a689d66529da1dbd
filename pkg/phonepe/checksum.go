// Package phonepe implements the PhonePe PG X-VERIFY checksum scheme.
package phonepe

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Separator joins the hex digest and the salt index in an X-VERIFY header
const Separator = "###"

// Host URLs for the PhonePe PG API
const (
	SandboxHostURL    = "https://api-preprod.phonepe.com/apis/pg-sandbox"
	ProductionHostURL = "https://api.phonepe.com/apis/hermes"
)

var (
	// ErrEmptyHeader indicates the X-VERIFY header is missing or blank
	ErrEmptyHeader = errors.New("x-verify header is empty")

	// ErrMalformedHeader indicates the header is not hash###saltIndex
	ErrMalformedHeader = errors.New("x-verify header must be <sha256>###<saltIndex>")
)

// XVerify is a parsed X-VERIFY header
type XVerify struct {
	Hash      string
	SaltIndex string
}

// String renders the header value
func (x XVerify) String() string {
	return x.Hash + Separator + x.SaltIndex
}

// ParseXVerify splits an X-VERIFY header into its hash and salt index
func ParseXVerify(header string) (XVerify, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return XVerify{}, ErrEmptyHeader
	}

	hash, saltIndex, found := strings.Cut(header, Separator)
	if !found || hash == "" || saltIndex == "" {
		return XVerify{}, ErrMalformedHeader
	}

	return XVerify{Hash: strings.ToLower(hash), SaltIndex: saltIndex}, nil
}

// Checksum returns hex(SHA256(payload + saltKey))
func Checksum(payload, saltKey string) string {
	sum := sha256.Sum256([]byte(payload + saltKey))
	return hex.EncodeToString(sum[:])
}

// ComputeXVerify builds the X-VERIFY header value for payload
func ComputeXVerify(payload, saltKey, saltIndex string) string {
	return XVerify{Hash: Checksum(payload, saltKey), SaltIndex: saltIndex}.String()
}

// Matches reports whether the parsed hash equals the checksum of payload
func (x XVerify) Matches(payload, saltKey string) bool {
	expected := Checksum(payload, saltKey)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(x.Hash)) == 1
}

// StatusPath returns the status-check API path, which is also its signing input.
// Both segments are path-escaped so neither can change the request target.
func StatusPath(merchantID, merchantTransactionID string) string {
	return fmt.Sprintf("/pg/v1/status/%s/%s", url.PathEscape(merchantID), url.PathEscape(merchantTransactionID))
}

// StatusXVerify builds the X-VERIFY header for a status check
func StatusXVerify(merchantID, merchantTransactionID, saltKey, saltIndex string) string {
	return ComputeXVerify(StatusPath(merchantID, merchantTransactionID), saltKey, saltIndex)
}

// HostURL returns the API host for an environment name
func HostURL(environment string) string {
	if environment == "production" {
		return ProductionHostURL
	}
	return SandboxHostURL
}

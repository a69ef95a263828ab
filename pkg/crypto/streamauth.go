package crypto

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/uhyunpark/perplink/pkg/util"
)

// DefaultCredentialTTL bounds how long a stream credential stays valid.
const DefaultCredentialTTL = 60 * time.Second

var streamAuthType = []apitypes.Type{
	{Name: "sender", Type: "bytes32"},
	{Name: "expiration", Type: "uint64"},
}

// Credential is the signed proof attached to private stream subscriptions.
type Credential struct {
	Sender     string `json:"sender"`
	Expiration string `json:"expiration"` // unix milliseconds
	Signature  string `json:"signature"`
}

// ExpiresAt returns the credential expiration as a time.
func (c Credential) ExpiresAt() (time.Time, error) {
	ms, err := strconv.ParseInt(c.Expiration, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse expiration: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// StreamAuthSigner produces a fresh, time-bounded credential on every call.
type StreamAuthSigner struct {
	signer *Signer
	domain EIP712Domain
	ttl    time.Duration
	clock  util.Clock
}

// NewStreamAuthSigner builds a signer. ttl <= 0 selects DefaultCredentialTTL;
// a nil clock selects util.RealClock.
func NewStreamAuthSigner(signer *Signer, domain EIP712Domain, ttl time.Duration, clock util.Clock) *StreamAuthSigner {
	if ttl <= 0 {
		ttl = DefaultCredentialTTL
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	return &StreamAuthSigner{signer: signer, domain: domain, ttl: ttl, clock: clock}
}

// Address returns the signing identity.
func (s *StreamAuthSigner) Address() common.Address { return s.signer.Address() }

// Credential signs StreamAuthentication{sender, expiration} for sub.
// Credentials are never cached: the expiration moves with every call.
func (s *StreamAuthSigner) Credential(sub Subaccount) (Credential, error) {
	if s == nil || s.signer == nil {
		return Credential{}, fmt.Errorf("stream auth: no signer configured")
	}
	expiration := uint64(s.clock.Now().Add(s.ttl).UnixMilli())
	digest, err := HashStreamAuthentication(s.domain, sub, expiration)
	if err != nil {
		return Credential{}, fmt.Errorf("stream auth: %w", err)
	}
	sig, err := s.signer.Sign(digest)
	if err != nil {
		return Credential{}, fmt.Errorf("stream auth: %w", err)
	}
	return Credential{
		Sender:     sub.Hex(),
		Expiration: strconv.FormatUint(expiration, 10),
		Signature:  "0x" + hex.EncodeToString(sig),
	}, nil
}

// HashStreamAuthentication returns the EIP-712 digest of the credential body.
func HashStreamAuthentication(domain EIP712Domain, sub Subaccount, expiration uint64) ([]byte, error) {
	td := domain.typedData("StreamAuthentication", streamAuthType, apitypes.TypedDataMessage{
		"sender":     sub.Hex(),
		"expiration": strconv.FormatUint(expiration, 10),
	})
	return hashTypedData(td)
}

// RecoverCredentialSigner returns the address that signed c.
func RecoverCredentialSigner(domain EIP712Domain, c Credential) (common.Address, error) {
	sub, err := ParseSubaccount(c.Sender)
	if err != nil {
		return common.Address{}, err
	}
	expiration, err := strconv.ParseUint(c.Expiration, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("parse expiration: %w", err)
	}
	digest, err := HashStreamAuthentication(domain, sub, expiration)
	if err != nil {
		return common.Address{}, err
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(c.Signature, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	return RecoverAddress(digest, sig)
}

// VerifyCredential reports whether c was signed by the sender's owner and is
// still valid at now.
func VerifyCredential(domain EIP712Domain, c Credential, now time.Time) error {
	sub, err := ParseSubaccount(c.Sender)
	if err != nil {
		return err
	}
	addr, err := RecoverCredentialSigner(domain, c)
	if err != nil {
		return err
	}
	if addr != sub.Owner {
		return fmt.Errorf("credential signed by %s, sender owner is %s", addr.Hex(), sub.Owner.Hex())
	}
	exp, err := c.ExpiresAt()
	if err != nil {
		return err
	}
	if !now.Before(exp) {
		return fmt.Errorf("credential expired at %s", exp.UTC().Format(time.RFC3339))
	}
	return nil
}

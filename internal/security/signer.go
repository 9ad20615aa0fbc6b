// Package security signs the ranking reports the service publishes so that a
// consumer can check they came from this instance and were not altered.
package security

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

var (
	ErrExpired       = errors.New("signature expired")
	ErrHashMismatch  = errors.New("payload hash mismatch")
	ErrBadSignature  = errors.New("signature verification failed")
	ErrUnknownSigner = errors.New("unexpected signer")
)

// Integrity carries the digests of the payload and the signature's validity window
type Integrity struct {
	SHA256     string `json:"sha256"`
	Keccak256  string `json:"keccak256"`
	Timestamp  int64  `json:"timestamp"`
	ValidUntil int64  `json:"valid_until"`
}

// Envelope is a signed payload. The signature is an Ethereum-style 65 byte
// secp256k1 signature over the digest, so the signer address can be recovered.
type Envelope struct {
	Payload   json.RawMessage `json:"payload"`
	Integrity Integrity       `json:"integrity"`
	Signature string          `json:"signature"`
	Signer    string          `json:"signer"`
}

// Signer signs payloads with a secp256k1 key
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	validity   time.Duration
}

// NewSigner loads a hex encoded private key. An empty key generates an
// ephemeral one, which makes signatures unverifiable across restarts.
func NewSigner(hexKey string, validity time.Duration) (*Signer, error) {
	var (
		key *ecdsa.PrivateKey
		err error
	)
	if hexKey == "" {
		key, err = crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		logrus.Warn("No signing key configured, using an ephemeral key")
	} else {
		key, err = crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid signing key: %w", err)
		}
	}

	s := &Signer{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		validity:   validity,
	}
	logrus.WithField("address", s.address.Hex()).Info("Report signer initialized")
	return s, nil
}

// Address returns the signer's Ethereum address
func (s *Signer) Address() common.Address {
	return s.address
}

// Sign wraps payload in a signed envelope
func (s *Signer) Sign(payload any) (Envelope, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	now := time.Now()
	integrity := Integrity{
		SHA256:     fmt.Sprintf("%x", sha256.Sum256(payloadBytes)),
		Keccak256:  crypto.Keccak256Hash(payloadBytes).Hex(),
		Timestamp:  now.Unix(),
		ValidUntil: now.Add(s.validity).Unix(),
	}

	sig, err := crypto.Sign(digest(payloadBytes, integrity), s.privateKey)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to sign payload: %w", err)
	}

	return Envelope{
		Payload:   payloadBytes,
		Integrity: integrity,
		Signature: hexutil.Encode(sig),
		Signer:    s.address.Hex(),
	}, nil
}

// Verify checks an envelope's hashes, validity window and signature. When
// expected is non-zero the recovered signer must match it.
func Verify(env Envelope, expected common.Address) error {
	if time.Now().Unix() > env.Integrity.ValidUntil {
		return fmt.Errorf("%w at %v", ErrExpired, time.Unix(env.Integrity.ValidUntil, 0).UTC())
	}

	if fmt.Sprintf("%x", sha256.Sum256(env.Payload)) != env.Integrity.SHA256 {
		return fmt.Errorf("%w: sha256", ErrHashMismatch)
	}
	if crypto.Keccak256Hash(env.Payload).Hex() != env.Integrity.Keccak256 {
		return fmt.Errorf("%w: keccak256", ErrHashMismatch)
	}

	sig, err := hexutil.Decode(env.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	pub, err := crypto.SigToPub(digest(env.Payload, env.Integrity), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != common.HexToAddress(env.Signer) {
		return fmt.Errorf("%w: recovered %s", ErrBadSignature, recovered.Hex())
	}
	if expected != (common.Address{}) && recovered != expected {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, recovered.Hex())
	}
	return nil
}

// digest binds the payload to its validity window
func digest(payload []byte, in Integrity) []byte {
	var window [16]byte
	binary.BigEndian.PutUint64(window[:8], uint64(in.Timestamp))
	binary.BigEndian.PutUint64(window[8:], uint64(in.ValidUntil))
	return crypto.Keccak256(payload, window[:])
}

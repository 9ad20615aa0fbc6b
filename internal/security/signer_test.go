package security

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// well-known development key (hardhat account #0)
const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestSigner_Address(t *testing.T) {
	s, err := NewSigner(testKey, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", s.Address().Hex())

	_, err = NewSigner("not-hex", time.Hour)
	assert.Error(t, err)
}

func TestSignAndVerify(t *testing.T) {
	s, err := NewSigner(testKey, time.Hour)
	require.NoError(t, err)

	env, err := s.Sign(map[string]float64{"total_score": 0.42})
	require.NoError(t, err)
	require.NoError(t, Verify(env, s.Address()))
	require.NoError(t, Verify(env, common.Address{}), "any signer is accepted when none is expected")

	other, err := NewSigner("", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(e *Envelope)
		signer common.Address
		want   error
	}{
		{"tampered payload", func(e *Envelope) { e.Payload = json.RawMessage(`{"total_score":0.99}`) }, s.Address(), ErrHashMismatch},
		{"extended validity", func(e *Envelope) { e.Integrity.ValidUntil += 3600 }, s.Address(), ErrBadSignature},
		{"expired", func(e *Envelope) { e.Integrity.ValidUntil = time.Now().Add(-time.Minute).Unix() }, s.Address(), ErrExpired},
		{"garbage signature", func(e *Envelope) { e.Signature = "0x1234" }, s.Address(), ErrBadSignature},
		{"wrong expected signer", func(e *Envelope) {}, other.Address(), ErrUnknownSigner},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := env
			tt.mutate(&e)
			assert.ErrorIs(t, Verify(e, tt.signer), tt.want)
		})
	}
}

func TestEnvelope_JSONRoundTrip(t *testing.T) {
	s, err := NewSigner(testKey, time.Hour)
	require.NoError(t, err)

	env, err := s.Sign([]int{1, 2, 3})
	require.NoError(t, err)

	b, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.NoError(t, Verify(decoded, s.Address()))
}

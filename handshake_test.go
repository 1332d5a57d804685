package qwormhole

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHandshakePayloadRejectsWrongDiscriminator(t *testing.T) {
	_, err := ParseHandshakePayload([]byte(`{"type":"data"}`))
	require.ErrorIs(t, err, ErrInvalidHandshakePayload)
}

func TestParseHandshakePayloadRejectsMalformedJSON(t *testing.T) {
	_, err := ParseHandshakePayload([]byte(`not json`))
	require.ErrorIs(t, err, ErrInvalidHandshakePayload)
}

func TestCheckVersionIgnoredWhenExpectedEmpty(t *testing.T) {
	p := &HandshakePayload{Type: "handshake", Version: "anything"}
	assert.NoError(t, CheckVersion(p, ""))
}

func TestCheckVersionMismatch(t *testing.T) {
	p := &HandshakePayload{Type: "handshake", Version: "1.0"}
	err := CheckVersion(p, "2.0")
	require.ErrorIs(t, err, ErrVersionMismatch)
}

func TestDeriveNegHashIsDeterministic(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	a := DeriveNegHash(pub, 0.5)
	b := DeriveNegHash(pub, 0.5)
	assert.Equal(t, a, b)
}

func TestDeriveNegHashVariesByNIndex(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	assert.NotEqual(t, DeriveNegHash(pub, 0.1), DeriveNegHash(pub, 0.9))
}

func TestLooksSignedRequiresAllThreeFields(t *testing.T) {
	assert.False(t, LooksSigned(&HandshakePayload{}))
	assert.False(t, LooksSigned(&HandshakePayload{PublicKey: "x", Signature: "y"}))
	assert.True(t, LooksSigned(&HandshakePayload{PublicKey: "x", Signature: "y", NegHash: "z"}))
}

func signedPayload(t *testing.T, nIndex float64) (*HandshakePayload, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_ = pub
	p := BuildHandshakePayload("1.0", map[string]any{"role": "peer"}, &nIndex)
	require.NoError(t, SignHandshakePayload(p, priv))
	return p, priv
}

func TestSignHandshakePayloadThenVerifySucceeds(t *testing.T) {
	p, _ := signedPayload(t, 0.7)
	require.NoError(t, VerifyHandshakeSignature(p))
}

func TestVerifyHandshakeSignatureDetectsTamperedNIndex(t *testing.T) {
	p, _ := signedPayload(t, 0.7)
	tampered := 0.9
	p.NIndex = &tampered
	err := VerifyHandshakeSignature(p)
	require.Error(t, err)
}

func TestVerifyHandshakeSignatureRejectsMalformedPublicKey(t *testing.T) {
	p, _ := signedPayload(t, 0.5)
	p.PublicKey = base64.StdEncoding.EncodeToString([]byte("too-short"))
	err := VerifyHandshakeSignature(p)
	require.ErrorIs(t, err, ErrInvalidHandshakeSignature)
}

func TestVerifyHandshakeSignatureRejectsWrongSignature(t *testing.T) {
	p, _ := signedPayload(t, 0.5)
	other, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_ = other
	sig := ed25519.Sign(otherPriv, []byte("garbage"))
	p.Signature = base64.StdEncoding.EncodeToString(sig)
	err = VerifyHandshakeSignature(p)
	require.ErrorIs(t, err, ErrInvalidHandshakeSignature)
}

func TestCheckTLSFingerprintNoStateIsNoOp(t *testing.T) {
	p := &HandshakePayload{Tags: map[string]any{"tls_fingerprint256": "deadbeef"}}
	assert.NoError(t, CheckTLSFingerprint(p, nil))
}

func TestCheckTLSFingerprintAbsentTagsIsNoOp(t *testing.T) {
	p := &HandshakePayload{}
	assert.NoError(t, CheckTLSFingerprint(p, nil))
}

func TestProcessHandshakeRejectsBadDiscriminator(t *testing.T) {
	_, err := ProcessHandshake([]byte(`{"type":"nope"}`), HandshakeOptions{})
	require.ErrorIs(t, err, ErrInvalidHandshakePayload)
}

func TestProcessHandshakeImplicitVerificationSucceeds(t *testing.T) {
	p, _ := signedPayload(t, 0.8)
	data, err := json.Marshal(p)
	require.NoError(t, err)

	outcome, err := ProcessHandshake(data, HandshakeOptions{LocalNIndex: 0.9})
	require.NoError(t, err)
	assert.NotNil(t, outcome)
	assert.Equal(t, 0.8, outcome.Metrics.NegIndex)
}

func TestProcessHandshakeRequireExplicitVerifierRejectsImplicitlySignedPayload(t *testing.T) {
	p, _ := signedPayload(t, 0.8)
	data, err := json.Marshal(p)
	require.NoError(t, err)

	_, err = ProcessHandshake(data, HandshakeOptions{RequireExplicitVerifier: true})
	require.ErrorIs(t, err, ErrInvalidHandshake)
}

func TestProcessHandshakeExternalVerifierOverridesImplicitPath(t *testing.T) {
	p := BuildHandshakePayload("1.0", nil, nil)
	data, err := json.Marshal(p)
	require.NoError(t, err)

	called := false
	verifier := func(p *HandshakePayload) (bool, error) {
		called = true
		return true, nil
	}
	outcome, err := ProcessHandshake(data, HandshakeOptions{Verifier: verifier})
	require.NoError(t, err)
	assert.True(t, called)
	assert.NotNil(t, outcome)
}

func TestProcessHandshakeExternalVerifierRejection(t *testing.T) {
	p := BuildHandshakePayload("1.0", nil, nil)
	data, err := json.Marshal(p)
	require.NoError(t, err)

	verifier := func(p *HandshakePayload) (bool, error) { return false, nil }
	_, err = ProcessHandshake(data, HandshakeOptions{Verifier: verifier})
	require.ErrorIs(t, err, ErrInvalidHandshake)
}

func TestProcessHandshakeSessionNIndexIsMinOfLocalAndPeer(t *testing.T) {
	nIndex := 0.9
	p := BuildHandshakePayload("1.0", nil, &nIndex)
	data, err := json.Marshal(p)
	require.NoError(t, err)

	outcome, err := ProcessHandshake(data, HandshakeOptions{LocalNIndex: 0.3})
	require.NoError(t, err)
	assert.Equal(t, 0.3, outcome.Metrics.NegIndex)
}

func TestProcessHandshakeMissingIndexIsMostConservative(t *testing.T) {
	p := BuildHandshakePayload("1.0", nil, nil)
	data, err := json.Marshal(p)
	require.NoError(t, err)

	outcome, err := ProcessHandshake(data, HandshakeOptions{LocalNIndex: 0.9})
	require.NoError(t, err)
	assert.Equal(t, 0.0, outcome.Metrics.NegIndex)
	assert.Equal(t, ModeParanoia, outcome.Policy.Mode)
}

func TestProcessHandshakeVersionMismatchBeforeVerification(t *testing.T) {
	p := BuildHandshakePayload("1.0", nil, nil)
	data, err := json.Marshal(p)
	require.NoError(t, err)

	_, err = ProcessHandshake(data, HandshakeOptions{ExpectedVersion: "2.0"})
	require.ErrorIs(t, err, ErrVersionMismatch)
}

package qwormhole

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha1" //nolint:gosec // fingerprint comparison, not used for security here
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// HandshakePayload is the normative handshake JSON object (spec.md §6).
// Only the fields below are kept; JSON fields outside this set are
// dropped when a payload is parsed and are not re-emitted.
type HandshakePayload struct {
	Type           string              `json:"type"`
	Version        string              `json:"version,omitempty"`
	Tags           map[string]any      `json:"tags,omitempty"`
	NIndex         *float64            `json:"nIndex,omitempty"`
	NegHash        string              `json:"negHash,omitempty"`
	EntropyMetrics *wireEntropyMetrics `json:"entropyMetrics,omitempty"`
	PublicKey      string              `json:"publicKey,omitempty"`
	Signature      string              `json:"signature,omitempty"`
	Ts             *int64              `json:"ts,omitempty"`
	Nonce          string              `json:"nonce,omitempty"`
}

// signingView is HandshakePayload minus Signature: the canonicalized
// unsigned payload the ed25519 signature covers (spec.md §6). Struct
// field order gives deterministic JSON encoding without a generic
// canonical-JSON library.
type signingView struct {
	Type           string              `json:"type"`
	Version        string              `json:"version,omitempty"`
	Tags           map[string]any      `json:"tags,omitempty"`
	NIndex         *float64            `json:"nIndex,omitempty"`
	NegHash        string              `json:"negHash,omitempty"`
	EntropyMetrics *wireEntropyMetrics `json:"entropyMetrics,omitempty"`
	PublicKey      string              `json:"publicKey,omitempty"`
	Ts             *int64              `json:"ts,omitempty"`
	Nonce          string              `json:"nonce,omitempty"`
}

type wireEntropyMetrics struct {
	Entropy         float64 `json:"entropy"`
	EntropyVelocity string  `json:"entropyVelocity"`
	Coherence       string  `json:"coherence"`
	NegIndex        float64 `json:"negIndex"`
}

func (m *wireEntropyMetrics) toMetrics() EntropyMetrics {
	return EntropyMetrics{Entropy: m.Entropy, EntropyVelocity: m.EntropyVelocity, Coherence: m.Coherence, NegIndex: m.NegIndex}
}

// ParseHandshakePayload parses and minimally validates the first inbound
// frame of a handshake-pending connection (spec.md §4.G).
func ParseHandshakePayload(data []byte) (*HandshakePayload, error) {
	var p HandshakePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandshakePayload, err)
	}
	if p.Type != "handshake" {
		return nil, fmt.Errorf("%w: missing or wrong type discriminator", ErrInvalidHandshakePayload)
	}
	return &p, nil
}

// CheckVersion enforces an exact protocol-version match when expected is
// non-empty.
func CheckVersion(p *HandshakePayload, expected string) error {
	if expected != "" && p.Version != expected {
		return fmt.Errorf("%w: expected %q, got %q", ErrVersionMismatch, expected, p.Version)
	}
	return nil
}

// CheckTLSFingerprint matches handshake tags tls_fingerprint256/
// tls_fingerprint against the observed peer certificate's fingerprint
// (spec.md §4.G), when the connection runs atop TLS and the tags are
// present. Absent tags are not an error.
func CheckTLSFingerprint(p *HandshakePayload, state *tls.ConnectionState) error {
	if state == nil || len(state.PeerCertificates) == 0 {
		return nil
	}
	leaf := state.PeerCertificates[0].Raw

	if want, ok := p.Tags["tls_fingerprint256"].(string); ok && want != "" {
		sum := sha256.Sum256(leaf)
		if !strings.EqualFold(hex.EncodeToString(sum[:]), strings.ReplaceAll(want, ":", "")) {
			return ErrTLSFingerprintMismatch
		}
	}
	if want, ok := p.Tags["tls_fingerprint"].(string); ok && want != "" {
		sum := sha1.Sum(leaf) //nolint:gosec // fingerprint identity, not a security boundary
		if !strings.EqualFold(hex.EncodeToString(sum[:]), strings.ReplaceAll(want, ":", "")) {
			return ErrTLSFingerprintMismatch
		}
	}
	return nil
}

// LooksSigned reports whether a payload carries the full trio needed for
// implicit ed25519 verification.
func LooksSigned(p *HandshakePayload) bool {
	return p.PublicKey != "" && p.Signature != "" && p.NegHash != ""
}

// DeriveNegHash computes negHash = SHA-256(publicKey ∥ (publicKey XOR
// byte(floor(clamp(nIndex)*255))) ∥ nIndex.toFixed(6)) as specified in
// spec.md §6, over the raw (decoded) public key bytes.
func DeriveNegHash(publicKey []byte, nIndex float64) string {
	n := clampNIndex(nIndex)
	x := byte(math.Floor(n * 255))
	xored := make([]byte, len(publicKey))
	for i, b := range publicKey {
		xored[i] = b ^ x
	}
	h := sha256.New()
	h.Write(publicKey)
	h.Write(xored)
	h.Write([]byte(fmt.Sprintf("%.6f", n)))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyHandshakeSignature checks the embedded ed25519 signature and the
// negHash derivation (spec.md §6 / §4.G's implicit-verification path).
func VerifyHandshakeSignature(p *HandshakePayload) error {
	pubRaw, err := base64.StdEncoding.DecodeString(p.PublicKey)
	if err != nil || len(pubRaw) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: malformed public key", ErrInvalidHandshakeSignature)
	}
	sig, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: malformed signature", ErrInvalidHandshakeSignature)
	}

	var nIndex float64
	if p.NIndex != nil {
		nIndex = *p.NIndex
	}
	if !strings.EqualFold(DeriveNegHash(pubRaw, nIndex), p.NegHash) {
		return fmt.Errorf("%w: negHash mismatch", ErrInvalidHandshakeSignature)
	}

	canonical, err := json.Marshal(signingView{
		Type: p.Type, Version: p.Version, Tags: p.Tags, NIndex: p.NIndex,
		NegHash: p.NegHash, EntropyMetrics: p.EntropyMetrics, PublicKey: p.PublicKey,
		Ts: p.Ts, Nonce: p.Nonce,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHandshakeSignature, err)
	}
	if !ed25519.Verify(pubRaw, canonical, sig) {
		return fmt.Errorf("%w: signature verification failed", ErrInvalidHandshakeSignature)
	}
	return nil
}

// VerifierFunc is the optional external verifier callback (spec.md §6).
// Go has no promise type, so both the synchronous and async-reject paths
// from the reference collapse to a single (bool, error) return.
type VerifierFunc func(p *HandshakePayload) (bool, error)

// HandshakeOptions configures ProcessHandshake.
type HandshakeOptions struct {
	ExpectedVersion string
	TLSState        *tls.ConnectionState
	Verifier        VerifierFunc

	// RequireExplicitVerifier makes implicit ("looks signed") auto-
	// verification opt-in rather than the reference's always-on
	// behavior (spec.md §9 open question, decided in DESIGN.md).
	RequireExplicitVerifier bool

	LocalNIndex float64
}

// HandshakeOutcome is the policy/flow state derived from a validated
// handshake, ready to attach to a Connection (spec.md §4.G "Attach").
type HandshakeOutcome struct {
	Payload      *HandshakePayload
	Metrics      EntropyMetrics
	Policy       EntropyPolicy
	Flow         FlowPolicy
	PeerIsNative bool
}

// ProcessHandshake runs the full ingress pipeline from spec.md §4.G:
// parse, version check, TLS fingerprint check, verifier (external or
// implicit ed25519), then policy attachment.
func ProcessHandshake(data []byte, opts HandshakeOptions) (*HandshakeOutcome, error) {
	payload, err := ParseHandshakePayload(data)
	if err != nil {
		return nil, err
	}
	if err := CheckVersion(payload, opts.ExpectedVersion); err != nil {
		return nil, err
	}
	if err := CheckTLSFingerprint(payload, opts.TLSState); err != nil {
		return nil, err
	}

	switch {
	case opts.Verifier != nil:
		ok, verr := opts.Verifier(payload)
		if verr != nil || !ok {
			return nil, fmt.Errorf("%w: verifier rejected handshake", ErrInvalidHandshake)
		}
	case LooksSigned(payload):
		if opts.RequireExplicitVerifier {
			return nil, fmt.Errorf("%w: signed-looking payload with no registered verifier", ErrInvalidHandshake)
		}
		if err := VerifyHandshakeSignature(payload); err != nil {
			return nil, err
		}
	}

	var peerMetrics EntropyMetrics
	switch {
	case payload.EntropyMetrics != nil:
		peerMetrics = payload.EntropyMetrics.toMetrics()
	case payload.NIndex != nil:
		peerMetrics = DeriveEntropyMetrics(*payload.NIndex, nil, 0)
	default:
		// No index declared at all: treat as the most conservative peer
		// rather than guessing a trusting default.
		peerMetrics = DeriveEntropyMetrics(0, nil, 0)
	}

	sessionNIndex := math.Min(clampNIndex(opts.LocalNIndex), peerMetrics.NegIndex)
	sessionMetrics := DeriveEntropyMetrics(sessionNIndex, nil, 0)
	policy := DerivePolicy(sessionNIndex)
	peerIsNative := policy.Framing == FramingZeroCopyWritev
	flow := DeriveFlowPolicy(sessionMetrics, peerIsNative)

	return &HandshakeOutcome{
		Payload:      payload,
		Metrics:      sessionMetrics,
		Policy:       policy,
		Flow:         flow,
		PeerIsNative: peerIsNative,
	}, nil
}

// BuildHandshakePayload constructs the client-side handshake object
// (spec.md §4.G "Client side") from a protocol version, handshake tags,
// and an optional nIndex. It does not sign: publicKey/signature/negHash
// are filled afterwards by a signer (e.g. SignHandshakePayload).
func BuildHandshakePayload(version string, tags map[string]any, nIndex *float64) *HandshakePayload {
	return &HandshakePayload{Type: "handshake", Version: version, Tags: tags, NIndex: nIndex}
}

// SignHandshakePayload fills NegHash/PublicKey/Signature using priv,
// deriving nIndex from p.NIndex (0 if absent).
func SignHandshakePayload(p *HandshakePayload, priv ed25519.PrivateKey) error {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("qwormhole: not an ed25519 private key")
	}
	var nIndex float64
	if p.NIndex != nil {
		nIndex = *p.NIndex
	}
	p.PublicKey = base64.StdEncoding.EncodeToString(pub)
	p.NegHash = DeriveNegHash(pub, nIndex)

	canonical, err := json.Marshal(signingView{
		Type: p.Type, Version: p.Version, Tags: p.Tags, NIndex: p.NIndex,
		NegHash: p.NegHash, EntropyMetrics: p.EntropyMetrics, PublicKey: p.PublicKey,
		Ts: p.Ts, Nonce: p.Nonce,
	})
	if err != nil {
		return err
	}
	p.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, canonical))
	return nil
}

package qwormhole

import "math"

// Mode/framing/codec string constants from the entropy policy table
// (spec.md §3).
const (
	ModeTrustZero  = "trust-zero"
	ModeTrustLight = "trust-light"
	ModeImmune     = "immune"
	ModeParanoia   = "paranoia"

	FramingZeroCopyWritev   = "zero-copy-writev"
	FramingLengthPrefix     = "length-prefix"
	FramingLengthAck        = "length-ack"
	FramingLengthAckChecksum = "length-ack-checksum"

	CodecFlatbuffers    = "flatbuffers"
	CodecCBOR           = "cbor"
	CodecMessagePack    = "messagepack"
	CodecJSONCompressed = "json-compressed"
)

// EntropyPolicy is the discrete policy derived from a negentropic index
// (spec.md §3 table). It is a pure, deterministic step function with
// breakpoints at 0.40, 0.65 and 0.85.
type EntropyPolicy struct {
	Mode            string
	Framing         string
	BatchSize       int
	Codec           string
	RequireAck      bool
	RequireChecksum bool
	TrustLevel      float64
}

// clampNIndex clamps n to [0, 1].
func clampNIndex(n float64) float64 {
	if math.IsNaN(n) {
		return 0
	}
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}

// DerivePolicy maps a negentropic index to its EntropyPolicy row. At a
// breakpoint exactly, the upper (more trusting) mode applies.
func DerivePolicy(negIndex float64) EntropyPolicy {
	n := clampNIndex(negIndex)
	switch {
	case n >= 0.85:
		return EntropyPolicy{Mode: ModeTrustZero, Framing: FramingZeroCopyWritev, BatchSize: 64, Codec: CodecFlatbuffers, RequireAck: false, RequireChecksum: false, TrustLevel: 1.00}
	case n >= 0.65:
		return EntropyPolicy{Mode: ModeTrustLight, Framing: FramingLengthPrefix, BatchSize: 32, Codec: CodecCBOR, RequireAck: false, RequireChecksum: false, TrustLevel: 0.75}
	case n >= 0.40:
		return EntropyPolicy{Mode: ModeImmune, Framing: FramingLengthAck, BatchSize: 8, Codec: CodecMessagePack, RequireAck: true, RequireChecksum: false, TrustLevel: 0.50}
	default:
		return EntropyPolicy{Mode: ModeParanoia, Framing: FramingLengthAckChecksum, BatchSize: 1, Codec: CodecJSONCompressed, RequireAck: true, RequireChecksum: true, TrustLevel: 0.25}
	}
}

// MergePolicy derives the policy for a session between two peers: the
// more conservative (lower) index wins. Commutative by construction.
func MergePolicy(localN, peerN float64) EntropyPolicy {
	return DerivePolicy(math.Min(localN, peerN))
}

// Entropy velocity / coherence labels (spec.md §3).
const (
	VelocityLow     = "low"
	VelocityStable  = "stable"
	VelocityRising  = "rising"
	VelocitySpiking = "spiking"

	CoherenceHigh   = "high"
	CoherenceMedium = "medium"
	CoherenceLow    = "low"
	CoherenceChaos  = "chaos"
)

// EntropyMetrics is the {entropy, entropy_velocity, coherence, neg_index}
// tuple from spec.md §3.
type EntropyMetrics struct {
	Entropy         float64
	EntropyVelocity string
	Coherence       string
	NegIndex        float64
}

// coherenceFromNIndex uses the same breakpoints as DerivePolicy.
func coherenceFromNIndex(n float64) string {
	switch {
	case n >= 0.85:
		return CoherenceHigh
	case n >= 0.65:
		return CoherenceMedium
	case n >= 0.40:
		return CoherenceLow
	default:
		return CoherenceChaos
	}
}

// velocityFromDelta classifies the rate of change of neg_index between
// two samples dt apart. Absent a prior sample, "stable" is the neutral
// default.
func velocityFromDelta(prev, cur float64, dt float64) string {
	if dt <= 0 {
		return VelocityStable
	}
	rate := math.Abs(cur-prev) / dt
	switch {
	case rate < 0.01:
		return VelocityLow
	case rate < 0.1:
		return VelocityStable
	case rate < 0.5:
		return VelocityRising
	default:
		return VelocitySpiking
	}
}

// DeriveEntropyMetrics fills in coherence/entropy/velocity from a raw
// neg_index when the peer didn't supply them (spec.md §3: "Derived when
// absent"). prevNIndex/dtSeconds are optional (pass nil/0 when there is
// no prior sample); dtSeconds is the wall-clock gap to the prior sample.
func DeriveEntropyMetrics(negIndex float64, prevNIndex *float64, dtSeconds float64) EntropyMetrics {
	n := clampNIndex(negIndex)
	velocity := VelocityStable
	if prevNIndex != nil {
		velocity = velocityFromDelta(clampNIndex(*prevNIndex), n, dtSeconds)
	}
	return EntropyMetrics{
		Entropy:         8 * (1 - n),
		EntropyVelocity: velocity,
		Coherence:       coherenceFromNIndex(n),
		NegIndex:        n,
	}
}

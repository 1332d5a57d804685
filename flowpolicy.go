package qwormhole

// Base burst/rate figures before trust-level scaling (spec.md §4.E).
const (
	baseBurstBudgetBytes  = 256 * 1024
	baseRateBytesPerSec   = 10 * 1024 * 1024
	flowMinSlice          = 4
	nonNativeMaxSliceLow  = 16
	nonNativeMaxSliceHigh = 32
)

// FlowPolicy is the numeric view of policy + entropy metrics the
// adaptive flow controller consumes (spec.md §3 "Session flow policy").
type FlowPolicy struct {
	Coherence          float64
	EntropyVelocity    float64
	PreferredBatchSize int
	MinSlice           int
	MaxSlice           int
	BurstBudgetBytes   float64
	RateBytesPerSec    float64
	PeerIsNative       bool
	NIndex             float64
	Policy             EntropyPolicy
}

func coherenceNumeric(label string, negIndex float64) float64 {
	switch label {
	case CoherenceHigh:
		return 0.9
	case CoherenceMedium:
		return 0.7
	case CoherenceLow:
		return 0.4
	case CoherenceChaos:
		return 0.1
	default:
		return negIndex
	}
}

func velocityNumeric(label string) float64 {
	switch label {
	case VelocityLow:
		return 0.1
	case VelocityRising:
		return 0.6
	case VelocitySpiking:
		return 1.0
	case VelocityStable:
		return 0.3
	default:
		return 0.3
	}
}

// DeriveFlowPolicy combines entropy metrics and peer nativeness into the
// numeric bounds the controller needs (spec.md §4.E). peerIsNative
// should be policy.Framing == FramingZeroCopyWritev for the peer's side
// of the handshake.
func DeriveFlowPolicy(metrics EntropyMetrics, peerIsNative bool) FlowPolicy {
	policy := DerivePolicy(metrics.NegIndex)

	maxSlice := policy.BatchSize
	if !peerIsNative {
		if metrics.NegIndex < 0.85 {
			maxSlice = min(maxSlice, nonNativeMaxSliceLow)
		} else {
			maxSlice = min(maxSlice, nonNativeMaxSliceHigh)
		}
	}

	return FlowPolicy{
		Coherence:          coherenceNumeric(metrics.Coherence, metrics.NegIndex),
		EntropyVelocity:    velocityNumeric(metrics.EntropyVelocity),
		PreferredBatchSize: policy.BatchSize,
		MinSlice:           flowMinSlice,
		MaxSlice:           maxSlice,
		BurstBudgetBytes:   baseBurstBudgetBytes * policy.TrustLevel,
		RateBytesPerSec:    baseRateBytesPerSec * policy.TrustLevel,
		PeerIsNative:       peerIsNative,
		NIndex:             metrics.NegIndex,
		Policy:             policy,
	}
}

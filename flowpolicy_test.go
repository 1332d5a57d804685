package qwormhole

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveFlowPolicyNativePeerUsesFullBatchSize(t *testing.T) {
	metrics := EntropyMetrics{NegIndex: 0.95, Coherence: CoherenceHigh, EntropyVelocity: VelocityStable}
	fp := DeriveFlowPolicy(metrics, true)
	assert.Equal(t, fp.PreferredBatchSize, fp.MaxSlice, "a native peer should not have its max slice capped below the policy batch size")
}

func TestDeriveFlowPolicyNonNativePeerCapsMaxSlice(t *testing.T) {
	lowTrust := DeriveFlowPolicy(EntropyMetrics{NegIndex: 0.5}, false)
	assert.LessOrEqual(t, lowTrust.MaxSlice, nonNativeMaxSliceLow)

	highTrust := DeriveFlowPolicy(EntropyMetrics{NegIndex: 0.95}, false)
	assert.LessOrEqual(t, highTrust.MaxSlice, nonNativeMaxSliceHigh)
}

func TestDeriveFlowPolicyScalesBurstAndRateByTrustLevel(t *testing.T) {
	paranoid := DeriveFlowPolicy(EntropyMetrics{NegIndex: 0}, true)
	trusted := DeriveFlowPolicy(EntropyMetrics{NegIndex: 1}, true)
	assert.Less(t, paranoid.BurstBudgetBytes, trusted.BurstBudgetBytes)
	assert.Less(t, paranoid.RateBytesPerSec, trusted.RateBytesPerSec)
}

func TestDeriveFlowPolicyMinSliceIsConstant(t *testing.T) {
	for _, n := range []float64{0, 0.3, 0.6, 0.9} {
		fp := DeriveFlowPolicy(EntropyMetrics{NegIndex: n}, true)
		assert.Equal(t, flowMinSlice, fp.MinSlice)
	}
}

func TestCoherenceNumericMapsKnownLabels(t *testing.T) {
	fp := DeriveFlowPolicy(EntropyMetrics{NegIndex: 0.9, Coherence: CoherenceHigh}, true)
	assert.Equal(t, 0.9, fp.Coherence)
}

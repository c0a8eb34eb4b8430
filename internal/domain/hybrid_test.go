package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHybridPriceBps_Basic(t *testing.T) {
	// 0.7*7000 + 0.3*4000 = 4900 + 1200 = 6100
	h, err := HybridPriceBps(7000, 4000, DefaultHybridWeights)
	require.NoError(t, err)
	assert.Equal(t, int64(6100), h)
}

func TestHybridPriceBps_RoundsHalfUp(t *testing.T) {
	// 0.7*3333 + 0.3*3333 = 3333 exactly
	h, err := HybridPriceBps(3333, 3333, DefaultHybridWeights)
	require.NoError(t, err)
	assert.Equal(t, int64(3333), h)

	// 0.7*1 + 0.3*0 = 0.7 bps → 1
	h, err = HybridPriceBps(1, 0, DefaultHybridWeights)
	require.NoError(t, err)
	assert.Equal(t, int64(1), h)

	// 0.7*0 + 0.3*1 = 0.3 bps → 0
	h, err = HybridPriceBps(0, 1, DefaultHybridWeights)
	require.NoError(t, err)
	assert.Equal(t, int64(0), h)
}

func TestHybridPriceBps_ClampsInputs(t *testing.T) {
	// Inputs beyond the scale are clamped before combining, not rejected.
	h, err := HybridPriceBps(12000, -500, DefaultHybridWeights)
	require.NoError(t, err)
	// 0.7*10000 + 0.3*0 = 7000
	assert.Equal(t, int64(7000), h)
}

func TestHybridPriceBps_Extremes(t *testing.T) {
	h, err := HybridPriceBps(10000, 10000, DefaultHybridWeights)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), h)

	h, err = HybridPriceBps(0, 0, DefaultHybridWeights)
	require.NoError(t, err)
	assert.Equal(t, int64(0), h)
}

func TestHybridPriceBps_CorruptWeightsRejected(t *testing.T) {
	// Weights that overshoot the scale produce an out-of-range result,
	// which must come back as an error, never clamped.
	bad := HybridWeights{StructuralBps: 20000, SentimentBps: 3000}
	_, err := HybridPriceBps(10000, 10000, bad)
	require.Error(t, err)
	assert.True(t, IsInvariant(err))
}

// --- HybridWeights ---

func TestHybridWeights_Validate(t *testing.T) {
	assert.NoError(t, DefaultHybridWeights.Validate())
	assert.Error(t, HybridWeights{StructuralBps: 7000, SentimentBps: 4000}.Validate())
	assert.Error(t, HybridWeights{StructuralBps: -100, SentimentBps: 10100}.Validate())
}

package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTierFor(t *testing.T) {
	assert.Equal(t, TierBronze, TierFor(800))
	assert.Equal(t, TierBronze, TierFor(1099))
	assert.Equal(t, TierSilver, TierFor(1100))
	assert.Equal(t, TierSilver, TierFor(1299))
	assert.Equal(t, TierGold, TierFor(1300))
	assert.Equal(t, TierPlatinum, TierFor(1500))
	assert.Equal(t, TierDiamond, TierFor(1700))
	assert.Equal(t, TierDiamond, TierFor(2400))
}

package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlags(t *testing.T) {
	f := NewFlags()

	assert.True(t, f.TradingEnabled())
	assert.True(t, f.SearchActive())

	t.Run("first disable reason wins", func(t *testing.T) {
		f.DisableTrading("leg failure")
		f.DisableTrading("second failure")
		assert.False(t, f.TradingEnabled())
		assert.Equal(t, "leg failure", f.DisableReason())
	})

	t.Run("enable clears the latch", func(t *testing.T) {
		f.EnableTrading()
		assert.True(t, f.TradingEnabled())
		assert.Empty(t, f.DisableReason())
	})

	t.Run("search toggles independently", func(t *testing.T) {
		f.SetSearchActive(false)
		assert.False(t, f.SearchActive())
		assert.True(t, f.TradingEnabled())
		f.SetSearchActive(true)
		assert.True(t, f.SearchActive())
	})
}

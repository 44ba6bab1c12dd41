package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBrokerPath(t *testing.T) {
	t.Run("Append never mutates the input", func(t *testing.T) {
		base := make(BrokerPath, 1, 4)
		base[0] = "a"

		first := base.Append("b")
		second := base.Append("c")

		assert.Equal(t, BrokerPath{"a"}, base)
		assert.Equal(t, BrokerPath{"a", "b"}, first)
		assert.Equal(t, BrokerPath{"a", "c"}, second)
	})

	t.Run("Append to an empty path returns the ids in order", func(t *testing.T) {
		var p BrokerPath
		assert.Equal(t, BrokerPath{"x", "y"}, p.Append("x", "y"))
		assert.Nil(t, p)
	})

	t.Run("Contains finds members only", func(t *testing.T) {
		p := BrokerPath{"a", "b"}
		assert.True(t, p.Contains("b"))
		assert.False(t, p.Contains("c"))
		assert.False(t, BrokerPath(nil).Contains("a"))
	})

	t.Run("Clone preserves nil and copies values", func(t *testing.T) {
		assert.Nil(t, BrokerPath(nil).Clone())

		p := BrokerPath{"a"}
		c := p.Clone()
		c[0] = "z"
		assert.Equal(t, BrokerID("a"), p[0])
	})
}

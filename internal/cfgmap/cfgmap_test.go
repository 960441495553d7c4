package cfgmap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDur(t *testing.T) {
	m := map[string]any{
		"a": "250ms",
		"b": 1500,
		"c": float64(30000),
		"d": 2 * time.Second,
		"e": "1000",
		"f": "bogus",
	}
	assert.Equal(t, 250*time.Millisecond, Dur(m, "a", 0))
	assert.Equal(t, 1500*time.Millisecond, Dur(m, "b", 0))
	assert.Equal(t, 30*time.Second, Dur(m, "c", 0))
	assert.Equal(t, 2*time.Second, Dur(m, "d", 0))
	assert.Equal(t, time.Second, Dur(m, "e", 0))
	assert.Equal(t, time.Minute, Dur(m, "f", time.Minute))
	assert.Equal(t, time.Minute, Dur(m, "missing", time.Minute))
}

func TestScalars(t *testing.T) {
	m := map[string]any{"i": float64(7), "s": "x", "b": "true", "n": "42", "empty": ""}
	assert.Equal(t, 7, Int(m, "i", 0))
	assert.Equal(t, 42, Int(m, "n", 0))
	assert.Equal(t, int64(42), Int64(m, "n", 0))
	assert.True(t, Bool(m, "b", false))
	assert.Equal(t, "x", String(m, "s", "d"))
	assert.Equal(t, "d", String(m, "empty", "d"))
	assert.Nil(t, Map(m, "s"))
}

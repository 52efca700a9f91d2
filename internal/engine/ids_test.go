package engine

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7Generator(t *testing.T) {
	gen := UUIDv7Generator{}
	id := gen.Generate()

	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
	assert.NotEqual(t, id, gen.Generate())
}

func TestFixedGenerator(t *testing.T) {
	gen := NewFixedGenerator("test-1", "test-2")
	assert.Equal(t, "test-1", gen.Generate())
	assert.Equal(t, "test-2", gen.Generate())
	assert.Panics(t, func() { gen.Generate() })
}

func TestQuotaEnforcer(t *testing.T) {
	q := NewQuotaEnforcer(1)
	n, ok := q.Check()
	assert.True(t, ok)
	assert.Equal(t, 1, n)
	_, ok = q.Check()
	assert.False(t, ok)
	assert.Equal(t, 2, q.Current())

	unlimited := NewQuotaEnforcer(0)
	for i := 0; i < 5; i++ {
		_, ok = unlimited.Check()
		assert.True(t, ok)
	}
}

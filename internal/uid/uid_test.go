package uid

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerators(t *testing.T) {
	for _, f := range []string{"", "uuid", "snowflake"} {
		g, err := New(f, 1)
		require.NoError(t, err, f)

		seen := make(map[string]bool)
		for i := 0; i < 1000; i++ {
			id := g.Generate()
			assert.NotEmpty(t, id)
			assert.False(t, seen[id], "duplicate id %s from %q", id, f)
			seen[id] = true
		}
	}
}

func TestUUIDVersion(t *testing.T) {
	id, err := uuid.Parse(NewUUID().Generate())
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
}

func TestUnknownFormat(t *testing.T) {
	_, err := New("ulid", 0)
	assert.Error(t, err)

	_, err = NewSnowflake(5000)
	assert.Error(t, err, "node out of range")
}

package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldsHashStableAcrossKeyOrder(t *testing.T) {
	a := Object{"title": String("x"), "priority": Int(1)}
	b := Object{"priority": Int(1), "title": String("x")}

	ha, err := FieldsHash(a)
	require.NoError(t, err)
	hb, err := FieldsHash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestFieldsHashDiffers(t *testing.T) {
	ha, err := FieldsHash(Object{"title": String("x")})
	require.NoError(t, err)
	hb, err := FieldsHash(Object{"title": String("y")})
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestDomainSeparation(t *testing.T) {
	data := []byte(`{}`)
	assert.NotEqual(t, hashWithDomain(DomainFields, data), hashWithDomain(DomainEvent, data))
}

func TestEventHashIgnoresNullFields(t *testing.T) {
	h1, err := EventHash("updated", "task", "t1", 3, Object{"title": String("x"), "goal_id": Null{}})
	require.NoError(t, err)
	h2, err := EventHash("updated", "task", "t1", 3, Object{"title": String("x")})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	h3, err := EventHash("updated", "task", "t1", 4, Object{"title": String("x")})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

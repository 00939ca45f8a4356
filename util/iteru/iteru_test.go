package iteru_test

import (
	"maps"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"reduction.dev/tablesink/util/iteru"
)

func TestEvery(t *testing.T) {
	assert.True(t, iteru.Every(slices.Values([]bool{})), "empty sequence")
	assert.True(t, iteru.Every(slices.Values([]bool{true, true})))
	assert.False(t, iteru.Every(maps.Values(map[string]bool{"writer-0": true, "coordinator": false})))
}

package sliceu_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"reduction.dev/tablesink/util/sliceu"
)

func TestPartition(t *testing.T) {
	slice := []int{1, 2, 3, 4, 5}
	groups := sliceu.Partition(slice, 2)

	assert.Len(t, groups, 2)
	assert.Equal(t, []int{1, 3, 5}, groups[0])
	assert.Equal(t, []int{2, 4}, groups[1])
}

func TestPartitionMoreGroupsThanElements(t *testing.T) {
	groups := sliceu.Partition([]string{"writer-0"}, 3)

	assert.Equal(t, [][]string{{"writer-0"}, nil, nil}, groups)
}

func TestPartitionPanicsWithoutGroups(t *testing.T) {
	assert.Panics(t, func() { sliceu.Partition([]int{1}, 0) })
}

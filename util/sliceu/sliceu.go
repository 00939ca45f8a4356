package sliceu

// Partition deals the elements of slice round-robin into groupCount groups.
func Partition[T any](slice []T, groupCount int) [][]T {
	if groupCount < 1 {
		panic("Partition groupCount must be at least 1")
	}
	groups := make([][]T, groupCount)
	groupIndex := 0
	maxGroupIndex := groupCount - 1
	for _, el := range slice {
		groups[groupIndex] = append(groups[groupIndex], el)
		if groupIndex < maxGroupIndex {
			groupIndex++
		} else {
			groupIndex = 0
		}
	}

	return groups
}

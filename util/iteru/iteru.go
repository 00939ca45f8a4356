package iteru

import (
	"iter"
)

// Every returns true if every item in the sequence is true.
func Every(seq iter.Seq[bool]) bool {
	for v := range seq {
		if !v {
			return v
		}
	}
	return true
}

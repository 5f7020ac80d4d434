package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsNilKey(t *testing.T) {
	var nilPtr *int
	var nilMap map[string]int
	var nilSlice []int
	var nilChan chan int
	var nilFunc func()
	var nilIface any

	tests := []struct {
		name string
		key  any
		want bool
	}{
		{"nil pointer", nilPtr, true},
		{"nil map", nilMap, true},
		{"nil slice", nilSlice, true},
		{"nil chan", nilChan, true},
		{"nil func", nilFunc, true},
		{"nil interface", nilIface, true},
		{"zero string", "", false},
		{"zero int", 0, false},
		{"non-nil pointer", new(int), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsNilKey(tt.key))
		})
	}
}

func TestIsNilKeyComparableStruct(t *testing.T) {
	type point struct{ X, Y int }
	assert.False(t, IsNilKey(point{1, 2}))
}

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversineMeters(t *testing.T) {
	// Same point → zero.
	assert.Zero(t, HaversineMeters(37.7749, -122.4194, 37.7749, -122.4194))

	// One degree of latitude ≈ 111.2 km at Earth radius 6371 km.
	d := HaversineMeters(37.0, -122.0, 38.0, -122.0)
	assert.InDelta(t, 111_195, d, 200)

	// SF downtown to Oakland downtown ≈ 13.4 km.
	d = HaversineMeters(37.7749, -122.4194, 37.8044, -122.2712)
	assert.InDelta(t, 13_400, d, 500)
}

func TestValidCoordinates(t *testing.T) {
	assert.True(t, ValidCoordinates(0, 0))
	assert.True(t, ValidCoordinates(-90, 180))
	assert.True(t, ValidCoordinates(90, -180))
	assert.False(t, ValidCoordinates(90.1, 0))
	assert.False(t, ValidCoordinates(0, -180.5))
	assert.False(t, ValidCoordinates(-91, 181))
}

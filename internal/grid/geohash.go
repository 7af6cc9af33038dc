// Package grid maps coordinates to geohash cells and walks cell adjacency.
//
// Cell ids interleave longitude and latitude bits, longitude first, and
// render them five bits per symbol in the geohash base32 alphabet. Adjacency
// is computed on the encoded string with the classic neighbour and border
// tables, carrying into the parent prefix when a cell sits on the edge of
// its parent. The encoding space does not wrap: cells on the poles or the
// antimeridian have fewer than eight neighbours.
package grid

import (
	"math"
	"strings"

	"github.com/couchcryptid/crime-grid-engine/internal/domain"
)

const (
	// MinPrecision and MaxPrecision bound the cell id length.
	MinPrecision = 1
	MaxPrecision = 12

	alphabet = "0123456789bcdefghjkmnpqrstuvwxyz"
)

// ValidatePrecision rejects precisions outside MinPrecision..MaxPrecision.
func ValidatePrecision(precision int) error {
	if precision < MinPrecision || precision > MaxPrecision {
		return domain.InvalidArgument("precision %d outside %d-%d", precision, MinPrecision, MaxPrecision)
	}
	return nil
}

// ValidateCellID rejects ids that are not lower-case geohash strings.
func ValidateCellID(id string) error {
	if err := ValidatePrecision(len(id)); err != nil {
		return domain.InvalidArgument("cell id %q: length %d outside %d-%d", id, len(id), MinPrecision, MaxPrecision)
	}
	for i := 0; i < len(id); i++ {
		if strings.IndexByte(alphabet, id[i]) < 0 {
			return domain.InvalidArgument("cell id %q: invalid symbol %q", id, id[i])
		}
	}
	return nil
}

// Encode returns the cell id of the point at the given precision. The caller
// validates coordinates and precision.
func Encode(lat, lon float64, precision int) string {
	latLo, latHi := -90.0, 90.0
	lonLo, lonHi := -180.0, 180.0

	var sb strings.Builder
	sb.Grow(precision)

	even := true
	for sb.Len() < precision {
		idx := 0
		for bit := 4; bit >= 0; bit-- {
			if even {
				mid := (lonLo + lonHi) / 2
				if lon >= mid {
					idx |= 1 << bit
					lonLo = mid
				} else {
					lonHi = mid
				}
			} else {
				mid := (latLo + latHi) / 2
				if lat >= mid {
					idx |= 1 << bit
					latLo = mid
				} else {
					latHi = mid
				}
			}
			even = !even
		}
		sb.WriteByte(alphabet[idx])
	}
	return sb.String()
}

// Decode returns the bounding box of a cell id.
func Decode(id string) (domain.Bounds, error) {
	if err := ValidateCellID(id); err != nil {
		return domain.Bounds{}, err
	}
	b := domain.Bounds{MinLat: -90, MaxLat: 90, MinLon: -180, MaxLon: 180}

	even := true
	for i := 0; i < len(id); i++ {
		idx := strings.IndexByte(alphabet, id[i])
		for bit := 4; bit >= 0; bit-- {
			set := idx&(1<<bit) != 0
			if even {
				mid := (b.MinLon + b.MaxLon) / 2
				if set {
					b.MinLon = mid
				} else {
					b.MaxLon = mid
				}
			} else {
				mid := (b.MinLat + b.MaxLat) / 2
				if set {
					b.MinLat = mid
				} else {
					b.MaxLat = mid
				}
			}
			even = !even
		}
	}
	return b, nil
}

// CellFromID rebuilds the Cell value for an existing id.
func CellFromID(id string) (domain.Cell, error) {
	b, err := Decode(id)
	if err != nil {
		return domain.Cell{}, err
	}
	return domain.Cell{ID: id, Precision: len(id), Centroid: b.Center(), Bounds: b}, nil
}

func validCoordinate(lat, lon float64) bool {
	return !math.IsNaN(lat) && !math.IsNaN(lon) &&
		lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

package grid

import (
	"github.com/couchcryptid/crime-grid-engine/internal/domain"
)

// Indexer assigns coordinates inside a configured envelope to cells.
// It holds no mutable state and is safe for concurrent use.
type Indexer struct {
	envelope domain.Bounds
}

// NewIndexer creates an Indexer that accepts points inside envelope.
func NewIndexer(envelope domain.Bounds) *Indexer {
	return &Indexer{envelope: envelope}
}

// Envelope returns the accepted bounding box.
func (ix *Indexer) Envelope() domain.Bounds {
	return ix.envelope
}

// Assign maps a point to its cell. Equal inputs always give the same cell.
func (ix *Indexer) Assign(lat, lon float64, precision int) (domain.Cell, error) {
	if err := ValidatePrecision(precision); err != nil {
		return domain.Cell{}, err
	}
	if !validCoordinate(lat, lon) || !ix.envelope.Contains(lat, lon) {
		return domain.Cell{}, domain.OutOfBounds("point (%v, %v) outside envelope %v,%v,%v,%v",
			lat, lon, ix.envelope.MinLat, ix.envelope.MinLon, ix.envelope.MaxLat, ix.envelope.MaxLon)
	}
	return CellFromID(Encode(lat, lon, precision))
}

// Adjacent returns the ids of the cell's neighbours, between zero and eight
// of them. A short result on the edge of the encoding space is expected and
// not an error.
func (ix *Indexer) Adjacent(cellID string) ([]string, error) {
	if err := ValidateCellID(cellID); err != nil {
		return nil, err
	}
	return Neighbors(cellID), nil
}

// Ring returns the seed cell and every cell within depth adjacency hops.
func (ix *Indexer) Ring(cellID string, depth int) ([]Member, error) {
	if err := ValidateCellID(cellID); err != nil {
		return nil, err
	}
	if depth < 0 {
		return nil, domain.InvalidArgument("ring depth %d is negative", depth)
	}
	return Expand(cellID, depth), nil
}

package domain

import (
	"context"
	"time"
)

// RawEvent represents an unprocessed message from the source topic.
type RawEvent struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}

// Event is an immutable crime incident. The engine references events but
// never mutates or stores them.
type Event struct {
	ID        string    `json:"id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
	Category  string    `json:"category"`
}

// Point is a WGS-84 latitude/longitude coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Bounds is an axis-aligned latitude/longitude box. Min edges are inclusive.
type Bounds struct {
	MinLat float64 `json:"min_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLat float64 `json:"max_lat"`
	MaxLon float64 `json:"max_lon"`
}

// Contains reports whether the point lies inside the box, edges included.
func (b Bounds) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// Center returns the midpoint of the box.
func (b Bounds) Center() Point {
	return Point{Lat: (b.MinLat + b.MaxLat) / 2, Lon: (b.MinLon + b.MaxLon) / 2}
}

// Cell is a grid cell derived from coordinates. It is recomputed on demand
// and never persisted on its own.
type Cell struct {
	ID        string `json:"id"`
	Precision int    `json:"precision"`
	Centroid  Point  `json:"centroid"`
	Bounds    Bounds `json:"bounds"`
}

// AggregateBucket is the per-cell, per-hour aggregate row.
// Primary key is (CellID, Date, Hour).
type AggregateBucket struct {
	CellID     string    `json:"cell_id"`
	Date       time.Time `json:"date"`
	Hour       int       `json:"hour"`
	Count      int       `json:"count"`
	Rolling1d  int       `json:"rolling_1d"`
	Rolling7d  int       `json:"rolling_7d"`
	Rolling30d int       `json:"rolling_30d"`
	IsWarm     bool      `json:"is_warm"`
}

// Key returns the bucket's primary key.
func (b AggregateBucket) Key() BucketKey {
	return BucketKey{CellID: b.CellID, Date: DateKey(b.Date), Hour: b.Hour}
}

// BucketKey identifies a bucket; Date is formatted as YYYY-MM-DD.
type BucketKey struct {
	CellID string
	Date   string
	Hour   int
}

// ForecastPoint is a single predicted hour for a cell.
type ForecastPoint struct {
	CellID         string    `json:"cell_id"`
	Date           time.Time `json:"date"`
	Hour           int       `json:"hour"`
	PredictedCount float64   `json:"predicted_count"`
	Confidence     float64   `json:"confidence"`
}

// NeighborResult is a cell returned by a neighborhood query.
type NeighborResult struct {
	CellID     string `json:"cell_id"`
	Centroid   Point  `json:"centroid"`
	EventCount int    `json:"event_count"`
	Ring       int    `json:"ring"`
}

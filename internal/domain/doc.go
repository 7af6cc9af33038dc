// Package domain models point-in-time crime events and the grid aggregates
// derived from them.
//
// # Data Source
//
// Crime events originate from a municipal open-data portal export (the
// Chicago "Crimes - 2001 to Present" dataset in the reference deployment).
// An upstream collector publishes each incident as flat JSON to the Kafka
// source topic, and historical extracts are kept in InfluxDB for rebuilds.
//
// # Record Conventions
//
// Source record:
//
//	{"id": "13311263", "latitude": 41.8781, "longitude": -87.6298,
//	 "timestamp": "2024-04-26T15:10:00Z", "primary_type": "THEFT"}
//
//	- id is required and unique per incident.
//	- latitude/longitude are WGS-84 decimal degrees. Records without
//	  coordinates are rejected rather than geocoded.
//	- timestamp is RFC 3339. Offsets are honored; bucketing converts to the
//	  configured grid time zone.
//	- primary_type is upper-cased; an empty value becomes "UNKNOWN".
//
// # Grid Conventions
//
// Cells are geohash strings over the alphabet "0123456789bcdefghjkmnpqrstuvwxyz".
// Precision is the number of characters (1-12). Precision 6 is roughly a
// 1.2km x 0.6km cell, precision 8 roughly 38m x 19m.
//
// # Aggregate Conventions
//
// Aggregates are keyed by (cell_id, date, hour). Dates are civil days in the
// configured time zone, carried as UTC midnight values so that day arithmetic
// never crosses a DST transition. Rolling sums are inclusive of their own day:
//
//	rolling_7d(D) = count(D-6) + ... + count(D)
//
// where count(d) is the cell's total across all 24 hours of day d, including
// days with no events. Every hour bucket of a day carries the same rolling
// values.
//
// A cell's history is WARM until 30 calendar days have elapsed since its first
// observed day and STEADY afterwards; buckets expose this as IsWarm.
package domain

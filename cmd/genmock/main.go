// Command genmock generates a deterministic crime record fixture around a
// handful of Chicago hotspots. The same flags always produce the same file,
// so fixtures can be regenerated and diffed.
//
// Usage:
//
//	go run ./cmd/genmock -out data/mock/crime_events.json -count 5000 -days 60
package main

import (
	"cmp"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/couchcryptid/crime-grid-engine/internal/adapter/fixture"
	"github.com/couchcryptid/crime-grid-engine/internal/config"
	"github.com/couchcryptid/crime-grid-engine/internal/domain"
	"github.com/couchcryptid/crime-grid-engine/internal/grid"
)

// recordNamespace scopes the name-based UUIDs of generated records.
var recordNamespace = uuid.MustParse("6f1c1c9e-3a51-4c1e-9a8e-6b7c2f0d4e21")

type hotspot struct {
	name     string
	lat, lon float64
	sigma    float64 // degrees
	weight   float64
}

var hotspots = []hotspot{
	{name: "loop", lat: 41.8781, lon: -87.6298, sigma: 0.004, weight: 4},
	{name: "streeterville", lat: 41.8920, lon: -87.6200, sigma: 0.006, weight: 2},
	{name: "hyde park", lat: 41.7943, lon: -87.5907, sigma: 0.008, weight: 1.5},
	{name: "lakeview", lat: 41.9484, lon: -87.6553, sigma: 0.007, weight: 2},
	{name: "austin", lat: 41.8940, lon: -87.7650, sigma: 0.012, weight: 1},
}

var categories = []struct {
	name   string
	weight float64
}{
	{"THEFT", 5}, {"BATTERY", 3}, {"CRIMINAL DAMAGE", 2}, {"ASSAULT", 1.5},
	{"DECEPTIVE PRACTICE", 1.5}, {"MOTOR VEHICLE THEFT", 1}, {"ROBBERY", 1}, {"NARCOTICS", 0.5},
}

// hourWeights skews events toward the evening.
var hourWeights = [24]float64{
	3, 2.5, 2, 1.5, 1, 1, 1.5, 2, 3, 3.5, 4, 4.5,
	5, 5, 5, 5.5, 6, 6.5, 7, 7, 6.5, 6, 5, 4,
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "", "output path for the JSON fixture")
	count := flag.Int("count", 1000, "number of valid records")
	days := flag.Int("days", 30, "days of history ending on -end")
	endFlag := flag.String("end", "2024-04-27", "last day of generated history, YYYY-MM-DD")
	seed := flag.Uint64("seed", 1, "random seed")
	invalid := flag.Int("invalid", 0, "extra records without a longitude")
	flag.Parse()

	if *out == "" || *count <= 0 || *days <= 0 {
		flag.Usage()
		return fmt.Errorf("missing or invalid flags: -out, -count, -days")
	}
	end, err := domain.ParseDate(*endFlag)
	if err != nil {
		return fmt.Errorf("-end: %w", err)
	}

	records := generate(*seed, *count, *days, end)
	for i := range *invalid {
		lat := hotspots[0].lat
		records = append(records, domain.CrimeRecord{
			ID:          recordID(*seed, *count+i),
			Latitude:    &lat,
			Timestamp:   end.Add(12 * time.Hour),
			PrimaryType: "THEFT",
		})
	}

	if err := fixture.Write(*out, records); err != nil {
		return fmt.Errorf("writing fixture: %w", err)
	}
	log.Printf("wrote %d records to %s", len(records), *out)

	printStats(records)
	return nil
}

func recordID(seed uint64, i int) string {
	return uuid.NewSHA1(recordNamespace, fmt.Appendf(nil, "%d/%d", seed, i)).String()
}

// generate draws count records inside the default envelope, spread over the
// days ending on end.
func generate(seed uint64, count, days int, end time.Time) []domain.CrimeRecord {
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	rng := rand.New(src)
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	start := end.AddDate(0, 0, -(days - 1))
	envelope := config.DefaultEnvelope

	spotWeights := make([]float64, len(hotspots))
	for i, h := range hotspots {
		spotWeights[i] = h.weight
	}
	catWeights := make([]float64, len(categories))
	for i, c := range categories {
		catWeights[i] = c.weight
	}

	records := make([]domain.CrimeRecord, 0, count)
	for len(records) < count {
		h := hotspots[pick(rng, spotWeights)]
		lat := h.lat + normal.Rand()*h.sigma
		lon := h.lon + normal.Rand()*h.sigma
		if !envelope.Contains(lat, lon) {
			continue
		}
		day := start.AddDate(0, 0, rng.IntN(days))
		hour := pick(rng, hourWeights[:])
		ts := day.Add(time.Duration(hour)*time.Hour + time.Duration(rng.IntN(3600))*time.Second)

		records = append(records, domain.CrimeRecord{
			ID:          recordID(seed, len(records)),
			Latitude:    &lat,
			Longitude:   &lon,
			Timestamp:   ts,
			PrimaryType: categories[pick(rng, catWeights)].name,
		})
	}
	slices.SortStableFunc(records, func(a, b domain.CrimeRecord) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return records
}

// pick returns an index drawn proportionally to weights.
func pick(rng *rand.Rand, weights []float64) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	r := rng.Float64() * total
	for i, w := range weights {
		if r < w {
			return i
		}
		r -= w
	}
	return len(weights) - 1
}

type cellCount struct {
	cell  string
	count int
}

func printStats(records []domain.CrimeRecord) {
	perCell := map[string]int{}
	perCategory := map[string]int{}
	var invalid int
	for _, r := range records {
		if r.Longitude == nil || r.Latitude == nil {
			invalid++
			continue
		}
		perCell[grid.Encode(*r.Latitude, *r.Longitude, 6)]++
		perCategory[domain.NormalizeCategory(r.PrimaryType)]++
	}

	cells := make([]cellCount, 0, len(perCell))
	for c, n := range perCell {
		cells = append(cells, cellCount{c, n})
	}
	slices.SortFunc(cells, func(a, b cellCount) int {
		if c := cmp.Compare(b.count, a.count); c != 0 {
			return c
		}
		return cmp.Compare(a.cell, b.cell)
	})

	fmt.Println("\n=== Stats for updating test assertions ===")
	fmt.Printf("Total: %d (invalid %d)\n", len(records), invalid)
	fmt.Printf("Cells (precision 6): %d\n", len(cells))
	fmt.Println("Top cells:")
	for _, c := range cells[:min(10, len(cells))] {
		fmt.Printf("  %s=%d\n", c.cell, c.count)
	}
	fmt.Print("By category:")
	for _, c := range categories {
		fmt.Printf(" %s=%d", c.name, perCategory[c.name])
	}
	fmt.Println()
	if len(records) > 0 {
		fmt.Printf("Range: %s to %s\n",
			records[0].Timestamp.Format(time.RFC3339), records[len(records)-1].Timestamp.Format(time.RFC3339))
	}
}

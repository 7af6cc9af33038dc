package grid

import (
	"fmt"
	"strings"
)

// Direction names one of the eight compass neighbours of a cell.
type Direction int

const (
	North Direction = iota
	NorthEast
	East
	SouthEast
	South
	SouthWest
	West
	NorthWest
)

// Directions lists every direction clockwise from North.
var Directions = []Direction{North, NorthEast, East, SouthEast, South, SouthWest, West, NorthWest}

func (d Direction) String() string {
	switch d {
	case North:
		return "n"
	case NorthEast:
		return "ne"
	case East:
		return "e"
	case SouthEast:
		return "se"
	case South:
		return "s"
	case SouthWest:
		return "sw"
	case West:
		return "w"
	case NorthWest:
		return "nw"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Tables indexed by [cardinal][len(id) % 2]. Row 0 applies to even-length
// ids, row 1 to odd-length ids.
var (
	neighbourTable = [4][2]string{
		{"p0r21436x8zb9dcf5h7kjnmqesgutwvy", "bc01fg45238967deuvhjyznpkmstqrwx"}, // north
		{"bc01fg45238967deuvhjyznpkmstqrwx", "p0r21436x8zb9dcf5h7kjnmqesgutwvy"}, // east
		{"14365h7k9dcfesgujnmqp0r2twvyx8zb", "238967debc01fg45kmstqrwxuvhjyznp"}, // south
		{"238967debc01fg45kmstqrwxuvhjyznp", "14365h7k9dcfesgujnmqp0r2twvyx8zb"}, // west
	}
	borderTable = [4][2]string{
		{"prxz", "bcfguvyz"},
		{"bcfguvyz", "prxz"},
		{"028b", "0145hjnp"},
		{"0145hjnp", "028b"},
	}
)

const (
	cardNorth = iota
	cardEast
	cardSouth
	cardWest
)

// step moves one cell in a cardinal direction. It reports false when the
// move would leave the encoding space.
func step(id string, card int) (string, bool) {
	if id == "" {
		return "", false
	}
	last := id[len(id)-1]
	parent := id[:len(id)-1]
	parity := len(id) % 2

	if strings.IndexByte(borderTable[card][parity], last) >= 0 {
		if parent == "" {
			return "", false
		}
		var ok bool
		if parent, ok = step(parent, card); !ok {
			return "", false
		}
	}
	idx := strings.IndexByte(neighbourTable[card][parity], last)
	if idx < 0 {
		return "", false
	}
	return parent + string(alphabet[idx]), true
}

// Neighbor returns the adjacent cell in direction d. Diagonals are composed
// of two cardinal steps; ok is false on the edge of the encoding space.
func Neighbor(id string, d Direction) (string, bool) {
	switch d {
	case North:
		return step(id, cardNorth)
	case East:
		return step(id, cardEast)
	case South:
		return step(id, cardSouth)
	case West:
		return step(id, cardWest)
	case NorthEast:
		return diagonal(id, cardNorth, cardEast)
	case SouthEast:
		return diagonal(id, cardSouth, cardEast)
	case SouthWest:
		return diagonal(id, cardSouth, cardWest)
	case NorthWest:
		return diagonal(id, cardNorth, cardWest)
	default:
		return "", false
	}
}

func diagonal(id string, vertical, horizontal int) (string, bool) {
	mid, ok := step(id, vertical)
	if !ok {
		return "", false
	}
	return step(mid, horizontal)
}

// Neighbors returns up to eight adjacent ids clockwise from North. Directions
// that fall off the encoding space are omitted, so a cell on the poles or
// the antimeridian yields fewer than eight. The id is assumed valid.
func Neighbors(id string) []string {
	out := make([]string, 0, len(Directions))
	for _, d := range Directions {
		n, ok := Neighbor(id, d)
		if !ok || n == id {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Member is a cell reached during ring expansion.
type Member struct {
	CellID string `json:"cell_id"`
	Ring   int    `json:"ring"`
}

// Expand walks outward from seed breadth first, up to depth rings, and
// returns every distinct cell reached with the ring it was first seen on.
// The seed is ring 0.
func Expand(seed string, depth int) []Member {
	seen := map[string]struct{}{seed: {}}
	out := []Member{{CellID: seed, Ring: 0}}
	frontier := []string{seed}

	for ring := 1; ring <= depth && len(frontier) > 0; ring++ {
		var next []string
		for _, id := range frontier {
			for _, n := range Neighbors(id) {
				if _, ok := seen[n]; ok {
					continue
				}
				seen[n] = struct{}{}
				out = append(out, Member{CellID: n, Ring: ring})
				next = append(next, n)
			}
		}
		frontier = next
	}
	return out
}

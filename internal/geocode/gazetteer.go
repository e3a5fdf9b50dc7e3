package geocode

import (
	_ "embed"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// gazetteerCSV is a compact extract of populated places: one row per city
// with its admin-1 region and country code. Enough for nearest-city lookups
// in the regions the mesh currently covers; GAZETTEER_PATH swaps in a bigger
// dataset without a rebuild.
//
//go:embed gazetteer.csv
var gazetteerCSV string

// maxNearestDistance bounds how far a coordinate may sit from its nearest
// gazetteer city before the lookup is treated as a miss. Mid-ocean buoys and
// uncovered countries fall through to the online resolver.
const maxNearestDistance = 100_000.0 // meters

// Place is one resolved location.
type Place struct {
	Name        string
	Admin1      string
	CountryCode string
}

type gazetteerEntry struct {
	place Place
	point orb.Point
}

// Gazetteer answers nearest-city queries over an in-memory place list.
// Queries are read-only after load, so no locking is needed.
type Gazetteer struct {
	entries []gazetteerEntry
}

// LoadGazetteer builds the lookup table. With an empty path the embedded
// extract is used; otherwise the CSV at path replaces it.
func LoadGazetteer(path string) (*Gazetteer, error) {
	if path == "" {
		return parseGazetteer(strings.NewReader(gazetteerCSV))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open gazetteer: %w", err)
	}
	defer f.Close()
	return parseGazetteer(f)
}

func parseGazetteer(r io.Reader) (*Gazetteer, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 5

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read gazetteer header: %w", err)
	}
	if header[0] != "name" {
		return nil, fmt.Errorf("unexpected gazetteer header: %v", header)
	}

	var entries []gazetteerEntry
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse gazetteer row: %w", err)
		}
		lat, err := strconv.ParseFloat(row[3], 64)
		if err != nil {
			return nil, fmt.Errorf("bad latitude in gazetteer row %q: %w", row[0], err)
		}
		lon, err := strconv.ParseFloat(row[4], 64)
		if err != nil {
			return nil, fmt.Errorf("bad longitude in gazetteer row %q: %w", row[0], err)
		}
		entries = append(entries, gazetteerEntry{
			place: Place{Name: row[0], Admin1: row[1], CountryCode: row[2]},
			point: orb.Point{lon, lat},
		})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("gazetteer is empty")
	}
	return &Gazetteer{entries: entries}, nil
}

// Len returns the number of loaded places.
func (g *Gazetteer) Len() int { return len(g.entries) }

// Nearest returns the closest place to the coordinate, or ok=false when the
// nearest place is implausibly far away. Linear scan; the table is small and
// haversine per row is cheap.
func (g *Gazetteer) Nearest(lat, lon float64) (Place, bool) {
	query := orb.Point{lon, lat}
	best := -1
	bestDist := 0.0
	for i := range g.entries {
		d := geo.Distance(query, g.entries[i].point)
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	if bestDist > maxNearestDistance {
		return Place{}, false
	}
	return g.entries[best].place, true
}

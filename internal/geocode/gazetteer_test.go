package geocode

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmbeddedGazetteerLoads(t *testing.T) {
	t.Parallel()

	g, err := LoadGazetteer("")
	require.NoError(t, err)
	require.Greater(t, g.Len(), 50)
}

func TestNearestCity(t *testing.T) {
	t.Parallel()
	g, err := LoadGazetteer("")
	require.NoError(t, err)

	tests := []struct {
		name        string
		lat, lon    float64
		wantAdmin1  string
		wantCountry string
	}{
		// A few kilometres off each city centre.
		{"Auckland suburb", -36.90, 174.78, "Auckland", "nz"},
		{"central London", 51.50, -0.12, "England", "gb"},
		{"Sydney harbour", -33.85, 151.21, "New South Wales", "au"},
		{"Munich outskirts", 48.20, 11.60, "Bavaria", "de"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			place, ok := g.Nearest(tt.lat, tt.lon)
			require.True(t, ok)
			require.Equal(t, tt.wantCountry, place.CountryCode)
			require.Equal(t, tt.wantAdmin1, place.Admin1)
		})
	}
}

func TestNearestMissesMidOcean(t *testing.T) {
	t.Parallel()
	g, err := LoadGazetteer("")
	require.NoError(t, err)

	_, ok := g.Nearest(-48.87, -123.39) // Point Nemo
	require.False(t, ok)
}

func TestLoadGazetteerFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "places.csv")
	csv := "name,admin1,country,lat,lon\nTestville,Testshire,xx,10.0,20.0\n"
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))

	g, err := LoadGazetteer(path)
	require.NoError(t, err)
	require.Equal(t, 1, g.Len())

	place, ok := g.Nearest(10.1, 20.1)
	require.True(t, ok)
	require.Equal(t, "Testville", place.Name)
}

func TestLoadGazetteerRejectsBadData(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.csv")
	require.NoError(t, os.WriteFile(empty, []byte("name,admin1,country,lat,lon\n"), 0o644))
	_, err := LoadGazetteer(empty)
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("name,admin1,country,lat,lon\nX,Y,zz,not-a-number,0\n"), 0o644))
	_, err = LoadGazetteer(bad)
	require.Error(t, err)
}

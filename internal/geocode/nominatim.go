package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const (
	nominatimEndpoint  = "https://nominatim.openstreetmap.org/reverse"
	nominatimUserAgent = "WeSense/1.0"
)

// NominatimClient queries the public OpenStreetMap reverse geocoder.
// The usage policy allows at most one request per second per service, so a
// global limiter gates every call regardless of caller.
type NominatimClient struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
}

func NewNominatimClient() *NominatimClient {
	return &NominatimClient{
		endpoint: nominatimEndpoint,
		http:     &http.Client{Timeout: 10 * time.Second},
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

type nominatimResponse struct {
	Address struct {
		Country string `json:"country"`
		State   string `json:"state"`
		// Some countries report the admin-1 level as province or region.
		Province string `json:"province"`
		Region   string `json:"region"`
	} `json:"address"`
}

// Reverse resolves a coordinate to (country name, admin-1 name). Blocks on
// the rate limiter; ctx bounds the total wait plus request time.
func (c *NominatimClient) Reverse(ctx context.Context, lat, lon float64) (country, admin1 string, err error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", "", err
	}

	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	params.Set("lon", strconv.FormatFloat(lon, 'f', 6, 64))
	params.Set("format", "json")
	params.Set("addressdetails", "1")
	params.Set("accept-language", "en")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", nominatimUserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("nominatim request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("nominatim returned HTTP %d", resp.StatusCode)
	}

	var body nominatimResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", fmt.Errorf("failed to decode nominatim response: %w", err)
	}

	admin1 = body.Address.State
	if admin1 == "" {
		admin1 = body.Address.Province
	}
	if admin1 == "" {
		admin1 = body.Address.Region
	}
	return body.Address.Country, admin1, nil
}

package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

type NominatimGeocoder struct {
	BaseURL     string
	UserAgent   string
	MinInterval time.Duration
	Client      *http.Client

	mu        sync.Mutex
	lastReqAt time.Time
	cache     map[string]Result
}

func NewNominatim(baseURL, userAgent string) *NominatimGeocoder {
	return &NominatimGeocoder{
		BaseURL:     baseURL,
		UserAgent:   userAgent,
		MinInterval: time.Second,
		Client:      &http.Client{Timeout: 10 * time.Second},
	}
}

type nominatimItem struct {
	Lat         string  `json:"lat"`
	Lon         string  `json:"lon"`
	DisplayName string  `json:"display_name"`
	Importance  float64 `json:"importance"`
}

func (g *NominatimGeocoder) Geocode(ctx context.Context, query string) (Result, error) {
	g.mu.Lock()
	if g.Client == nil {
		g.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if g.BaseURL == "" {
		g.BaseURL = "https://nominatim.openstreetmap.org"
	}
	if g.UserAgent == "" {
		g.UserAgent = "atm-fieldops"
	}
	if g.MinInterval <= 0 {
		g.MinInterval = time.Second
	}
	if g.cache == nil {
		g.cache = map[string]Result{}
	}
	if cached, ok := g.cache[query]; ok {
		g.mu.Unlock()
		return cached, nil
	}
	// Reserve the next slot before sleeping so concurrent callers queue up behind it.
	next := g.lastReqAt.Add(g.MinInterval)
	if now := time.Now(); next.Before(now) {
		next = now
	}
	g.lastReqAt = next
	client, baseURL, userAgent := g.Client, g.BaseURL, g.UserAgent
	g.mu.Unlock()

	if wait := time.Until(next); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	}

	endpoint := fmt.Sprintf("%s/search?q=%s&format=json&limit=1", baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("nominatim http error: %s", resp.Status)
	}

	var items []nominatimItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return Result{}, err
	}
	result, err := parseNominatimItems(items)
	if err != nil {
		return Result{}, err
	}

	g.mu.Lock()
	g.cache[query] = result
	g.mu.Unlock()

	return result, nil
}

func parseNominatimItems(items []nominatimItem) (Result, error) {
	if len(items) == 0 {
		return Result{}, ErrNotFound
	}
	lat, err := strconv.ParseFloat(items[0].Lat, 64)
	if err != nil {
		return Result{}, err
	}
	lng, err := strconv.ParseFloat(items[0].Lon, 64)
	if err != nil {
		return Result{}, err
	}
	if lat == 0 && lng == 0 && items[0].DisplayName == "" {
		return Result{}, ErrNotFound
	}
	return Result{
		Lat:         lat,
		Lng:         lng,
		DisplayName: items[0].DisplayName,
		Confidence:  items[0].Importance,
	}, nil
}

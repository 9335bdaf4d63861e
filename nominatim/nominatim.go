// Package nominatim resolves street addresses to coordinates with the OSM
// Nominatim search API.
package nominatim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	soiltemp "github.com/soilkit/go-soiltemp"
)

const (
	defaultBaseURL   = "https://nominatim.openstreetmap.org"
	defaultUserAgent = "soil-temp-lookup"
	defaultTimeout   = 5 * time.Second

	// DefaultCacheSize is the default number of geocoding results kept by a
	// CachedGeocoder.
	DefaultCacheSize = 2048
)

// ErrAddressNotFound is returned when the service resolves no coordinate for
// an address.
var ErrAddressNotFound = errors.New("address not found")

var (
	geocodeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soiltemp_geocode_requests_total",
		Help: "The total number of geocoding requests by outcome",
	}, []string{"outcome"})
	geocodeCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "soiltemp_geocode_cache_hits_total",
		Help: "The total number of hits on the geocoding cache",
	})
	geocodeCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "soiltemp_geocode_cache_misses_total",
		Help: "The total number of misses on the geocoding cache",
	})
)

// A Client implements soiltemp.Geocoder using the Nominatim search API.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithUserAgent(userAgent string) ClientOption {
	return func(c *Client) {
		c.userAgent = userAgent
	}
}

// NewClient returns a new Nominatim client.
func NewClient(options ...ClientOption) *Client {
	c := &Client{
		baseURL:   defaultBaseURL,
		userAgent: defaultUserAgent,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		logger: slog.Default(),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// A searchResult is a single entry of a Nominatim search response. Nominatim
// encodes coordinates as strings.
type searchResult struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// Geocode resolves address to a coordinate. It returns an error wrapping
// ErrAddressNotFound if the service has no match.
func (c *Client) Geocode(ctx context.Context, address string) (soiltemp.LatLon, error) {
	params := url.Values{
		"q":      {address},
		"format": {"jsonv2"},
		"limit":  {"1"},
	}
	requestURL := c.baseURL + "/search?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return soiltemp.LatLon{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	c.logger.Debug("geocode request", "address", address)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		geocodeRequests.WithLabelValues("error").Inc()
		return soiltemp.LatLon{}, fmt.Errorf("geocode request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		geocodeRequests.WithLabelValues("error").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return soiltemp.LatLon{}, fmt.Errorf("nominatim API error: status %d: %s", resp.StatusCode, body)
	}

	var results []searchResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		geocodeRequests.WithLabelValues("error").Inc()
		return soiltemp.LatLon{}, fmt.Errorf("decode response: %w", err)
	}

	if len(results) == 0 {
		geocodeRequests.WithLabelValues("not_found").Inc()
		return soiltemp.LatLon{}, fmt.Errorf("%q: %w", address, ErrAddressNotFound)
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		geocodeRequests.WithLabelValues("error").Inc()
		return soiltemp.LatLon{}, fmt.Errorf("parse latitude %q: %w", results[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		geocodeRequests.WithLabelValues("error").Inc()
		return soiltemp.LatLon{}, fmt.Errorf("parse longitude %q: %w", results[0].Lon, err)
	}

	geocodeRequests.WithLabelValues("success").Inc()
	return soiltemp.LatLon{Lat: lat, Lon: lon}, nil
}

// A CachedGeocoder wraps a Geocoder with an LRU cache keyed by the raw
// address string, so repeated lookups of one address make a single network
// call per process.
type CachedGeocoder struct {
	inner soiltemp.Geocoder
	cache *lru.Cache[string, soiltemp.LatLon]
}

// NewCachedGeocoder returns a cache of cacheSize entries around inner.
func NewCachedGeocoder(inner soiltemp.Geocoder, cacheSize int) (*CachedGeocoder, error) {
	cache, err := lru.New[string, soiltemp.LatLon](cacheSize)
	if err != nil {
		return nil, err
	}
	return &CachedGeocoder{
		inner: inner,
		cache: cache,
	}, nil
}

// Geocode resolves address, consulting the cache first. Failures are not
// cached, so transient errors can be retried.
func (c *CachedGeocoder) Geocode(ctx context.Context, address string) (soiltemp.LatLon, error) {
	if coord, ok := c.cache.Get(address); ok {
		geocodeCacheHits.Inc()
		return coord, nil
	}
	geocodeCacheMisses.Inc()
	coord, err := c.inner.Geocode(ctx, address)
	if err != nil {
		return soiltemp.LatLon{}, err
	}
	c.cache.Add(address, coord)
	return coord, nil
}

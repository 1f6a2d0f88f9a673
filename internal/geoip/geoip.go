// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

// Package geoip annotates client IP addresses with network location.
// Lookups layer an in-memory LRU over the persistent geolocation table
// over the remote provider; private addresses short-circuit to a local
// sentinel and never leave the process.
package geoip

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/chronicle-media/chronicle/internal/cache"
	"github.com/chronicle-media/chronicle/internal/logging"
	"github.com/chronicle-media/chronicle/internal/metrics"
	"github.com/chronicle-media/chronicle/internal/models"
)

// ip-api.com free tier allows 45 requests per minute.
const (
	ipAPIEndpoint  = "http://ip-api.com/json/"
	ipAPIRateLimit = 45.0 / 60.0
	ipAPIBurst     = 5
)

// Store is the persistence the service needs from the database layer.
type Store interface {
	GetGeolocation(ctx context.Context, ipAddress string) (*models.Geolocation, error)
	UpsertGeolocation(ctx context.Context, geo *models.Geolocation) error
}

// Provider resolves a public IP address to a location.
type Provider interface {
	Lookup(ctx context.Context, ipAddress string) (*models.Geolocation, error)
}

// Service is the layered resolver. Failed lookups return a nil
// geolocation rather than an error: location is an annotation, never a
// reason to drop a session.
type Service struct {
	store    Store
	provider Provider
	cache    *cache.LRU[*models.Geolocation]
	ttl      time.Duration
	now      func() time.Time
}

// NewService creates a geolocation service.
func NewService(store Store, provider Provider, cacheSize int, ttl time.Duration) *Service {
	if cacheSize <= 0 {
		cacheSize = 1000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		store:    store,
		provider: provider,
		cache:    cache.NewLRU[*models.Geolocation](cacheSize, ttl),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Resolve returns the location annotation for an IP address, or nil when
// it cannot be determined.
func (s *Service) Resolve(ctx context.Context, ipAddress string) *models.Geolocation {
	if ipAddress == "" {
		return nil
	}

	ip, err := netip.ParseAddr(ipAddress)
	if err != nil {
		return nil
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsPrivate() {
		metrics.GeoLookups.WithLabelValues("local").Inc()
		return &models.Geolocation{
			IPAddress:   ipAddress,
			Country:     "Local Network",
			Local:       true,
			LastUpdated: s.now(),
		}
	}

	if geo, ok := s.cache.Get(ipAddress); ok {
		metrics.GeoLookups.WithLabelValues("cache").Inc()
		return geo
	}

	if geo, err := s.store.GetGeolocation(ctx, ipAddress); err == nil && geo != nil {
		if s.now().Sub(geo.LastUpdated) < s.ttl {
			s.cache.Add(ipAddress, geo)
			metrics.GeoLookups.WithLabelValues("cache").Inc()
			return geo
		}
	}

	geo, err := s.provider.Lookup(ctx, ipAddress)
	if err != nil {
		logging.Debug().Str("ip", ipAddress).Err(err).Msg("Geolocation lookup failed")
		metrics.GeoLookups.WithLabelValues("failed").Inc()
		return nil
	}
	metrics.GeoLookups.WithLabelValues("provider").Inc()

	s.cache.Add(ipAddress, geo)
	if err := s.store.UpsertGeolocation(ctx, geo); err != nil {
		logging.Warn().Str("ip", ipAddress).Err(err).Msg("Failed to persist geolocation")
	}
	return geo
}

// ipAPIResponse is the shape of an ip-api.com JSON lookup.
type ipAPIResponse struct {
	Status     string  `json:"status"` // "success" or "fail"
	Message    string  `json:"message,omitempty"`
	Country    string  `json:"country"`
	RegionName string  `json:"regionName"`
	City       string  `json:"city"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
}

// IPAPIProvider resolves addresses through the free ip-api.com service,
// throttled to stay inside its rate limit.
type IPAPIProvider struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	endpoint   string
}

var _ Provider = (*IPAPIProvider)(nil)

// NewIPAPIProvider creates an ip-api.com backed provider.
func NewIPAPIProvider() *IPAPIProvider {
	return &IPAPIProvider{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(ipAPIRateLimit), ipAPIBurst),
		endpoint:   ipAPIEndpoint,
	}
}

// Lookup resolves one public IP address. Blocks on the rate limiter
// until a token is available or the context ends.
func (p *IPAPIProvider) Lookup(ctx context.Context, ipAddress string) (*models.Geolocation, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+ipAddress, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var r ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if r.Status != "success" {
		return nil, fmt.Errorf("lookup failed for %s: %s", ipAddress, r.Message)
	}

	geo := &models.Geolocation{
		IPAddress:   ipAddress,
		Latitude:    r.Lat,
		Longitude:   r.Lon,
		Country:     r.Country,
		LastUpdated: time.Now(),
	}
	if r.City != "" {
		c := r.City
		geo.City = &c
	}
	if r.RegionName != "" {
		rn := r.RegionName
		geo.Region = &rn
	}
	return geo, nil
}

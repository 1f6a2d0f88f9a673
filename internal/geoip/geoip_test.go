// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

package geoip

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/chronicle-media/chronicle/internal/models"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]*models.Geolocation
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*models.Geolocation)}
}

func (s *memStore) GetGeolocation(_ context.Context, ip string) (*models.Geolocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.rows[ip]; ok {
		cp := *g
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) UpsertGeolocation(_ context.Context, geo *models.Geolocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *geo
	s.rows[geo.IPAddress] = &cp
	return nil
}

type countingProvider struct {
	mu    sync.Mutex
	calls int
	geo   *models.Geolocation
	err   error
}

func (p *countingProvider) Lookup(_ context.Context, ip string) (*models.Geolocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	g := *p.geo
	g.IPAddress = ip
	return &g, nil
}

func (p *countingProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestResolvePrivateAddressIsLocal(t *testing.T) {
	t.Parallel()
	svc := NewService(newMemStore(), &countingProvider{}, 10, time.Hour)

	for _, ip := range []string{"192.168.1.5", "10.0.0.1", "127.0.0.1", "fd00::1"} {
		geo := svc.Resolve(context.Background(), ip)
		if geo == nil || !geo.Local {
			t.Errorf("Resolve(%s) = %+v, want local sentinel", ip, geo)
		}
	}
}

func TestResolveCachesProviderResult(t *testing.T) {
	t.Parallel()
	provider := &countingProvider{geo: &models.Geolocation{
		Latitude:    51.5,
		Longitude:   -0.1,
		Country:     "United Kingdom",
		LastUpdated: time.Now(),
	}}
	store := newMemStore()
	svc := NewService(store, provider, 10, time.Hour)

	for i := 0; i < 3; i++ {
		geo := svc.Resolve(context.Background(), "198.51.100.7")
		if geo == nil || geo.Country != "United Kingdom" {
			t.Fatalf("Resolve #%d = %+v", i, geo)
		}
	}
	if provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1 (cached afterwards)", provider.callCount())
	}

	// The result is also persisted for restarts.
	if g, _ := store.GetGeolocation(context.Background(), "198.51.100.7"); g == nil {
		t.Error("expected geolocation persisted to store")
	}
}

func TestResolveUsesFreshStoreRow(t *testing.T) {
	t.Parallel()
	provider := &countingProvider{err: errors.New("should not be called")}
	store := newMemStore()
	_ = store.UpsertGeolocation(context.Background(), &models.Geolocation{
		IPAddress:   "198.51.100.7",
		Country:     "Germany",
		LastUpdated: time.Now(),
	})
	svc := NewService(store, provider, 10, time.Hour)

	geo := svc.Resolve(context.Background(), "198.51.100.7")
	if geo == nil || geo.Country != "Germany" {
		t.Fatalf("Resolve = %+v, want stored row", geo)
	}
	if provider.callCount() != 0 {
		t.Errorf("provider calls = %d, want 0", provider.callCount())
	}
}

func TestResolveFailureReturnsNil(t *testing.T) {
	t.Parallel()
	provider := &countingProvider{err: errors.New("provider down")}
	svc := NewService(newMemStore(), provider, 10, time.Hour)

	if geo := svc.Resolve(context.Background(), "198.51.100.7"); geo != nil {
		t.Errorf("Resolve = %+v, want nil on provider failure", geo)
	}
}

func TestResolveInvalidAddress(t *testing.T) {
	t.Parallel()
	svc := NewService(newMemStore(), &countingProvider{}, 10, time.Hour)

	if geo := svc.Resolve(context.Background(), "not-an-ip"); geo != nil {
		t.Errorf("Resolve = %+v, want nil for unparseable address", geo)
	}
	if geo := svc.Resolve(context.Background(), ""); geo != nil {
		t.Errorf("Resolve = %+v, want nil for empty address", geo)
	}
}

func TestIPAPIProviderLookup(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"status": "success",
			"country": "Netherlands",
			"regionName": "North Holland",
			"city": "Amsterdam",
			"lat": 52.37,
			"lon": 4.89
		}`)
	}))
	defer srv.Close()

	p := NewIPAPIProvider()
	p.endpoint = srv.URL + "/"

	geo, err := p.Lookup(context.Background(), "198.51.100.7")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if geo.Country != "Netherlands" || geo.Latitude != 52.37 {
		t.Errorf("geo = %+v", geo)
	}
	if geo.City == nil || *geo.City != "Amsterdam" {
		t.Errorf("city = %v", geo.City)
	}
}

func TestIPAPIProviderFailStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status": "fail", "message": "reserved range"}`)
	}))
	defer srv.Close()

	p := NewIPAPIProvider()
	p.endpoint = srv.URL + "/"

	if _, err := p.Lookup(context.Background(), "10.0.0.1"); err == nil {
		t.Error("expected error for fail status")
	}
}

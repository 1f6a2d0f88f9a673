// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chronicle-media/chronicle/internal/models"
)

// GetGeolocation returns the cached geolocation for an IP, or nil when
// the address has never been resolved.
func (db *DB) GetGeolocation(ctx context.Context, ipAddress string) (*models.Geolocation, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var (
		geo    models.Geolocation
		city   sql.NullString
		region sql.NullString
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT ip_address, latitude, longitude, country, city, region, is_local, last_updated
		 FROM geolocations WHERE ip_address = ?`, ipAddress).
		Scan(&geo.IPAddress, &geo.Latitude, &geo.Longitude, &geo.Country,
			&city, &region, &geo.Local, &geo.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get geolocation for %s: %w", ipAddress, err)
	}
	geo.City = fromNullString(city)
	geo.Region = fromNullString(region)
	return &geo, nil
}

// UpsertGeolocation caches a resolved geolocation.
func (db *DB) UpsertGeolocation(ctx context.Context, geo *models.Geolocation) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if geo.LastUpdated.IsZero() {
		geo.LastUpdated = time.Now()
	}

	var cityVal, regionVal any
	if geo.City != nil {
		cityVal = *geo.City
	}
	if geo.Region != nil {
		regionVal = *geo.Region
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO geolocations (ip_address, latitude, longitude, country, city, region, is_local, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (ip_address) DO UPDATE SET
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			country = EXCLUDED.country,
			city = EXCLUDED.city,
			region = EXCLUDED.region,
			is_local = EXCLUDED.is_local,
			last_updated = EXCLUDED.last_updated`,
		geo.IPAddress, geo.Latitude, geo.Longitude, geo.Country,
		cityVal, regionVal, geo.Local, geo.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to upsert geolocation for %s: %w", geo.IPAddress, err)
	}
	return nil
}

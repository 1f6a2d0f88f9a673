// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

package database

import (
	"database/sql"
	"time"

	"github.com/chronicle-media/chronicle/internal/models"
)

// nullString converts "" to NULL for storage.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullTime converts the zero time to NULL for storage.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	s := ns.String
	return &s
}

// flattenGeo splits an optional Geolocation into its column values.
func flattenGeo(geo *models.Geolocation) (country, city, region any, lat, lon any, local bool) {
	if geo == nil {
		return nil, nil, nil, nil, nil, false
	}
	var cityVal, regionVal any
	if geo.City != nil {
		cityVal = *geo.City
	}
	if geo.Region != nil {
		regionVal = *geo.Region
	}
	return geo.Country, cityVal, regionVal, geo.Latitude, geo.Longitude, geo.Local
}

// unflattenGeo rebuilds an optional Geolocation from scanned columns.
// Returns nil when no annotation was stored.
func unflattenGeo(ip string, country, city, region sql.NullString, lat, lon sql.NullFloat64, local bool) *models.Geolocation {
	if !country.Valid && !local {
		return nil
	}
	geo := &models.Geolocation{
		IPAddress: ip,
		Local:     local,
	}
	if country.Valid {
		geo.Country = country.String
	}
	geo.City = fromNullString(city)
	geo.Region = fromNullString(region)
	if lat.Valid {
		geo.Latitude = lat.Float64
	}
	if lon.Valid {
		geo.Longitude = lon.Float64
	}
	return geo
}

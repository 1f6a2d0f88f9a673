// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

package source

import (
	"net"
	"net/netip"
)

// stripPort removes a trailing port from host:port endpoints as reported
// by Jellyfin and Emby. A bare host passes through unchanged.
func stripPort(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(endpoint); err == nil {
		return host
	}
	return endpoint
}

// isPrivateAddress reports whether the address is loopback, link-local,
// or RFC 1918 / ULA private space.
func isPrivateAddress(addr string) bool {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsPrivate()
}

// Copyright 2020 The Crawlqueue Authors
// This file is part of the Crawlqueue library.
//
// The Crawlqueue library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The Crawlqueue library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the Crawlqueue library. If not, see <http://www.gnu.org/licenses/>.

package storage

import (
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
)

// Length of request ids derived from unique keys. Short ids keep the head
// responses small while the SHA-256 prefix keeps collisions negligible.
const requestIDLength = 15

// UniqueKeyToRequestID derives a short deterministic request id from a
// unique key. Identical keys produce identical ids on every client.
func UniqueKeyToRequestID(uniqueKey string) string {
	digest := sha256.Sum256([]byte(uniqueKey))
	id := base64.StdEncoding.EncodeToString(digest[:])
	id = strings.Map(func(r rune) rune {
		switch r {
		case '+', '/', '=':
			return -1
		}
		return r
	}, id)
	if len(id) > requestIDLength {
		id = id[:requestIDLength]
	}
	return id
}

// NormalizeURL computes the canonical form of a url used as the default
// unique key:
//   - scheme and host are lower-cased,
//   - the trailing slash of the path is stripped,
//   - query parameters are sorted and utm_ tracking parameters removed,
//   - the fragment is dropped unless keepFragment is set.
//
// Normalization is idempotent. An unparseable url is returned trimmed but
// otherwise unchanged.
func NormalizeURL(rawURL string, keepFragment bool) string {
	trimmed := strings.TrimSpace(rawURL)
	u, err := url.Parse(trimmed)
	if err != nil {
		return trimmed
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimSuffix(u.Path, "/")

	params := u.Query()
	for name := range params {
		if strings.HasPrefix(strings.ToLower(name), "utm_") {
			delete(params, name)
		}
	}
	// Encode emits parameters sorted by name.
	u.RawQuery = params.Encode()

	if !keepFragment {
		u.Fragment = ""
	}

	return u.String()
}

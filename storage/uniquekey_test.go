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

import "testing"

func TestUniqueKeyToRequestID(t *testing.T) {
	id := UniqueKeyToRequestID("https://example.com")
	if len(id) != 15 {
		t.Errorf("got id length %d, want 15", len(id))
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			t.Errorf("id %q contains invalid character %q", id, r)
		}
	}

	if again := UniqueKeyToRequestID("https://example.com"); again != id {
		t.Errorf("id not deterministic: %q vs %q", id, again)
	}
	if other := UniqueKeyToRequestID("https://example.org"); other == id {
		t.Errorf("distinct keys produced the same id %q", id)
	}
}

func TestNormalizeURL(t *testing.T) {
	for _, tc := range []struct {
		url          string
		keepFragment bool
		want         string
	}{
		{
			url:  "https://A.example.com/p/?utm_source=x&b=2&a=1#frag",
			want: "https://a.example.com/p?a=1&b=2",
		},
		{
			url:  "HTTPS://EXAMPLE.COM/",
			want: "https://example.com",
		},
		{
			url:  "  https://example.com/path  ",
			want: "https://example.com/path",
		},
		{
			url:  "https://example.com/?b=2&a=1&c=3",
			want: "https://example.com?a=1&b=2&c=3",
		},
		{
			url:  "https://example.com/x?utm_campaign=c&UTM_SOURCE=s",
			want: "https://example.com/x",
		},
		{
			url:          "https://example.com/x#section",
			keepFragment: true,
			want:         "https://example.com/x#section",
		},
		{
			url:  "https://example.com/x#section",
			want: "https://example.com/x",
		},
	} {
		if got := NormalizeURL(tc.url, tc.keepFragment); got != tc.want {
			t.Errorf("NormalizeURL(%q, %v) = %q, want %q", tc.url, tc.keepFragment, got, tc.want)
		}
	}
}

func TestNormalizeURLIdempotent(t *testing.T) {
	for _, url := range []string{
		"https://A.example.com/p/?utm_source=x&b=2&a=1#frag",
		"https://example.com",
		"http://sub.Example.Com/deep/path/?z=26&a=1",
	} {
		once := NormalizeURL(url, false)
		twice := NormalizeURL(once, false)
		if once != twice {
			t.Errorf("normalization of %q not idempotent: %q vs %q", url, once, twice)
		}
	}
}

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
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrURLRequired is returned when a request is added without a url.
	ErrURLRequired = errors.New("request url must be a non-empty string")

	// ErrRequestIncomplete is returned when an operation needs both the
	// request id and unique key and one of them is missing.
	ErrRequestIncomplete = errors.New("request id and uniqueKey must be set")

	// ErrQueueNotFound is returned when opening a queue by id that does
	// not exist in the backing store.
	ErrQueueNotFound = errors.New("request queue does not exist")

	// ErrStoreNotFound is the key-value store analogue of ErrQueueNotFound.
	ErrStoreNotFound = errors.New("key-value store does not exist")

	// ErrInvalidResponse marks a remote response whose body could not be
	// parsed. The transport retries these.
	ErrInvalidResponse = errors.New("invalid response body")
)

// Remote error types that translate to an absent record rather than a
// failure.
const (
	ErrorTypeRecordNotFound        = "record-not-found"
	ErrorTypeRecordOrTokenNotFound = "record-or-token-not-found"
	ErrorTypeDuplicateName         = "duplicate-name"
)

// APIError is a non-2xx answer from the remote service.
type APIError struct {
	StatusCode int
	Type       string
	Message    string

	// Attempt is the 1-based transport attempt the answer was received on.
	Attempt int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote api error: %s (type=%q, status=%d, attempt=%d)", e.Message, e.Type, e.StatusCode, e.Attempt)
}

// IsRecordNotFound reports whether err is a benign not-found answer that
// callers should treat as an absent record.
func IsRecordNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound &&
			(apiErr.Type == ErrorTypeRecordNotFound || apiErr.Type == ErrorTypeRecordOrTokenNotFound)
	}
	return false
}

// IgnoreNotFound translates a benign not-found error to nil and re-raises
// anything else.
func IgnoreNotFound(err error) error {
	if err == nil || IsRecordNotFound(err) {
		return nil
	}
	return err
}

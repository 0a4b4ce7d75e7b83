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

// Package apiclient implements the resource-client contract against the
// remote crawl platform HTTP API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/holisticode/crawlqueue/log"
	"github.com/holisticode/crawlqueue/spancontext"
	"github.com/holisticode/crawlqueue/storage"
	olog "github.com/opentracing/opentracing-go/log"
)

const (
	// DefaultBaseURL is the public API of the crawl platform.
	DefaultBaseURL = "https://api.crawlqueue.dev/v2"

	// DefaultMaxAttempts bounds transport retries per call.
	DefaultMaxAttempts = 8

	// DefaultMinBackoff is the first retry interval; it doubles per
	// attempt with up to 100% jitter.
	DefaultMinBackoff = 500 * time.Millisecond
)

// Options tune a Client beyond the defaults.
type Options struct {
	BaseURL     string
	MaxAttempts int
	MinBackoff  time.Duration
	HTTPClient  *http.Client
}

// Client talks to the remote platform API. It applies retry with
// exponential backoff to transport failures, 5xx answers and rate limits,
// so resource clients handed out by it satisfy the retried contract.
type Client struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	maxAttempts int
	minBackoff  time.Duration
	logger      log.Logger
}

// New creates a Client authenticated by token.
func New(token string, opts *Options) *Client {
	c := &Client{
		baseURL:     DefaultBaseURL,
		token:       token,
		httpClient:  &http.Client{Timeout: 360 * time.Second},
		maxAttempts: DefaultMaxAttempts,
		minBackoff:  DefaultMinBackoff,
		logger:      log.New("component", "apiclient"),
	}
	if opts != nil {
		if opts.BaseURL != "" {
			c.baseURL = opts.BaseURL
		}
		if opts.MaxAttempts > 0 {
			c.maxAttempts = opts.MaxAttempts
		}
		if opts.MinBackoff > 0 {
			c.minBackoff = opts.MinBackoff
		}
		if opts.HTTPClient != nil {
			c.httpClient = opts.HTTPClient
		}
	}
	return c
}

// RequestQueue returns the resource client for one queue.
func (c *Client) RequestQueue(id, clientKey string) storage.RequestQueueClient {
	return &requestQueueClient{c: c, id: id, clientKey: clientKey}
}

// RequestQueues returns the queue collection client.
func (c *Client) RequestQueues() storage.RequestQueueCollectionClient {
	return &requestQueueCollectionClient{c: c}
}

// KeyValueStore returns the resource client for one key-value store.
func (c *Client) KeyValueStore(id string) storage.KeyValueStoreClient {
	return &keyValueStoreClient{c: c, id: id}
}

// KeyValueStores returns the store collection client.
func (c *Client) KeyValueStores() storage.KeyValueStoreCollectionClient {
	return &keyValueStoreCollectionClient{c: c}
}

// errorEnvelope is the error body of non-2xx answers.
type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// dataEnvelope wraps every successful JSON answer.
type dataEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// exec performs one API call with retries. It returns the raw response
// body and its content type; callers decode.
func (c *Client) exec(ctx context.Context, method, path string, query url.Values, body []byte, contentType string) ([]byte, string, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	ctx, sp := spancontext.StartSpan(ctx, "apiclient.call")
	sp.LogFields(olog.String("method", method), olog.String("path", path))
	defer sp.Finish()

	var (
		respBody []byte
		respType string
		attempt  int
	)

	op := func() error {
		attempt++
		metrics.GetOrRegisterCounter("apiclient/requests", nil).Inc(1)

		var reader *bytes.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		} else {
			reader = bytes.NewReader(nil)
		}
		req, err := http.NewRequest(method, endpoint, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req = req.WithContext(ctx)
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Network failures and timeouts are worth another try.
			c.logger.Trace("apiclient.transport-error", "method", method, "path", path, "attempt", attempt, "err", err)
			metrics.GetOrRegisterCounter("apiclient/retries/network", nil).Inc(1)
			return err
		}
		defer resp.Body.Close()

		data, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			metrics.GetOrRegisterCounter("apiclient/retries/body", nil).Inc(1)
			return fmt.Errorf("%w: %v", storage.ErrInvalidResponse, err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			respBody = data
			respType = resp.Header.Get("Content-Type")
			return nil
		}

		apiErr := &storage.APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Attempt:    attempt,
		}
		var envelope errorEnvelope
		if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Type != "" {
			apiErr.Type = envelope.Error.Type
			apiErr.Message = envelope.Error.Message
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			c.logger.Trace("apiclient.retryable-status", "method", method, "path", path, "status", resp.StatusCode, "attempt", attempt)
			metrics.GetOrRegisterCounter("apiclient/retries/status", nil).Inc(1)
			return apiErr
		}
		return backoff.Permanent(apiErr)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.minBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 1
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxAttempts-1)), ctx))
	if err != nil {
		sp.LogFields(olog.String("err", err.Error()))
		return nil, "", err
	}
	return respBody, respType, nil
}

// do performs a JSON API call: payload is marshalled, the data envelope of
// the answer is decoded into out when non-nil. An answer whose body does
// not parse is requested again, up to the transport attempt limit.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload, out interface{}) error {
	err := c.doOnce(ctx, method, path, query, payload, out)
	for attempt := 1; errors.Is(err, storage.ErrInvalidResponse) && attempt < c.maxAttempts; attempt++ {
		metrics.GetOrRegisterCounter("apiclient/retries/body", nil).Inc(1)
		time.Sleep(c.minBackoff << uint(attempt-1))
		err = c.doOnce(ctx, method, path, query, payload, out)
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, payload, out interface{}) error {
	var (
		body        []byte
		contentType string
		err         error
	)
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return err
		}
		contentType = "application/json"
	}

	data, _, err := c.exec(ctx, method, path, query, body, contentType)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}

	var envelope dataEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidResponse, err)
	}
	target := []byte(envelope.Data)
	if len(target) == 0 {
		target = data
	}
	if err := json.Unmarshal(target, out); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidResponse, err)
	}
	return nil
}

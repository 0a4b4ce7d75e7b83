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

package apiclient

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/holisticode/crawlqueue/storage"
)

type requestQueueClient struct {
	c         *Client
	id        string
	clientKey string
}

func (rq *requestQueueClient) path(suffix string) string {
	p := "/request-queues/" + url.PathEscape(rq.id)
	if suffix != "" {
		p += suffix
	}
	return p
}

// query returns the base query values, with the clientKey attached so the
// store can tell concurrent clients apart.
func (rq *requestQueueClient) query() url.Values {
	q := url.Values{}
	if rq.clientKey != "" {
		q.Set("clientKey", rq.clientKey)
	}
	return q
}

func (rq *requestQueueClient) Get(ctx context.Context) (*storage.RequestQueueInfo, error) {
	var info storage.RequestQueueInfo
	err := rq.c.do(ctx, http.MethodGet, rq.path(""), nil, nil, &info)
	if err != nil {
		if storage.IsRecordNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &info, nil
}

func (rq *requestQueueClient) Update(ctx context.Context, name string) (*storage.RequestQueueInfo, error) {
	var info storage.RequestQueueInfo
	payload := map[string]string{"name": name}
	if err := rq.c.do(ctx, http.MethodPut, rq.path(""), nil, payload, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (rq *requestQueueClient) Delete(ctx context.Context) error {
	err := rq.c.do(ctx, http.MethodDelete, rq.path(""), nil, nil, nil)
	return storage.IgnoreNotFound(err)
}

func (rq *requestQueueClient) ListHead(ctx context.Context, limit int) (*storage.QueueHead, error) {
	q := rq.query()
	q.Set("limit", strconv.Itoa(limit))
	var head storage.QueueHead
	if err := rq.c.do(ctx, http.MethodGet, rq.path("/head"), q, nil, &head); err != nil {
		return nil, err
	}
	return &head, nil
}

func (rq *requestQueueClient) ListAndLockHead(ctx context.Context, lockSecs, limit int) (*storage.QueueHead, error) {
	q := rq.query()
	q.Set("lockSecs", strconv.Itoa(lockSecs))
	q.Set("limit", strconv.Itoa(limit))
	var head storage.QueueHead
	if err := rq.c.do(ctx, http.MethodPost, rq.path("/head/lock"), q, nil, &head); err != nil {
		return nil, err
	}
	return &head, nil
}

func (rq *requestQueueClient) AddRequest(ctx context.Context, request *storage.Request, forefront bool) (*storage.QueueOperationInfo, error) {
	q := rq.query()
	q.Set("forefront", strconv.FormatBool(forefront))
	var info storage.QueueOperationInfo
	if err := rq.c.do(ctx, http.MethodPost, rq.path("/requests"), q, request, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (rq *requestQueueClient) GetRequest(ctx context.Context, requestID string) (*storage.Request, error) {
	var request storage.Request
	err := rq.c.do(ctx, http.MethodGet, rq.path("/requests/"+url.PathEscape(requestID)), nil, nil, &request)
	if err != nil {
		if storage.IsRecordNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &request, nil
}

func (rq *requestQueueClient) UpdateRequest(ctx context.Context, request *storage.Request, forefront bool) (*storage.QueueOperationInfo, error) {
	q := rq.query()
	q.Set("forefront", strconv.FormatBool(forefront))
	var info storage.QueueOperationInfo
	if err := rq.c.do(ctx, http.MethodPut, rq.path("/requests/"+url.PathEscape(request.ID)), q, request, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (rq *requestQueueClient) DeleteRequest(ctx context.Context, requestID string) error {
	err := rq.c.do(ctx, http.MethodDelete, rq.path("/requests/"+url.PathEscape(requestID)), rq.query(), nil, nil)
	return storage.IgnoreNotFound(err)
}

func (rq *requestQueueClient) ProlongRequestLock(ctx context.Context, requestID string, lockSecs int, forefront bool) error {
	q := rq.query()
	q.Set("lockSecs", strconv.Itoa(lockSecs))
	q.Set("forefront", strconv.FormatBool(forefront))
	return rq.c.do(ctx, http.MethodPut, rq.path("/requests/"+url.PathEscape(requestID)+"/lock"), q, nil, nil)
}

func (rq *requestQueueClient) DeleteRequestLock(ctx context.Context, requestID string, forefront bool) error {
	q := rq.query()
	q.Set("forefront", strconv.FormatBool(forefront))
	err := rq.c.do(ctx, http.MethodDelete, rq.path("/requests/"+url.PathEscape(requestID)+"/lock"), q, nil, nil)
	return storage.IgnoreNotFound(err)
}

func (rq *requestQueueClient) BatchAddRequests(ctx context.Context, requests []*storage.Request, forefront bool) (*storage.BatchOperationInfo, error) {
	q := rq.query()
	q.Set("forefront", strconv.FormatBool(forefront))
	var info storage.BatchOperationInfo
	if err := rq.c.do(ctx, http.MethodPost, rq.path("/requests/batch"), q, requests, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (rq *requestQueueClient) BatchDeleteRequests(ctx context.Context, requestIDs []string) (*storage.BatchOperationInfo, error) {
	payload := make([]map[string]string, 0, len(requestIDs))
	for _, id := range requestIDs {
		payload = append(payload, map[string]string{"id": id})
	}
	var info storage.BatchOperationInfo
	if err := rq.c.do(ctx, http.MethodDelete, rq.path("/requests/batch"), rq.query(), payload, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (rq *requestQueueClient) ListRequests(ctx context.Context, limit int, exclusiveStartID string) (*storage.RequestPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if exclusiveStartID != "" {
		q.Set("exclusiveStartId", exclusiveStartID)
	}
	var page storage.RequestPage
	if err := rq.c.do(ctx, http.MethodGet, rq.path("/requests"), q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

type requestQueueCollectionClient struct {
	c *Client
}

func (rc *requestQueueCollectionClient) GetOrCreate(ctx context.Context, name string) (*storage.RequestQueueInfo, error) {
	q := url.Values{}
	if name != "" {
		q.Set("name", name)
	}
	var info storage.RequestQueueInfo
	if err := rc.c.do(ctx, http.MethodPost, "/request-queues", q, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (rc *requestQueueCollectionClient) Get(ctx context.Context, id string) (*storage.RequestQueueInfo, error) {
	var info storage.RequestQueueInfo
	err := rc.c.do(ctx, http.MethodGet, "/request-queues/"+url.PathEscape(id), nil, nil, &info)
	if err != nil {
		if storage.IsRecordNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &info, nil
}

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

package localstore

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/holisticode/crawlqueue/storage"
)

// storedRequest is the on-disk envelope of one request. OrderNo fixes the
// dispatch order of the queue head: microseconds since epoch, negative for
// forefront inserts, zero once the request is handled.
type storedRequest struct {
	ID            string           `json:"id"`
	UniqueKey     string           `json:"uniqueKey"`
	OrderNo       int64            `json:"orderNo"`
	LockExpiresAt *time.Time       `json:"lockExpiresAt,omitempty"`
	Request       *storage.Request `json:"json"`
}

func (sr *storedRequest) handled() bool { return sr.OrderNo == 0 }

// queueMetadata is the __metadata__.json sidecar.
type queueMetadata struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	AccessedAt time.Time `json:"accessedAt"`
	ModifiedAt time.Time `json:"modifiedAt"`
	ItemCount  int64     `json:"itemCount"`
}

type localRequestQueueClient struct {
	s         *Storage
	id        string
	clientKey string
}

func (rq *localRequestQueueClient) dir() string {
	return filepath.Join(rq.s.root, requestQueuesDir, rq.id)
}

func (rq *localRequestQueueClient) requestPath(requestID string) string {
	return filepath.Join(rq.dir(), requestID+jsonFileExt)
}

func (rq *localRequestQueueClient) Get(ctx context.Context) (*storage.RequestQueueInfo, error) {
	exists, err := rq.s.fs.DirExists(rq.dir())
	if err != nil || !exists {
		return nil, err
	}

	lock := rq.s.dirLock(rq.dir())
	lock.Lock()
	defer lock.Unlock()

	stored, err := rq.readAll()
	if err != nil {
		return nil, err
	}
	info := &storage.RequestQueueInfo{ID: rq.id}
	for _, sr := range stored {
		info.TotalRequestCount++
		if sr.handled() {
			info.HandledRequestCount++
		} else {
			info.PendingRequestCount++
		}
	}
	meta, err := rq.s.readQueueMetadata(rq.dir())
	if err != nil {
		return nil, err
	}
	if meta != nil {
		info.Name = meta.Name
		info.CreatedAt = meta.CreatedAt
		info.AccessedAt = meta.AccessedAt
		info.ModifiedAt = meta.ModifiedAt
	} else {
		created, modified := rq.s.times(rq.dir())
		info.CreatedAt = created
		info.ModifiedAt = modified
		info.AccessedAt = modified
	}
	rq.s.mu.Lock()
	if info.Name == "" {
		info.Name = rq.s.names[rq.dir()]
	}
	info.HadMultipleClients = len(rq.s.clients[rq.id]) > 1
	rq.s.mu.Unlock()
	return info, nil
}

func (rq *localRequestQueueClient) Update(ctx context.Context, name string) (*storage.RequestQueueInfo, error) {
	// Renaming to a name in use by another queue is the one fatal update.
	queues, err := rq.s.fs.ReadDir(filepath.Join(rq.s.root, requestQueuesDir))
	if err != nil {
		return nil, err
	}
	for _, other := range queues {
		if other == rq.id || strings.HasPrefix(other, tempDirPrefix) || strings.HasPrefix(other, oldDirPrefix) {
			continue
		}
		meta, err := rq.s.readQueueMetadata(filepath.Join(rq.s.root, requestQueuesDir, other))
		if err != nil {
			return nil, err
		}
		if (meta != nil && meta.Name == name) || other == name {
			return nil, &storage.APIError{
				StatusCode: http.StatusBadRequest,
				Type:       storage.ErrorTypeDuplicateName,
				Message:    "request queue with this name already exists",
			}
		}
	}

	lock := rq.s.dirLock(rq.dir())
	lock.Lock()
	rq.s.touch(rq.dir(), rq.id, name, true)
	lock.Unlock()

	return rq.Get(ctx)
}

func (rq *localRequestQueueClient) Delete(ctx context.Context) error {
	rq.s.mu.Lock()
	delete(rq.s.clients, rq.id)
	rq.s.forget(rq.dir())
	rq.s.mu.Unlock()
	return rq.s.fs.RemoveAll(rq.dir())
}

func (rq *localRequestQueueClient) ListHead(ctx context.Context, limit int) (*storage.QueueHead, error) {
	return rq.listHead(ctx, 0, limit)
}

func (rq *localRequestQueueClient) ListAndLockHead(ctx context.Context, lockSecs, limit int) (*storage.QueueHead, error) {
	if lockSecs <= 0 {
		lockSecs = defaultHeadLockSec
	}
	return rq.listHead(ctx, lockSecs, limit)
}

func (rq *localRequestQueueClient) listHead(ctx context.Context, lockSecs, limit int) (*storage.QueueHead, error) {
	hadMultipleClients := rq.s.markClient(rq.id, rq.clientKey)

	lock := rq.s.dirLock(rq.dir())
	lock.Lock()
	defer lock.Unlock()

	stored, err := rq.readAll()
	if err != nil {
		return nil, err
	}
	now := rq.s.clock.Now()

	pending := stored[:0]
	for _, sr := range stored {
		if sr.handled() {
			continue
		}
		if sr.LockExpiresAt != nil && sr.LockExpiresAt.After(now) {
			continue
		}
		pending = append(pending, sr)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].OrderNo < pending[j].OrderNo })
	if len(pending) > limit {
		pending = pending[:limit]
	}

	head := &storage.QueueHead{
		Limit:              limit,
		Items:              make([]*storage.HeadItem, 0, len(pending)),
		HadMultipleClients: hadMultipleClients,
	}
	_, head.QueueModifiedAt = rq.s.times(rq.dir())

	for _, sr := range pending {
		item := &storage.HeadItem{
			ID:        sr.ID,
			UniqueKey: sr.UniqueKey,
		}
		if sr.Request != nil {
			item.URL = sr.Request.URL
			item.Method = sr.Request.Method
		}
		if lockSecs > 0 {
			expires := now.Add(time.Duration(lockSecs) * time.Second)
			sr.LockExpiresAt = &expires
			if err := rq.writeStored(sr); err != nil {
				return nil, err
			}
			item.LockExpiresAt = &expires
		}
		head.Items = append(head.Items, item)
	}
	return head, nil
}

func (rq *localRequestQueueClient) AddRequest(ctx context.Context, request *storage.Request, forefront bool) (*storage.QueueOperationInfo, error) {
	if request == nil || request.URL == "" {
		return nil, storage.ErrURLRequired
	}
	rq.s.markClient(rq.id, rq.clientKey)

	uniqueKey := request.UniqueKey
	if uniqueKey == "" {
		uniqueKey = storage.NormalizeURL(request.URL, request.KeepURLFragment)
	}
	requestID := storage.UniqueKeyToRequestID(uniqueKey)

	lock := rq.s.dirLock(rq.dir())
	lock.Lock()
	defer lock.Unlock()

	existing, err := rq.readStored(requestID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &storage.QueueOperationInfo{
			RequestID:         requestID,
			UniqueKey:         uniqueKey,
			WasAlreadyPresent: true,
			WasAlreadyHandled: existing.handled(),
		}, nil
	}

	stored := &storedRequest{
		ID:        requestID,
		UniqueKey: uniqueKey,
		OrderNo:   rq.orderNo(forefront),
		Request:   request.Copy(),
	}
	stored.Request.ID = requestID
	stored.Request.UniqueKey = uniqueKey
	if stored.Request.HandledAt != nil {
		stored.OrderNo = 0
	}
	if err := rq.writeStored(stored); err != nil {
		return nil, err
	}
	rq.s.touch(rq.dir(), rq.id, "", true)

	return &storage.QueueOperationInfo{
		RequestID:         requestID,
		UniqueKey:         uniqueKey,
		WasAlreadyPresent: false,
		WasAlreadyHandled: stored.handled(),
	}, nil
}

func (rq *localRequestQueueClient) GetRequest(ctx context.Context, requestID string) (*storage.Request, error) {
	lock := rq.s.dirLock(rq.dir())
	lock.Lock()
	defer lock.Unlock()

	stored, err := rq.readStored(requestID)
	if err != nil || stored == nil {
		return nil, err
	}
	return stored.Request, nil
}

func (rq *localRequestQueueClient) UpdateRequest(ctx context.Context, request *storage.Request, forefront bool) (*storage.QueueOperationInfo, error) {
	if request == nil || request.ID == "" {
		return nil, storage.ErrRequestIncomplete
	}
	rq.s.markClient(rq.id, rq.clientKey)

	lock := rq.s.dirLock(rq.dir())
	lock.Lock()
	defer lock.Unlock()

	existing, err := rq.readStored(request.ID)
	if err != nil {
		return nil, err
	}

	info := &storage.QueueOperationInfo{
		RequestID:         request.ID,
		UniqueKey:         request.UniqueKey,
		WasAlreadyPresent: existing != nil,
		WasAlreadyHandled: existing != nil && existing.handled(),
	}

	stored := &storedRequest{
		ID:        request.ID,
		UniqueKey: request.UniqueKey,
		Request:   request.Copy(),
	}
	switch {
	case request.HandledAt != nil:
		stored.OrderNo = 0
	case existing != nil && !existing.handled() && !forefront:
		stored.OrderNo = existing.OrderNo
	default:
		stored.OrderNo = rq.orderNo(forefront)
	}
	if err := rq.writeStored(stored); err != nil {
		return nil, err
	}
	rq.s.touch(rq.dir(), rq.id, "", true)
	return info, nil
}

func (rq *localRequestQueueClient) DeleteRequest(ctx context.Context, requestID string) error {
	lock := rq.s.dirLock(rq.dir())
	lock.Lock()
	defer lock.Unlock()

	if err := rq.s.fs.Remove(rq.requestPath(requestID)); err != nil {
		return err
	}
	rq.s.touch(rq.dir(), rq.id, "", true)
	return nil
}

func (rq *localRequestQueueClient) ProlongRequestLock(ctx context.Context, requestID string, lockSecs int, forefront bool) error {
	lock := rq.s.dirLock(rq.dir())
	lock.Lock()
	defer lock.Unlock()

	stored, err := rq.readStored(requestID)
	if err != nil || stored == nil {
		return err
	}
	expires := rq.s.clock.Now().Add(time.Duration(lockSecs) * time.Second)
	stored.LockExpiresAt = &expires
	if forefront && !stored.handled() {
		stored.OrderNo = rq.orderNo(true)
	}
	return rq.writeStored(stored)
}

func (rq *localRequestQueueClient) DeleteRequestLock(ctx context.Context, requestID string, forefront bool) error {
	lock := rq.s.dirLock(rq.dir())
	lock.Lock()
	defer lock.Unlock()

	stored, err := rq.readStored(requestID)
	if err != nil || stored == nil {
		return err
	}
	stored.LockExpiresAt = nil
	if forefront && !stored.handled() {
		stored.OrderNo = rq.orderNo(true)
	}
	return rq.writeStored(stored)
}

func (rq *localRequestQueueClient) BatchAddRequests(ctx context.Context, requests []*storage.Request, forefront bool) (*storage.BatchOperationInfo, error) {
	info := &storage.BatchOperationInfo{}
	for _, request := range requests {
		op, err := rq.AddRequest(ctx, request, forefront)
		if err != nil {
			info.UnprocessedRequests = append(info.UnprocessedRequests, &storage.UnprocessedRequest{
				URL:       request.URL,
				UniqueKey: request.UniqueKey,
				Method:    request.Method,
			})
			continue
		}
		info.ProcessedRequests = append(info.ProcessedRequests, op)
	}
	return info, nil
}

func (rq *localRequestQueueClient) BatchDeleteRequests(ctx context.Context, requestIDs []string) (*storage.BatchOperationInfo, error) {
	info := &storage.BatchOperationInfo{}
	for _, id := range requestIDs {
		if err := rq.DeleteRequest(ctx, id); err != nil {
			info.UnprocessedRequests = append(info.UnprocessedRequests, &storage.UnprocessedRequest{UniqueKey: id})
			continue
		}
		info.ProcessedRequests = append(info.ProcessedRequests, &storage.QueueOperationInfo{RequestID: id})
	}
	return info, nil
}

func (rq *localRequestQueueClient) ListRequests(ctx context.Context, limit int, exclusiveStartID string) (*storage.RequestPage, error) {
	lock := rq.s.dirLock(rq.dir())
	lock.Lock()
	defer lock.Unlock()

	stored, err := rq.readAll()
	if err != nil {
		return nil, err
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].ID < stored[j].ID })

	page := &storage.RequestPage{Limit: limit, ExclusiveStartID: exclusiveStartID}
	for _, sr := range stored {
		if exclusiveStartID != "" && sr.ID <= exclusiveStartID {
			continue
		}
		if len(page.Items) >= limit {
			break
		}
		page.Items = append(page.Items, sr.Request)
	}
	page.Count = len(page.Items)
	return page, nil
}

// orderNo produces the dispatch key of a fresh unhandled request.
func (rq *localRequestQueueClient) orderNo(forefront bool) int64 {
	no := rq.s.clock.Now().UnixNano() / int64(time.Microsecond)
	if forefront {
		no = -no
	}
	return no
}

func (rq *localRequestQueueClient) readStored(requestID string) (*storedRequest, error) {
	exists, err := rq.s.fs.FileExists(rq.requestPath(requestID))
	if err != nil || !exists {
		return nil, err
	}
	data, err := rq.s.fs.ReadFile(rq.requestPath(requestID))
	if err != nil {
		return nil, err
	}
	var stored storedRequest
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (rq *localRequestQueueClient) writeStored(stored *storedRequest) error {
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return rq.s.fs.WriteFile(rq.requestPath(stored.ID), data)
}

// readAll loads every request file of the queue.
func (rq *localRequestQueueClient) readAll() ([]*storedRequest, error) {
	names, err := rq.s.fs.ReadDir(rq.dir())
	if err != nil {
		return nil, err
	}
	out := make([]*storedRequest, 0, len(names))
	for _, name := range names {
		if name == metadataFilename || !strings.HasSuffix(name, jsonFileExt) {
			continue
		}
		data, err := rq.s.fs.ReadFile(filepath.Join(rq.dir(), name))
		if err != nil {
			return nil, err
		}
		var stored storedRequest
		if err := json.Unmarshal(data, &stored); err != nil {
			rq.s.logger.Warn("Skipping unreadable request file", "queue", rq.id, "file", name, "err", err)
			continue
		}
		out = append(out, &stored)
	}
	return out, nil
}

type localRequestQueueCollectionClient struct {
	s *Storage
}

// GetOrCreate resolves a queue by name, creating the directory when
// missing. Local queue ids equal their names.
func (rc *localRequestQueueCollectionClient) GetOrCreate(ctx context.Context, name string) (*storage.RequestQueueInfo, error) {
	id := name
	if id == "" {
		id = "default"
	}
	dir := filepath.Join(rc.s.root, requestQueuesDir, id)
	exists, err := rc.s.fs.DirExists(dir)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := rc.s.fs.MkdirAll(dir); err != nil {
			return nil, err
		}
		rc.s.touch(dir, id, name, true)
	}
	return (&localRequestQueueClient{s: rc.s, id: id}).Get(ctx)
}

func (rc *localRequestQueueCollectionClient) Get(ctx context.Context, id string) (*storage.RequestQueueInfo, error) {
	return (&localRequestQueueClient{s: rc.s, id: id}).Get(ctx)
}

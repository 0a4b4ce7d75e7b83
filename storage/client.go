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

import "context"

// RequestQueueClient is the thin contract over one request queue in the
// backing store. The remote HTTP client and the local directory emulator
// both honor it:
//
//   - a missing record is reported as a nil result, never as an error,
//   - delete operations are idempotent on not-found,
//   - retry and backoff have already been applied underneath,
//   - the per-instance clientKey travels with every call that mutates
//     dispatch state, so the store can detect multiple clients.
type RequestQueueClient interface {
	// Get returns the queue info, or nil when the queue does not exist.
	Get(ctx context.Context) (*RequestQueueInfo, error)

	// Update changes the queue name. Renaming to a taken name fails.
	Update(ctx context.Context, name string) (*RequestQueueInfo, error)

	// Delete removes the queue with everything in it.
	Delete(ctx context.Context) error

	// ListHead returns up to limit requests from the beginning of the
	// queue.
	ListHead(ctx context.Context, limit int) (*QueueHead, error)

	// ListAndLockHead returns up to limit requests from the beginning of
	// the queue and locks them for lockSecs seconds.
	ListAndLockHead(ctx context.Context, lockSecs, limit int) (*QueueHead, error)

	// AddRequest enqueues a single request, optionally to the forefront.
	AddRequest(ctx context.Context, request *Request, forefront bool) (*QueueOperationInfo, error)

	// GetRequest returns a request by id, or nil when it does not exist.
	GetRequest(ctx context.Context, requestID string) (*Request, error)

	// UpdateRequest rewrites a stored request, optionally moving it to
	// the forefront.
	UpdateRequest(ctx context.Context, request *Request, forefront bool) (*QueueOperationInfo, error)

	// DeleteRequest removes a request by id.
	DeleteRequest(ctx context.Context, requestID string) error

	// ProlongRequestLock extends the lock on a request by lockSecs.
	ProlongRequestLock(ctx context.Context, requestID string, lockSecs int, forefront bool) error

	// DeleteRequestLock releases the lock on a request.
	DeleteRequestLock(ctx context.Context, requestID string, forefront bool) error

	// BatchAddRequests enqueues several requests with per-item results.
	BatchAddRequests(ctx context.Context, requests []*Request, forefront bool) (*BatchOperationInfo, error)

	// BatchDeleteRequests removes several requests by id.
	BatchDeleteRequests(ctx context.Context, requestIDs []string) (*BatchOperationInfo, error)

	// ListRequests pages through all requests in the queue, ordered by
	// id, starting after exclusiveStartID.
	ListRequests(ctx context.Context, limit int, exclusiveStartID string) (*RequestPage, error)
}

// RequestQueueCollectionClient resolves queue ids and names.
type RequestQueueCollectionClient interface {
	// GetOrCreate returns the queue with the given name, creating it
	// when missing. An empty name addresses the unnamed default queue.
	GetOrCreate(ctx context.Context, name string) (*RequestQueueInfo, error)

	// Get returns the queue with the given id, or nil when it does not
	// exist.
	Get(ctx context.Context, id string) (*RequestQueueInfo, error)
}

// KeyValueStoreClient shares the resource-client contract with request
// queues: nil for missing records, idempotent deletes.
type KeyValueStoreClient interface {
	Get(ctx context.Context) (*KeyValueStoreInfo, error)
	Delete(ctx context.Context) error
	GetRecord(ctx context.Context, key string) (*Record, error)
	SetRecord(ctx context.Context, record *Record) error
	DeleteRecord(ctx context.Context, key string) error
}

// KeyValueStoreCollectionClient resolves store ids and names.
type KeyValueStoreCollectionClient interface {
	GetOrCreate(ctx context.Context, name string) (*KeyValueStoreInfo, error)
	Get(ctx context.Context, id string) (*KeyValueStoreInfo, error)
}

// Client is the backing-store entry point handing out resource clients.
// Two implementations exist: the remote HTTP client and the local
// directory emulator.
type Client interface {
	// RequestQueue returns a client for one queue. The clientKey
	// identifies this coordinator instance to the store.
	RequestQueue(id, clientKey string) RequestQueueClient

	// RequestQueues returns the queue collection client.
	RequestQueues() RequestQueueCollectionClient

	// KeyValueStore returns a client for one key-value store.
	KeyValueStore(id string) KeyValueStoreClient

	// KeyValueStores returns the store collection client.
	KeyValueStores() KeyValueStoreCollectionClient
}

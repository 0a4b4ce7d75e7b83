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

// Package localstore emulates the remote crawl platform on the local
// filesystem, honoring the same resource-client contract as the HTTP
// client. Queues live under <root>/request_queues/<queueId>/ with one JSON
// file per request, key-value stores under <root>/key_value_stores/.
package localstore

import (
	"sync"
	"time"

	"github.com/holisticode/crawlqueue/log"
	"github.com/holisticode/crawlqueue/storage"
	"github.com/tilinna/clock"
)

const (
	requestQueuesDir   = "request_queues"
	keyValueStoresDir  = "key_value_stores"
	metadataFilename   = "__metadata__.json"
	tempDirPrefix      = "__APIFY_TEMPORARY_"
	oldDirPrefix       = "__OLD_"
	stagingDirSuffix   = "__"
	jsonFileExt        = ".json"
	defaultHeadLockSec = 60
)

// Options tune a Storage beyond the defaults.
type Options struct {
	// Persist keeps data on disk. When false everything lives in memory
	// and disappears with the process.
	Persist bool

	// WriteMetadata maintains a __metadata__.json per queue and store.
	WriteMetadata bool

	// Clock defaults to realtime. Tests inject a mock.
	Clock clock.Clock
}

// Storage is the local emulator root. It hands out resource clients the
// same way the remote client does.
type Storage struct {
	root          string
	writeMetadata bool
	clock         clock.Clock
	fs            vfs
	logger        log.Logger

	mu sync.Mutex
	// clientKeys observed per queue id, for hadMultipleClients.
	clients map[string]map[string]struct{}
	// serializes mutations per queue/store directory.
	dirLocks map[string]*sync.Mutex
	// creation/modification bookkeeping per resource directory.
	created  map[string]time.Time
	modified map[string]time.Time
	names    map[string]string
}

// New creates a Storage rooted at root.
func New(root string, opts *Options) *Storage {
	s := &Storage{
		root:     root,
		clock:    clock.Realtime(),
		fs:       &osFS{},
		logger:   log.New("component", "localstore", "root", root),
		clients:  make(map[string]map[string]struct{}),
		dirLocks: make(map[string]*sync.Mutex),
	}
	if opts != nil {
		s.writeMetadata = opts.WriteMetadata
		if opts.Clock != nil {
			s.clock = opts.Clock
		}
		if !opts.Persist {
			s.fs = newMemFS()
		}
	}
	return s
}

// RequestQueue returns the resource client for one queue.
func (s *Storage) RequestQueue(id, clientKey string) storage.RequestQueueClient {
	return &localRequestQueueClient{s: s, id: id, clientKey: clientKey}
}

// RequestQueues returns the queue collection client.
func (s *Storage) RequestQueues() storage.RequestQueueCollectionClient {
	return &localRequestQueueCollectionClient{s: s}
}

// KeyValueStore returns the resource client for one key-value store.
func (s *Storage) KeyValueStore(id string) storage.KeyValueStoreClient {
	return &localKeyValueStoreClient{s: s, id: id}
}

// KeyValueStores returns the store collection client.
func (s *Storage) KeyValueStores() storage.KeyValueStoreCollectionClient {
	return &localKeyValueStoreCollectionClient{s: s}
}

// markClient records that clientKey touched the queue and reports whether
// more than one distinct client has so far.
func (s *Storage) markClient(queueID, clientKey string) bool {
	if clientKey == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.clients[queueID]
	if !ok {
		set = make(map[string]struct{})
		s.clients[queueID] = set
	}
	set[clientKey] = struct{}{}
	return len(set) > 1
}

// dirLock returns the mutex serializing mutations of one directory.
func (s *Storage) dirLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.dirLocks[path]
	if !ok {
		l = &sync.Mutex{}
		s.dirLocks[path] = l
	}
	return l
}

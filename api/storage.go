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

package api

import (
	"context"
	"errors"
	"sync"

	"github.com/holisticode/crawlqueue/log"
	"github.com/holisticode/crawlqueue/storage"
	"github.com/holisticode/crawlqueue/storage/apiclient"
	"github.com/holisticode/crawlqueue/storage/localstore"
	"github.com/pborman/uuid"
	"github.com/tilinna/clock"
)

// ErrTokenRequired is returned when cloud storage is forced without a
// platform token.
var ErrTokenRequired = errors.New("cloud storage requires a platform token")

// OpenOptions select which resource to open and where. ID and Name are
// mutually exclusive; with neither set the configured default is used.
type OpenOptions struct {
	ID   string
	Name string

	// ForceCloud opens remote storage even when local storage is
	// configured.
	ForceCloud bool
}

// Manager is the storage-open façade. It resolves ids and names to
// coordinator instances, choosing the remote client or the local emulator,
// and caches instances process-wide so repeated opens return the same
// coordinator. Create one Manager per process; tests create isolated ones.
type Manager struct {
	cfg    *Config
	clock  clock.Clock
	logger log.Logger

	mu     sync.Mutex
	queues map[string]*storage.RequestQueue
	stores map[string]*storage.KeyValueStore
	local  *localstore.Storage
	remote *apiclient.Client
}

// NewManager creates a manager on the given config. A nil clock means
// realtime.
func NewManager(cfg *Config, c clock.Clock) (*Manager, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if c == nil {
		c = clock.Realtime()
	}
	m := &Manager{
		cfg:    cfg,
		clock:  c,
		logger: log.New("component", "storage-manager"),
		queues: make(map[string]*storage.RequestQueue),
		stores: make(map[string]*storage.KeyValueStore),
	}
	if cfg.PurgeOnStart {
		if err := m.PurgeDefaults(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// PurgeDefaults empties the default local queue and key-value store,
// sparing INPUT records. Remote storage is never purged.
func (m *Manager) PurgeDefaults() error {
	return m.localStorage().PurgeDefaults(m.cfg.DefaultRequestQueueID, m.cfg.DefaultKeyValueStoreID)
}

// OpenRequestQueue resolves a request queue coordinator. Opening the same
// queue again returns the cached instance until it is dropped.
func (m *Manager) OpenRequestQueue(ctx context.Context, opts OpenOptions) (*storage.RequestQueue, error) {
	client, kind, err := m.client(opts.ForceCloud)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if q, ok := m.queues[m.key(kind, opts.ID, opts.Name, m.cfg.DefaultRequestQueueID)]; ok {
		m.mu.Unlock()
		return q, nil
	}
	m.mu.Unlock()

	info, err := m.resolveQueue(ctx, client, opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[kind+"/id/"+info.ID]; ok {
		return q, nil
	}

	clientKey := uuid.New()
	q := storage.NewRequestQueue(client.RequestQueue(info.ID, clientKey), info.ID, info.Name, clientKey, m.clock)

	idKey := kind + "/id/" + info.ID
	nameKey := ""
	if info.Name != "" {
		nameKey = kind + "/name/" + info.Name
	}
	q.SetDropHook(func() {
		m.mu.Lock()
		delete(m.queues, idKey)
		if nameKey != "" {
			delete(m.queues, nameKey)
		}
		m.mu.Unlock()
	})
	m.queues[idKey] = q
	if nameKey != "" {
		m.queues[nameKey] = q
	}

	// Prefill the head window so the first fetch is answered locally.
	// Failures here are not fatal, the next fetch retries.
	go func() {
		if err := q.Prime(ctx); err != nil {
			m.logger.Debug("Cannot prime request queue head", "queue", info.ID, "err", err)
		}
	}()

	return q, nil
}

// OpenKeyValueStore resolves a key-value store coordinator.
func (m *Manager) OpenKeyValueStore(ctx context.Context, opts OpenOptions) (*storage.KeyValueStore, error) {
	client, kind, err := m.client(opts.ForceCloud)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if s, ok := m.stores[m.key(kind, opts.ID, opts.Name, m.cfg.DefaultKeyValueStoreID)]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	info, err := m.resolveStore(ctx, client, opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stores[kind+"/id/"+info.ID]; ok {
		return s, nil
	}

	s := storage.NewKeyValueStore(client.KeyValueStore(info.ID), info.ID, info.Name)

	idKey := kind + "/id/" + info.ID
	nameKey := ""
	if info.Name != "" {
		nameKey = kind + "/name/" + info.Name
	}
	s.SetDropHook(func() {
		m.mu.Lock()
		delete(m.stores, idKey)
		if nameKey != "" {
			delete(m.stores, nameKey)
		}
		m.mu.Unlock()
	})
	m.stores[idKey] = s
	if nameKey != "" {
		m.stores[nameKey] = s
	}
	return s, nil
}

// resolveQueue looks the queue up by id, or get-or-creates it by name.
// With neither given the configured default queue is used.
func (m *Manager) resolveQueue(ctx context.Context, client storage.Client, opts OpenOptions) (*storage.RequestQueueInfo, error) {
	if opts.ID != "" {
		info, err := client.RequestQueues().Get(ctx, opts.ID)
		if err != nil {
			return nil, err
		}
		if info == nil {
			return nil, storage.ErrQueueNotFound
		}
		return info, nil
	}
	name := opts.Name
	if name == "" {
		name = m.cfg.DefaultRequestQueueID
	}
	return client.RequestQueues().GetOrCreate(ctx, name)
}

func (m *Manager) resolveStore(ctx context.Context, client storage.Client, opts OpenOptions) (*storage.KeyValueStoreInfo, error) {
	if opts.ID != "" {
		info, err := client.KeyValueStores().Get(ctx, opts.ID)
		if err != nil {
			return nil, err
		}
		if info == nil {
			return nil, storage.ErrStoreNotFound
		}
		return info, nil
	}
	name := opts.Name
	if name == "" {
		name = m.cfg.DefaultKeyValueStoreID
	}
	return client.KeyValueStores().GetOrCreate(ctx, name)
}

// client picks local or remote backing for one open call.
func (m *Manager) client(forceCloud bool) (storage.Client, string, error) {
	if forceCloud || (m.cfg.Token != "" && m.cfg.LocalStorageDir == "") || m.cfg.ForceCloud {
		if m.cfg.Token == "" {
			return nil, "", ErrTokenRequired
		}
		return m.remoteClient(), "cloud", nil
	}
	return m.localStorage(), "local", nil
}

func (m *Manager) key(kind, id, name, fallback string) string {
	if id != "" {
		return kind + "/id/" + id
	}
	if name != "" {
		return kind + "/name/" + name
	}
	return kind + "/name/" + fallback
}

func (m *Manager) localStorage() *localstore.Storage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.local == nil {
		m.local = localstore.New(m.cfg.LocalStorageDir, &localstore.Options{
			Persist:       m.cfg.PersistStorage,
			WriteMetadata: m.cfg.WriteMetadata,
			Clock:         m.clock,
		})
	}
	return m.local
}

func (m *Manager) remoteClient() *apiclient.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remote == nil {
		m.remote = apiclient.New(m.cfg.Token, &apiclient.Options{BaseURL: m.cfg.APIBaseURL})
	}
	return m.remote
}

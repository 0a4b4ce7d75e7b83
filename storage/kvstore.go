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
	"context"

	"github.com/ethereum/go-ethereum/metrics"
)

// KeyValueStore is a thin coordinator over one key-value store. Unlike the
// request queue it keeps no local state, every call goes to the backing
// store.
type KeyValueStore struct {
	id     string
	name   string
	client KeyValueStoreClient

	dropHook func()
}

// NewKeyValueStore creates a coordinator for the store identified by id.
func NewKeyValueStore(client KeyValueStoreClient, id, name string) *KeyValueStore {
	return &KeyValueStore{
		id:     id,
		name:   name,
		client: client,
	}
}

// ID returns the store id.
func (s *KeyValueStore) ID() string { return s.id }

// Name returns the store name, empty for the unnamed default store.
func (s *KeyValueStore) Name() string { return s.name }

// SetDropHook registers a callback run once after a successful Drop.
func (s *KeyValueStore) SetDropHook(hook func()) { s.dropHook = hook }

// GetValue returns the record stored under key, or nil when there is none.
func (s *KeyValueStore) GetValue(ctx context.Context, key string) (*Record, error) {
	metrics.GetOrRegisterCounter("kvstore/get", nil).Inc(1)
	return s.client.GetRecord(ctx, key)
}

// SetValue stores value under key. A nil value deletes the record.
func (s *KeyValueStore) SetValue(ctx context.Context, key string, value []byte, contentType string) error {
	if value == nil {
		metrics.GetOrRegisterCounter("kvstore/delete", nil).Inc(1)
		return s.client.DeleteRecord(ctx, key)
	}
	metrics.GetOrRegisterCounter("kvstore/set", nil).Inc(1)
	return s.client.SetRecord(ctx, &Record{Key: key, Value: value, ContentType: contentType})
}

// Drop deletes the store in the backing store and detaches the instance.
func (s *KeyValueStore) Drop(ctx context.Context) error {
	if err := s.client.Delete(ctx); err != nil {
		return err
	}
	if s.dropHook != nil {
		s.dropHook()
	}
	return nil
}

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
	"mime"
	"path/filepath"

	"github.com/holisticode/crawlqueue/storage"
)

type localKeyValueStoreClient struct {
	s  *Storage
	id string
}

func (kv *localKeyValueStoreClient) dir() string {
	return filepath.Join(kv.s.root, keyValueStoresDir, kv.id)
}

func (kv *localKeyValueStoreClient) recordPath(key string) string {
	return filepath.Join(kv.dir(), key)
}

func (kv *localKeyValueStoreClient) Get(ctx context.Context) (*storage.KeyValueStoreInfo, error) {
	exists, err := kv.s.fs.DirExists(kv.dir())
	if err != nil || !exists {
		return nil, err
	}
	info := &storage.KeyValueStoreInfo{ID: kv.id}
	meta, err := kv.s.readQueueMetadata(kv.dir())
	if err != nil {
		return nil, err
	}
	if meta != nil {
		info.Name = meta.Name
		info.CreatedAt = meta.CreatedAt
		info.ModifiedAt = meta.ModifiedAt
		info.AccessedAt = meta.AccessedAt
	} else {
		created, modified := kv.s.times(kv.dir())
		info.CreatedAt = created
		info.ModifiedAt = modified
		info.AccessedAt = modified
	}
	kv.s.mu.Lock()
	if info.Name == "" {
		info.Name = kv.s.names[kv.dir()]
	}
	kv.s.mu.Unlock()
	return info, nil
}

func (kv *localKeyValueStoreClient) Delete(ctx context.Context) error {
	kv.s.mu.Lock()
	kv.s.forget(kv.dir())
	kv.s.mu.Unlock()
	return kv.s.fs.RemoveAll(kv.dir())
}

func (kv *localKeyValueStoreClient) GetRecord(ctx context.Context, key string) (*storage.Record, error) {
	exists, err := kv.s.fs.FileExists(kv.recordPath(key))
	if err != nil || !exists {
		return nil, err
	}
	data, err := kv.s.fs.ReadFile(kv.recordPath(key))
	if err != nil {
		return nil, err
	}
	contentType := mime.TypeByExtension(filepath.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &storage.Record{Key: key, Value: data, ContentType: contentType}, nil
}

func (kv *localKeyValueStoreClient) SetRecord(ctx context.Context, record *storage.Record) error {
	lock := kv.s.dirLock(kv.dir())
	lock.Lock()
	defer lock.Unlock()

	if err := kv.s.fs.WriteFile(kv.recordPath(record.Key), record.Value); err != nil {
		return err
	}
	kv.s.touch(kv.dir(), kv.id, "", true)
	return nil
}

func (kv *localKeyValueStoreClient) DeleteRecord(ctx context.Context, key string) error {
	lock := kv.s.dirLock(kv.dir())
	lock.Lock()
	defer lock.Unlock()

	if err := kv.s.fs.Remove(kv.recordPath(key)); err != nil {
		return err
	}
	kv.s.touch(kv.dir(), kv.id, "", true)
	return nil
}

type localKeyValueStoreCollectionClient struct {
	s *Storage
}

// GetOrCreate resolves a store by name, creating the directory when
// missing. Local store ids equal their names.
func (kc *localKeyValueStoreCollectionClient) GetOrCreate(ctx context.Context, name string) (*storage.KeyValueStoreInfo, error) {
	id := name
	if id == "" {
		id = "default"
	}
	dir := filepath.Join(kc.s.root, keyValueStoresDir, id)
	exists, err := kc.s.fs.DirExists(dir)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := kc.s.fs.MkdirAll(dir); err != nil {
			return nil, err
		}
		kc.s.touch(dir, id, name, true)
	}
	return (&localKeyValueStoreClient{s: kc.s, id: id}).Get(ctx)
}

func (kc *localKeyValueStoreCollectionClient) Get(ctx context.Context, id string) (*storage.KeyValueStoreInfo, error) {
	return (&localKeyValueStoreClient{s: kc.s, id: id}).Get(ctx)
}

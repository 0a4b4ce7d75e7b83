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

	"github.com/holisticode/crawlqueue/storage"
)

type keyValueStoreClient struct {
	c  *Client
	id string
}

func (kv *keyValueStoreClient) path(suffix string) string {
	p := "/key-value-stores/" + url.PathEscape(kv.id)
	if suffix != "" {
		p += suffix
	}
	return p
}

func (kv *keyValueStoreClient) Get(ctx context.Context) (*storage.KeyValueStoreInfo, error) {
	var info storage.KeyValueStoreInfo
	err := kv.c.do(ctx, http.MethodGet, kv.path(""), nil, nil, &info)
	if err != nil {
		if storage.IsRecordNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &info, nil
}

func (kv *keyValueStoreClient) Delete(ctx context.Context) error {
	err := kv.c.do(ctx, http.MethodDelete, kv.path(""), nil, nil, nil)
	return storage.IgnoreNotFound(err)
}

// GetRecord fetches the raw record value; the answer body is the value
// itself, not a JSON envelope.
func (kv *keyValueStoreClient) GetRecord(ctx context.Context, key string) (*storage.Record, error) {
	data, contentType, err := kv.c.exec(ctx, http.MethodGet, kv.path("/records/"+url.PathEscape(key)), nil, nil, "")
	if err != nil {
		if storage.IsRecordNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &storage.Record{Key: key, Value: data, ContentType: contentType}, nil
}

func (kv *keyValueStoreClient) SetRecord(ctx context.Context, record *storage.Record) error {
	_, _, err := kv.c.exec(ctx, http.MethodPut, kv.path("/records/"+url.PathEscape(record.Key)), nil, record.Value, record.ContentType)
	return err
}

func (kv *keyValueStoreClient) DeleteRecord(ctx context.Context, key string) error {
	err := kv.c.do(ctx, http.MethodDelete, kv.path("/records/"+url.PathEscape(key)), nil, nil, nil)
	return storage.IgnoreNotFound(err)
}

type keyValueStoreCollectionClient struct {
	c *Client
}

func (kc *keyValueStoreCollectionClient) GetOrCreate(ctx context.Context, name string) (*storage.KeyValueStoreInfo, error) {
	q := url.Values{}
	if name != "" {
		q.Set("name", name)
	}
	var info storage.KeyValueStoreInfo
	if err := kc.c.do(ctx, http.MethodPost, "/key-value-stores", q, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (kc *keyValueStoreCollectionClient) Get(ctx context.Context, id string) (*storage.KeyValueStoreInfo, error) {
	var info storage.KeyValueStoreInfo
	err := kc.c.do(ctx, http.MethodGet, "/key-value-stores/"+url.PathEscape(id), nil, nil, &info)
	if err != nil {
		if storage.IsRecordNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &info, nil
}

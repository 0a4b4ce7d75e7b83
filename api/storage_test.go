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
	"io/ioutil"
	"os"
	"testing"

	"github.com/holisticode/crawlqueue/storage"
)

func newTestManager(t *testing.T) (*Manager, func()) {
	t.Helper()
	dir, err := ioutil.TempDir("", "manager-test")
	if err != nil {
		t.Fatal(err)
	}
	cfg := NewConfig()
	cfg.LocalStorageDir = dir
	manager, err := NewManager(cfg, nil)
	if err != nil {
		os.RemoveAll(dir)
		t.Fatal(err)
	}
	return manager, func() { os.RemoveAll(dir) }
}

func TestOpenRequestQueueCachesInstances(t *testing.T) {
	manager, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	first, err := manager.OpenRequestQueue(ctx, OpenOptions{Name: "crawl"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := manager.OpenRequestQueue(ctx, OpenOptions{Name: "crawl"})
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("opening the same name twice returned distinct instances")
	}

	byID, err := manager.OpenRequestQueue(ctx, OpenOptions{ID: first.ID()})
	if err != nil {
		t.Fatal(err)
	}
	if byID != first {
		t.Error("opening by id returned a distinct instance")
	}
}

func TestOpenDefaultRequestQueue(t *testing.T) {
	manager, cleanup := newTestManager(t)
	defer cleanup()

	q, err := manager.OpenRequestQueue(context.Background(), OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if q.ID() != DefaultRequestQueueID {
		t.Errorf("got queue id %q, want %q", q.ID(), DefaultRequestQueueID)
	}
}

func TestOpenRequestQueueByUnknownID(t *testing.T) {
	manager, cleanup := newTestManager(t)
	defer cleanup()

	_, err := manager.OpenRequestQueue(context.Background(), OpenOptions{ID: "no-such-queue"})
	if err != storage.ErrQueueNotFound {
		t.Errorf("got %v, want ErrQueueNotFound", err)
	}
}

func TestDropRemovesInstanceFromRegistry(t *testing.T) {
	manager, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	first, err := manager.OpenRequestQueue(ctx, OpenOptions{Name: "crawl"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := first.Add(ctx, &storage.Request{URL: "https://example.com"}, false); err != nil {
		t.Fatal(err)
	}
	if err := first.Drop(ctx); err != nil {
		t.Fatal(err)
	}

	second, err := manager.OpenRequestQueue(ctx, OpenOptions{Name: "crawl"})
	if err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Error("dropped instance still served from the registry")
	}
}

func TestForceCloudRequiresToken(t *testing.T) {
	manager, cleanup := newTestManager(t)
	defer cleanup()

	_, err := manager.OpenRequestQueue(context.Background(), OpenOptions{Name: "crawl", ForceCloud: true})
	if err != ErrTokenRequired {
		t.Errorf("got %v, want ErrTokenRequired", err)
	}
}

func TestInspectorCountsRequests(t *testing.T) {
	manager, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	q, err := manager.OpenRequestQueue(ctx, OpenOptions{Name: "crawl"})
	if err != nil {
		t.Fatal(err)
	}
	for _, url := range []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"} {
		if _, err := q.Add(ctx, &storage.Request{URL: url}, false); err != nil {
			t.Fatal(err)
		}
	}
	request, err := q.FetchNextRequest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if request == nil {
		t.Fatal("fetch returned nothing")
	}
	if _, err := q.MarkHandled(ctx, request); err != nil {
		t.Fatal(err)
	}

	report, err := NewInspector(manager).RequestQueue(ctx, OpenOptions{Name: "crawl"})
	if err != nil {
		t.Fatal(err)
	}
	if report.Counts.Total != 3 || report.Counts.Handled != 1 || report.Counts.Pending != 2 {
		t.Errorf("got counts %+v, want 3/1/2", report.Counts)
	}
}

func TestOpenKeyValueStoreRoundTrip(t *testing.T) {
	manager, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	kv, err := manager.OpenKeyValueStore(ctx, OpenOptions{Name: "state"})
	if err != nil {
		t.Fatal(err)
	}
	if err := kv.SetValue(ctx, "checkpoint", []byte("42"), "text/plain"); err != nil {
		t.Fatal(err)
	}
	record, err := kv.GetValue(ctx, "checkpoint")
	if err != nil {
		t.Fatal(err)
	}
	if record == nil || string(record.Value) != "42" {
		t.Errorf("got record %+v", record)
	}

	if err := kv.SetValue(ctx, "checkpoint", nil, ""); err != nil {
		t.Fatal(err)
	}
	record, err = kv.GetValue(ctx, "checkpoint")
	if err != nil || record != nil {
		t.Errorf("deleted record still served: %+v, %v", record, err)
	}
}

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
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/holisticode/crawlqueue/storage"
	"github.com/tilinna/clock"
)

// newTestStorage is a helper that constructs a temporary emulator root and
// returns a cleanup function that must be called to remove the data.
func newTestStorage(t testing.TB, o *Options) (s *Storage, mock *clock.Mock, cleanupFunc func()) {
	t.Helper()

	dir, err := ioutil.TempDir("", "localstore-test")
	if err != nil {
		t.Fatal(err)
	}
	cleanupFunc = func() { os.RemoveAll(dir) }

	mock = clock.NewMock(time.Date(2020, 6, 15, 12, 0, 0, 0, time.UTC))
	if o == nil {
		o = &Options{Persist: true}
	}
	if o.Clock == nil {
		o.Clock = mock
	}
	return New(dir, o), mock, cleanupFunc
}

func mustAdd(t *testing.T, rq storage.RequestQueueClient, url string, forefront bool) *storage.QueueOperationInfo {
	t.Helper()
	info, err := rq.AddRequest(context.Background(), &storage.Request{URL: url}, forefront)
	if err != nil {
		t.Fatal(err)
	}
	return info
}

func TestRequestRoundTrip(t *testing.T) {
	s, _, cleanup := newTestStorage(t, nil)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.RequestQueues().GetOrCreate(ctx, "crawl"); err != nil {
		t.Fatal(err)
	}
	rq := s.RequestQueue("crawl", "ck1")

	request := &storage.Request{
		URL:   "https://example.com/start",
		Extra: map[string]json.RawMessage{"userData": json.RawMessage(`{"label":"seed"}`)},
	}
	info, err := rq.AddRequest(ctx, request, false)
	if err != nil {
		t.Fatal(err)
	}
	if info.WasAlreadyPresent || info.WasAlreadyHandled {
		t.Errorf("fresh add reported %+v", info)
	}

	got, err := rq.GetRequest(ctx, info.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("request not found after add")
	}
	if got.URL != request.URL {
		t.Errorf("got url %q, want %q", got.URL, request.URL)
	}
	if string(got.Extra["userData"]) != `{"label":"seed"}` {
		t.Errorf("extra fields not preserved: %s", got.Extra["userData"])
	}

	// Adding the same url again dedups on the derived unique key.
	second, err := rq.AddRequest(ctx, &storage.Request{URL: "https://example.com/start"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if !second.WasAlreadyPresent || second.RequestID != info.RequestID {
		t.Errorf("dedup failed: %+v", second)
	}

	missing, err := rq.GetRequest(ctx, "does-not-exist")
	if err != nil || missing != nil {
		t.Errorf("missing request: got %+v, %v", missing, err)
	}
}

func TestListHeadOrdering(t *testing.T) {
	s, mock, cleanup := newTestStorage(t, nil)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.RequestQueues().GetOrCreate(ctx, "crawl"); err != nil {
		t.Fatal(err)
	}
	rq := s.RequestQueue("crawl", "ck1")

	a := mustAdd(t, rq, "https://example.com/a", false)
	mock.Add(time.Millisecond)
	b := mustAdd(t, rq, "https://example.com/b", false)
	mock.Add(time.Millisecond)
	c := mustAdd(t, rq, "https://example.com/c", true)

	head, err := rq.ListHead(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{c.RequestID, a.RequestID, b.RequestID}
	if len(head.Items) != len(want) {
		t.Fatalf("got %d head items, want %d", len(head.Items), len(want))
	}
	for i, item := range head.Items {
		if item.ID != want[i] {
			t.Errorf("head[%d] = %q, want %q", i, item.ID, want[i])
		}
	}
}

func TestHandledRequestsLeaveHead(t *testing.T) {
	s, mock, cleanup := newTestStorage(t, nil)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.RequestQueues().GetOrCreate(ctx, "crawl"); err != nil {
		t.Fatal(err)
	}
	rq := s.RequestQueue("crawl", "ck1")
	info := mustAdd(t, rq, "https://example.com/a", false)

	request, err := rq.GetRequest(ctx, info.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	now := mock.Now()
	request.HandledAt = &now
	update, err := rq.UpdateRequest(ctx, request, false)
	if err != nil {
		t.Fatal(err)
	}
	if !update.WasAlreadyPresent || update.WasAlreadyHandled {
		t.Errorf("unexpected update info %+v", update)
	}

	head, err := rq.ListHead(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(head.Items) != 0 {
		t.Errorf("handled request still in head: %+v", head.Items)
	}

	// Marking handled twice reports the previous state.
	again, err := rq.UpdateRequest(ctx, request, false)
	if err != nil {
		t.Fatal(err)
	}
	if !again.WasAlreadyHandled {
		t.Error("second handled update did not report wasAlreadyHandled")
	}

	queueInfo, err := rq.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if queueInfo.HandledRequestCount != 1 || queueInfo.PendingRequestCount != 0 {
		t.Errorf("unexpected counts: %+v", queueInfo)
	}
}

func TestListAndLockHead(t *testing.T) {
	s, mock, cleanup := newTestStorage(t, nil)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.RequestQueues().GetOrCreate(ctx, "crawl"); err != nil {
		t.Fatal(err)
	}
	rq := s.RequestQueue("crawl", "ck1")
	mustAdd(t, rq, "https://example.com/a", false)

	locked, err := rq.ListAndLockHead(ctx, 30, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(locked.Items) != 1 || locked.Items[0].LockExpiresAt == nil {
		t.Fatalf("lock not taken: %+v", locked.Items)
	}

	// A locked request is invisible to other head queries.
	head, err := rq.ListHead(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(head.Items) != 0 {
		t.Errorf("locked request still listed: %+v", head.Items)
	}

	// And visible again once the lock expires.
	mock.Add(31 * time.Second)
	head, err = rq.ListHead(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(head.Items) != 1 {
		t.Errorf("expired lock still hides the request: %+v", head.Items)
	}
}

func TestHadMultipleClients(t *testing.T) {
	s, _, cleanup := newTestStorage(t, nil)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.RequestQueues().GetOrCreate(ctx, "crawl"); err != nil {
		t.Fatal(err)
	}

	head, err := s.RequestQueue("crawl", "ck1").ListHead(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if head.HadMultipleClients {
		t.Error("single client reported as multiple")
	}

	head, err = s.RequestQueue("crawl", "ck2").ListHead(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !head.HadMultipleClients {
		t.Error("second client key not detected")
	}
}

func TestMetadataMaintained(t *testing.T) {
	s, _, cleanup := newTestStorage(t, &Options{Persist: true, WriteMetadata: true})
	defer cleanup()
	ctx := context.Background()

	if _, err := s.RequestQueues().GetOrCreate(ctx, "crawl"); err != nil {
		t.Fatal(err)
	}
	rq := s.RequestQueue("crawl", "ck1")
	mustAdd(t, rq, "https://example.com/a", false)

	data, err := ioutil.ReadFile(filepath.Join(s.root, requestQueuesDir, "crawl", metadataFilename))
	if err != nil {
		t.Fatal(err)
	}
	var meta queueMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatal(err)
	}
	if meta.ID != "crawl" || meta.Name != "crawl" {
		t.Errorf("unexpected metadata identity: %+v", meta)
	}
	if meta.ItemCount != 1 {
		t.Errorf("got itemCount %d, want 1", meta.ItemCount)
	}
	if meta.ModifiedAt.IsZero() || meta.CreatedAt.IsZero() {
		t.Errorf("timestamps not maintained: %+v", meta)
	}
}

func TestInMemoryStorage(t *testing.T) {
	s, _, cleanup := newTestStorage(t, &Options{Persist: false})
	defer cleanup()
	ctx := context.Background()

	if _, err := s.RequestQueues().GetOrCreate(ctx, "crawl"); err != nil {
		t.Fatal(err)
	}
	rq := s.RequestQueue("crawl", "ck1")
	info := mustAdd(t, rq, "https://example.com/a", false)

	got, err := rq.GetRequest(ctx, info.RequestID)
	if err != nil || got == nil {
		t.Fatalf("request not served from memory: %+v, %v", got, err)
	}

	// Nothing may have touched the disk.
	entries, err := ioutil.ReadDir(s.root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("in-memory mode wrote %d entries to disk", len(entries))
	}
}

func TestPurgePreservesInput(t *testing.T) {
	s, _, cleanup := newTestStorage(t, nil)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.RequestQueues().GetOrCreate(ctx, "default"); err != nil {
		t.Fatal(err)
	}
	rq := s.RequestQueue("default", "ck1")
	mustAdd(t, rq, "https://example.com/a", false)

	if _, err := s.KeyValueStores().GetOrCreate(ctx, "default"); err != nil {
		t.Fatal(err)
	}
	kv := s.KeyValueStore("default")
	if err := kv.SetRecord(ctx, &storage.Record{Key: "INPUT.json", Value: []byte(`{"seed":1}`)}); err != nil {
		t.Fatal(err)
	}
	if err := kv.SetRecord(ctx, &storage.Record{Key: "scratch.json", Value: []byte(`{}`)}); err != nil {
		t.Fatal(err)
	}

	if err := s.PurgeDefaults("default", "default"); err != nil {
		t.Fatal(err)
	}

	head, err := rq.ListHead(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(head.Items) != 0 {
		t.Errorf("default queue not purged: %+v", head.Items)
	}

	input, err := kv.GetRecord(ctx, "INPUT.json")
	if err != nil {
		t.Fatal(err)
	}
	if input == nil || string(input.Value) != `{"seed":1}` {
		t.Errorf("INPUT record lost in purge: %+v", input)
	}
	scratch, err := kv.GetRecord(ctx, "scratch.json")
	if err != nil {
		t.Fatal(err)
	}
	if scratch != nil {
		t.Error("non-input record survived the purge")
	}
}

func TestDeleteQueueIsIdempotent(t *testing.T) {
	s, _, cleanup := newTestStorage(t, nil)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.RequestQueues().GetOrCreate(ctx, "crawl"); err != nil {
		t.Fatal(err)
	}
	rq := s.RequestQueue("crawl", "ck1")
	if err := rq.Delete(ctx); err != nil {
		t.Fatal(err)
	}
	if err := rq.Delete(ctx); err != nil {
		t.Errorf("second delete failed: %v", err)
	}
	info, err := rq.Get(ctx)
	if err != nil || info != nil {
		t.Errorf("deleted queue still reported: %+v, %v", info, err)
	}
}

func TestListRequestsPagination(t *testing.T) {
	s, _, cleanup := newTestStorage(t, nil)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.RequestQueues().GetOrCreate(ctx, "crawl"); err != nil {
		t.Fatal(err)
	}
	rq := s.RequestQueue("crawl", "ck1")
	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		info := mustAdd(t, rq, "https://example.com/"+string(rune('a'+i)), false)
		seen[info.RequestID] = false
	}

	var startID string
	for {
		page, err := rq.ListRequests(ctx, 2, startID)
		if err != nil {
			t.Fatal(err)
		}
		if len(page.Items) == 0 {
			break
		}
		for _, item := range page.Items {
			if _, ok := seen[item.ID]; !ok {
				t.Fatalf("page returned unknown request %q", item.ID)
			}
			if seen[item.ID] {
				t.Fatalf("request %q returned twice", item.ID)
			}
			seen[item.ID] = true
			startID = item.ID
		}
	}
	for id, ok := range seen {
		if !ok {
			t.Errorf("request %q never paged", id)
		}
	}
}

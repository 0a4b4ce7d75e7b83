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
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/holisticode/crawlqueue/storage"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, func()) {
	t.Helper()
	server := httptest.NewServer(handler)
	client := New("test-token", &Options{
		BaseURL:    server.URL,
		MinBackoff: time.Millisecond,
	})
	return client, server.Close
}

func writeData(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"data": v})
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"type": errType, "message": message},
	})
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls int32
	client, done := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			writeError(w, http.StatusInternalServerError, "internal-error", "boom")
			return
		}
		writeData(w, &storage.RequestQueueInfo{ID: "q1"})
	}))
	defer done()

	info, err := client.RequestQueue("q1", "ck").Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info == nil || info.ID != "q1" {
		t.Fatalf("got %+v, want queue q1", info)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("got %d attempts, want 3", got)
	}
}

func TestClientRetriesInvalidResponseBody(t *testing.T) {
	var calls int32
	client, done := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			fmt.Fprint(w, `{"data": {"id": "q`) // truncated json
			return
		}
		writeData(w, &storage.RequestQueueInfo{ID: "q1"})
	}))
	defer done()

	info, err := client.RequestQueue("q1", "ck").Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info == nil || info.ID != "q1" {
		t.Fatalf("got %+v, want queue q1", info)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("got %d attempts, want 2", got)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	client, done := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeError(w, http.StatusBadRequest, "invalid-argument", "bad request")
	}))
	defer done()

	_, err := client.RequestQueue("q1", "ck").Update(context.Background(), "new-name")
	var apiErr *storage.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("got %v, want *storage.APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Type != "invalid-argument" {
		t.Errorf("unexpected error detail: %+v", apiErr)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("got %d attempts, want 1", got)
	}
}

func TestClientTranslatesRecordNotFound(t *testing.T) {
	client, done := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, storage.ErrorTypeRecordNotFound, "nope")
	}))
	defer done()

	request, err := client.RequestQueue("q1", "ck").GetRequest(context.Background(), "r1")
	if err != nil {
		t.Fatalf("not-found was not translated: %v", err)
	}
	if request != nil {
		t.Errorf("got %+v, want nil", request)
	}

	// Deletes are idempotent on not-found.
	if err := client.RequestQueue("q1", "ck").DeleteRequest(context.Background(), "r1"); err != nil {
		t.Errorf("delete not idempotent: %v", err)
	}
}

func TestClientPropagatesClientKeyAndForefront(t *testing.T) {
	var headQuery, addQuery map[string][]string
	client, done := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			headQuery = r.URL.Query()
			writeData(w, &storage.QueueHead{})
		case r.Method == http.MethodPost:
			addQuery = r.URL.Query()
			writeData(w, &storage.QueueOperationInfo{RequestID: "r1"})
		}
	}))
	defer done()

	rq := client.RequestQueue("q1", "my-client-key")
	if _, err := rq.ListHead(context.Background(), 25); err != nil {
		t.Fatal(err)
	}
	if got := headQuery["clientKey"]; len(got) != 1 || got[0] != "my-client-key" {
		t.Errorf("head query clientKey = %v", got)
	}
	if got := headQuery["limit"]; len(got) != 1 || got[0] != "25" {
		t.Errorf("head query limit = %v", got)
	}

	if _, err := rq.AddRequest(context.Background(), &storage.Request{URL: "https://example.com"}, true); err != nil {
		t.Fatal(err)
	}
	if got := addQuery["forefront"]; len(got) != 1 || got[0] != "true" {
		t.Errorf("add query forefront = %v", got)
	}
	if got := addQuery["clientKey"]; len(got) != 1 || got[0] != "my-client-key" {
		t.Errorf("add query clientKey = %v", got)
	}
}

func TestClientSendsAuthorization(t *testing.T) {
	var auth string
	client, done := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		writeData(w, &storage.RequestQueueInfo{ID: "q1"})
	}))
	defer done()

	if _, err := client.RequestQueue("q1", "").Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	if auth != "Bearer test-token" {
		t.Errorf("got authorization %q", auth)
	}
}

func TestClientRequestRoundTrip(t *testing.T) {
	handledAt := time.Date(2020, 6, 15, 12, 0, 0, 0, time.UTC)
	client, done := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, &storage.Request{
			ID:        "r1",
			URL:       "https://example.com",
			UniqueKey: "https://example.com",
			HandledAt: &handledAt,
			Extra:     map[string]json.RawMessage{"userData": json.RawMessage(`{"depth":3}`)},
		})
	}))
	defer done()

	request, err := client.RequestQueue("q1", "ck").GetRequest(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if request.HandledAt == nil || !request.HandledAt.Equal(handledAt) {
		t.Errorf("handledAt not preserved: %v", request.HandledAt)
	}
	if string(request.Extra["userData"]) != `{"depth":3}` {
		t.Errorf("extra fields not preserved: %s", request.Extra["userData"])
	}
}

func TestKeyValueStoreRecordRoundTrip(t *testing.T) {
	records := map[string][]byte{}
	client, done := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path[len("/key-value-stores/s1/records/"):]
		switch r.Method {
		case http.MethodPut:
			body, _ := ioutil.ReadAll(r.Body)
			records[key] = body
		case http.MethodGet:
			value, ok := records[key]
			if !ok {
				writeError(w, http.StatusNotFound, storage.ErrorTypeRecordNotFound, "no record")
				return
			}
			w.Write(value)
		}
	}))
	defer done()

	kv := client.KeyValueStore("s1")
	if err := kv.SetRecord(context.Background(), &storage.Record{Key: "INPUT", Value: []byte(`{"seed":1}`)}); err != nil {
		t.Fatal(err)
	}
	record, err := kv.GetRecord(context.Background(), "INPUT")
	if err != nil {
		t.Fatal(err)
	}
	if string(record.Value) != `{"seed":1}` {
		t.Errorf("got record %q", record.Value)
	}
	missing, err := kv.GetRecord(context.Background(), "OUTPUT")
	if err != nil || missing != nil {
		t.Errorf("missing record: got %+v, %v", missing, err)
	}
}

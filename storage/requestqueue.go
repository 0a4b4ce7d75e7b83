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
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/metrics"
	lru "github.com/hashicorp/golang-lru"
	"github.com/holisticode/crawlqueue/log"
	"github.com/tilinna/clock"
	"golang.org/x/sync/singleflight"
)

const (
	// MaxCachedRequests bounds the request dedup cache.
	MaxCachedRequests = 1000000

	// RecentlyHandledCacheSize bounds the cache of request ids handled on
	// this instance, which suppresses re-dispatch while the remote head
	// index lags behind the main table.
	RecentlyHandledCacheSize = 1000

	// QueryHeadMinLength is the smallest head window requested from the
	// store.
	QueryHeadMinLength = 100

	// QueryHeadBuffer scales the head query limit by the number of
	// requests currently in progress.
	QueryHeadBuffer = 3

	// APIProcessedRequestsDelay is how long the store may take until
	// write replicas have caught up. Head reads younger than this are not
	// trusted by the termination check.
	APIProcessedRequestsDelay = 10 * time.Second

	// MaxQueriesForConsistency caps the consistency retries of a head
	// query before giving up with a false negative.
	MaxQueriesForConsistency = 6

	// RequestQueueHeadMaxLimit is the largest head the store will return.
	RequestQueueHeadMaxLimit = 1000

	// StorageConsistencyDelay is the grace period after which locally
	// deferred cleanups run, letting store replicas catch up first.
	StorageConsistencyDelay = 3 * time.Second

	// DefaultInternalTimeout is how long in-progress requests may sit
	// without any queue activity before IsFinished declares the local
	// state stuck and resets it.
	DefaultInternalTimeout = 5 * time.Minute
)

// cachedRequest is what the dedup cache remembers about a request, keyed
// by the id derived from its unique key.
type cachedRequest struct {
	ID                string
	UniqueKey         string
	IsHandled         bool
	WasAlreadyHandled bool
}

// queryHeadResult carries what ensureHeadIsNonEmpty needs to decide on a
// retry after one head query.
type queryHeadResult struct {
	wasLimitReached    bool
	prevLimit          int
	queueModifiedAt    time.Time
	queryStartedAt     time.Time
	hadMultipleClients bool
}

// RequestQueue coordinates crawl requests between application code and one
// queue in the backing store. It keeps a prefetched head window, tracks
// requests that are being processed and deduplicates adds, so that most
// calls are answered locally.
//
// All exported methods are safe for concurrent use. Suspension points
// (store calls, consistency sleeps) happen outside the state lock.
type RequestQueue struct {
	id        string
	name      string
	clientKey string

	client RequestQueueClient
	clock  clock.Clock
	logger log.Logger

	mu              sync.Mutex
	head            *headWindow
	inProgress      map[string]struct{}
	recentlyHandled *lru.Cache
	requestCache    *lru.Cache

	// Advisory counters for the single-client termination shortcut. Only
	// trusted while the store has seen no other client.
	assumedTotalCount   int64
	assumedHandledCount int64

	lastActivity    time.Time
	internalTimeout time.Duration

	timers map[*clock.Timer]struct{}
	closed bool

	// The head fetch in flight is shared between concurrent callers.
	queryGroup singleflight.Group

	// dropHook detaches the instance from the process-level registry.
	dropHook func()
}

// NewRequestQueue creates a coordinator for the queue identified by id.
// The clientKey identifies this instance to the store; c may be nil for
// the realtime clock.
func NewRequestQueue(client RequestQueueClient, id, name, clientKey string, c clock.Clock) *RequestQueue {
	if c == nil {
		c = clock.Realtime()
	}
	requestCache, _ := lru.New(MaxCachedRequests)
	recentlyHandled, _ := lru.New(RecentlyHandledCacheSize)

	return &RequestQueue{
		id:              id,
		name:            name,
		clientKey:       clientKey,
		client:          client,
		clock:           c,
		logger:          log.NewQueueLogger(id, clientKey),
		head:            newHeadWindow(),
		inProgress:      make(map[string]struct{}),
		recentlyHandled: recentlyHandled,
		requestCache:    requestCache,
		lastActivity:    c.Now(),
		internalTimeout: DefaultInternalTimeout,
		timers:          make(map[*clock.Timer]struct{}),
	}
}

// ID returns the queue id.
func (q *RequestQueue) ID() string { return q.id }

// Name returns the queue name, empty for unnamed queues.
func (q *RequestQueue) Name() string { return q.name }

// SetDropHook registers a callback run once after a successful Drop.
func (q *RequestQueue) SetDropHook(hook func()) { q.dropHook = hook }

// SetInternalTimeout overrides the stuck-state timeout.
func (q *RequestQueue) SetInternalTimeout(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.internalTimeout = d
}

// Add enqueues a request. When the unique key was added before, the cached
// outcome is returned without a store call.
func (q *RequestQueue) Add(ctx context.Context, request *Request, forefront bool) (*QueueOperationInfo, error) {
	if request == nil || request.URL == "" {
		return nil, ErrURLRequired
	}
	metrics.GetOrRegisterCounter("requestqueue/add", nil).Inc(1)

	q.mu.Lock()
	q.lastActivity = q.clock.Now()
	q.mu.Unlock()

	if request.UniqueKey == "" {
		request.UniqueKey = NormalizeURL(request.URL, request.KeepURLFragment)
	}
	cacheKey := UniqueKeyToRequestID(request.UniqueKey)

	q.mu.Lock()
	if v, ok := q.requestCache.Get(cacheKey); ok {
		cached := v.(*cachedRequest)
		q.mu.Unlock()
		metrics.GetOrRegisterCounter("requestqueue/add/cached", nil).Inc(1)
		return &QueueOperationInfo{
			RequestID:         cached.ID,
			UniqueKey:         cached.UniqueKey,
			WasAlreadyPresent: true,
			WasAlreadyHandled: cached.IsHandled,
		}, nil
	}
	q.mu.Unlock()

	info, err := q.client.AddRequest(ctx, request, forefront)
	if err != nil {
		return nil, err
	}
	info.UniqueKey = request.UniqueKey

	q.mu.Lock()
	defer q.mu.Unlock()

	q.requestCache.Add(cacheKey, &cachedRequest{
		ID:                info.RequestID,
		UniqueKey:         request.UniqueKey,
		IsHandled:         info.WasAlreadyHandled,
		WasAlreadyHandled: info.WasAlreadyHandled,
	})

	_, busy := q.inProgress[info.RequestID]
	if !info.WasAlreadyHandled && !info.WasAlreadyPresent && !busy && !q.recentlyHandled.Contains(info.RequestID) {
		q.assumedTotalCount++
		q.maybeAddRequestToHead(info.RequestID, forefront)
	}
	return info, nil
}

// AddBatch enqueues several requests with one store call. Requests whose
// unique key is already in the dedup cache are answered locally and never
// leave the process; the rest go through the store's batch endpoint and
// feed the same caches and head-window bookkeeping as Add.
func (q *RequestQueue) AddBatch(ctx context.Context, requests []*Request, forefront bool) (*BatchOperationInfo, error) {
	for _, request := range requests {
		if request == nil || request.URL == "" {
			return nil, ErrURLRequired
		}
	}
	metrics.GetOrRegisterCounter("requestqueue/addbatch", nil).Inc(1)

	q.mu.Lock()
	q.lastActivity = q.clock.Now()
	q.mu.Unlock()

	out := &BatchOperationInfo{}
	var pending []*Request
	for _, request := range requests {
		if request.UniqueKey == "" {
			request.UniqueKey = NormalizeURL(request.URL, request.KeepURLFragment)
		}
		cacheKey := UniqueKeyToRequestID(request.UniqueKey)

		q.mu.Lock()
		v, ok := q.requestCache.Get(cacheKey)
		q.mu.Unlock()
		if ok {
			cached := v.(*cachedRequest)
			metrics.GetOrRegisterCounter("requestqueue/add/cached", nil).Inc(1)
			out.ProcessedRequests = append(out.ProcessedRequests, &QueueOperationInfo{
				RequestID:         cached.ID,
				UniqueKey:         cached.UniqueKey,
				WasAlreadyPresent: true,
				WasAlreadyHandled: cached.IsHandled,
			})
			continue
		}
		pending = append(pending, request)
	}
	if len(pending) == 0 {
		return out, nil
	}

	info, err := q.client.BatchAddRequests(ctx, pending, forefront)
	if err != nil {
		return nil, err
	}
	out.UnprocessedRequests = append(out.UnprocessedRequests, info.UnprocessedRequests...)

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range info.ProcessedRequests {
		out.ProcessedRequests = append(out.ProcessedRequests, op)
		if op.UniqueKey == "" {
			continue
		}
		q.requestCache.Add(UniqueKeyToRequestID(op.UniqueKey), &cachedRequest{
			ID:                op.RequestID,
			UniqueKey:         op.UniqueKey,
			IsHandled:         op.WasAlreadyHandled,
			WasAlreadyHandled: op.WasAlreadyHandled,
		})
		_, busy := q.inProgress[op.RequestID]
		if !op.WasAlreadyHandled && !op.WasAlreadyPresent && !busy && !q.recentlyHandled.Contains(op.RequestID) {
			q.assumedTotalCount++
			q.maybeAddRequestToHead(op.RequestID, forefront)
		}
	}
	return out, nil
}

// Info returns what the backing store knows about the queue, or nil when
// the queue no longer exists there.
func (q *RequestQueue) Info(ctx context.Context) (*RequestQueueInfo, error) {
	return q.client.Get(ctx)
}

// Get returns a request by id, or nil when the store does not know it.
func (q *RequestQueue) Get(ctx context.Context, requestID string) (*Request, error) {
	return q.client.GetRequest(ctx, requestID)
}

// FetchNextRequest returns the next request to process, or nil when the
// queue has nothing dispatchable right now. A returned request is tracked
// as in progress until MarkHandled or Reclaim is called for it.
//
// A nil result does not mean the queue is finished, see IsFinished.
func (q *RequestQueue) FetchNextRequest(ctx context.Context) (*Request, error) {
	metrics.GetOrRegisterCounter("requestqueue/fetchnext", nil).Inc(1)

	if _, err := q.ensureHeadIsNonEmpty(ctx, false, 0, 0); err != nil {
		return nil, err
	}

	q.mu.Lock()
	nextID, ok := q.head.Shift()
	if !ok {
		q.mu.Unlock()
		return nil, nil
	}

	// The store occasionally hands back an id this instance is already
	// working on or has just handled. Dropping it here self-heals on the
	// next head query.
	if _, busy := q.inProgress[nextID]; busy || q.recentlyHandled.Contains(nextID) {
		q.logger.Warn("Head returned a request already in progress or recently handled", "id", nextID)
		metrics.GetOrRegisterCounter("requestqueue/fetchnext/inconsistent", nil).Inc(1)
		q.mu.Unlock()
		return nil, nil
	}

	q.inProgress[nextID] = struct{}{}
	q.lastActivity = q.clock.Now()
	q.mu.Unlock()

	request, err := q.client.GetRequest(ctx, nextID)
	if err != nil {
		q.mu.Lock()
		delete(q.inProgress, nextID)
		q.mu.Unlock()
		return nil, err
	}

	if request == nil {
		// The head index knows the id but the main table does not serve
		// it yet. Free the slot after the consistency delay so a later
		// head query can dispatch it again.
		q.logger.Debug("Request from the beginning of the queue is missing, will retry later", "id", nextID)
		metrics.GetOrRegisterCounter("requestqueue/fetchnext/missing", nil).Inc(1)
		q.deferred(StorageConsistencyDelay, func() {
			q.mu.Lock()
			delete(q.inProgress, nextID)
			q.mu.Unlock()
		})
		return nil, nil
	}

	if request.HandledAt != nil {
		// Another client got there first. Remembering the id keeps the
		// head filter from dispatching it again.
		q.logger.Debug("Request from the beginning of the queue was already handled", "id", nextID)
		metrics.GetOrRegisterCounter("requestqueue/fetchnext/alreadyhandled", nil).Inc(1)
		q.mu.Lock()
		q.recentlyHandled.Add(nextID, true)
		q.mu.Unlock()
		return nil, nil
	}

	return request, nil
}

// MarkHandled records a request returned by FetchNextRequest as done. A
// nil result means the request was not in progress on this instance.
func (q *RequestQueue) MarkHandled(ctx context.Context, request *Request) (*QueueOperationInfo, error) {
	if request == nil || request.ID == "" || request.UniqueKey == "" {
		return nil, ErrRequestIncomplete
	}
	metrics.GetOrRegisterCounter("requestqueue/handled", nil).Inc(1)

	q.mu.Lock()
	q.lastActivity = q.clock.Now()
	if _, busy := q.inProgress[request.ID]; !busy {
		q.mu.Unlock()
		q.logger.Debug("Cannot mark request as handled, it is not in progress", "id", request.ID)
		return nil, nil
	}
	q.mu.Unlock()

	if request.HandledAt == nil {
		now := q.clock.Now()
		request.HandledAt = &now
	}

	info, err := q.client.UpdateRequest(ctx, request, false)
	if err != nil {
		return nil, err
	}
	info.UniqueKey = request.UniqueKey

	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inProgress, request.ID)
	q.recentlyHandled.Add(request.ID, true)
	if !info.WasAlreadyHandled {
		q.assumedHandledCount++
	}
	q.requestCache.Add(UniqueKeyToRequestID(request.UniqueKey), &cachedRequest{
		ID:                request.ID,
		UniqueKey:         request.UniqueKey,
		IsHandled:         true,
		WasAlreadyHandled: info.WasAlreadyHandled,
	})
	return info, nil
}

// Reclaim puts a request fetched by FetchNextRequest back into the queue,
// optionally to the forefront so it is retried next. A nil result means
// the request was not in progress on this instance.
func (q *RequestQueue) Reclaim(ctx context.Context, request *Request, forefront bool) (*QueueOperationInfo, error) {
	if request == nil || request.ID == "" || request.UniqueKey == "" {
		return nil, ErrRequestIncomplete
	}
	metrics.GetOrRegisterCounter("requestqueue/reclaim", nil).Inc(1)

	q.mu.Lock()
	q.lastActivity = q.clock.Now()
	if _, busy := q.inProgress[request.ID]; !busy {
		q.mu.Unlock()
		q.logger.Debug("Cannot reclaim request, it is not in progress", "id", request.ID)
		return nil, nil
	}
	q.mu.Unlock()

	info, err := q.client.UpdateRequest(ctx, request, forefront)
	if err != nil {
		return nil, err
	}
	info.UniqueKey = request.UniqueKey

	q.mu.Lock()
	q.requestCache.Add(UniqueKeyToRequestID(request.UniqueKey), &cachedRequest{
		ID:                request.ID,
		UniqueKey:         request.UniqueKey,
		IsHandled:         request.HandledAt != nil,
		WasAlreadyHandled: info.WasAlreadyHandled,
	})
	q.mu.Unlock()

	// Wait out the replication lag before dispatching the request again,
	// otherwise a quick follow-up fetch could still see the old state.
	requestID := request.ID
	q.deferred(StorageConsistencyDelay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, busy := q.inProgress[requestID]; !busy {
			return
		}
		delete(q.inProgress, requestID)
		q.maybeAddRequestToHead(requestID, forefront)
	})

	return info, nil
}

// IsEmpty reports whether the head of the queue is empty after an attempt
// to refill it. An empty head does not yet mean the crawl is over, see
// IsFinished.
func (q *RequestQueue) IsEmpty(ctx context.Context) (bool, error) {
	if _, err := q.ensureHeadIsNonEmpty(ctx, false, 0, 0); err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head.Len() == 0, nil
}

// IsFinished reports whether all requests were handled: nothing buffered,
// nothing in progress, and a consistency-checked head query found nothing
// more. Converges to true despite replication lag; may return a false
// negative while the store catches up.
func (q *RequestQueue) IsFinished(ctx context.Context) (bool, error) {
	q.mu.Lock()
	if len(q.inProgress) > 0 && q.clock.Now().Sub(q.lastActivity) > q.internalTimeout {
		q.logger.Warn("The queue seems stuck, resetting local state",
			"inProgress", len(q.inProgress), "sinceLastActivity", q.clock.Now().Sub(q.lastActivity))
		metrics.GetOrRegisterCounter("requestqueue/reset", nil).Inc(1)
		q.resetLocked()
	}
	if q.head.Len() > 0 || len(q.inProgress) > 0 {
		q.mu.Unlock()
		return false, nil
	}
	q.mu.Unlock()

	consistent, err := q.ensureHeadIsNonEmpty(ctx, true, 0, 0)
	if err != nil {
		return false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return consistent && q.head.Len() == 0, nil
}

// Drop deletes the queue in the backing store and detaches the instance.
// Outstanding deferred callbacks are cancelled.
func (q *RequestQueue) Drop(ctx context.Context) error {
	if err := q.client.Delete(ctx); err != nil {
		return err
	}

	q.mu.Lock()
	q.closed = true
	timers := make([]*clock.Timer, 0, len(q.timers))
	for t := range q.timers {
		timers = append(timers, t)
	}
	q.timers = make(map[*clock.Timer]struct{})
	q.resetLocked()
	q.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}

	if q.dropHook != nil {
		q.dropHook()
	}
	return nil
}

// Prime preloads the head window so the first FetchNextRequest does not
// pay the head query latency.
func (q *RequestQueue) Prime(ctx context.Context) error {
	_, err := q.ensureHeadIsNonEmpty(ctx, false, 0, 0)
	return err
}

// Stats is a snapshot of the local coordinator state.
type Stats struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name,omitempty"`
	HeadWindowLength    int       `json:"headWindowLength"`
	InProgressCount     int       `json:"inProgressCount"`
	RecentlyHandled     int       `json:"recentlyHandledCount"`
	AssumedTotalCount   int64     `json:"assumedTotalCount"`
	AssumedHandledCount int64     `json:"assumedHandledCount"`
	LastActivity        time.Time `json:"lastActivity"`
}

// Stats returns a snapshot of the local coordinator state.
func (q *RequestQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		ID:                  q.id,
		Name:                q.name,
		HeadWindowLength:    q.head.Len(),
		InProgressCount:     len(q.inProgress),
		RecentlyHandled:     q.recentlyHandled.Len(),
		AssumedTotalCount:   q.assumedTotalCount,
		AssumedHandledCount: q.assumedHandledCount,
		LastActivity:        q.lastActivity,
	}
}

// ensureHeadIsNonEmpty refills the head window from the store when it is
// empty. With consistency set it keeps querying until the store read can
// be trusted (the last write is old enough, or this instance is provably
// the only client). It gives up once the query of iteration
// MaxQueriesForConsistency+1 is still untrusted, after
// MaxQueriesForConsistency+2 head queries in all.
//
// Returns false only for the permitted false negative of the consistency
// cutoff. Concurrent callers share a single in-flight head query.
func (q *RequestQueue) ensureHeadIsNonEmpty(ctx context.Context, consistency bool, limit, iteration int) (bool, error) {
	q.mu.Lock()
	if q.head.Len() > 0 {
		q.mu.Unlock()
		return true, nil
	}
	if limit <= 0 {
		limit = len(q.inProgress) * QueryHeadBuffer
		if limit < QueryHeadMinLength {
			limit = QueryHeadMinLength
		}
	}
	q.mu.Unlock()

	v, err, _ := q.queryGroup.Do("query-head", func() (interface{}, error) {
		return q.queryHead(ctx, limit)
	})
	if err != nil {
		return false, err
	}
	result := v.(*queryHeadResult)

	if result.prevLimit >= RequestQueueHeadMaxLimit {
		q.logger.Warn("Head query reached the maximum limit supported by the store", "limit", RequestQueueHeadMaxLimit)
	}

	q.mu.Lock()
	headEmpty := q.head.Len() == 0
	locallyConsistent := !result.hadMultipleClients && q.assumedTotalCount <= q.assumedHandledCount
	q.mu.Unlock()

	shouldRetryWithHigherLimit := headEmpty && result.wasLimitReached && result.prevLimit < RequestQueueHeadMaxLimit
	databaseConsistent := result.queryStartedAt.Sub(result.queueModifiedAt) >= APIProcessedRequestsDelay
	shouldRetryForConsistency := consistency && !databaseConsistent && !locallyConsistent

	if !shouldRetryWithHigherLimit && !shouldRetryForConsistency {
		return true, nil
	}

	if !shouldRetryWithHigherLimit && iteration > MaxQueriesForConsistency {
		q.logger.Debug("Giving up on queue consistency", "iterations", iteration)
		return false, nil
	}

	nextLimit := result.prevLimit
	if shouldRetryWithHigherLimit {
		nextLimit = int(math.Round(float64(result.prevLimit) * 1.5))
	}

	if shouldRetryForConsistency {
		delay := APIProcessedRequestsDelay - q.clock.Now().Sub(result.queueModifiedAt)
		if delay > 0 {
			q.logger.Info("Waiting for the store to become consistent", "delay", delay)
			if err := q.sleep(ctx, delay); err != nil {
				return false, err
			}
		}
	}

	return q.ensureHeadIsNonEmpty(ctx, consistency, nextLimit, iteration+1)
}

// queryHead performs one head listing and folds dispatchable items into
// the head window.
func (q *RequestQueue) queryHead(ctx context.Context, limit int) (*queryHeadResult, error) {
	metrics.GetOrRegisterCounter("requestqueue/queryhead", nil).Inc(1)
	queryStartedAt := q.clock.Now()

	head, err := q.client.ListHead(ctx, limit)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	for _, item := range head.Items {
		if item.ID == "" || item.UniqueKey == "" {
			q.logger.Warn("Head item is missing id or uniqueKey, skipping", "id", item.ID)
			continue
		}
		if _, busy := q.inProgress[item.ID]; busy {
			continue
		}
		if q.recentlyHandled.Contains(item.ID) {
			continue
		}
		q.head.Append(item.ID)
		q.requestCache.Add(UniqueKeyToRequestID(item.UniqueKey), &cachedRequest{
			ID:                item.ID,
			UniqueKey:         item.UniqueKey,
			IsHandled:         false,
			WasAlreadyHandled: false,
		})
	}
	q.mu.Unlock()

	return &queryHeadResult{
		wasLimitReached:    len(head.Items) >= limit,
		prevLimit:          limit,
		queueModifiedAt:    head.QueueModifiedAt,
		queryStartedAt:     queryStartedAt,
		hadMultipleClients: head.HadMultipleClients,
	}, nil
}

// maybeAddRequestToHead inserts a freshly added request id into the head
// window. Forefront inserts always land at the oldest position; normal
// inserts are only buffered while the queue is small, a later head query
// picks them up otherwise. Callers hold q.mu.
func (q *RequestQueue) maybeAddRequestToHead(requestID string, forefront bool) {
	if forefront {
		q.head.PushFront(requestID)
	} else if q.assumedTotalCount < QueryHeadMinLength {
		q.head.Append(requestID)
	}
}

// resetLocked drops all local state. Callers hold q.mu.
func (q *RequestQueue) resetLocked() {
	q.head.Clear()
	q.inProgress = make(map[string]struct{})
	q.recentlyHandled.Purge()
	q.requestCache.Purge()
	q.assumedTotalCount = 0
	q.assumedHandledCount = 0
	q.lastActivity = q.clock.Now()
}

// deferred schedules fn to run after d unless the instance is dropped
// first. Handlers re-check state under the lock, so firing during or
// after teardown stays harmless.
func (q *RequestQueue) deferred(d time.Duration, fn func()) {
	var t *clock.Timer
	done := make(chan struct{})
	t = q.clock.AfterFunc(d, func() {
		<-done
		q.mu.Lock()
		delete(q.timers, t)
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		fn()
	})

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		close(done)
		t.Stop()
		return
	}
	q.timers[t] = struct{}{}
	q.mu.Unlock()
	close(done)
}

// sleep blocks for d on the queue clock, honoring ctx cancellation.
func (q *RequestQueue) sleep(ctx context.Context, d time.Duration) error {
	t := q.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

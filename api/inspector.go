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
	"encoding/json"

	"github.com/ethereum/go-ethereum/metrics"
	"github.com/holisticode/crawlqueue/storage"
)

// Inspector exposes structured views of queue state for debugging and the
// cli.
type Inspector struct {
	manager *Manager
}

func NewInspector(manager *Manager) *Inspector {
	return &Inspector{manager: manager}
}

// inspectorPageSize is how many requests one listing page covers while
// counting.
const inspectorPageSize = 1000

// QueueReport combines the local coordinator state with what the backing
// store reports for the same queue. Counts come from walking the full
// request listing and are exact, unlike the assumed local counters.
type QueueReport struct {
	Local  storage.Stats             `json:"local"`
	Remote *storage.RequestQueueInfo `json:"store,omitempty"`
	Counts QueueCounts               `json:"counts"`
}

// QueueCounts are exact request counts obtained by paging the store.
type QueueCounts struct {
	Total   int64 `json:"total"`
	Handled int64 `json:"handled"`
	Pending int64 `json:"pending"`
}

// RequestQueue opens the addressed queue and reports both sides of it.
func (i *Inspector) RequestQueue(ctx context.Context, opts OpenOptions) (*QueueReport, error) {
	q, err := i.manager.OpenRequestQueue(ctx, opts)
	if err != nil {
		return nil, err
	}
	report := &QueueReport{Local: q.Stats()}

	info, err := q.Info(ctx)
	if err != nil {
		return nil, err
	}
	report.Remote = info

	counts, err := i.countRequests(ctx, opts, q.ID())
	if err != nil {
		return nil, err
	}
	report.Counts = counts
	return report, nil
}

// countRequests walks the paginated request listing of a queue.
func (i *Inspector) countRequests(ctx context.Context, opts OpenOptions, queueID string) (QueueCounts, error) {
	var counts QueueCounts

	client, _, err := i.manager.client(opts.ForceCloud)
	if err != nil {
		return counts, err
	}
	rq := client.RequestQueue(queueID, "")

	var startID string
	for {
		page, err := rq.ListRequests(ctx, inspectorPageSize, startID)
		if err != nil {
			return counts, err
		}
		if len(page.Items) == 0 {
			return counts, nil
		}
		for _, request := range page.Items {
			counts.Total++
			if request.HandledAt != nil {
				counts.Handled++
			} else {
				counts.Pending++
			}
			startID = request.ID
		}
		if len(page.Items) < inspectorPageSize {
			return counts, nil
		}
	}
}

// RequestQueueJSON renders a queue report for the cli.
func (i *Inspector) RequestQueueJSON(ctx context.Context, opts OpenOptions) (string, error) {
	report, err := i.RequestQueue(ctx, opts)
	if err != nil {
		return "", err
	}
	v, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// Head lists the first limit requests of the addressed queue straight
// from the backing store, without touching coordinator state.
func (i *Inspector) Head(ctx context.Context, opts OpenOptions, limit int) (*storage.QueueHead, error) {
	client, _, err := i.manager.client(opts.ForceCloud)
	if err != nil {
		return nil, err
	}
	info, err := i.manager.resolveQueue(ctx, client, opts)
	if err != nil {
		return nil, err
	}
	return client.RequestQueue(info.ID, "").ListHead(ctx, limit)
}

// OperationCounts returns the process-wide queue operation counters.
func (i *Inspector) OperationCounts() map[string]int64 {
	res := map[string]int64{}
	for _, name := range []string{
		"requestqueue/add",
		"requestqueue/add/cached",
		"requestqueue/addbatch",
		"requestqueue/fetchnext",
		"requestqueue/handled",
		"requestqueue/reclaim",
		"requestqueue/queryhead",
		"requestqueue/reset",
	} {
		res[name] = metrics.GetOrRegisterCounter(name, nil).Count()
	}
	return res
}

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

import "container/list"

// headWindow is the locally buffered prefix of the remote queue: an
// insertion-ordered set of request ids with O(1) pop-oldest, append and
// move-to-oldest. Not safe for concurrent use, the owning queue serializes
// access.
type headWindow struct {
	order *list.List
	index map[string]*list.Element
}

func newHeadWindow() *headWindow {
	return &headWindow{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

func (hw *headWindow) Len() int {
	return len(hw.index)
}

func (hw *headWindow) Has(id string) bool {
	_, ok := hw.index[id]
	return ok
}

// Append inserts id at the newest position. Appending an id already in the
// window leaves its position unchanged.
func (hw *headWindow) Append(id string) {
	if _, ok := hw.index[id]; ok {
		return
	}
	hw.index[id] = hw.order.PushBack(id)
}

// PushFront inserts id at the oldest position so it is dispatched next,
// moving it there if already present.
func (hw *headWindow) PushFront(id string) {
	if el, ok := hw.index[id]; ok {
		hw.order.MoveToFront(el)
		return
	}
	hw.index[id] = hw.order.PushFront(id)
}

// Shift removes and returns the oldest id.
func (hw *headWindow) Shift() (string, bool) {
	el := hw.order.Front()
	if el == nil {
		return "", false
	}
	hw.order.Remove(el)
	id := el.Value.(string)
	delete(hw.index, id)
	return id, true
}

func (hw *headWindow) Clear() {
	hw.order.Init()
	hw.index = make(map[string]*list.Element)
}

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

import "testing"

func TestHeadWindowFIFO(t *testing.T) {
	hw := newHeadWindow()
	for _, id := range []string{"a", "b", "c"} {
		hw.Append(id)
	}
	if hw.Len() != 3 {
		t.Fatalf("got length %d, want 3", hw.Len())
	}
	for _, want := range []string{"a", "b", "c"} {
		id, ok := hw.Shift()
		if !ok || id != want {
			t.Fatalf("got %q/%v, want %q", id, ok, want)
		}
	}
	if _, ok := hw.Shift(); ok {
		t.Error("shift on empty window returned an id")
	}
}

func TestHeadWindowForefront(t *testing.T) {
	hw := newHeadWindow()
	hw.Append("a")
	hw.Append("b")
	hw.PushFront("c")

	id, _ := hw.Shift()
	if id != "c" {
		t.Errorf("got %q, want forefront insert %q first", id, "c")
	}

	// Moving an existing id to the forefront must not duplicate it.
	hw.PushFront("b")
	if hw.Len() != 2 {
		t.Fatalf("got length %d, want 2", hw.Len())
	}
	if id, _ := hw.Shift(); id != "b" {
		t.Errorf("got %q, want moved id %q first", id, "b")
	}
}

func TestHeadWindowAppendIsIdempotent(t *testing.T) {
	hw := newHeadWindow()
	hw.Append("a")
	hw.Append("b")
	hw.Append("a")
	if hw.Len() != 2 {
		t.Errorf("got length %d, want 2", hw.Len())
	}
	if id, _ := hw.Shift(); id != "a" {
		t.Errorf("re-append changed position, got %q first", id)
	}
}

func TestHeadWindowMembershipAndClear(t *testing.T) {
	hw := newHeadWindow()
	hw.Append("a")
	if !hw.Has("a") {
		t.Error("missing appended id")
	}
	if hw.Has("b") {
		t.Error("reported unknown id")
	}
	hw.Clear()
	if hw.Len() != 0 || hw.Has("a") {
		t.Error("clear left entries behind")
	}
}

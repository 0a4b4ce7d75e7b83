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
	"encoding/json"
	"path/filepath"
	"strings"
	"time"
)

// touch records access to a resource directory and, when enabled,
// maintains its __metadata__.json. An empty name keeps the stored name.
func (s *Storage) touch(dir, id, name string, modified bool) {
	now := s.clock.Now()

	s.mu.Lock()
	if s.created == nil {
		s.created = make(map[string]time.Time)
		s.modified = make(map[string]time.Time)
		s.names = make(map[string]string)
	}
	if _, ok := s.created[dir]; !ok {
		s.created[dir] = now
		s.modified[dir] = now
	}
	if modified {
		s.modified[dir] = now
	}
	if name != "" {
		s.names[dir] = name
	}
	s.mu.Unlock()

	if !s.writeMetadata {
		return
	}
	meta, err := s.readQueueMetadata(dir)
	if err != nil || meta == nil {
		meta = &queueMetadata{ID: id, CreatedAt: now}
	}
	meta.AccessedAt = now
	if modified {
		meta.ModifiedAt = now
	}
	if name != "" {
		meta.Name = name
	}
	meta.ItemCount = s.countItems(dir)

	data, err := json.Marshal(meta)
	if err != nil {
		s.logger.Warn("Cannot encode metadata", "dir", dir, "err", err)
		return
	}
	if err := s.fs.WriteFile(filepath.Join(dir, metadataFilename), data); err != nil {
		s.logger.Warn("Cannot write metadata", "dir", dir, "err", err)
	}
}

// times returns the remembered creation and modification time of a
// resource directory, falling back to now for unknown directories.
func (s *Storage) times(dir string) (created, modified time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	created, ok := s.created[dir]
	if !ok {
		created = s.clock.Now()
	}
	modified, ok = s.modified[dir]
	if !ok {
		modified = created
	}
	return created, modified
}

// forget drops the in-memory bookkeeping of a deleted resource. Callers
// hold s.mu.
func (s *Storage) forget(dir string) {
	delete(s.created, dir)
	delete(s.modified, dir)
	delete(s.names, dir)
}

// readQueueMetadata loads a __metadata__.json, or nil when there is none.
func (s *Storage) readQueueMetadata(dir string) (*queueMetadata, error) {
	name := filepath.Join(dir, metadataFilename)
	exists, err := s.fs.FileExists(name)
	if err != nil || !exists {
		return nil, err
	}
	data, err := s.fs.ReadFile(name)
	if err != nil {
		return nil, err
	}
	var meta queueMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// countItems counts the data files of a resource directory.
func (s *Storage) countItems(dir string) int64 {
	names, err := s.fs.ReadDir(dir)
	if err != nil {
		return 0
	}
	var n int64
	for _, name := range names {
		if name == metadataFilename || strings.HasPrefix(name, tempDirPrefix) || strings.HasPrefix(name, oldDirPrefix) {
			continue
		}
		n++
	}
	return n
}

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
	"fmt"
	"path/filepath"
	"strings"
)

// Inputs that survive a purge of the default key-value store.
var protectedInputKeys = []string{"INPUT", "INPUT.json", "INPUT.bin", "INPUT.txt"}

// PurgeDefaults empties the default request queue and the default
// key-value store, preserving the INPUT records. Run at process start so
// every crawl begins with a clean default queue.
func (s *Storage) PurgeDefaults(defaultQueueID, defaultStoreID string) error {
	s.sweepLeftovers(filepath.Join(s.root, requestQueuesDir))
	s.sweepLeftovers(filepath.Join(s.root, keyValueStoresDir))

	if err := s.purgeDir(filepath.Join(s.root, requestQueuesDir, defaultQueueID), nil); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.clients, defaultQueueID)
	s.mu.Unlock()

	return s.purgeDir(filepath.Join(s.root, keyValueStoresDir, defaultStoreID), protectedInputKeys)
}

// purgeDir empties dir while keeping the named files. The directory is
// moved aside first and deleted in the background, so callers are not
// blocked on the slow recursive delete.
func (s *Storage) purgeDir(dir string, keep []string) error {
	exists, err := s.fs.DirExists(dir)
	if err != nil || !exists {
		return err
	}

	lock := s.dirLock(dir)
	lock.Lock()
	defer lock.Unlock()

	parent := filepath.Dir(dir)
	n := s.freeSuffix(parent)
	staging := filepath.Join(parent, fmt.Sprintf("%s%d%s", tempDirPrefix, n, stagingDirSuffix))
	old := filepath.Join(parent, fmt.Sprintf("%s%d%s", oldDirPrefix, n, stagingDirSuffix))

	if err := s.fs.MkdirAll(staging); err != nil {
		return err
	}
	for _, name := range keep {
		kept, err := s.fs.FileExists(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if kept {
			if err := s.fs.Rename(filepath.Join(dir, name), filepath.Join(staging, name)); err != nil {
				return err
			}
		}
	}

	if err := s.fs.Rename(dir, old); err != nil {
		return err
	}
	if err := s.fs.Rename(staging, dir); err != nil {
		return err
	}

	s.mu.Lock()
	s.forget(dir)
	s.mu.Unlock()

	go func() {
		if err := s.fs.RemoveAll(old); err != nil {
			s.logger.Warn("Cannot delete purged directory", "dir", old, "err", err)
		}
	}()
	return nil
}

// sweepLeftovers deletes staging and moved-aside directories a previous
// run left behind, e.g. after a crash mid-purge.
func (s *Storage) sweepLeftovers(parent string) {
	names, err := s.fs.ReadDir(parent)
	if err != nil {
		s.logger.Warn("Cannot list storage directory", "dir", parent, "err", err)
		return
	}
	for _, name := range names {
		if strings.HasPrefix(name, tempDirPrefix) || strings.HasPrefix(name, oldDirPrefix) {
			if err := s.fs.RemoveAll(filepath.Join(parent, name)); err != nil {
				s.logger.Warn("Cannot delete leftover directory", "dir", name, "err", err)
			}
		}
	}
}

// freeSuffix finds an n with neither staging nor old directory taken.
func (s *Storage) freeSuffix(parent string) int {
	for n := 1; ; n++ {
		staging := filepath.Join(parent, fmt.Sprintf("%s%d%s", tempDirPrefix, n, stagingDirSuffix))
		old := filepath.Join(parent, fmt.Sprintf("%s%d%s", oldDirPrefix, n, stagingDirSuffix))
		stagingExists, err := s.fs.DirExists(staging)
		if err != nil {
			return n
		}
		oldExists, err := s.fs.DirExists(old)
		if err != nil {
			return n
		}
		if !stagingExists && !oldExists {
			return n
		}
	}
}

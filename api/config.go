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
	"github.com/holisticode/crawlqueue/storage/apiclient"
)

const (
	DefaultLocalStorageDir = "./storage"
	DefaultRequestQueueID  = "default"
	DefaultKeyValueStoreID = "default"
)

// Config carries everything the storage manager needs. Zero values are
// filled in by NewConfig; flag and TOML overrides happen on top.
type Config struct {
	// LocalStorageDir roots the on-disk emulator.
	LocalStorageDir string

	// PersistStorage keeps local data on disk; false holds everything in
	// memory for the lifetime of the process.
	PersistStorage bool

	// WriteMetadata maintains __metadata__.json files in the emulator.
	WriteMetadata bool

	// DefaultRequestQueueID names the queue used when no id or name is
	// given.
	DefaultRequestQueueID string

	// DefaultKeyValueStoreID names the store used when no id or name is
	// given.
	DefaultKeyValueStoreID string

	// Token authenticates against the remote platform. Without it all
	// storage is local.
	Token string

	// APIBaseURL overrides the remote endpoint, mainly for tests.
	APIBaseURL string

	// ForceCloud opens remote storage even when local storage is
	// configured. Requires Token.
	ForceCloud bool

	// PurgeOnStart empties the default queue and store when the manager
	// is created, sparing INPUT records.
	PurgeOnStart bool
}

// NewConfig creates a config with all parameters set to defaults.
func NewConfig() *Config {
	return &Config{
		LocalStorageDir:        DefaultLocalStorageDir,
		PersistStorage:         true,
		WriteMetadata:          true,
		DefaultRequestQueueID:  DefaultRequestQueueID,
		DefaultKeyValueStoreID: DefaultKeyValueStoreID,
		APIBaseURL:             apiclient.DefaultBaseURL,
	}
}

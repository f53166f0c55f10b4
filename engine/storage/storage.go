// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/pingcap/compmake/pkg/config"
	"github.com/pingcap/compmake/pkg/errors"
)

// Storage is a flat key-value store of opaque blobs. Set must be atomic: a
// reader observes either the old or the new value, never a partial one.
type Storage interface {
	// Get returns ErrStorageKeyNotFound if key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete returns ErrStorageKeyNotFound if key is absent.
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Keys returns the sorted keys matching a glob pattern (*, ? and [...]).
	Keys(ctx context.Context, pattern string) ([]string, error)
	// ReopenAfterFork drops and reacquires process-local handles.
	ReopenAfterFork() error
	Close() error
}

// Locker is implemented by backends that can serialize read-modify-write
// sequences across processes.
type Locker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

// Shareable is implemented by backends that several OS processes may open
// at the same time.
type Shareable interface {
	Shared() bool
}

// IsShared reports whether s can be handed to worker processes.
func IsShared(s Storage) bool {
	sh, ok := s.(Shareable)
	return ok && sh.Shared()
}

// New opens the backend selected by cfg.
func New(ctx context.Context, cfg *config.StorageConfig) (Storage, error) {
	switch cfg.Backend {
	case config.StorageFilesystem:
		return NewFilesystem(cfg.Path)
	case config.StorageLevelDB:
		return NewLevelDB(cfg.Path)
	case config.StorageSQLite:
		return NewSQLite(cfg.Path)
	case config.StorageMySQL:
		return NewMySQL(ctx, cfg.Path)
	case config.StorageEtcd:
		return NewEtcd(ctx, cfg.Endpoints, cfg.DialTimeout)
	case config.StorageMemory:
		return NewMemory(), nil
	}
	return nil, errors.ErrStorageBackendUnknown.GenWithStackByArgs(cfg.Backend)
}

// Match reports whether key matches the glob pattern.
func Match(pattern, key string) (bool, error) {
	ok, err := path.Match(pattern, key)
	if err != nil {
		return false, errors.WrapError(errors.ErrInvalidArgument, err, "bad glob pattern "+pattern)
	}
	return ok, nil
}

// literalPrefix returns the part of pattern before the first meta character,
// usable for prefix scans.
func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, `*?[\`); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

// filterKeys keeps the candidates matching pattern, sorted.
func filterKeys(pattern string, candidates []string) ([]string, error) {
	// Validate the pattern even when there is nothing to match.
	if _, err := Match(pattern, ""); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(candidates))
	for _, k := range candidates {
		ok, _ := path.Match(pattern, k)
		if ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func notFound(key string) error {
	return errors.ErrStorageKeyNotFound.GenWithStackByArgs(key)
}

// IsNotFound reports whether err is a missing-key error.
func IsNotFound(err error) bool {
	return errors.Is(err, errors.ErrStorageKeyNotFound)
}

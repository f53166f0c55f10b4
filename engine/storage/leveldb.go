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
	"sync"

	"github.com/pingcap/compmake/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB stores keys in an embedded leveldb. The database directory is
// locked by the opening process, so it cannot be shared with workers.
type LevelDB struct {
	dir string

	mu sync.RWMutex
	db *leveldb.DB

	lockMu sync.Mutex
}

// NewLevelDB opens (creating if needed) the leveldb at dir.
func NewLevelDB(dir string) (*LevelDB, error) {
	l := &LevelDB{dir: dir}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *LevelDB) open() error {
	option := opt.Options{
		Compression: opt.SnappyCompression,
	}
	db, err := leveldb.OpenFile(l.dir, &option)
	if err != nil {
		return errors.WrapError(errors.ErrStorageOp, err, "open leveldb "+l.dir)
	}
	l.db = db
	return nil
}

func (l *LevelDB) handle() *leveldb.DB {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.db
}

// Get implements Storage.
func (l *LevelDB) Get(_ context.Context, key string) ([]byte, error) {
	v, err := l.handle().Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, errors.WrapError(errors.ErrStorageOp, err, "get "+key)
	}
	return v, nil
}

// Set implements Storage. A synced single put is atomic in leveldb.
func (l *LevelDB) Set(_ context.Context, key string, value []byte) error {
	err := l.handle().Put([]byte(key), value, &opt.WriteOptions{Sync: true})
	return errors.WrapError(errors.ErrStorageOp, err, "set "+key)
}

// Delete implements Storage.
func (l *LevelDB) Delete(ctx context.Context, key string) error {
	ok, err := l.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(key)
	}
	err = l.handle().Delete([]byte(key), &opt.WriteOptions{Sync: true})
	return errors.WrapError(errors.ErrStorageOp, err, "delete "+key)
}

// Exists implements Storage.
func (l *LevelDB) Exists(_ context.Context, key string) (bool, error) {
	ok, err := l.handle().Has([]byte(key), nil)
	if err != nil {
		return false, errors.WrapError(errors.ErrStorageOp, err, "exists "+key)
	}
	return ok, nil
}

// Keys implements Storage.
func (l *LevelDB) Keys(_ context.Context, pattern string) ([]string, error) {
	iter := l.handle().NewIterator(util.BytesPrefix([]byte(literalPrefix(pattern))), nil)
	defer iter.Release()
	var keys []string
	for iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, errors.WrapError(errors.ErrStorageOp, err, "keys "+pattern)
	}
	return filterKeys(pattern, keys)
}

// Lock implements Locker. Only this process can open the database, so an
// in-process mutex is enough.
func (l *LevelDB) Lock(_ context.Context) (func(), error) {
	l.lockMu.Lock()
	return l.lockMu.Unlock, nil
}

// ReopenAfterFork implements Storage.
func (l *LevelDB) ReopenAfterFork() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.db.Close(); err != nil {
		return errors.WrapError(errors.ErrStorageOp, err, "close leveldb "+l.dir)
	}
	return l.open()
}

// Close implements Storage.
func (l *LevelDB) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return errors.WrapError(errors.ErrStorageOp, l.db.Close(), "close leveldb "+l.dir)
}

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

package jobdb

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pingcap/compmake/engine/model"
	"github.com/pingcap/compmake/engine/storage"
	"github.com/pingcap/compmake/pkg/errors"
	perrors "github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const defaultJobCacheSize = 4096

// DB gives typed access to the records of one namespace.
type DB struct {
	store     storage.Storage
	namespace string

	// jobs caches decoded job definitions, keyed by job id.
	jobs *lru.Cache

	// graphMu serializes edge updates of this process. The storage lock
	// extends the exclusion to other processes.
	graphMu sync.Mutex
}

// New wraps store. cacheSize bounds the number of cached job definitions.
func New(store storage.Storage, namespace string, cacheSize int) (*DB, error) {
	if cacheSize <= 0 {
		cacheSize = defaultJobCacheSize
	}
	jobs, err := lru.New(cacheSize)
	if err != nil {
		return nil, perrors.Trace(err)
	}
	return &DB{store: store, namespace: namespace, jobs: jobs}, nil
}

// Namespace returns the namespace of the records.
func (db *DB) Namespace() string {
	return db.namespace
}

// Storage returns the underlying store.
func (db *DB) Storage() storage.Storage {
	return db.store
}

func (db *DB) key(kind model.RecordKind, jobID string) string {
	return model.Key(db.namespace, kind, jobID)
}

// GetJob returns a copy of the definition of jobID.
func (db *DB) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	if cached, ok := db.jobs.Get(jobID); ok {
		return cached.(*model.Job).Clone(), nil
	}
	data, err := db.store.Get(ctx, db.key(model.KindJob, jobID))
	if storage.IsNotFound(err) {
		return nil, errors.ErrJobNotFound.GenWithStackByArgs(jobID)
	}
	if err != nil {
		return nil, err
	}
	job := &model.Job{}
	if err := model.Unmarshal(data, job); err != nil {
		return nil, errors.WrapError(errors.ErrDecodeRecord, err, model.KindJob, jobID)
	}
	db.jobs.Add(jobID, job)
	return job.Clone(), nil
}

// SetJob stores a job definition.
func (db *DB) SetJob(ctx context.Context, job *model.Job) error {
	data, err := model.Marshal(job)
	if err != nil {
		return errors.WrapError(errors.ErrEncodeRecord, err, model.KindJob, job.JobID)
	}
	// Drop the cached copy first, so a failed write cannot leave it stale.
	db.jobs.Remove(job.JobID)
	if err := db.store.Set(ctx, db.key(model.KindJob, job.JobID), data); err != nil {
		return err
	}
	db.jobs.Add(job.JobID, job.Clone())
	return nil
}

// DeleteJob removes a job definition. It does not touch other records.
func (db *DB) DeleteJob(ctx context.Context, jobID string) error {
	db.jobs.Remove(jobID)
	err := db.store.Delete(ctx, db.key(model.KindJob, jobID))
	if storage.IsNotFound(err) {
		return errors.ErrJobNotFound.GenWithStackByArgs(jobID)
	}
	return err
}

// JobExists reports whether jobID is defined.
func (db *DB) JobExists(ctx context.Context, jobID string) (bool, error) {
	if db.jobs.Contains(jobID) {
		return true, nil
	}
	return db.store.Exists(ctx, db.key(model.KindJob, jobID))
}

// AllJobs returns the sorted ids of every defined job.
func (db *DB) AllJobs(ctx context.Context) ([]string, error) {
	return db.idsOf(ctx, model.KindJob)
}

// JobsWithRecord returns the sorted ids that have a record of kind.
func (db *DB) JobsWithRecord(ctx context.Context, kind model.RecordKind) ([]string, error) {
	return db.idsOf(ctx, kind)
}

func (db *DB) idsOf(ctx context.Context, kind model.RecordKind) ([]string, error) {
	keys, err := db.store.Keys(ctx, model.KeyPattern(db.namespace, kind))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if id, ok := model.JobIDFromKey(db.namespace, kind, k); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// GetCache returns the cache of jobID, a fresh NOT_STARTED cache if the job
// has none.
func (db *DB) GetCache(ctx context.Context, jobID string) (*model.Cache, error) {
	data, err := db.store.Get(ctx, db.key(model.KindCache, jobID))
	if storage.IsNotFound(err) {
		return model.NewCache(), nil
	}
	if err != nil {
		return nil, err
	}
	c := &model.Cache{}
	if err := model.Unmarshal(data, c); err != nil {
		return nil, errors.WrapError(errors.ErrDecodeRecord, err, model.KindCache, jobID)
	}
	return c, nil
}

// SetCache stores the cache of jobID.
func (db *DB) SetCache(ctx context.Context, jobID string, c *model.Cache) error {
	data, err := model.Marshal(c)
	if err != nil {
		return errors.WrapError(errors.ErrEncodeRecord, err, model.KindCache, jobID)
	}
	return db.store.Set(ctx, db.key(model.KindCache, jobID), data)
}

// CacheExists reports whether a cache was persisted for jobID.
func (db *DB) CacheExists(ctx context.Context, jobID string) (bool, error) {
	return db.store.Exists(ctx, db.key(model.KindCache, jobID))
}

// GetUserObject returns the result of jobID.
func (db *DB) GetUserObject(ctx context.Context, jobID string) (model.Value, error) {
	return db.getValue(ctx, model.KindUserObject, jobID)
}

// SetUserObject stores the result of jobID. A value that cannot be encoded
// yields ErrSerialization.
func (db *DB) SetUserObject(ctx context.Context, jobID string, v model.Value) error {
	return db.setValue(ctx, model.KindUserObject, jobID, v)
}

// UserObjectExists reports whether jobID has a result.
func (db *DB) UserObjectExists(ctx context.Context, jobID string) (bool, error) {
	return db.store.Exists(ctx, db.key(model.KindUserObject, jobID))
}

// GetTmpObject returns the partial result of an interrupted step command.
func (db *DB) GetTmpObject(ctx context.Context, jobID string) (model.Value, error) {
	return db.getValue(ctx, model.KindTmpObject, jobID)
}

// SetTmpObject stores a partial result.
func (db *DB) SetTmpObject(ctx context.Context, jobID string, v model.Value) error {
	return db.setValue(ctx, model.KindTmpObject, jobID, v)
}

// TmpObjectExists reports whether jobID has a partial result.
func (db *DB) TmpObjectExists(ctx context.Context, jobID string) (bool, error) {
	return db.store.Exists(ctx, db.key(model.KindTmpObject, jobID))
}

func (db *DB) getValue(ctx context.Context, kind model.RecordKind, jobID string) (model.Value, error) {
	data, err := db.store.Get(ctx, db.key(kind, jobID))
	if err != nil {
		return model.Value{}, err
	}
	var v model.Value
	if err := model.Unmarshal(data, &v); err != nil {
		return model.Value{}, errors.WrapError(errors.ErrDecodeRecord, err, kind, jobID)
	}
	return v, nil
}

func (db *DB) setValue(ctx context.Context, kind model.RecordKind, jobID string, v model.Value) error {
	data, err := model.Marshal(v)
	if err != nil {
		return errors.WrapError(errors.ErrSerialization, err, jobID)
	}
	return db.store.Set(ctx, db.key(kind, jobID), data)
}

// DeleteRecords removes the given kinds of records of jobID, skipping the
// absent ones.
func (db *DB) DeleteRecords(ctx context.Context, jobID string, kinds ...model.RecordKind) error {
	for _, kind := range kinds {
		if kind == model.KindJob {
			db.jobs.Remove(jobID)
		}
		err := db.store.Delete(ctx, db.key(kind, jobID))
		if err != nil && !storage.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// DeleteResults removes the cache, user object and tmp object of jobID, which
// makes it NOT_STARTED again.
func (db *DB) DeleteResults(ctx context.Context, jobID string) error {
	return db.DeleteRecords(ctx, jobID, model.KindUserObject, model.KindTmpObject, model.KindCache)
}

// UpdateGraph runs fn while holding the graph lock. Edge updates (parents
// and children of several jobs, definition records) must go through it.
func (db *DB) UpdateGraph(ctx context.Context, fn func() error) error {
	db.graphMu.Lock()
	defer db.graphMu.Unlock()

	if locker, ok := db.store.(storage.Locker); ok {
		unlock, err := locker.Lock(ctx)
		if err != nil {
			return err
		}
		defer unlock()
	}
	if storage.IsShared(db.store) {
		// Another process may have rewritten definitions since we cached them.
		db.jobs.Purge()
	}
	return fn()
}

// PurgeJobCache forgets every cached definition, e.g. after a worker process
// may have defined or deleted jobs.
func (db *DB) PurgeJobCache() {
	db.jobs.Purge()
}

// ReopenAfterFork reacquires the storage handles of a worker process.
func (db *DB) ReopenAfterFork() error {
	db.jobs.Purge()
	if err := db.store.ReopenAfterFork(); err != nil {
		log.Warn("reopen storage failed", zap.String("namespace", db.namespace), zap.Error(err))
		return err
	}
	return nil
}

// Close closes the underlying store.
func (db *DB) Close() error {
	db.jobs.Purge()
	return db.store.Close()
}

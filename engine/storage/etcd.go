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
	"time"

	"github.com/pingcap/compmake/pkg/errors"
	"github.com/pingcap/log"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

const (
	etcdLockKey    = "/compmake/lock"
	etcdSessionTTL = 10 // seconds

	defaultEtcdDialTimeout = 5 * time.Second
)

// Etcd stores keys in an etcd cluster, so several machines can share one
// job database.
type Etcd struct {
	endpoints   []string
	dialTimeout time.Duration

	mu  sync.RWMutex
	cli *clientv3.Client
}

// NewEtcd connects to the given endpoints. The client outlives ctx, which
// only bounds the initial connection check.
func NewEtcd(ctx context.Context, endpoints []string, dialTimeout time.Duration) (*Etcd, error) {
	if dialTimeout <= 0 {
		dialTimeout = defaultEtcdDialTimeout
	}
	e := &Etcd{endpoints: endpoints, dialTimeout: dialTimeout}
	if err := e.connect(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if _, err := e.cli.Get(ctx, etcdLockKey, clientv3.WithCountOnly()); err != nil {
		_ = e.cli.Close()
		return nil, errors.WrapError(errors.ErrStorageOp, err, "connect etcd")
	}
	return e, nil
}

func (e *Etcd) connect() error {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   e.endpoints,
		DialTimeout: e.dialTimeout,
	})
	if err != nil {
		return errors.WrapError(errors.ErrStorageOp, err, "connect etcd")
	}
	e.cli = cli
	return nil
}

func (e *Etcd) client() *clientv3.Client {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cli
}

// Get implements Storage.
func (e *Etcd) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := e.client().Get(ctx, key)
	if err != nil {
		return nil, errors.WrapError(errors.ErrStorageOp, err, "get "+key)
	}
	if len(resp.Kvs) == 0 {
		return nil, notFound(key)
	}
	return resp.Kvs[0].Value, nil
}

// Set implements Storage.
func (e *Etcd) Set(ctx context.Context, key string, value []byte) error {
	_, err := e.client().Put(ctx, key, string(value))
	return errors.WrapError(errors.ErrStorageOp, err, "set "+key)
}

// Delete implements Storage.
func (e *Etcd) Delete(ctx context.Context, key string) error {
	resp, err := e.client().Delete(ctx, key)
	if err != nil {
		return errors.WrapError(errors.ErrStorageOp, err, "delete "+key)
	}
	if resp.Deleted == 0 {
		return notFound(key)
	}
	return nil
}

// Exists implements Storage.
func (e *Etcd) Exists(ctx context.Context, key string) (bool, error) {
	resp, err := e.client().Get(ctx, key, clientv3.WithCountOnly())
	if err != nil {
		return false, errors.WrapError(errors.ErrStorageOp, err, "exists "+key)
	}
	return resp.Count > 0, nil
}

// Keys implements Storage.
func (e *Etcd) Keys(ctx context.Context, pattern string) ([]string, error) {
	prefix := literalPrefix(pattern)
	opts := []clientv3.OpOption{clientv3.WithKeysOnly()}
	if prefix == "" {
		opts = append(opts, clientv3.WithFromKey())
		prefix = "\x00"
	} else {
		opts = append(opts, clientv3.WithPrefix())
	}
	resp, err := e.client().Get(ctx, prefix, opts...)
	if err != nil {
		return nil, errors.WrapError(errors.ErrStorageOp, err, "keys "+pattern)
	}
	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, string(kv.Key))
	}
	return filterKeys(pattern, keys)
}

// Lock implements Locker with an etcd mutex. Each holder gets its own
// session since a mutex is reentrant within one session.
func (e *Etcd) Lock(ctx context.Context) (func(), error) {
	session, err := concurrency.NewSession(e.client(), concurrency.WithTTL(etcdSessionTTL))
	if err != nil {
		return nil, errors.WrapError(errors.ErrStorageOp, err, "create etcd session")
	}
	mutex := concurrency.NewMutex(session, etcdLockKey)
	if err := mutex.Lock(ctx); err != nil {
		_ = session.Close()
		return nil, errors.WrapError(errors.ErrStorageOp, err, "lock")
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.dialTimeout)
		defer cancel()
		if err := mutex.Unlock(ctx); err != nil {
			log.Warn("failed to release etcd lock", zap.Error(err))
		}
		if err := session.Close(); err != nil {
			log.Warn("failed to close etcd session", zap.Error(err))
		}
	}, nil
}

// Shared implements Shareable.
func (e *Etcd) Shared() bool { return true }

// ReopenAfterFork implements Storage.
func (e *Etcd) ReopenAfterFork() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.closeLocked(); err != nil {
		return err
	}
	return e.connect()
}

// Close implements Storage.
func (e *Etcd) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeLocked()
}

func (e *Etcd) closeLocked() error {
	return errors.WrapError(errors.ErrStorageOp, e.cli.Close(), "close etcd")
}

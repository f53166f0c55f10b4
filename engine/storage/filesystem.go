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
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pingcap/compmake/pkg/errors"
	perrors "github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	tmpFilePrefix = ".tmp-"
	lockFileName  = ".lock"

	// a lock older than this is considered abandoned by a dead process.
	staleLockInterval = 10 * time.Second
)

// Filesystem stores one file per key inside a directory.
type Filesystem struct {
	dir string
}

// NewFilesystem opens (creating if needed) the store rooted at dir.
func NewFilesystem(dir string) (*Filesystem, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WrapError(errors.ErrStorageOp, err, "mkdir "+dir)
	}
	return &Filesystem{dir: dir}, nil
}

// Dir returns the root directory.
func (f *Filesystem) Dir() string {
	return f.dir
}

func (f *Filesystem) filename(key string) string {
	return filepath.Join(f.dir, url.PathEscape(key))
}

// Get implements Storage.
func (f *Filesystem) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.filename(key))
	if os.IsNotExist(err) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, errors.WrapError(errors.ErrStorageOp, err, "get "+key)
	}
	return data, nil
}

// Set implements Storage. The value is written to a temporary file which is
// synced and then renamed over the target.
func (f *Filesystem) Set(_ context.Context, key string, value []byte) error {
	tmp := filepath.Join(f.dir, tmpFilePrefix+uuid.NewString())
	if err := writeFileSync(tmp, value); err != nil {
		_ = os.Remove(tmp)
		return errors.WrapError(errors.ErrStorageOp, err, "set "+key)
	}

	failpoint.Inject("FilesystemSetBeforeRename", func() {
		failpoint.Return(errors.ErrStorageOp.GenWithStackByArgs("set " + key))
	})

	if err := os.Rename(tmp, f.filename(key)); err != nil {
		_ = os.Remove(tmp)
		return errors.WrapError(errors.ErrStorageOp, err, "set "+key)
	}
	return nil
}

func writeFileSync(name string, data []byte) error {
	file, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return perrors.Trace(err)
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return perrors.Trace(err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return perrors.Trace(err)
	}
	return perrors.Trace(file.Close())
}

// Delete implements Storage.
func (f *Filesystem) Delete(_ context.Context, key string) error {
	err := os.Remove(f.filename(key))
	if os.IsNotExist(err) {
		return notFound(key)
	}
	if err != nil {
		return errors.WrapError(errors.ErrStorageOp, err, "delete "+key)
	}
	return nil
}

// Exists implements Storage.
func (f *Filesystem) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(f.filename(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.WrapError(errors.ErrStorageOp, err, "exists "+key)
	}
	return true, nil
}

// Keys implements Storage.
func (f *Filesystem) Keys(_ context.Context, pattern string) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, errors.WrapError(errors.ErrStorageOp, err, "keys "+pattern)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		key, err := url.PathUnescape(name)
		if err != nil {
			log.Warn("ignore unexpected file in storage directory",
				zap.String("dir", f.dir), zap.String("name", name))
			continue
		}
		keys = append(keys, key)
	}
	return filterKeys(pattern, keys)
}

// Lock implements Locker with an exclusive lock file. A lock left behind by
// a dead process is removed once it is older than staleLockInterval.
func (f *Filesystem) Lock(ctx context.Context) (func(), error) {
	lockPath := filepath.Join(f.dir, lockFileName)
	startTime := time.Now()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond
	bo.MaxInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o666)
		if os.IsExist(err) {
			if info, statErr := os.Stat(lockPath); statErr == nil &&
				time.Since(info.ModTime()) > staleLockInterval && time.Since(startTime) > staleLockInterval {
				log.Warn("remove stale storage lock", zap.String("path", lockPath))
				_ = os.Remove(lockPath)
			}
			return perrors.Trace(err)
		} else if err != nil {
			return backoff.Permanent(err)
		}
		// It is the file itself that we need.
		if err := lockFile.Close(); err != nil {
			log.Warn("Failed to close lockFile", zap.String("path", lockPath))
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, errors.WrapError(errors.ErrStorageOp, err, "lock "+lockPath)
	}
	return func() {
		if err := os.Remove(lockPath); err != nil {
			log.Warn("failed to release storage lock", zap.String("path", lockPath), zap.Error(err))
		}
	}, nil
}

// Shared implements Shareable.
func (f *Filesystem) Shared() bool { return true }

// ReopenAfterFork implements Storage. No handle is kept open.
func (f *Filesystem) ReopenAfterFork() error { return nil }

// Close implements Storage.
func (f *Filesystem) Close() error { return nil }

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
	"strings"
	"sync"

	"github.com/glebarez/sqlite"
	"github.com/pingcap/compmake/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const sqliteBusyTimeoutPragma = "_pragma=busy_timeout(5000)"

// kvEntry is the single table of the sqlite backend.
type kvEntry struct {
	Key   string `gorm:"column:kv_key;type:varchar(512);primaryKey"`
	Value []byte `gorm:"column:kv_value;type:blob"`
}

// TableName implements gorm's Tabler.
func (kvEntry) TableName() string {
	return "compmake_kv"
}

// SQLite stores keys in one sqlite table. Keys uses the GLOB operator, whose
// syntax matches the one of Storage.Keys.
type SQLite struct {
	dsn string

	mu sync.RWMutex
	db *gorm.DB

	lockMu sync.Mutex
}

// NewSQLite opens the database at dsn, a file path or a sqlite URI.
func NewSQLite(dsn string) (*SQLite, error) {
	if !strings.Contains(dsn, "busy_timeout") {
		if strings.Contains(dsn, "?") {
			dsn += "&" + sqliteBusyTimeoutPragma
		} else {
			dsn += "?" + sqliteBusyTimeoutPragma
		}
	}
	s := &SQLite{dsn: dsn}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLite) open() error {
	db, err := gorm.Open(sqlite.Open(s.dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.L().Error("create gorm client fail", zap.String("dsn", s.dsn), zap.Error(err))
		return errors.WrapError(errors.ErrStorageOp, err, "open sqlite")
	}
	if err := db.AutoMigrate(&kvEntry{}); err != nil {
		return errors.WrapError(errors.ErrStorageOp, err, "migrate sqlite")
	}
	s.db = db
	return nil
}

func (s *SQLite) handle(ctx context.Context) *gorm.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.WithContext(ctx)
}

// Get implements Storage.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var entries []kvEntry
	err := s.handle(ctx).Where("kv_key = ?", key).Limit(1).Find(&entries).Error
	if err != nil {
		return nil, errors.WrapError(errors.ErrStorageOp, err, "get "+key)
	}
	if len(entries) == 0 {
		return nil, notFound(key)
	}
	return entries[0].Value, nil
}

// Set implements Storage.
func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	err := s.handle(ctx).Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&kvEntry{Key: key, Value: value}).Error
	return errors.WrapError(errors.ErrStorageOp, err, "set "+key)
}

// Delete implements Storage.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	res := s.handle(ctx).Where("kv_key = ?", key).Delete(&kvEntry{})
	if res.Error != nil {
		return errors.WrapError(errors.ErrStorageOp, res.Error, "delete "+key)
	}
	if res.RowsAffected == 0 {
		return notFound(key)
	}
	return nil
}

// Exists implements Storage.
func (s *SQLite) Exists(ctx context.Context, key string) (bool, error) {
	var cnt int64
	err := s.handle(ctx).Model(&kvEntry{}).Where("kv_key = ?", key).Count(&cnt).Error
	if err != nil {
		return false, errors.WrapError(errors.ErrStorageOp, err, "exists "+key)
	}
	return cnt > 0, nil
}

// Keys implements Storage.
func (s *SQLite) Keys(ctx context.Context, pattern string) ([]string, error) {
	if _, err := Match(pattern, ""); err != nil {
		return nil, err
	}
	var keys []string
	err := s.handle(ctx).Model(&kvEntry{}).
		Where("kv_key GLOB ?", pattern).
		Order("kv_key").
		Pluck("kv_key", &keys).Error
	if err != nil {
		return nil, errors.WrapError(errors.ErrStorageOp, err, "keys "+pattern)
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

// Lock implements Locker for the connections of this process; sqlite's own
// locking serializes writers of different processes.
func (s *SQLite) Lock(_ context.Context) (func(), error) {
	s.lockMu.Lock()
	return s.lockMu.Unlock, nil
}

// Shared implements Shareable. In-memory databases live in one process.
func (s *SQLite) Shared() bool {
	return !strings.Contains(s.dsn, "mode=memory") && !strings.HasPrefix(s.dsn, ":memory:")
}

// ReopenAfterFork implements Storage.
func (s *SQLite) ReopenAfterFork() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.closeLocked(); err != nil {
		return err
	}
	return s.open()
}

// Close implements Storage.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *SQLite) closeLocked() error {
	return closeGorm(s.db, "sqlite")
}

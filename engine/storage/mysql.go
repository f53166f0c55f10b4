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
	"database/sql"
	"strings"
	"sync"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/pingcap/compmake/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// mysqlLockTimeoutSec bounds one GET_LOCK call; Lock retries until ctx is done.
const mysqlLockTimeoutSec = 10

// MySQL stores keys in one table of a mysql-compatible database. Several
// machines may share it, so Lock takes a named server lock.
type MySQL struct {
	dsn      string
	lockName string

	mu sync.RWMutex
	db *gorm.DB
}

// NewMySQL connects to dsn, in go-sql-driver format, and creates the table.
func NewMySQL(ctx context.Context, dsn string) (*MySQL, error) {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return nil, errors.WrapError(errors.ErrConfigInvalid, err, "bad mysql dsn")
	}
	if cfg.DBName == "" {
		return nil, errors.ErrConfigInvalid.GenWithStackByArgs("mysql dsn has no database")
	}
	sqlDB, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, errors.WrapError(errors.ErrStorageOp, err, "open mysql")
	}
	m, err := newMySQL(sqlDB, cfg.DBName, false)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	m.dsn = cfg.FormatDSN()
	if err := m.initialize(ctx); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

func newMySQL(sqlDB *sql.DB, dbName string, skipVersion bool) (*MySQL, error) {
	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: skipVersion,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.L().Error("create gorm client fail", zap.Error(err))
		return nil, errors.WrapError(errors.ErrStorageOp, err, "open mysql")
	}
	return &MySQL{db: db, lockName: "compmake." + dbName}, nil
}

func (m *MySQL) initialize(ctx context.Context) error {
	if err := m.handle(ctx).AutoMigrate(&kvEntry{}); err != nil {
		return errors.WrapError(errors.ErrStorageOp, err, "migrate mysql")
	}
	return nil
}

func (m *MySQL) handle(ctx context.Context) *gorm.DB {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.db.WithContext(ctx)
}

// Get implements Storage.
func (m *MySQL) Get(ctx context.Context, key string) ([]byte, error) {
	var entries []kvEntry
	err := m.handle(ctx).Where("kv_key = ?", key).Limit(1).Find(&entries).Error
	if err != nil {
		return nil, errors.WrapError(errors.ErrStorageOp, err, "get "+key)
	}
	if len(entries) == 0 {
		return nil, notFound(key)
	}
	return entries[0].Value, nil
}

// Set implements Storage.
func (m *MySQL) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	err := m.handle(ctx).Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&kvEntry{Key: key, Value: value}).Error
	return errors.WrapError(errors.ErrStorageOp, err, "set "+key)
}

// Delete implements Storage.
func (m *MySQL) Delete(ctx context.Context, key string) error {
	res := m.handle(ctx).Where("kv_key = ?", key).Delete(&kvEntry{})
	if res.Error != nil {
		return errors.WrapError(errors.ErrStorageOp, res.Error, "delete "+key)
	}
	if res.RowsAffected == 0 {
		return notFound(key)
	}
	return nil
}

// Exists implements Storage.
func (m *MySQL) Exists(ctx context.Context, key string) (bool, error) {
	var cnt int64
	err := m.handle(ctx).Model(&kvEntry{}).Where("kv_key = ?", key).Count(&cnt).Error
	if err != nil {
		return false, errors.WrapError(errors.ErrStorageOp, err, "exists "+key)
	}
	return cnt > 0, nil
}

// Keys implements Storage. The server narrows by the literal prefix of the
// pattern and the glob is applied here.
func (m *MySQL) Keys(ctx context.Context, pattern string) ([]string, error) {
	if _, err := Match(pattern, ""); err != nil {
		return nil, err
	}
	var keys []string
	err := m.handle(ctx).Model(&kvEntry{}).
		Where("kv_key LIKE ?", escapeLike(literalPrefix(pattern))+"%").
		Order("kv_key").
		Pluck("kv_key", &keys).Error
	if err != nil {
		return nil, errors.WrapError(errors.ErrStorageOp, err, "keys "+pattern)
	}
	return filterKeys(pattern, keys)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Lock implements Locker with GET_LOCK, held by a dedicated connection until
// unlock is called.
func (m *MySQL) Lock(ctx context.Context) (func(), error) {
	sqlDB, err := m.handle(ctx).DB()
	if err != nil {
		return nil, errors.WrapError(errors.ErrStorageOp, err, "lock")
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, errors.WrapError(errors.ErrStorageOp, err, "lock")
	}
	for {
		var got sql.NullInt64
		err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", m.lockName, mysqlLockTimeoutSec).Scan(&got)
		if err != nil {
			_ = conn.Close()
			return nil, errors.WrapError(errors.ErrStorageOp, err, "lock")
		}
		if got.Valid && got.Int64 == 1 {
			break
		}
		log.Warn("waiting for mysql storage lock", zap.String("lock", m.lockName))
		if ctx.Err() != nil {
			_ = conn.Close()
			return nil, errors.WrapError(errors.ErrStorageOp, ctx.Err(), "lock")
		}
	}
	return func() {
		var released sql.NullInt64
		err := conn.QueryRowContext(context.Background(), "SELECT RELEASE_LOCK(?)", m.lockName).Scan(&released)
		if err != nil {
			log.Warn("release mysql storage lock failed", zap.String("lock", m.lockName), zap.Error(err))
		}
		_ = conn.Close()
	}, nil
}

// Shared implements Shareable.
func (m *MySQL) Shared() bool {
	return true
}

// ReopenAfterFork implements Storage. A store built on a caller's
// connection has nothing to reopen.
func (m *MySQL) ReopenAfterFork() error {
	if m.dsn == "" {
		return nil
	}
	sqlDB, err := sql.Open("mysql", m.dsn)
	if err != nil {
		return errors.WrapError(errors.ErrStorageOp, err, "reopen mysql")
	}
	fresh, err := newMySQL(sqlDB, "", false)
	if err != nil {
		_ = sqlDB.Close()
		return err
	}
	m.mu.Lock()
	old := m.db
	m.db = fresh.db
	m.mu.Unlock()
	return closeGorm(old, "mysql")
}

// Close implements Storage.
func (m *MySQL) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return closeGorm(m.db, "mysql")
}

func closeGorm(db *gorm.DB, name string) error {
	sqlDB, err := db.DB()
	if err != nil {
		return errors.WrapError(errors.ErrStorageOp, err, "close "+name)
	}
	return errors.WrapError(errors.ErrStorageOp, sqlDB.Close(), "close "+name)
}

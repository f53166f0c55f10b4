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
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pingcap/compmake/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newMockMySQL(t *testing.T) (*MySQL, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	m, err := newMySQL(sqlDB, "jobs", true)
	require.NoError(t, err)
	return m, mock
}

func TestMySQLOperations(t *testing.T) {
	t.Parallel()

	m, mock := newMockMySQL(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO `compmake_kv` .* ON DUPLICATE KEY UPDATE").
		WithArgs("ns:job:a", []byte("1")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, m.Set(ctx, "ns:job:a", []byte("1")))

	mock.ExpectQuery("SELECT \\* FROM `compmake_kv` WHERE kv_key = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"kv_key", "kv_value"}).AddRow("ns:job:a", []byte("1")))
	v, err := m.Get(ctx, "ns:job:a")
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	mock.ExpectQuery("SELECT \\* FROM `compmake_kv` WHERE kv_key = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"kv_key", "kv_value"}))
	_, err = m.Get(ctx, "ns:job:b")
	require.True(t, IsNotFound(err), err)

	mock.ExpectQuery("SELECT count\\(\\*\\) FROM `compmake_kv` WHERE kv_key = \\?").
		WithArgs("ns:job:a").
		WillReturnRows(sqlmock.NewRows([]string{"count(*)"}).AddRow(1))
	ok, err := m.Exists(ctx, "ns:job:a")
	require.NoError(t, err)
	require.True(t, ok)

	mock.ExpectQuery("SELECT `kv_key` FROM `compmake_kv` WHERE kv_key LIKE \\?").
		WithArgs("ns:job:%").
		WillReturnRows(sqlmock.NewRows([]string{"kv_key"}).
			AddRow("ns:job:a").AddRow("ns:job:b").AddRow("ns:job:with:colon"))
	keys, err := m.Keys(ctx, "ns:job:?")
	require.NoError(t, err)
	require.Equal(t, []string{"ns:job:a", "ns:job:b"}, keys)

	mock.ExpectExec("DELETE FROM `compmake_kv` WHERE kv_key = \\?").
		WithArgs("ns:job:a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, m.Delete(ctx, "ns:job:a"))
	mock.ExpectExec("DELETE FROM `compmake_kv` WHERE kv_key = \\?").
		WithArgs("ns:job:a").
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.True(t, IsNotFound(m.Delete(ctx, "ns:job:a")))

	_, err = m.Keys(ctx, "ns:[")
	require.True(t, errors.Is(err, errors.ErrInvalidArgument))

	require.True(t, IsShared(m))
	require.NoError(t, m.ReopenAfterFork())

	mock.ExpectClose()
	require.NoError(t, m.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLLock(t *testing.T) {
	t.Parallel()

	m, mock := newMockMySQL(t)
	ctx := context.Background()

	// The first attempt times out on the server, the second one succeeds.
	mock.ExpectQuery("SELECT GET_LOCK").
		WithArgs("compmake.jobs", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"GET_LOCK"}).AddRow(0))
	mock.ExpectQuery("SELECT GET_LOCK").
		WithArgs("compmake.jobs", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"GET_LOCK"}).AddRow(1))
	mock.ExpectQuery("SELECT RELEASE_LOCK").
		WithArgs("compmake.jobs").
		WillReturnRows(sqlmock.NewRows([]string{"RELEASE_LOCK"}).AddRow(1))

	unlock, err := m.Lock(ctx)
	require.NoError(t, err)
	unlock()

	mock.ExpectClose()
	require.NoError(t, m.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLBadDSN(t *testing.T) {
	t.Parallel()

	cases := []string{
		"not a dsn",
		"root@tcp(127.0.0.1:3306)/",
	}
	for _, dsn := range cases {
		_, err := NewMySQL(context.Background(), dsn)
		require.True(t, errors.Is(err, errors.ErrConfigInvalid), "%s: %v", dsn, err)
	}
}

func TestEscapeLike(t *testing.T) {
	t.Parallel()

	require.Equal(t, `ns:job\_1\%`, escapeLike("ns:job_1%"))
	require.Equal(t, `a\\b`, escapeLike(`a\b`))
}

package userstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"follow-export/server/internal/model"
)

func user(id, handle, name string) model.PersistedUser {
	raw, _ := json.Marshal(map[string]any{"rest_id": id, "legacy": map[string]any{"screen_name": handle, "name": name}})
	return model.PersistedUser{
		RestID:  id,
		Handle:  handle,
		Profile: &model.Profile{Name: name, Handle: handle},
		Raw:     raw,
	}
}

// forEachStore 对两种实现跑同一组契约测试。
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewInMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "users.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func TestUpsertLastWriteWins(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.Upsert(ctx, []model.PersistedUser{user("1", "a", "A1")}))
		require.NoError(t, s.Upsert(ctx, []model.PersistedUser{user("1", "a", "A2")}))

		got, err := s.Get(ctx, "1")
		require.NoError(t, err)
		require.Equal(t, "A2", got.Profile.Name)

		// 再次写入同一条：最终状态不变
		require.NoError(t, s.Upsert(ctx, []model.PersistedUser{user("1", "a", "A2")}))
		got, err = s.LookupByHandle(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, "A2", got.Profile.Name)

		n, err := s.Count(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})
}

func TestUpsertWithinBatchAppliesInOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Upsert(ctx, []model.PersistedUser{user("1", "a", "first"), user("1", "a", "second")}))

		got, err := s.Get(ctx, "1")
		require.NoError(t, err)
		require.Equal(t, "second", got.Profile.Name)
	})
}

func TestLookupByHandleMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		got, err := s.LookupByHandle(context.Background(), "nobody")
		require.NoError(t, err)
		require.Nil(t, got)
	})
}

func TestLookupByHandleCollisionLastWriteWins(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Upsert(ctx, []model.PersistedUser{user("1", "shared", "old owner")}))
		require.NoError(t, s.Upsert(ctx, []model.PersistedUser{user("2", "shared", "new owner")}))

		got, err := s.LookupByHandle(ctx, "shared")
		require.NoError(t, err)
		require.Equal(t, "2", got.RestID)
	})
}

func TestHandleChangeMovesIndex(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Upsert(ctx, []model.PersistedUser{user("1", "before", "A")}))
		require.NoError(t, s.Upsert(ctx, []model.PersistedUser{user("1", "after", "A")}))

		got, err := s.LookupByHandle(ctx, "before")
		require.NoError(t, err)
		require.Nil(t, got)

		got, err = s.LookupByHandle(ctx, "after")
		require.NoError(t, err)
		require.Equal(t, "1", got.RestID)
	})
}

func TestUpsertRejectsWholeBatch(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		err := s.Upsert(ctx, []model.PersistedUser{user("1", "a", "A"), {Handle: "nokey"}})
		require.ErrorIs(t, err, ErrInvalidRecord)

		n, err := s.Count(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
	})
}

func TestRawRecordRoundTrips(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		in := user("7", "seven", "Seven")
		require.NoError(t, s.Upsert(ctx, []model.PersistedUser{in}))

		got, err := s.LookupByHandle(ctx, "seven")
		require.NoError(t, err)
		require.JSONEq(t, string(in.Raw), string(got.Raw))
	})
}

func TestSQLiteReopenKeepsDataAndOrdering(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "users.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, []model.PersistedUser{user("1", "shared", "A")}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	// rev 从已有最大值继续，重开后的写入仍然“更新”
	require.NoError(t, s.Upsert(ctx, []model.PersistedUser{user("2", "shared", "B")}))
	got, err := s.LookupByHandle(ctx, "shared")
	require.NoError(t, err)
	require.Equal(t, "2", got.RestID)

	var version int
	require.NoError(t, s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version))
	require.Equal(t, SchemaVersion, version)
}

func TestOpenSQLiteReportsDriverFailure(t *testing.T) {
	orig := openDB
	defer func() { openDB = orig }()
	openDB = func(driverName, dataSourceName string) (*sql.DB, error) {
		return nil, errors.New("driver exploded")
	}

	_, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "users.db"))
	require.ErrorContains(t, err, "driver exploded")
}

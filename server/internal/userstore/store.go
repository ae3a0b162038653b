package userstore

import (
	"context"
	"errors"

	"follow-export/server/internal/model"
)

// SchemaVersion 是存储结构版本；目前只有初始创建，没有迁移路径。
const SchemaVersion = 1

// ErrInvalidRecord 表示记录缺少主键。
var ErrInvalidRecord = errors.New("record has no rest_id")

// Store 是按 rest_id 唯一、按 handle 非唯一索引的用户存储。
type Store interface {
	// Upsert 在一个事务里写入整批记录：要么全部生效，要么全部不生效。
	// 同一 rest_id 整条替换，后写者胜；批内按顺序应用。
	Upsert(ctx context.Context, users []model.PersistedUser) error
	// LookupByHandle 通过二级索引查找；handle 冲突时返回最后写入的那条。
	// 查不到返回 (nil, nil)。
	LookupByHandle(ctx context.Context, handle string) (*model.PersistedUser, error)
	// Get 按主键查找，查不到返回 (nil, nil)。
	Get(ctx context.Context, restID string) (*model.PersistedUser, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Opener 异步打开一个存储；由 ingest.Buffer 在后台调用。
type Opener func(ctx context.Context) (Store, error)

func validate(users []model.PersistedUser) error {
	for _, u := range users {
		if u.RestID == "" {
			return ErrInvalidRecord
		}
	}
	return nil
}

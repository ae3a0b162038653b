package model

import (
	"encoding/json"
	"errors"
)

var (
	// ErrParse 表示单次拦截到的响应无法解析（RecoverableParseError）。
	// 只丢弃该次调用的数据，其余流程不受影响。
	ErrParse = errors.New("parse api response")
	// ErrStoreUnavailable 表示存储尚未就绪或打开失败：写入退化为缓冲，读取返回空。
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrStoreWrite 表示一次提交事务失败，缓冲区内容保留到下一次提交机会。
	ErrStoreWrite = errors.New("store write failed")
)

// URLEntity 是简介里的短链与其展开地址。
type URLEntity struct {
	Short    string `json:"short"`
	Expanded string `json:"expanded"`
}

// Profile 是用户记录中可选的嵌套资料。
// 所有字段都是显式解包后的结果，缺失时为零值。
type Profile struct {
	Name            string      `json:"name"`
	Handle          string      `json:"handle"`
	Description     string      `json:"description"`
	DescriptionURLs []URLEntity `json:"description_urls,omitempty"`
	AvatarURL       string      `json:"avatar_url"`
	Following       bool        `json:"following"`
	FollowedBy      bool        `json:"followed_by"`
}

// RawEntry 是从一次分页响应里抽取出的单个列表成员。
// 生命周期：解析时创建，提交进存储后销毁。
type RawEntry struct {
	EntryID   string          `json:"entry_id"`
	SortIndex string          `json:"sort_index"`
	RestID    string          `json:"rest_id"`
	Profile   *Profile        `json:"profile,omitempty"`
	Raw       json.RawMessage `json:"raw"`
}

// Handle 返回条目的 handle，没有嵌套资料时为空串。
func (e RawEntry) Handle() string {
	if e.Profile == nil {
		return ""
	}
	return e.Profile.Handle
}

// PersistedUser 是存储中的用户记录。
// 主键 RestID 唯一；Handle 是非唯一二级索引。Upsert 整条替换，后写者胜。
type PersistedUser struct {
	RestID    string          `json:"rest_id"`
	Handle    string          `json:"handle"`
	EntryID   string          `json:"entry_id"`
	SortIndex string          `json:"sort_index"`
	Profile   *Profile        `json:"profile,omitempty"`
	Raw       json.RawMessage `json:"raw"`
}

// ToPersisted 把原始条目转换成待写入的记录。
func (e RawEntry) ToPersisted() PersistedUser {
	return PersistedUser{
		RestID:    e.RestID,
		Handle:    e.Handle(),
		EntryID:   e.EntryID,
		SortIndex: e.SortIndex,
		Profile:   e.Profile,
		Raw:       e.Raw,
	}
}

// SessionEntry 是一次采集会话内 序号 <-> handle 的双向映射项。
// 序号从 1 开始，严格递增，分配后不可变。
type SessionEntry struct {
	Seq    int    `json:"seq"`
	Handle string `json:"handle"`
}

// ExportRecord 是导出中的一行；User 为 nil 表示存储里查不到该 handle。
type ExportRecord struct {
	Seq    int            `json:"seq"`
	Handle string         `json:"handle"`
	User   *PersistedUser `json:"user"`
}

// Mark 是一次观测的回执，UI 用它给（可能被复用的）行打标。
type Mark struct {
	Handle string `json:"handle"`
	Seq    int    `json:"seq"`
	// New 为 true 表示这次观测首次分配了序号。
	New bool `json:"new"`
}

package extract

import (
	"bytes"
	"encoding/json"
	"fmt"

	"follow-export/server/internal/model"
)

// AddEntriesType 是携带列表成员的指令类型。
const AddEntriesType = "TimelineAddEntries"

// ExtractorFunc 从解码后的响应中取出指令列表。
// 返回 nil 表示该响应形状不符合预期（字段缺失）。
type ExtractorFunc func(p *Payload) []Instruction

// Parse 解码原始响应文本，用 fn 取出指令列表，定位唯一的 add-entries 指令，
// 只保留携带用户的条目并映射为 RawEntry。
//
// 解码失败、fn 无结果、找不到 add-entries 指令都返回包装了 model.ErrParse 的错误，
// 由调用方记录后跳过，不影响其他调用。跨页重复的 rest_id 是预期行为，交给存储 upsert 覆盖。
func Parse(raw []byte, fn ExtractorFunc) ([]model.RawEntry, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: no extractor", model.ErrParse)
	}

	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", model.ErrParse, err)
	}

	instructions := fn(&payload)
	if instructions == nil {
		return nil, fmt.Errorf("%w: extractor found no instructions", model.ErrParse)
	}

	add, ok := findAddEntries(instructions)
	if !ok {
		return nil, fmt.Errorf("%w: no %s instruction", model.ErrParse, AddEntriesType)
	}

	out := make([]model.RawEntry, 0, len(add.Entries))
	for _, entry := range add.Entries {
		item := entry.Content.ItemContent
		// 游标/分隔符条目没有 itemContent；result 为 null 或非对象的条目同样跳过
		if item == nil || item.UserResults == nil || !isObject(item.UserResults.Result) {
			continue
		}
		rawEntry, err := toRawEntry(entry, item.UserResults.Result)
		if err != nil {
			return nil, err
		}
		if rawEntry.RestID == "" {
			continue
		}
		out = append(out, rawEntry)
	}
	return out, nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func findAddEntries(instructions []Instruction) (Instruction, bool) {
	for _, ins := range instructions {
		if ins.Type == AddEntriesType {
			return ins, true
		}
	}
	return Instruction{}, false
}

func toRawEntry(entry Entry, result json.RawMessage) (model.RawEntry, error) {
	var user userResult
	if err := json.Unmarshal(result, &user); err != nil {
		return model.RawEntry{}, fmt.Errorf("%w: decode user %s: %v", model.ErrParse, entry.EntryID, err)
	}

	merged, err := mergeEntryMeta(result, entry)
	if err != nil {
		return model.RawEntry{}, err
	}

	return model.RawEntry{
		EntryID:   entry.EntryID,
		SortIndex: entry.SortIndex,
		RestID:    user.RestID,
		Profile:   user.profile(),
		Raw:       merged,
	}, nil
}

// mergeEntryMeta 把 entryId/sortIndex 并入用户原始记录，导出时原样输出。
func mergeEntryMeta(result json.RawMessage, entry Entry) (json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(result, &fields); err != nil {
		return nil, fmt.Errorf("%w: user %s is not an object: %v", model.ErrParse, entry.EntryID, err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	entryID, _ := json.Marshal(entry.EntryID)
	sortIndex, _ := json.Marshal(entry.SortIndex)
	fields["entryId"] = entryID
	fields["sortIndex"] = sortIndex

	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: encode user %s: %v", model.ErrParse, entry.EntryID, err)
	}
	return merged, nil
}

func (u userResult) profile() *model.Profile {
	if u.Legacy == nil && u.Core == nil {
		return nil
	}

	p := &model.Profile{}
	if l := u.Legacy; l != nil {
		p.Name = str(l.Name)
		p.Handle = str(l.ScreenName)
		p.Description = str(l.Description)
		p.AvatarURL = str(l.ProfileImageURLHTTPS)
		p.Following = flag(l.Following)
		p.FollowedBy = flag(l.FollowedBy)
		if l.Entities != nil && l.Entities.Description != nil {
			for _, u := range l.Entities.Description.URLs {
				short, expanded := str(u.URL), str(u.ExpandedURL)
				if short == "" {
					continue
				}
				p.DescriptionURLs = append(p.DescriptionURLs, model.URLEntity{Short: short, Expanded: expanded})
			}
		}
	}
	if c := u.Core; c != nil {
		if p.Name == "" {
			p.Name = str(c.Name)
		}
		if p.Handle == "" {
			p.Handle = str(c.ScreenName)
		}
	}
	if p.AvatarURL == "" && u.Avatar != nil {
		p.AvatarURL = str(u.Avatar.ImageURL)
	}
	return p
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func flag(p *bool) bool {
	if p == nil {
		return false
	}
	return *p
}

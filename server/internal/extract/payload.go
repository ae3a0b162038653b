package extract

import "encoding/json"

// Payload 是 GraphQL 分页响应的外层结构。
// 所有层级都是可选指针：任一层缺失都以 nil 显式表达，而不是静默传播。
type Payload struct {
	Data *PayloadData `json:"data"`
}

type PayloadData struct {
	User *UserEnvelope `json:"user"`
	List *ListEnvelope `json:"list"`
}

type UserEnvelope struct {
	Result *struct {
		Timeline *TimelineEnvelope `json:"timeline"`
	} `json:"result"`
}

type ListEnvelope struct {
	MembersTimeline     *TimelineEnvelope `json:"members_timeline"`
	SubscribersTimeline *TimelineEnvelope `json:"subscribers_timeline"`
}

type TimelineEnvelope struct {
	Timeline *Timeline `json:"timeline"`
}

type Timeline struct {
	Instructions []Instruction `json:"instructions"`
}

// Instruction 是时间线指令；只有 TimelineAddEntries 携带列表成员。
type Instruction struct {
	Type    string  `json:"type"`
	Entries []Entry `json:"entries"`
}

// Entry 是时间线条目，可能是用户，也可能是游标/分隔符。
type Entry struct {
	EntryID   string `json:"entryId"`
	SortIndex string `json:"sortIndex"`
	Content   struct {
		ItemContent *ItemContent `json:"itemContent"`
	} `json:"content"`
}

type ItemContent struct {
	UserResults *struct {
		Result json.RawMessage `json:"result"`
	} `json:"user_results"`
}

// userResult 是 user_results.result 中我们关心的字段。
// 新旧两种布局都兼容：旧版资料全在 legacy，新版 name/screen_name 移到 core，头像移到 avatar。
type userResult struct {
	RestID string      `json:"rest_id"`
	Legacy *legacyUser `json:"legacy"`
	Core   *struct {
		Name       *string `json:"name"`
		ScreenName *string `json:"screen_name"`
	} `json:"core"`
	Avatar *struct {
		ImageURL *string `json:"image_url"`
	} `json:"avatar"`
}

type legacyUser struct {
	Name                 *string `json:"name"`
	ScreenName           *string `json:"screen_name"`
	Description          *string `json:"description"`
	ProfileImageURLHTTPS *string `json:"profile_image_url_https"`
	Following            *bool   `json:"following"`
	FollowedBy           *bool   `json:"followed_by"`
	Entities             *struct {
		Description *struct {
			URLs []struct {
				URL         *string `json:"url"`
				ExpandedURL *string `json:"expanded_url"`
			} `json:"urls"`
		} `json:"description"`
	} `json:"entities"`
}

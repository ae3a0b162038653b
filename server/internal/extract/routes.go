package extract

// Route 把一个接口地址模式绑定到对应的指令提取函数。
type Route struct {
	Name    string
	Pattern string
	Extract ExtractorFunc
}

// DefaultRoutes 返回已知的分页接口。
// 注意：接口路径与响应结构会随平台升级变化。
func DefaultRoutes() []Route {
	return []Route{
		// https://twitter.com/i/api/graphql/rRXFSG5vR6drKr5M37YOTw/Followers
		{Name: "Followers", Pattern: `api/graphql/.+/Followers`, Extract: UserTimeline},
		// https://twitter.com/i/api/graphql/kXi37EbqWokFUNypPHhQDQ/BlueVerifiedFollowers
		{Name: "BlueVerifiedFollowers", Pattern: `api/graphql/.+/BlueVerifiedFollowers`, Extract: UserTimeline},
		// https://twitter.com/i/api/graphql/iSicc7LrzWGBgDPL0tM_TQ/Following
		{Name: "Following", Pattern: `api/graphql/.+/Following`, Extract: UserTimeline},
		// https://twitter.com/i/api/graphql/-5VwQkb7axZIxFkFS44iWw/ListMembers
		{Name: "ListMembers", Pattern: `api/graphql/.+/ListMembers`, Extract: ListMembers},
		// https://twitter.com/i/api/graphql/B9F2680qyuI6keStbcgv6w/ListSubscribers
		{Name: "ListSubscribers", Pattern: `api/graphql/.+/ListSubscribers`, Extract: ListSubscribers},
	}
}

// UserTimeline: data.user.result.timeline.timeline.instructions
func UserTimeline(p *Payload) []Instruction {
	if p == nil || p.Data == nil || p.Data.User == nil || p.Data.User.Result == nil {
		return nil
	}
	return timelineInstructions(p.Data.User.Result.Timeline)
}

// ListMembers: data.list.members_timeline.timeline.instructions
func ListMembers(p *Payload) []Instruction {
	if p == nil || p.Data == nil || p.Data.List == nil {
		return nil
	}
	return timelineInstructions(p.Data.List.MembersTimeline)
}

// ListSubscribers: data.list.subscribers_timeline.timeline.instructions
func ListSubscribers(p *Payload) []Instruction {
	if p == nil || p.Data == nil || p.Data.List == nil {
		return nil
	}
	return timelineInstructions(p.Data.List.SubscribersTimeline)
}

func timelineInstructions(env *TimelineEnvelope) []Instruction {
	if env == nil || env.Timeline == nil {
		return nil
	}
	return env.Timeline.Instructions
}

// ExtractorByName 按名称查找内置提取函数，供配置里的额外路由引用。
func ExtractorByName(name string) (ExtractorFunc, bool) {
	switch name {
	case "user_timeline":
		return UserTimeline, true
	case "list_members":
		return ListMembers, true
	case "list_subscribers":
		return ListSubscribers, true
	default:
		return nil, false
	}
}

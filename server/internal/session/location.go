package session

import (
	"errors"
	"regexp"
)

// ErrUnsupportedLocation 表示页面路径不是可采集的列表页。
var ErrUnsupportedLocation = errors.New("location is not a following/followers/list page")

var (
	listPath = regexp.MustCompile(`^/i/lists/(.+)/(followers|members)`)
	userPath = regexp.MustCompile(`^/(.+)/(following|followers_you_follow|followers|verified_followers)`)
)

// Location 是从页面路径解析出的采集目标。
type Location struct {
	// Target 是用户名，列表页为 "list_<id>"。
	Target   string `json:"target"`
	ListType string `json:"list_type"`
	IsList   bool   `json:"is_list"`
}

// ParseLocation 识别用户的 关注/粉丝 页与列表的 成员/订阅者 页，其余路径返回 ErrUnsupportedLocation。
func ParseLocation(path string) (Location, error) {
	if m := listPath.FindStringSubmatch(path); m != nil {
		return Location{Target: "list_" + m[1], ListType: m[2], IsList: true}, nil
	}
	if m := userPath.FindStringSubmatch(path); m != nil {
		return Location{Target: m[1], ListType: m[2]}, nil
	}
	return Location{}, ErrUnsupportedLocation
}

// Package topic 定义 plc/... 主题命名规则以及订阅模式匹配
package topic

import "strings"

const (
	Separator   = "/"
	SingleLevel = "+"
	MultiLevel  = "#"

	// Root 所有 PLC 主题的根
	Root = "plc"

	// 固定主题
	Status            = Root + "/status"
	Alarms            = Root + "/alarms"
	BulkUpdate        = Root + "/all/update"
	DeviceStates      = Root + "/+/+"
	RequestFullUpdate = Root + "/request/fullUpdate"

	// BulkCategory plc/all/update 中的类别段
	BulkCategory = "all"

	segCommand = "command"
	segRequest = "request"
)

// Matches 判断具体主题是否匹配订阅模式
//   - "#" 匹配剩余任意层级，遇到即成功
//   - "+" 匹配当前位置的任意一个层级
//   - 其他层级必须完全相等
//
// 模式中没有 "#" 时层级数必须相同；空主题不匹配任何非空模式
func Matches(pattern, topic string) bool {
	if topic == "" {
		return pattern == ""
	}
	ps := strings.Split(pattern, Separator)
	ts := strings.Split(topic, Separator)

	for i, seg := range ps {
		if seg == MultiLevel {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if seg != SingleLevel && seg != ts[i] {
			return false
		}
	}
	return len(ps) == len(ts)
}

// DefaultSubscriptions 每次连接成功后都会订阅的主题
func DefaultSubscriptions() []string {
	return []string{DeviceStates, Status, Alarms, BulkUpdate}
}

func join(parts ...string) string {
	return strings.Join(parts, Separator)
}

// DeviceState plc/<category>/<id>
func DeviceState(category, id string) string {
	return join(Root, category, id)
}

// Command plc/command/<category>/<id>
func Command(category, id string) string {
	return join(Root, segCommand, category, id)
}

// System plc/<action>
func System(action string) string {
	return join(Root, action)
}

// Request plc/request/<category>/<id>
func Request(category, id string) string {
	return join(Root, segRequest, category, id)
}

// ParseDeviceState 从 plc/<category>/<id> 中取出类别与设备ID
func ParseDeviceState(topic string) (category, id string, ok bool) {
	parts := strings.Split(topic, Separator)
	if len(parts) != 3 || parts[0] != Root || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

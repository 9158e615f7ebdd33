// Package guid 为订单、请求与订阅生成不重复的标识。
package guid

import "github.com/google/uuid"

// GUID 不透明的唯一标识，仅用于请求/回报关联，永不复用。
type GUID = uuid.UUID

// Nil 零值标识，表示"未设置"。
var Nil GUID = uuid.Nil

// New 生成一个新的随机标识。
func New() GUID {
	return uuid.New()
}

// Parse 解析字符串形式的标识。
func Parse(s string) (GUID, error) {
	return uuid.Parse(s)
}

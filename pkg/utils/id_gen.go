package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenID 返回一个随机 ID（不带连字符的 UUIDv4）
func GenID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenPrefixedID 返回 "prefix-" 开头的随机 ID，例如 MQTT client ID
func GenPrefixedID(prefix string) string {
	if prefix == "" {
		return GenID()
	}
	return prefix + "-" + GenID()[:12]
}

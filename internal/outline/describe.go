package outline

import (
	"fmt"
	"strings"
)

// Describe turns a generation failure into the diagnostic text shown to the
// user, with probable causes and a suggested fix. Errors that already carry
// a 解决方案 hint pass through unchanged.
func Describe(err error) string {
	msg := err.Error()
	if strings.Contains(msg, "解决方案") {
		return msg
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "api_key") || strings.Contains(lower, "api key") ||
		strings.Contains(lower, "unauthorized") || strings.Contains(lower, "401"):
		return fmt.Sprintf("API 认证失败。\n错误详情: %s\n可能原因：\n1. API Key 无效或已过期\n2. API Key 没有访问该模型的权限\n解决方案：在系统设置页面检查并更新 API Key", msg)
	case strings.Contains(lower, "model") || strings.Contains(lower, "404"):
		return fmt.Sprintf("模型访问失败。\n错误详情: %s\n可能原因：\n1. 模型名称不正确\n2. 没有访问该模型的权限\n解决方案：在系统设置页面检查模型名称配置", msg)
	case strings.Contains(lower, "timeout") || strings.Contains(msg, "连接"):
		return fmt.Sprintf("网络连接失败。\n错误详情: %s\n可能原因：\n1. 网络连接不稳定\n2. API 服务暂时不可用\n3. Base URL 配置错误\n解决方案：检查网络连接，稍后重试", msg)
	case strings.Contains(lower, "rate") || strings.Contains(lower, "429") || strings.Contains(lower, "quota"):
		return fmt.Sprintf("API 配额限制。\n错误详情: %s\n可能原因：\n1. API 调用次数超限\n2. 账户配额用尽\n解决方案：等待配额重置，或升级 API 套餐", msg)
	default:
		return fmt.Sprintf("大纲生成失败。\n错误详情: %s\n可能原因：\n1. Text API 配置错误或密钥无效\n2. 网络连接问题\n3. 模型无法访问或不存在\n建议：在系统设置页面检查文本服务商配置", msg)
	}
}

package utils

import (
	"bytes"

	"github.com/tidwall/gjson"
)

// ExtractModelFromRequestBody extracts the model name from request body JSON
func ExtractModelFromRequestBody(body []byte) string {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return ""
	}
	return gjson.GetBytes(body, "model").String()
}

// TruncateBody truncates body content to specified length
func TruncateBody(body string, maxLen int) string {
	if len(body) <= maxLen {
		return body
	}
	return body[:maxLen] + "... [truncated]"
}

// ExtractUsage 从响应体中尽力提取 token 用量，兼容 OpenAI 与 Anthropic 的 JSON 和 SSE 形态。
// 解析失败时返回 0，不报错。
func ExtractUsage(body []byte) (prompt, completion int) {
	if len(body) == 0 {
		return 0, 0
	}
	if gjson.ValidBytes(body) {
		return usageFromJSON(gjson.ParseBytes(body))
	}

	// SSE：逐行扫描 data: 负载，后出现的值覆盖先出现的值
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		if len(payload) == 0 || payload[0] != '{' || !gjson.ValidBytes(payload) {
			continue
		}
		p, c := usageFromJSON(gjson.ParseBytes(payload))
		if p > 0 {
			prompt = p
		}
		if c > 0 {
			completion = c
		}
	}
	return prompt, completion
}

func usageFromJSON(doc gjson.Result) (int, int) {
	for _, prefix := range []string{"usage", "message.usage"} {
		usage := doc.Get(prefix)
		if !usage.Exists() {
			continue
		}
		if usage.Get("prompt_tokens").Exists() || usage.Get("completion_tokens").Exists() {
			return int(usage.Get("prompt_tokens").Int()), int(usage.Get("completion_tokens").Int())
		}
		return int(usage.Get("input_tokens").Int()), int(usage.Get("output_tokens").Int())
	}
	return 0, 0
}

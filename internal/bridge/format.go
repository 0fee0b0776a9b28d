package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	maxArgFields  = 3
	maxArgLen     = 80
	maxResultLen  = 200
	maxOutputLen  = 500
	maxFencedBody = 3500
	codeFence     = "```"
)

type jsonField struct {
	key   string
	value json.RawMessage
}

// objectFields 按出现顺序返回 JSON 对象的字段；不是对象时 ok 为 false
func objectFields(raw json.RawMessage) (fields []jsonField, ok bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, false
	}
	if d, isDelim := tok.(json.Delim); !isDelim || d != '{' {
		return nil, false
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			break
		}
		key, _ := keyTok.(string)
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			break
		}
		fields = append(fields, jsonField{key: key, value: value})
	}
	return fields, true
}

// jsonText 把 JSON 值转成展示文本：字符串去引号，其它值压缩输出，null 为空
func jsonText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return string(trimmed)
	}
	return buf.String()
}

func isEmptyValue(raw json.RawMessage) bool {
	switch strings.TrimSpace(jsonText(raw)) {
	case "", "[]", "{}":
		return true
	}
	return false
}

// summarizeArgs 取前 3 个参数字段，每个值最多 80 字符
func summarizeArgs(raw json.RawMessage) string {
	fields, ok := objectFields(raw)
	if !ok {
		return truncate(jsonText(raw), maxArgLen)
	}

	lines := make([]string, 0, maxArgFields)
	for _, f := range fields {
		if len(lines) == maxArgFields {
			break
		}
		lines = append(lines, f.key+": "+truncate(jsonText(f.value), maxArgLen))
	}
	return strings.Join(lines, "\n")
}

// previewResult 工具结果预览，最多 200 字符
func previewResult(raw json.RawMessage) string {
	return truncate(jsonText(raw), maxResultLen)
}

// summarizeOutputs 列出非空输出字段，status 字段不展示
func summarizeOutputs(raw json.RawMessage) string {
	fields, ok := objectFields(raw)
	if !ok {
		return truncate(jsonText(raw), maxOutputLen)
	}

	var lines []string
	for _, f := range fields {
		if f.key == "status" || isEmptyValue(f.value) {
			continue
		}
		lines = append(lines, "*"+f.key+"*: "+truncate(jsonText(f.value), maxOutputLen))
	}
	return strings.Join(lines, "\n")
}

func formatStepComplete(agent, stepID, summary string) string {
	text := fmt.Sprintf(":white_check_mark: *%s* finished `%s`", agent, stepID)
	if summary != "" {
		text += "\n" + summary
	}
	return text
}

// formatStepError 失败说明，带耗时；重试过时带上第几次尝试
func formatStepError(agent, errText string, elapsed time.Duration, retryCount int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* failed", agent)
	if elapsed > 0 {
		fmt.Fprintf(&b, " after %s", elapsed.Round(time.Second))
	}
	if retryCount > 0 {
		fmt.Fprintf(&b, " (attempt %d)", retryCount+1)
	}
	if errText != "" {
		b.WriteString(": " + errText)
	}
	return b.String()
}

// fenced 把文本切成若干个代码块消息
func fenced(text string) []string {
	var parts []string
	for _, piece := range splitRunes(text, maxFencedBody) {
		parts = append(parts, codeFence+"\n"+piece+"\n"+codeFence)
	}
	return parts
}

func splitRunes(s string, size int) []string {
	if s == "" {
		return nil
	}
	r := []rune(s)
	parts := make([]string, 0, len(r)/size+1)
	for len(r) > size {
		parts = append(parts, string(r[:size]))
		r = r[size:]
	}
	return append(parts, string(r))
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

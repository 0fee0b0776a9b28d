package events

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// peekType 读取 JSON 对象的 type 字段
func peekType(data []byte) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformedEntry)
	}
	return env.Type, nil
}

func decodeAs[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	return v, nil
}

// encodeTagged 在对象编码结果前插入 type 字段
func encodeTagged(kind string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("event %s does not encode to a JSON object", kind)
	}

	tag, err := json.Marshal(kind)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if rest := bytes.TrimSpace(body[1:]); len(rest) > 1 {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])
	return buf.Bytes(), nil
}

func errUnknown(kind string) error {
	return fmt.Errorf("%w: %q", ErrUnknownType, kind)
}

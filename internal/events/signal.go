package events

import (
	"errors"
	"fmt"
)

// ErrMalformedEntry 表示条目缺少必需字段或无法解析
var ErrMalformedEntry = errors.New("malformed entry")

// ErrUnknownType 表示 type 字段不属于任何已知变体
var ErrUnknownType = errors.New("unknown event type")

// DefaultSignalEvent 缺少 event 字段时使用的默认值
const DefaultSignalEvent = "run:new"

// 工作流条目字段名
const (
	FieldEvent      = "event"
	FieldRunID      = "run_id"
	FieldPipelineID = "pipeline_id"
)

// RunSignal 工作流上的轻量指针，完整运行状态始终从存储读取
type RunSignal struct {
	Event      string
	RunID      string
	PipelineID string
}

// ParseRunSignal 从流条目字段解析运行信号。缺少 run_id 时返回 ErrMalformedEntry。
func ParseRunSignal(values map[string]any) (RunSignal, error) {
	sig := RunSignal{
		Event:      stringField(values, FieldEvent),
		RunID:      stringField(values, FieldRunID),
		PipelineID: stringField(values, FieldPipelineID),
	}
	if sig.Event == "" {
		sig.Event = DefaultSignalEvent
	}
	if sig.RunID == "" {
		return sig, fmt.Errorf("%w: missing %s", ErrMalformedEntry, FieldRunID)
	}
	return sig, nil
}

// Values 返回写入流时使用的字段
func (s RunSignal) Values() map[string]any {
	event := s.Event
	if event == "" {
		event = DefaultSignalEvent
	}
	return map[string]any{
		FieldEvent:      event,
		FieldRunID:      s.RunID,
		FieldPipelineID: s.PipelineID,
	}
}

func stringField(values map[string]any, key string) string {
	switch v := values[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

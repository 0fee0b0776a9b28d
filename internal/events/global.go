package events

import (
	"encoding/json"
)

// =============================================================================
// 🌐 全局流事件
// =============================================================================

// 控制类全局事件
const (
	TypePulseTriggered               = "PULSE_TRIGGERED"
	TypeTaskWorkspaceRequested       = "TASK_WORKSPACE_REQUESTED"
	TypeTaskWorkspaceRemoveRequested = "TASK_WORKSPACE_REMOVE_REQUESTED"
	TypeMcpRestartRequested          = "MCP_RESTART_REQUESTED"
	TypeKnowledgeLinksUpdated        = "KNOWLEDGE_LINKS_UPDATED"
)

// informationalTypes 只需接受并忽略的信息类事件。
// 不在此列表也不是控制事件的 type 视为未知，会被记录告警。
var informationalTypes = map[string]struct{}{
	"TASK_CREATED":         {},
	"TASK_UPDATED":         {},
	"TASK_MOVED":           {},
	"TASK_DELETED":         {},
	"TASK_ASSIGNED":        {},
	"AGENT_CREATED":        {},
	"AGENT_UPDATED":        {},
	"AGENT_DELETED":        {},
	"AGENT_STATUS_CHANGED": {},
	"RUN_STARTED":          {},
	"RUN_STATUS_CHANGED":   {},
	"PIPELINE_CREATED":     {},
	"PIPELINE_UPDATED":     {},
	"PIPELINE_DELETED":     {},
	"MEMORY_UPDATED":       {},
	"VAULT_UPDATED":        {},
	"CHAT_MESSAGE":         {},
	"NOTIFICATION":         {},
}

// IsInformational 判断 type 是否属于信息类事件
func IsInformational(kind string) bool {
	_, ok := informationalTypes[kind]
	return ok
}

// GlobalEvent 全局流事件的封闭联合
type GlobalEvent interface {
	Kind() string
	globalEvent()
}

// PulseTriggered 请求 Agent 执行一次 pulse
type PulseTriggered struct {
	AgentID string `json:"agentId"`
}

// TaskWorkspaceRequested 请求为任务创建 git worktree
type TaskWorkspaceRequested struct {
	AgentID    string `json:"agentId"`
	ProjectID  string `json:"projectId"`
	TaskID     string `json:"taskId"`
	TaskBranch string `json:"taskBranch"`
}

// TaskWorkspaceRemoveRequested 请求移除任务 worktree
type TaskWorkspaceRemoveRequested struct {
	AgentID    string `json:"agentId"`
	ProjectID  string `json:"projectId"`
	TaskID     string `json:"taskId"`
	TaskBranch string `json:"taskBranch,omitempty"`
}

// McpRestartRequested 请求重新加载 MCP 服务器配置
type McpRestartRequested struct{}

// KnowledgeLinksUpdated Agent 的知识链接发生变化，需要重建图谱索引
type KnowledgeLinksUpdated struct {
	AgentID string `json:"agentId"`
}

// Informational 已知但无需处理的事件
type Informational struct {
	Type string
}

// Unknown 未识别的事件类型
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (PulseTriggered) Kind() string               { return TypePulseTriggered }
func (TaskWorkspaceRequested) Kind() string       { return TypeTaskWorkspaceRequested }
func (TaskWorkspaceRemoveRequested) Kind() string { return TypeTaskWorkspaceRemoveRequested }
func (McpRestartRequested) Kind() string          { return TypeMcpRestartRequested }
func (KnowledgeLinksUpdated) Kind() string        { return TypeKnowledgeLinksUpdated }
func (e Informational) Kind() string              { return e.Type }
func (e Unknown) Kind() string                    { return e.Type }

func (PulseTriggered) globalEvent()               {}
func (TaskWorkspaceRequested) globalEvent()       {}
func (TaskWorkspaceRemoveRequested) globalEvent() {}
func (McpRestartRequested) globalEvent()          {}
func (KnowledgeLinksUpdated) globalEvent()        {}
func (Informational) globalEvent()                {}
func (Unknown) globalEvent()                      {}

// DecodeGlobal 解析全局流条目的 data 字段。
// 无法解析或缺少 type 时返回 ErrMalformedEntry；未知 type 返回 Unknown 变体而不是错误。
func DecodeGlobal(data []byte) (GlobalEvent, error) {
	kind, err := peekType(data)
	if err != nil {
		return nil, err
	}

	switch kind {
	case TypePulseTriggered:
		return decodeAs[PulseTriggered](data)
	case TypeTaskWorkspaceRequested:
		return decodeAs[TaskWorkspaceRequested](data)
	case TypeTaskWorkspaceRemoveRequested:
		return decodeAs[TaskWorkspaceRemoveRequested](data)
	case TypeMcpRestartRequested:
		return McpRestartRequested{}, nil
	case TypeKnowledgeLinksUpdated:
		return decodeAs[KnowledgeLinksUpdated](data)
	}

	if IsInformational(kind) {
		return Informational{Type: kind}, nil
	}
	return Unknown{Type: kind, Raw: append(json.RawMessage(nil), data...)}, nil
}

// EncodeGlobal 把控制事件编码为带 type 字段的 JSON
func EncodeGlobal(ev GlobalEvent) ([]byte, error) {
	switch e := ev.(type) {
	case Informational:
		return encodeTagged(e.Type, struct{}{})
	case Unknown:
		return append([]byte(nil), e.Raw...), nil
	}
	return encodeTagged(ev.Kind(), ev)
}

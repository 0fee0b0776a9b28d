package events

import (
	"encoding/json"
)

// =============================================================================
// 🧵 运行频道事件
// =============================================================================

// 流水线事件类型
const (
	TypeStepQueued    = "STEP_QUEUED"
	TypeStepOutput    = "STEP_OUTPUT"
	TypeStepThinking  = "STEP_THINKING"
	TypeToolCallStart = "TOOL_CALL_START"
	TypeToolCallEnd   = "TOOL_CALL_END"
	TypeStepComplete  = "STEP_COMPLETE"
	TypeStepFailed    = "STEP_FAILED"
	TypeRunComplete   = "RUN_COMPLETE"
	TypeRunFailed     = "RUN_FAILED"
	TypeRunCancelled  = "RUN_CANCELLED"
	TypeSlackMessage  = "SLACK_MESSAGE"
)

// PipelineEvent 是单个运行频道上事件的封闭联合
type PipelineEvent interface {
	Kind() string
	Run() string
	pipelineEvent()
}

// StepEvent 是作用于某个步骤的流水线事件
type StepEvent interface {
	PipelineEvent
	Step() string
}

// RunRef 所有流水线事件共有的运行标识
type RunRef struct {
	RunID string `json:"runId"`
}

// Run 返回运行 ID
func (r RunRef) Run() string { return r.RunID }

func (RunRef) pipelineEvent() {}

// StepRef 步骤事件共有的标识
type StepRef struct {
	RunRef
	StepID string `json:"stepId"`
}

// Step 返回步骤 ID
func (s StepRef) Step() string { return s.StepID }

// StepQueued 步骤已排队，由 AgentID 对应的运行时独占执行
type StepQueued struct {
	StepRef
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName,omitempty"`
	Task      string `json:"task,omitempty"`
}

// StepOutput 步骤输出的文本片段
type StepOutput struct {
	StepRef
	Chunk string `json:"chunk"`
}

// StepThinking 步骤思考通道的文本片段，不直接展示
type StepThinking struct {
	StepRef
	Chunk string `json:"chunk"`
}

// ToolCallStart 工具调用开始。Args 保留原始 JSON 以维持字段顺序。
type ToolCallStart struct {
	StepRef
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// ToolCallEnd 工具调用结束
type ToolCallEnd struct {
	StepRef
	ToolCallID string          `json:"toolCallId"`
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"isError"`
}

// StepComplete 步骤成功完成
type StepComplete struct {
	StepRef
	Outputs json.RawMessage `json:"outputs,omitempty"`
}

// StepFailed 步骤失败，RetryCount 为已重试次数
type StepFailed struct {
	StepRef
	Error      string `json:"error"`
	RetryCount int    `json:"retryCount"`
}

// RunComplete 运行成功结束
type RunComplete struct {
	RunRef
}

// RunFailed 运行失败
type RunFailed struct {
	RunRef
	Error string `json:"error"`
}

// RunCancelled 运行被外部取消，与其它终态走同一清理路径
type RunCancelled struct {
	RunRef
	Reason string `json:"reason,omitempty"`
}

// SlackMessage 人工回复，转发到运行线程
type SlackMessage struct {
	RunRef
	Text string `json:"text"`
	User string `json:"user,omitempty"`
}

func (StepQueued) Kind() string    { return TypeStepQueued }
func (StepOutput) Kind() string    { return TypeStepOutput }
func (StepThinking) Kind() string  { return TypeStepThinking }
func (ToolCallStart) Kind() string { return TypeToolCallStart }
func (ToolCallEnd) Kind() string   { return TypeToolCallEnd }
func (StepComplete) Kind() string  { return TypeStepComplete }
func (StepFailed) Kind() string    { return TypeStepFailed }
func (RunComplete) Kind() string   { return TypeRunComplete }
func (RunFailed) Kind() string     { return TypeRunFailed }
func (RunCancelled) Kind() string  { return TypeRunCancelled }
func (SlackMessage) Kind() string  { return TypeSlackMessage }

// IsTerminal 判断事件是否结束整个运行
func IsTerminal(ev PipelineEvent) bool {
	switch ev.(type) {
	case RunComplete, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// DecodePipeline 解析运行频道上的一条消息
func DecodePipeline(data []byte) (PipelineEvent, error) {
	kind, err := peekType(data)
	if err != nil {
		return nil, err
	}

	switch kind {
	case TypeStepQueued:
		return decodeAs[StepQueued](data)
	case TypeStepOutput:
		return decodeAs[StepOutput](data)
	case TypeStepThinking:
		return decodeAs[StepThinking](data)
	case TypeToolCallStart:
		return decodeAs[ToolCallStart](data)
	case TypeToolCallEnd:
		return decodeAs[ToolCallEnd](data)
	case TypeStepComplete:
		return decodeAs[StepComplete](data)
	case TypeStepFailed:
		return decodeAs[StepFailed](data)
	case TypeRunComplete:
		return decodeAs[RunComplete](data)
	case TypeRunFailed:
		return decodeAs[RunFailed](data)
	case TypeRunCancelled:
		return decodeAs[RunCancelled](data)
	case TypeSlackMessage:
		return decodeAs[SlackMessage](data)
	default:
		return nil, errUnknown(kind)
	}
}

// EncodePipeline 把事件编码为带 type 字段的 JSON
func EncodePipeline(ev PipelineEvent) ([]byte, error) {
	return encodeTagged(ev.Kind(), ev)
}

package events

// 会话频道事件类型
const (
	TypeSessionStarted  = "SESSION_STARTED"
	TypeSessionOutput   = "SESSION_OUTPUT"
	TypeSessionComplete = "SESSION_COMPLETE"
	TypeSessionFailed   = "SESSION_FAILED"
)

// SessionEvent 会话频道事件的封闭联合
type SessionEvent interface {
	Kind() string
	Session() string
	sessionEvent()
}

// SessionRef 会话事件共有的标识
type SessionRef struct {
	SessionID string `json:"sessionId"`
}

// Session 返回会话 ID
func (s SessionRef) Session() string { return s.SessionID }

func (SessionRef) sessionEvent() {}

// SessionStarted 会话由某个 Agent 运行时接管
type SessionStarted struct {
	SessionRef
	AgentID   string `json:"agentId"`
	ChannelID string `json:"channelId"`
	ThreadTS  string `json:"threadTs"`
}

// SessionOutput 会话回复的文本片段
type SessionOutput struct {
	SessionRef
	Chunk string `json:"chunk"`
}

// SessionComplete 会话回复结束
type SessionComplete struct {
	SessionRef
}

// SessionFailed 会话回复失败
type SessionFailed struct {
	SessionRef
	Error string `json:"error"`
}

func (SessionStarted) Kind() string  { return TypeSessionStarted }
func (SessionOutput) Kind() string   { return TypeSessionOutput }
func (SessionComplete) Kind() string { return TypeSessionComplete }
func (SessionFailed) Kind() string   { return TypeSessionFailed }

// DecodeSession 解析会话频道上的一条消息
func DecodeSession(data []byte) (SessionEvent, error) {
	kind, err := peekType(data)
	if err != nil {
		return nil, err
	}

	switch kind {
	case TypeSessionStarted:
		return decodeAs[SessionStarted](data)
	case TypeSessionOutput:
		return decodeAs[SessionOutput](data)
	case TypeSessionComplete:
		return decodeAs[SessionComplete](data)
	case TypeSessionFailed:
		return decodeAs[SessionFailed](data)
	default:
		return nil, errUnknown(kind)
	}
}

// EncodeSession 把会话事件编码为带 type 字段的 JSON
func EncodeSession(ev SessionEvent) ([]byte, error) {
	return encodeTagged(ev.Kind(), ev)
}

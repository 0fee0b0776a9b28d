// Package surface 抽象运行线程所在的外部消息界面（线程、消息、可增量编辑的流式消息），
// 并提供基于 Slack 的实现。
package surface

import (
	"context"
	"errors"
)

var (
	// ErrStreamingUnsupported 界面不支持增量编辑，调用方应退回缓冲投递
	ErrStreamingUnsupported = errors.New("streaming not supported by surface")

	// ErrStreamerNotStarted 流式消息尚未 Start
	ErrStreamerNotStarted = errors.New("streamer not started")
)

// ThreadStatus 线程终态展示
type ThreadStatus string

const (
	ThreadRunning   ThreadStatus = "running"
	ThreadCompleted ThreadStatus = "completed"
	ThreadFailed    ThreadStatus = "failed"
	ThreadCancelled ThreadStatus = "cancelled"
)

// TaskStatus 工具调用卡片状态
type TaskStatus string

const (
	TaskInProgress TaskStatus = "in_progress"
	TaskComplete   TaskStatus = "complete"
	TaskError      TaskStatus = "error"
)

// ThreadMeta 创建运行线程所需的信息
type ThreadMeta struct {
	RunID           string
	PipelineID      string
	ChannelID       string
	TaskDescription string
	AssignedAgents  []string
}

// ThreadRef 线程位置
type ThreadRef struct {
	ChannelID string
	ThreadTS  string
}

// MessageRef 已发送消息的位置
type MessageRef struct {
	ChannelID string
	TS        string
}

// StreamerOptions 打开流式消息的参数
type StreamerOptions struct {
	ChannelID string
	ThreadTS  string
	// Title 一般是执行该步骤的 agent 名称
	Title string
}

// Task 流式消息中的一张任务卡片
type Task struct {
	ID     string
	Label  string
	Status TaskStatus
	Detail string
	Output string
}

// StopOptions 结束流式消息的参数
type StopOptions struct {
	IncludeFeedback bool
}

// Surface 外部消息界面
type Surface interface {
	CreateThread(ctx context.Context, meta ThreadMeta) (ThreadRef, error)
	PostMessage(ctx context.Context, channelID, threadTS, text string) (MessageRef, error)
	UpdateThreadStatus(ctx context.Context, ref ThreadRef, status ThreadStatus, detail string) error
	// OpenStreamer 不支持增量编辑时返回 ErrStreamingUnsupported
	OpenStreamer(ctx context.Context, opts StreamerOptions) (Streamer, error)
}

// Streamer 可增量编辑的外部消息。Stop/StopWithError 之后的调用均为空操作。
type Streamer interface {
	Start(ctx context.Context) error
	AppendText(ctx context.Context, chunk string) error
	UpdateTask(ctx context.Context, task Task) error
	UpdatePlanTitle(ctx context.Context, title string) error
	Stop(ctx context.Context, opts StopOptions) error
	StopWithError(ctx context.Context, text string) error
}

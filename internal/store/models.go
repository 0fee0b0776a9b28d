package store

import (
	"time"
)

// RunStatus 运行状态
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsActive 运行是否仍在进行（崩溃后需要恢复）
func (s RunStatus) IsActive() bool {
	return s == RunPending || s == RunRunning
}

// SessionStatus 会话状态
type SessionStatus string

const (
	SessionStarting  SessionStatus = "starting"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Run 一次流水线执行。这里只包含编排核心读取的字段。
type Run struct {
	ID              string    `gorm:"primaryKey;size:64" json:"id"`
	PipelineID      string    `gorm:"size:64;index" json:"pipeline_id"`
	TaskID          string    `gorm:"size:64;index" json:"task_id"`
	TaskDescription string    `gorm:"type:text" json:"task_description"`
	Status          RunStatus `gorm:"size:20;index;not null;default:pending" json:"status"`
	AssignedAgents  []string  `gorm:"serializer:json" json:"assigned_agents"`
	ChannelID       string    `gorm:"size:64" json:"channel_id"`
	ThreadTS        string    `gorm:"size:64" json:"thread_ts"`
	Error           string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName 表名
func (Run) TableName() string {
	return "runrelay_runs"
}

// Session 对话会话的持久化记录
type Session struct {
	ID            string        `gorm:"primaryKey;size:64" json:"id"`
	AgentID       string        `gorm:"size:64;index" json:"agent_id"`
	ChannelID     string        `gorm:"size:64" json:"channel_id"`
	ThreadTS      string        `gorm:"size:64" json:"thread_ts"`
	Status        SessionStatus `gorm:"size:20;index;not null" json:"status"`
	FailureReason string        `gorm:"type:text" json:"failure_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// TableName 表名
func (Session) TableName() string {
	return "runrelay_sessions"
}

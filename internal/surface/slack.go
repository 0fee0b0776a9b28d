package surface

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackAPI 本包用到的 Slack Web API 子集，便于测试注入
type SlackAPI interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
}

var _ SlackAPI = (*slack.Client)(nil)

// SlackConfig Slack 界面配置
type SlackConfig struct {
	// ChannelID 默认频道，ThreadMeta 未指定频道时使用
	ChannelID string
	// Streaming 是否启用 chat.update 流式消息
	Streaming bool
	// UpdateInterval 单条流式消息两次编辑的最小间隔
	UpdateInterval time.Duration
	// Feedback 结束时是否附带反馈按钮
	Feedback bool
}

// Slack 基于 Slack Web API 的 Surface 实现
type Slack struct {
	client SlackAPI
	logger *zap.Logger

	mu      sync.RWMutex
	config  SlackConfig
	threads map[string]ThreadMeta // key: channel/ts，用于重绘线程根消息
}

var _ Surface = (*Slack)(nil)

// NewSlack 创建 Slack 界面
func NewSlack(client SlackAPI, cfg SlackConfig, logger *zap.Logger) *Slack {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = time.Second
	}
	return &Slack{
		client:  client,
		config:  cfg,
		threads: make(map[string]ThreadMeta),
		logger:  logger.With(zap.String("component", "slack_surface")),
	}
}

// SetUpdateInterval 调整流式编辑间隔，只影响之后打开的流式消息
func (s *Slack) SetUpdateInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.config.UpdateInterval = d
	s.mu.Unlock()
}

// SetFeedback 开关反馈按钮
func (s *Slack) SetFeedback(enabled bool) {
	s.mu.Lock()
	s.config.Feedback = enabled
	s.mu.Unlock()
}

// Ping 校验 token 是否有效
func (s *Slack) Ping(ctx context.Context) error {
	if _, err := s.client.AuthTestContext(ctx); err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	return nil
}

// CreateThread 在频道中发送运行的根消息，其 ts 即线程 ID
func (s *Slack) CreateThread(ctx context.Context, meta ThreadMeta) (ThreadRef, error) {
	if meta.ChannelID == "" {
		meta.ChannelID = s.cfg().ChannelID
	}
	if meta.ChannelID == "" {
		return ThreadRef{}, fmt.Errorf("create thread for run %s: no channel configured", meta.RunID)
	}

	channel, ts, err := s.client.PostMessageContext(ctx, meta.ChannelID,
		slack.MsgOptionText(threadFallbackText(meta, ThreadRunning), false),
		slack.MsgOptionBlocks(threadBlocks(meta, ThreadRunning, "")...),
	)
	if err != nil {
		return ThreadRef{}, fmt.Errorf("create thread for run %s: %w", meta.RunID, err)
	}

	ref := ThreadRef{ChannelID: channel, ThreadTS: ts}
	s.mu.Lock()
	s.threads[threadKey(ref)] = meta
	s.mu.Unlock()

	s.logger.Debug("thread created",
		zap.String("run_id", meta.RunID),
		zap.String("channel_id", channel),
		zap.String("thread_ts", ts))
	return ref, nil
}

// PostMessage 在线程中发送一条消息；threadTS 为空时发到频道根
func (s *Slack) PostMessage(ctx context.Context, channelID, threadTS, text string) (MessageRef, error) {
	if channelID == "" {
		channelID = s.cfg().ChannelID
	}
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}

	channel, ts, err := s.client.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return MessageRef{}, fmt.Errorf("post message to %s: %w", channelID, err)
	}
	return MessageRef{ChannelID: channel, TS: ts}, nil
}

// UpdateThreadStatus 重绘线程根消息以展示运行状态，终态后忘记该线程
func (s *Slack) UpdateThreadStatus(ctx context.Context, ref ThreadRef, status ThreadStatus, detail string) error {
	if ref.ThreadTS == "" {
		return nil
	}

	key := threadKey(ref)
	s.mu.RLock()
	meta, ok := s.threads[key]
	s.mu.RUnlock()
	if !ok {
		// 进程重启后复用的线程没有元数据，只能回帖
		_, err := s.PostMessage(ctx, ref.ChannelID, ref.ThreadTS, statusLine(status, detail))
		return err
	}

	_, _, _, err := s.client.UpdateMessageContext(ctx, ref.ChannelID, ref.ThreadTS,
		slack.MsgOptionText(threadFallbackText(meta, status), false),
		slack.MsgOptionBlocks(threadBlocks(meta, status, detail)...),
	)
	if err != nil {
		return fmt.Errorf("update thread %s: %w", ref.ThreadTS, err)
	}

	if status != ThreadRunning {
		s.mu.Lock()
		delete(s.threads, key)
		s.mu.Unlock()
	}
	return nil
}

// OpenStreamer 打开一条流式消息，未启用流式时返回 ErrStreamingUnsupported
func (s *Slack) OpenStreamer(_ context.Context, opts StreamerOptions) (Streamer, error) {
	cfg := s.cfg()
	if !cfg.Streaming {
		return nil, ErrStreamingUnsupported
	}
	if opts.ChannelID == "" {
		opts.ChannelID = cfg.ChannelID
	}
	return newSlackStreamer(s.client, opts, cfg.UpdateInterval, cfg.Feedback, s.logger), nil
}

func (s *Slack) cfg() SlackConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

func threadKey(ref ThreadRef) string {
	return ref.ChannelID + "/" + ref.ThreadTS
}

func statusLine(status ThreadStatus, detail string) string {
	line := statusEmoji(status) + " Run " + string(status)
	if detail != "" {
		line += ": " + detail
	}
	return line
}

func statusEmoji(status ThreadStatus) string {
	switch status {
	case ThreadCompleted:
		return ":white_check_mark:"
	case ThreadFailed:
		return ":x:"
	case ThreadCancelled:
		return ":no_entry_sign:"
	default:
		return ":hourglass_flowing_sand:"
	}
}

func threadFallbackText(meta ThreadMeta, status ThreadStatus) string {
	return fmt.Sprintf("Run %s (%s): %s", meta.RunID, status, truncate(meta.TaskDescription, 150))
}

func threadBlocks(meta ThreadMeta, status ThreadStatus, detail string) []slack.Block {
	title := "Pipeline run"
	if meta.PipelineID != "" {
		title = "Pipeline " + meta.PipelineID
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, truncate(title, 150), false, false)),
	}
	if meta.TaskDescription != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, truncate(meta.TaskDescription, sectionLimit), false, false), nil, nil))
	}

	elements := []slack.MixedElement{
		slack.NewTextBlockObject(slack.MarkdownType, statusLine(status, truncate(detail, 200)), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "run `"+meta.RunID+"`", false, false),
	}
	if len(meta.AssignedAgents) > 0 {
		elements = append(elements, slack.NewTextBlockObject(slack.MarkdownType,
			"agents: "+strings.Join(meta.AssignedAgents, ", "), false, false))
	}
	blocks = append(blocks, slack.NewContextBlock("run_status", elements...))
	return blocks
}

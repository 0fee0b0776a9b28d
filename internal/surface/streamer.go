package surface

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// sectionLimit Slack section 文本上限为 3000 字符，留出余量
	sectionLimit = 2900

	feedbackBlockID = "runrelay_feedback"
	feedbackGoodID  = "runrelay_feedback_good"
	feedbackBadID   = "runrelay_feedback_bad"
	flushTimeout    = 10 * time.Second
)

// slackStreamer 用 chat.update 模拟的流式消息。编辑频率由令牌桶限制，被限流的改动由延迟刷新补上。
// 文本超过单个 section 上限时，当前消息定稿为一页，后续内容在线程内续写到新消息。
type slackStreamer struct {
	client   SlackAPI
	opts     StreamerOptions
	feedback bool
	logger   *zap.Logger

	mu         sync.Mutex
	limiter    *rate.Limiter
	ts         string
	text       strings.Builder
	pageStart  int // 已定稿页占用的 rune 数
	planTitle  string
	tasks      []*Task
	taskIndex  map[string]*Task
	errText    string
	withVotes  bool
	stopped    bool
	flushTimer *time.Timer
}

func newSlackStreamer(client SlackAPI, opts StreamerOptions, interval time.Duration, feedback bool, logger *zap.Logger) *slackStreamer {
	return &slackStreamer{
		client:    client,
		opts:      opts,
		feedback:  feedback,
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
		taskIndex: make(map[string]*Task),
		logger:    logger.With(zap.String("thread_ts", opts.ThreadTS)),
	}
}

// Start 发送占位消息
func (s *slackStreamer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ts != "" || s.stopped {
		return nil
	}

	// 首次发送占用一个令牌
	s.limiter.Allow()

	channel, ts, err := s.client.PostMessageContext(ctx, s.opts.ChannelID, s.messageOptions(true)...)
	if err != nil {
		return fmt.Errorf("start streamer: %w", err)
	}
	s.opts.ChannelID = channel
	s.ts = ts
	return nil
}

// AppendText 追加文本
func (s *slackStreamer) AppendText(ctx context.Context, chunk string) error {
	return s.mutate(ctx, func() { s.text.WriteString(chunk) })
}

// UpdateTask 新建或更新任务卡片
func (s *slackStreamer) UpdateTask(ctx context.Context, task Task) error {
	return s.mutate(ctx, func() {
		if existing, ok := s.taskIndex[task.ID]; ok {
			if task.Label == "" {
				task.Label = existing.Label
			}
			*existing = task
			return
		}
		t := task
		s.tasks = append(s.tasks, &t)
		s.taskIndex[t.ID] = &t
	})
}

// UpdatePlanTitle 更新标题行
func (s *slackStreamer) UpdatePlanTitle(ctx context.Context, title string) error {
	return s.mutate(ctx, func() { s.planTitle = title })
}

// Stop 立即写出最终内容
func (s *slackStreamer) Stop(ctx context.Context, opts StopOptions) error {
	return s.finish(ctx, func() { s.withVotes = opts.IncludeFeedback && s.feedback })
}

// StopWithError 以错误结束
func (s *slackStreamer) StopWithError(ctx context.Context, text string) error {
	return s.finish(ctx, func() { s.errText = text })
}

func (s *slackStreamer) mutate(ctx context.Context, apply func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	if s.ts == "" {
		return ErrStreamerNotStarted
	}
	apply()

	r := s.limiter.Reserve()
	delay := r.Delay()
	if delay == 0 {
		return s.flushLocked(ctx)
	}
	if s.flushTimer != nil {
		r.Cancel()
		return nil
	}
	s.flushTimer = time.AfterFunc(delay, s.deferredFlush)
	return nil
}

func (s *slackStreamer) finish(ctx context.Context, apply func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	if s.ts == "" {
		return ErrStreamerNotStarted
	}
	s.stopped = true
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	apply()
	return s.flushLocked(ctx)
}

func (s *slackStreamer) deferredFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flushTimer = nil
	if s.stopped {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := s.flushLocked(ctx); err != nil {
		s.logger.Warn("deferred streamer update failed", zap.Error(err))
	}
}

func (s *slackStreamer) flushLocked(ctx context.Context) error {
	rolled := false
	for {
		page := []rune(s.text.String())[s.pageStart:]
		n := pageCut(page)
		if n == 0 {
			break
		}
		if err := s.rollOverLocked(ctx, string(page[:n]), n); err != nil {
			return err
		}
		rolled = true
	}
	// 续写消息发出时已带上最新内容
	if rolled {
		return nil
	}

	_, _, _, err := s.client.UpdateMessageContext(ctx, s.opts.ChannelID, s.ts, s.messageOptions(false)...)
	if err != nil {
		return fmt.Errorf("update streamer %s: %w", s.ts, err)
	}
	return nil
}

// rollOverLocked 把写满的一页定稿到当前消息，再在同一线程发出续写消息
func (s *slackStreamer) rollOverLocked(ctx context.Context, sealed string, n int) error {
	_, _, _, err := s.client.UpdateMessageContext(ctx, s.opts.ChannelID, s.ts,
		slack.MsgOptionText(sealed, false),
		slack.MsgOptionBlocks(slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, sealed, false, false), nil, nil)),
	)
	if err != nil {
		return fmt.Errorf("seal streamer page %s: %w", s.ts, err)
	}

	s.pageStart += n
	channel, ts, err := s.client.PostMessageContext(ctx, s.opts.ChannelID, s.messageOptions(true)...)
	if err != nil {
		// 下次刷新重新定稿同一页并重试续写
		s.pageStart -= n
		return fmt.Errorf("continue streamer after %s: %w", s.ts, err)
	}
	s.logger.Debug("streamer rolled over to continuation message",
		zap.String("sealed_ts", s.ts), zap.String("ts", ts))
	s.opts.ChannelID = channel
	s.ts = ts
	return nil
}

// pageCut 当前页超出 sectionLimit 时返回应定稿的 rune 数，否则返回 0。
// 后半页内有换行时在换行后切分。
func pageCut(page []rune) int {
	if len(page) <= sectionLimit {
		return 0
	}
	for i := sectionLimit; i > sectionLimit/2; i-- {
		if page[i-1] == '\n' {
			return i
		}
	}
	return sectionLimit
}

// pageText 当前消息承载的文本
func (s *slackStreamer) pageText() string {
	return string([]rune(s.text.String())[s.pageStart:])
}

func (s *slackStreamer) messageOptions(initial bool) []slack.MsgOption {
	opts := []slack.MsgOption{
		slack.MsgOptionText(s.fallbackText(), false),
		slack.MsgOptionBlocks(s.blocks()...),
	}
	if initial && s.opts.ThreadTS != "" {
		opts = append(opts, slack.MsgOptionTS(s.opts.ThreadTS))
	}
	return opts
}

func (s *slackStreamer) fallbackText() string {
	if s.errText != "" {
		return s.errText
	}
	if text := s.pageText(); text != "" {
		return truncate(text, sectionLimit)
	}
	if s.opts.Title != "" {
		return s.opts.Title + " is working…"
	}
	return "Working…"
}

func (s *slackStreamer) blocks() []slack.Block {
	var blocks []slack.Block

	title := s.planTitle
	if title == "" {
		title = s.opts.Title
	}
	if title != "" {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, "_"+title+"_", false, false)))
	}

	for _, t := range s.tasks {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, renderTask(t), false, false), nil, nil))
	}

	if text := s.pageText(); text != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, truncate(text, sectionLimit), false, false), nil, nil))
	}

	if s.errText != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, ":x: "+truncate(s.errText, sectionLimit), false, false), nil, nil))
	}

	if s.withVotes {
		blocks = append(blocks, slack.NewActionBlock(feedbackBlockID,
			slack.NewButtonBlockElement(feedbackGoodID, "good", slack.NewTextBlockObject(slack.PlainTextType, "👍", true, false)),
			slack.NewButtonBlockElement(feedbackBadID, "bad", slack.NewTextBlockObject(slack.PlainTextType, "👎", true, false)),
		))
	}

	if len(blocks) == 0 {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, s.fallbackText(), false, false)))
	}
	return blocks
}

func renderTask(t *Task) string {
	var b strings.Builder
	switch t.Status {
	case TaskComplete:
		b.WriteString(":white_check_mark: ")
	case TaskError:
		b.WriteString(":warning: ")
	default:
		b.WriteString(":gear: ")
	}
	b.WriteString("*" + t.Label + "*")
	if t.Detail != "" {
		b.WriteString("\n" + t.Detail)
	}
	if t.Output != "" {
		b.WriteString("\n```" + t.Output + "```")
	}
	return truncate(b.String(), sectionLimit)
}

// truncate 按 rune 截断到 max 个字符，超出时以省略号结尾
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 1 {
		return string(r[:max])
	}
	return string(r[:max-1]) + "…"
}

package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/runrelay/internal/eventlog"
	"github.com/BaSui01/runrelay/internal/events"
	"github.com/BaSui01/runrelay/internal/surface"
	"go.uber.org/zap"
)

// runActor 独占一个运行的全部投递状态：线程、待处理队列、步骤上下文。
// 除 requestFlush 外，所有字段只在 loop 协程中访问。
type runActor struct {
	r      *Router
	thread RunThread
	logger *zap.Logger

	sub *eventlog.Subscription

	ready   bool
	ref     surface.ThreadRef
	pending []events.PipelineEvent
	steps   map[string]*stepState
	cleaned bool

	readyCh  chan surface.ThreadRef
	flushCh  chan string
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// stepState 一个步骤的投递上下文
type stepState struct {
	id        string
	key       string
	agent     string
	startedAt time.Time

	// streamer 为 nil 时走缓冲投递
	streamer surface.Streamer
	// degraded 流式追加失败后，后续文本改走缓冲
	degraded bool
	buffer   strings.Builder

	thinking     strings.Builder
	thinkingSeen bool
	tools        map[string]string // toolCallID -> 工具名
}

func newRunActor(r *Router, rt RunThread) *runActor {
	return &runActor{
		r:       r,
		thread:  rt,
		logger:  r.logger.With(zap.String("run_id", rt.RunID)),
		steps:   make(map[string]*stepState),
		readyCh: make(chan surface.ThreadRef, 1),
		flushCh: make(chan string),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// =============================================================================
// 🔄 事件循环
// =============================================================================

func (a *runActor) loop() {
	defer a.r.wg.Done()
	defer close(a.done)

	for {
		select {
		case <-a.stopCh:
			a.cleanup("router stopped")
			return

		case ref := <-a.readyCh:
			if a.markReady(ref) {
				return
			}

		case key := <-a.flushCh:
			if step, ok := a.steps[strings.TrimPrefix(key, a.thread.RunID+":")]; ok {
				a.flushBuffer(step)
			}

		case msg, ok := <-a.sub.Messages():
			if !ok {
				a.cleanup("subscription closed")
				return
			}
			ev, err := events.DecodePipeline(msg.Payload)
			if err != nil {
				a.logger.Warn("skipping undecodable pipeline event", zap.Error(err))
				continue
			}
			if ev.Run() != a.thread.RunID {
				a.logger.Warn("skipping event for another run", zap.String("event_run_id", ev.Run()))
				continue
			}
			if !a.ready {
				a.pending = append(a.pending, ev)
				continue
			}
			if a.dispatch(ev) {
				return
			}
		}
	}
}

// resolveThread 复用已有线程或创建新线程，结果交给 loop
func (a *runActor) resolveThread() {
	defer a.r.wg.Done()

	rt := a.thread
	if rt.ThreadTS != "" {
		a.readyCh <- surface.ThreadRef{ChannelID: rt.ChannelID, ThreadTS: rt.ThreadTS}
		return
	}

	channelID := rt.ChannelID
	if channelID == "" {
		channelID = a.r.config.ChannelID
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.r.config.ThreadTimeout)
	defer cancel()

	ref, err := a.r.surface.CreateThread(ctx, surface.ThreadMeta{
		RunID:           rt.RunID,
		PipelineID:      rt.PipelineID,
		ChannelID:       channelID,
		TaskDescription: rt.TaskDescription,
		AssignedAgents:  rt.AssignedAgents,
	})
	if err != nil {
		// 线程创建失败也要放行队列，消息改发到频道根
		a.logger.Warn("thread creation failed, delivering to channel root", zap.Error(err))
		a.r.recordDeliveryError("create_thread")
		a.readyCh <- surface.ThreadRef{ChannelID: channelID}
		return
	}

	// best-effort：持久化失败只影响恢复时能否复用线程
	if a.r.threads != nil {
		if err := a.r.threads.UpdateRunThread(ctx, rt.RunID, ref.ChannelID, ref.ThreadTS); err != nil {
			a.logger.Warn("best-effort thread persistence failed", zap.Error(err))
		}
	}
	a.readyCh <- ref
}

// markReady 线程就绪后按到达顺序处理排队事件，队列随后删除。返回运行是否已结束。
func (a *runActor) markReady(ref surface.ThreadRef) bool {
	a.ref = ref
	a.ready = true

	queued := a.pending
	a.pending = nil
	if len(queued) > 0 {
		a.logger.Debug("draining pending events", zap.Int("count", len(queued)))
	}
	for _, ev := range queued {
		if a.dispatch(ev) {
			return true
		}
	}
	return false
}

// requestFlush 由刷新定时器调用，把刷新请求交给 loop
func (a *runActor) requestFlush(key string) {
	select {
	case a.flushCh <- key:
	case <-a.done:
	}
}

// =============================================================================
// 🎯 事件分发
// =============================================================================

// dispatch 处理一个事件，返回运行是否已结束
func (a *runActor) dispatch(ev events.PipelineEvent) (terminal bool) {
	terminal = events.IsTerminal(ev)
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.Error("pipeline event handler panicked",
				zap.String("event_type", ev.Kind()),
				zap.Any("panic", rec),
				zap.Stack("stack"))
			if terminal {
				a.cleanup("handler panic")
			}
		}
	}()

	if a.r.metrics != nil {
		a.r.metrics.RecordRouterEvent(ev.Kind())
	}

	switch e := ev.(type) {
	case events.StepQueued:
		a.onStepQueued(e)
	case events.StepOutput:
		a.onStepOutput(e)
	case events.StepThinking:
		a.onStepThinking(e)
	case events.ToolCallStart:
		a.onToolCallStart(e)
	case events.ToolCallEnd:
		a.onToolCallEnd(e)
	case events.StepComplete:
		a.onStepComplete(e)
	case events.StepFailed:
		a.onStepFailed(e)
	case events.SlackMessage:
		a.onSlackMessage(e)
	case events.RunComplete:
		a.finish(surface.ThreadCompleted, "")
	case events.RunFailed:
		a.finish(surface.ThreadFailed, e.Error)
	case events.RunCancelled:
		a.finish(surface.ThreadCancelled, e.Reason)
	}
	return terminal
}

// =============================================================================
// 📦 步骤
// =============================================================================

func (a *runActor) onStepQueued(e events.StepQueued) {
	if _, ok := a.steps[e.StepID]; ok {
		a.logger.Debug("duplicate step queued", zap.String("step_id", e.StepID))
		return
	}
	label := e.AgentName
	if label == "" {
		label = e.AgentID
	}
	a.openStep(e.StepID, label)
}

// step 返回步骤上下文；未见过 STEP_QUEUED 的步骤（例如恢复后的运行）按需打开
func (a *runActor) step(stepID string) *stepState {
	if s, ok := a.steps[stepID]; ok {
		return s
	}
	return a.openStep(stepID, "")
}

func (a *runActor) openStep(stepID, label string) *stepState {
	if label == "" {
		label = "agent"
	}
	s := &stepState{
		id:        stepID,
		key:       a.thread.RunID + ":" + stepID,
		agent:     label,
		startedAt: time.Now(),
		tools:     make(map[string]string),
	}
	a.steps[stepID] = s

	ctx, cancel := a.r.opContext()
	defer cancel()

	log := a.logger.With(zap.String("step_id", stepID))
	st, err := a.r.surface.OpenStreamer(ctx, surface.StreamerOptions{
		ChannelID: a.ref.ChannelID,
		ThreadTS:  a.ref.ThreadTS,
		Title:     label,
	})
	switch {
	case errors.Is(err, surface.ErrStreamingUnsupported):
		a.recordFallback("unsupported")
		return s
	case err != nil:
		log.Warn("open streamer failed, using buffered delivery", zap.Error(err))
		a.r.recordDeliveryError("open_streamer")
		a.recordFallback("open_failed")
		return s
	}

	if err := st.Start(ctx); err != nil {
		log.Warn("start streamer failed, using buffered delivery", zap.Error(err))
		a.r.recordDeliveryError("start_streamer")
		a.recordFallback("start_failed")
		return s
	}
	s.streamer = st
	if a.r.metrics != nil {
		a.r.metrics.AddActiveStreamers(1)
	}

	if err := st.UpdatePlanTitle(ctx, label+" is working…"); err != nil {
		log.Debug("plan title update failed", zap.Error(err))
	}
	return s
}

func (a *runActor) onStepOutput(e events.StepOutput) {
	s := a.step(e.StepID)
	if e.Chunk == "" {
		return
	}

	if s.streamer != nil && !s.degraded {
		ctx, cancel := a.r.opContext()
		err := s.streamer.AppendText(ctx, e.Chunk)
		cancel()
		if err == nil {
			return
		}
		a.logger.Warn("append to streamer failed, buffering remaining output",
			zap.String("step_id", e.StepID), zap.Error(err))
		a.r.recordDeliveryError("append_text")
		a.recordFallback("append_failed")
		s.degraded = true
	}

	s.buffer.WriteString(e.Chunk)
	a.r.flushes.Schedule(s.key, a)
}

// onStepThinking 思考内容只缓冲不展示，第一次出现时更新标题
func (a *runActor) onStepThinking(e events.StepThinking) {
	s := a.step(e.StepID)
	s.thinking.WriteString(e.Chunk)
	if s.thinkingSeen {
		return
	}
	s.thinkingSeen = true
	if s.streamer == nil {
		return
	}

	ctx, cancel := a.r.opContext()
	defer cancel()
	if err := s.streamer.UpdatePlanTitle(ctx, s.agent+" is thinking…"); err != nil {
		a.logger.Debug("plan title update failed", zap.String("step_id", e.StepID), zap.Error(err))
	}
}

func (a *runActor) onToolCallStart(e events.ToolCallStart) {
	s := a.step(e.StepID)
	s.tools[e.ToolCallID] = e.ToolName
	if s.streamer == nil {
		a.logger.Debug("tool call started", zap.String("step_id", e.StepID), zap.String("tool", e.ToolName))
		return
	}

	ctx, cancel := a.r.opContext()
	defer cancel()
	err := s.streamer.UpdateTask(ctx, surface.Task{
		ID:     e.ToolCallID,
		Label:  e.ToolName,
		Status: surface.TaskInProgress,
		Detail: summarizeArgs(e.Args),
	})
	if err != nil {
		a.logger.Warn("tool card update failed", zap.String("step_id", e.StepID), zap.Error(err))
		a.r.recordDeliveryError("update_task")
	}
}

func (a *runActor) onToolCallEnd(e events.ToolCallEnd) {
	s := a.step(e.StepID)
	label := s.tools[e.ToolCallID]
	delete(s.tools, e.ToolCallID)
	if s.streamer == nil {
		a.logger.Debug("tool call finished",
			zap.String("step_id", e.StepID), zap.String("tool", label), zap.Bool("is_error", e.IsError))
		return
	}

	status := surface.TaskComplete
	if e.IsError {
		status = surface.TaskError
	}
	if label == "" {
		label = e.ToolCallID
	}

	ctx, cancel := a.r.opContext()
	defer cancel()
	err := s.streamer.UpdateTask(ctx, surface.Task{
		ID:     e.ToolCallID,
		Label:  label,
		Status: status,
		Output: previewResult(e.Result),
	})
	if err != nil {
		a.logger.Warn("tool card update failed", zap.String("step_id", e.StepID), zap.Error(err))
		a.r.recordDeliveryError("update_task")
	}
}

func (a *runActor) onStepComplete(e events.StepComplete) {
	s := a.step(e.StepID)
	summary := summarizeOutputs(e.Outputs)
	defer a.closeStep(s)

	ctx, cancel := a.r.opContext()
	defer cancel()

	if s.streamer != nil {
		if summary != "" && !s.degraded {
			if err := s.streamer.AppendText(ctx, "\n\n"+summary); err != nil {
				a.logger.Warn("append summary failed", zap.String("step_id", s.id), zap.Error(err))
				a.r.recordDeliveryError("append_text")
			}
		}
		err := s.streamer.Stop(ctx, surface.StopOptions{IncludeFeedback: true})
		a.streamerClosed(s)
		if err == nil && !s.degraded {
			return
		}
		if err != nil {
			a.logger.Warn("stop streamer failed, posting summary", zap.String("step_id", s.id), zap.Error(err))
			a.r.recordDeliveryError("stop_streamer")
		}
	}

	a.flushBuffer(s)
	a.post(formatStepComplete(s.agent, s.id, summary))
}

func (a *runActor) onStepFailed(e events.StepFailed) {
	s := a.step(e.StepID)
	text := formatStepError(s.agent, e.Error, time.Since(s.startedAt), e.RetryCount)
	defer a.closeStep(s)

	if s.streamer != nil {
		ctx, cancel := a.r.opContext()
		err := s.streamer.StopWithError(ctx, text)
		cancel()
		a.streamerClosed(s)
		if err == nil && !s.degraded {
			return
		}
		if err != nil {
			a.logger.Warn("stop streamer with error failed, posting error", zap.String("step_id", s.id), zap.Error(err))
			a.r.recordDeliveryError("stop_streamer")
		}
	}

	a.flushBuffer(s)
	a.post(":x: " + text)
}

// closeStep 删除步骤上下文：取消刷新定时器、丢弃思考缓冲
func (a *runActor) closeStep(s *stepState) {
	a.r.flushes.Cancel(s.key)
	s.thinking.Reset()
	delete(a.steps, s.id)
}

func (a *runActor) streamerClosed(s *stepState) {
	s.streamer = nil
	if a.r.metrics != nil {
		a.r.metrics.AddActiveStreamers(-1)
	}
}

// flushBuffer 把缓冲的输出作为代码块发出
func (a *runActor) flushBuffer(s *stepState) {
	a.r.flushes.Cancel(s.key)
	if s.buffer.Len() == 0 {
		return
	}
	text := s.buffer.String()
	s.buffer.Reset()

	for _, part := range fenced(text) {
		a.post(part)
	}
}

func (a *runActor) onSlackMessage(e events.SlackMessage) {
	if e.Text == "" {
		return
	}
	text := e.Text
	if e.User != "" {
		text = "*" + e.User + "*: " + e.Text
	}
	a.post(text)
}

// post 发到运行线程；失败只记录，不影响后续事件
func (a *runActor) post(text string) {
	ctx, cancel := a.r.opContext()
	defer cancel()
	if _, err := a.r.surface.PostMessage(ctx, a.ref.ChannelID, a.ref.ThreadTS, text); err != nil {
		a.logger.Warn("post message failed", zap.Error(err), zap.Int("length", len(text)))
		a.r.recordDeliveryError("post_message")
	}
}

func (a *runActor) recordFallback(reason string) {
	if a.r.metrics != nil {
		a.r.metrics.RecordFallback(reason)
	}
}

// =============================================================================
// 🧹 终态与清理
// =============================================================================

// finish 运行终态：收尾步骤、更新线程状态、清理
func (a *runActor) finish(status surface.ThreadStatus, detail string) {
	a.closeSteps()

	ctx, cancel := a.r.opContext()
	if err := a.r.surface.UpdateThreadStatus(ctx, a.ref, status, detail); err != nil {
		a.logger.Warn("thread status update failed", zap.String("status", string(status)), zap.Error(err))
		a.r.recordDeliveryError("update_thread_status")
	}
	cancel()

	a.cleanup(string(status))
}

// closeSteps 发出仍在缓冲的输出，结束仍打开的流式消息
func (a *runActor) closeSteps() {
	for _, s := range a.steps {
		if s.streamer != nil {
			ctx, cancel := a.r.opContext()
			if err := s.streamer.StopWithError(ctx, "Run ended before this step finished"); err != nil {
				a.logger.Warn("stop open streamer failed", zap.String("step_id", s.id), zap.Error(err))
			}
			cancel()
			a.streamerClosed(s)
		}
		a.flushBuffer(s)
		a.closeStep(s)
	}
}

// cleanup 删除运行的全部状态并取消订阅，可重复调用
func (a *runActor) cleanup(reason string) {
	if a.cleaned {
		return
	}
	a.cleaned = true

	a.closeSteps()
	if n := len(a.pending); n > 0 {
		a.logger.Warn("dropping events queued before thread was ready", zap.Int("count", n))
		a.pending = nil
	}
	if a.sub != nil {
		_ = a.sub.Close()
	}
	a.r.removeRun(a.thread.RunID, a)
	if a.r.metrics != nil {
		a.r.metrics.AddActiveRuns(-1)
	}
	a.logger.Info("run unsubscribed", zap.String("reason", reason))
}

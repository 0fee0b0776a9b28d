package bridge

import (
	"context"
	"fmt"

	"github.com/BaSui01/runrelay/internal/eventlog"
	"github.com/BaSui01/runrelay/internal/events"
	"github.com/BaSui01/runrelay/internal/sessions"
	"github.com/BaSui01/runrelay/internal/store"
	"github.com/BaSui01/runrelay/internal/surface"
	"go.uber.org/zap"
)

// =============================================================================
// 💬 会话投递
// =============================================================================

// sessionMailbox 一个会话的待处理事件。每个会话由独立协程按到达顺序处理，
// 慢的界面调用只阻塞自己的会话。
type sessionMailbox struct {
	id    string
	queue []events.SessionEvent // sessMu 保护
	wake  chan struct{}
}

// RunSessionFeed 订阅会话频道并把事件分发到各会话的信箱，直到 ctx 取消
func (r *Router) RunSessionFeed(ctx context.Context) error {
	channel := eventlog.SessionsChannel(r.config.KeyPrefix)
	sub, err := r.events.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("subscribe session feed: %w", err)
	}
	defer sub.Close()

	r.logger.Info("session feed started", zap.String("channel", channel))
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return fmt.Errorf("session feed %s closed", channel)
			}
			ev, err := events.DecodeSession(msg.Payload)
			if err != nil {
				r.logger.Warn("skipping undecodable session event", zap.Error(err))
				continue
			}
			r.deliverSession(ctx, ev)
		}
	}
}

// deliverSession 事件入队到会话信箱，信箱不存在时启动处理协程
func (r *Router) deliverSession(ctx context.Context, ev events.SessionEvent) {
	r.sessMu.Lock()
	if r.sessClosed {
		r.sessMu.Unlock()
		r.logger.Debug("router stopped, dropping session event",
			zap.String("session_id", ev.Session()), zap.String("event_type", ev.Kind()))
		return
	}
	mb, ok := r.mailboxes[ev.Session()]
	if !ok {
		mb = &sessionMailbox{id: ev.Session(), wake: make(chan struct{}, 1)}
		r.mailboxes[mb.id] = mb
		r.sessWG.Add(1)
		go r.runMailbox(ctx, mb)
	}
	mb.queue = append(mb.queue, ev)
	r.sessMu.Unlock()

	select {
	case mb.wake <- struct{}{}:
	default:
	}
}

// runMailbox 依次处理会话事件。队列清空且会话不再活跃时退出。
func (r *Router) runMailbox(ctx context.Context, mb *sessionMailbox) {
	defer r.sessWG.Done()

	for {
		r.sessMu.Lock()
		batch := mb.queue
		mb.queue = nil
		if len(batch) == 0 && !r.pool.IsActive(mb.id) {
			delete(r.mailboxes, mb.id)
			r.sessMu.Unlock()
			return
		}
		r.sessMu.Unlock()

		for _, ev := range batch {
			r.HandleSessionEvent(ctx, ev)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-mb.wake:
		case <-ctx.Done():
			r.dropMailbox(mb)
			return
		case <-r.done:
			r.dropMailbox(mb)
			return
		}
	}
}

func (r *Router) dropMailbox(mb *sessionMailbox) {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	if cur, ok := r.mailboxes[mb.id]; ok && cur == mb {
		delete(r.mailboxes, mb.id)
	}
}

// HandleSessionEvent 按会话池中的归属投递一个会话事件
func (r *Router) HandleSessionEvent(ctx context.Context, ev events.SessionEvent) {
	log := r.logger.With(zap.String("session_id", ev.Session()), zap.String("event_type", ev.Kind()))
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("session event handler panicked", zap.Any("panic", rec), zap.Stack("stack"))
		}
	}()

	switch e := ev.(type) {
	case events.SessionStarted:
		r.onSessionStarted(ctx, e, log)
	case events.SessionOutput:
		r.onSessionOutput(e, log)
	case events.SessionComplete:
		r.onSessionComplete(ctx, e, log)
	case events.SessionFailed:
		r.onSessionFailed(ctx, e, log)
	}
}

func (r *Router) onSessionStarted(ctx context.Context, e events.SessionStarted, log *zap.Logger) {
	r.pool.Register(sessions.Session{
		ID:        e.SessionID,
		AgentID:   e.AgentID,
		ChannelID: e.ChannelID,
		ThreadTS:  e.ThreadTS,
	})
	r.persistSession(log, func(s SessionStore) error {
		return s.SaveSession(ctx, &store.Session{
			ID:        e.SessionID,
			AgentID:   e.AgentID,
			ChannelID: e.ChannelID,
			ThreadTS:  e.ThreadTS,
			Status:    store.SessionRunning,
		})
	})

	opCtx, cancel := r.opContext()
	defer cancel()

	st, err := r.surface.OpenStreamer(opCtx, surface.StreamerOptions{
		ChannelID: e.ChannelID,
		ThreadTS:  e.ThreadTS,
		Title:     e.AgentID,
	})
	if err != nil {
		log.Info("session streamer unavailable", zap.Error(err))
		return
	}
	if err := st.Start(opCtx); err != nil {
		log.Warn("session streamer start failed", zap.Error(err))
		r.recordDeliveryError("start_streamer")
		return
	}

	r.sessMu.Lock()
	r.streamers[e.SessionID] = st
	r.sessMu.Unlock()
	if r.metrics != nil {
		r.metrics.AddActiveStreamers(1)
	}
}

func (r *Router) onSessionOutput(e events.SessionOutput, log *zap.Logger) {
	if !r.pool.IsActive(e.SessionID) {
		log.Warn("output for unknown session")
		return
	}
	st := r.sessionStreamer(e.SessionID, false)
	if st == nil {
		log.Debug("no open streamer for session output")
		return
	}

	ctx, cancel := r.opContext()
	defer cancel()
	if err := st.AppendText(ctx, e.Chunk); err != nil {
		log.Warn("append to session streamer failed", zap.Error(err))
		r.recordDeliveryError("append_text")
	}
}

func (r *Router) onSessionComplete(ctx context.Context, e events.SessionComplete, log *zap.Logger) {
	st := r.sessionStreamer(e.SessionID, true)
	r.pool.Remove(e.SessionID)
	r.persistSession(log, func(s SessionStore) error {
		return s.UpdateSessionStatus(ctx, e.SessionID, store.SessionCompleted)
	})

	if st == nil {
		// 已知限制：回复文本只存在于流中，流没打开时无从补发，需要用户重试
		log.Warn("session response lost: streamer never opened, user must retry")
		if r.metrics != nil {
			r.metrics.RecordSessionLoss()
		}
		return
	}

	opCtx, cancel := r.opContext()
	defer cancel()
	if err := st.Stop(opCtx, surface.StopOptions{IncludeFeedback: true}); err != nil {
		log.Warn("stop session streamer failed", zap.Error(err))
		r.recordDeliveryError("stop_streamer")
	}
}

func (r *Router) onSessionFailed(ctx context.Context, e events.SessionFailed, log *zap.Logger) {
	sess, known := r.pool.Get(e.SessionID)
	st := r.sessionStreamer(e.SessionID, true)
	r.pool.Remove(e.SessionID)
	r.persistSession(log, func(s SessionStore) error {
		return s.MarkSessionFailed(ctx, e.SessionID, e.Error)
	})

	opCtx, cancel := r.opContext()
	defer cancel()

	text := ":x: " + e.Error
	if st != nil {
		err := st.StopWithError(opCtx, text)
		if err == nil {
			return
		}
		log.Warn("stop session streamer failed, posting error", zap.Error(err))
		r.recordDeliveryError("stop_streamer")
	}
	if !known {
		log.Warn("failure for unknown session, nowhere to post")
		return
	}
	if _, err := r.surface.PostMessage(opCtx, sess.ChannelID, sess.ThreadTS, text); err != nil {
		log.Warn("post session failure failed", zap.Error(err))
		r.recordDeliveryError("post_message")
	}
}

// sessionStreamer 查找会话流式消息，remove 为 true 时同时移除
func (r *Router) sessionStreamer(id string, remove bool) surface.Streamer {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	st, ok := r.streamers[id]
	if !ok {
		return nil
	}
	if remove {
		delete(r.streamers, id)
		if r.metrics != nil {
			r.metrics.AddActiveStreamers(-1)
		}
	}
	return st
}

// persistSession best-effort：会话状态写入失败只记录
func (r *Router) persistSession(log *zap.Logger, fn func(SessionStore) error) {
	if r.sessionStore == nil {
		return
	}
	if err := fn(r.sessionStore); err != nil {
		log.Warn("best-effort session persistence failed", zap.Error(err))
	}
}

func (r *Router) closeSessionStreamers() {
	r.sessMu.Lock()
	open := r.streamers
	r.streamers = make(map[string]surface.Streamer)
	r.sessMu.Unlock()

	for id, st := range open {
		ctx, cancel := r.opContext()
		if err := st.StopWithError(ctx, "Engine is shutting down, please retry."); err != nil {
			r.logger.Warn("stop session streamer failed", zap.String("session_id", id), zap.Error(err))
		}
		cancel()
		if r.metrics != nil {
			r.metrics.AddActiveStreamers(-1)
		}
	}
}

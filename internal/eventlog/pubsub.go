package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RunChannel 返回运行事件频道 {prefix}:run:{runId}:events
func RunChannel(prefix, runID string) string {
	return fmt.Sprintf("%s:run:%s:events", prefix, runID)
}

// SessionsChannel 返回会话事件频道 {prefix}:sessions
func SessionsChannel(prefix string) string {
	return prefix + ":sessions"
}

// Message 订阅收到的一条消息
type Message struct {
	Channel string
	Payload []byte
}

// Subscription 频道订阅。Messages 在 Close 或底层连接断开后关闭。
type Subscription struct {
	ps        *redis.PubSub
	messages  chan Message
	closeOnce sync.Once
	done      chan struct{}
}

// Publish 向频道发布消息。payload 为 []byte 或 string 时原样发送，其它值编码为 JSON。
func (c *Client) Publish(ctx context.Context, channel string, payload any) error {
	if c.closed.Load() {
		return ErrClosed
	}

	var data any
	switch p := payload.(type) {
	case []byte, string:
		data = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode payload for %s: %w", channel, err)
		}
		data = b
	}

	if err := c.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe 订阅频道，返回前已收到服务端的订阅确认，之后发布的消息不会丢失
func (c *Client) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	ps := c.rdb.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}

	sub := &Subscription{
		ps:       ps,
		messages: make(chan Message, 64),
		done:     make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

// Messages 返回消息通道
func (s *Subscription) Messages() <-chan Message {
	return s.messages
}

// Close 取消订阅，可重复调用
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *Subscription) pump() {
	defer close(s.messages)

	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.messages <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-s.done:
				return
			}
		}
	}
}

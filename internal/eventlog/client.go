package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrClosed 客户端已关闭
var ErrClosed = errors.New("event log client is closed")

// 流起始与尾部的特殊 ID
const (
	// StartID 从流的开头开始（消费组创建、读取自己的挂起条目）
	StartID = "0"
	// EmptyTailID 空流的尾部
	EmptyTailID = "0-0"
	// NewEntriesID 消费组中只读取从未投递过的条目
	NewEntriesID = ">"
)

// Entry 流中的一条记录
type Entry struct {
	ID     string
	Values map[string]any
}

// Client 事件日志客户端。不持有底层连接，关闭连接由连接所有者负责。
type Client struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
	closed atomic.Bool
}

// New 创建事件日志客户端
func New(rdb redis.UniversalClient, logger *zap.Logger) *Client {
	return &Client{
		rdb:    rdb,
		logger: logger.With(zap.String("component", "eventlog")),
	}
}

// =============================================================================
// 👥 消费组
// =============================================================================

// EnsureGroup 创建消费组（必要时创建流）。组已存在视为成功。
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	if c.closed.Load() {
		return ErrClosed
	}

	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, StartID).Err()
	if err == nil {
		c.logger.Info("consumer group created", zap.String("stream", stream), zap.String("group", group))
		return nil
	}
	if isBusyGroup(err) {
		c.logger.Debug("consumer group already exists", zap.String("stream", stream), zap.String("group", group))
		return nil
	}
	return fmt.Errorf("create consumer group %s on %s: %w", group, stream, err)
}

// ReadGroupArgs 消费组读取参数
type ReadGroupArgs struct {
	Stream   string
	Group    string
	Consumer string
	// ID 为 ">" 时读取新条目，为 "0" 时读取本消费者的挂起条目
	ID    string
	Count int64
	// Block 阻塞超时，<=0 表示不阻塞
	Block time.Duration
}

// ReadGroup 以消费组方式读取一批条目。超时无数据时返回空切片。
func (c *Client) ReadGroup(ctx context.Context, args ReadGroupArgs) ([]Entry, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	id := args.ID
	if id == "" {
		id = NewEntriesID
	}
	block := args.Block
	if block <= 0 {
		// go-redis 中 Block=0 表示永久阻塞，负值表示不带 BLOCK
		block = -1
	}

	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    args.Group,
		Consumer: args.Consumer,
		Streams:  []string{args.Stream, id},
		Count:    args.Count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", args.Stream, err)
	}

	return flatten(streams), nil
}

// Ack 确认条目
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", stream, err)
	}
	return nil
}

// AutoClaim 把其它消费者空闲超过 minIdle 的挂起条目转给 consumer。
// 返回认领到的条目与下一次扫描的游标（"0-0" 表示扫描完毕）。
func (c *Client) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]Entry, string, error) {
	if c.closed.Load() {
		return nil, "", ErrClosed
	}
	if start == "" {
		start = EmptyTailID
	}

	msgs, next, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}).Result()
	if err != nil {
		return nil, "", fmt.Errorf("xautoclaim %s: %w", stream, err)
	}

	return toEntries(msgs), next, nil
}

// =============================================================================
// 📜 顺序读取
// =============================================================================

// TailID 返回流最后一条记录的 ID，空流返回 "0-0"
func (c *Client) TailID(ctx context.Context, stream string) (string, error) {
	if c.closed.Load() {
		return "", ErrClosed
	}

	msgs, err := c.rdb.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("xrevrange %s: %w", stream, err)
	}
	if len(msgs) == 0 {
		return EmptyTailID, nil
	}
	return msgs[0].ID, nil
}

// ReadAfter 读取 afterID 之后的条目，超时无数据时返回空切片
func (c *Client) ReadAfter(ctx context.Context, stream, afterID string, count int64, block time.Duration) ([]Entry, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if block <= 0 {
		block = -1
	}

	streams, err := c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, afterID},
		Count:   count,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xread %s: %w", stream, err)
	}

	return flatten(streams), nil
}

// Append 追加一条记录，返回其 ID
func (c *Client) Append(ctx context.Context, stream string, values map[string]any) (string, error) {
	if c.closed.Load() {
		return "", ErrClosed
	}

	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// Close 标记客户端关闭，之后的调用返回 ErrClosed
func (c *Client) Close() {
	c.closed.Store(true)
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func flatten(streams []redis.XStream) []Entry {
	var out []Entry
	for _, s := range streams {
		out = append(out, toEntries(s.Messages)...)
	}
	return out
}

func toEntries(msgs []redis.XMessage) []Entry {
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Entry{ID: m.ID, Values: m.Values})
	}
	return out
}

// Package store 是运行与会话的持久化存储，也是"运行是否仍在进行"的唯一事实来源。
package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/runrelay/internal/database"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// DefaultWriteRetries 写操作遇到可重试错误时的默认尝试次数
const DefaultWriteRetries = 3

// Transactor 在事务中执行写操作，死锁、锁等待、SQLITE_BUSY 之类的错误会重试
type Transactor interface {
	WithTransactionRetry(ctx context.Context, maxRetries int, fn database.TransactionFunc) error
}

// Store 基于 GORM 的运行/会话存储
type Store struct {
	db         *gorm.DB
	tx         Transactor
	maxRetries int
	logger     *zap.Logger
}

// Option 存储选项
type Option func(*Store)

// WithTransactor 写操作经由 Transactor 在事务中执行
func WithTransactor(t Transactor, maxRetries int) Option {
	return func(s *Store) {
		s.tx = t
		s.maxRetries = max(1, maxRetries)
	}
}

// New 创建存储
func New(db *gorm.DB, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		db:         db,
		maxRetries: DefaultWriteRetries,
		logger:     logger.With(zap.String("component", "store")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// write 执行一次写操作。未配置 Transactor 时直接在连接上执行。
func (s *Store) write(ctx context.Context, fn database.TransactionFunc) error {
	if s.tx == nil {
		return fn(s.db.WithContext(ctx))
	}
	return s.tx.WithTransactionRetry(ctx, s.maxRetries, fn)
}

// AutoMigrate 创建或更新表结构
func (s *Store) AutoMigrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&Run{}, &Session{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// =============================================================================
// 🏃 运行
// =============================================================================

// ListRuns 列出全部运行
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// ListRunsByStatus 列出指定状态的运行
func (s *Store) ListRunsByStatus(ctx context.Context, statuses ...RunStatus) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("list runs by status: %w", err)
	}
	return runs, nil
}

// GetRun 按 ID 读取运行，不存在时返回 ErrNotFound
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return &run, nil
}

// CreateRun 创建运行
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	if run.Status == "" {
		run.Status = RunPending
	}
	err := s.write(ctx, func(tx *gorm.DB) error {
		return tx.Create(run).Error
	})
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

// UpdateRunStatus 更新运行状态
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status RunStatus, errMsg string) error {
	return s.updateRun(ctx, id, map[string]any{"status": status, "error": errMsg})
}

// UpdateRunThread 记录运行线程位置，恢复时复用同一线程
func (s *Store) UpdateRunThread(ctx context.Context, id, channelID, threadTS string) error {
	return s.updateRun(ctx, id, map[string]any{"channel_id": channelID, "thread_ts": threadTS})
}

func (s *Store) updateRun(ctx context.Context, id string, fields map[string]any) error {
	return s.write(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&Run{}).Where("id = ?", id).Updates(fields)
		if res.Error != nil {
			return fmt.Errorf("update run %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// =============================================================================
// 💬 会话
// =============================================================================

// SaveSession 按 ID 插入或更新会话
func (s *Store) SaveSession(ctx context.Context, session *Session) error {
	err := s.write(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"agent_id", "channel_id", "thread_ts", "status", "failure_reason", "updated_at"}),
		}).Create(session).Error
	})
	if err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}

// GetSession 按 ID 读取会话
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &session, nil
}

// ListSessionsByStatus 列出指定状态的会话
func (s *Store) ListSessionsByStatus(ctx context.Context, statuses ...SessionStatus) ([]Session, error) {
	var sessions []Session
	if err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSessionStatus 更新会话状态
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error {
	return s.updateSession(ctx, id, map[string]any{"status": status})
}

// MarkSessionFailed 把会话标记为失败并记录原因
func (s *Store) MarkSessionFailed(ctx context.Context, id, reason string) error {
	return s.updateSession(ctx, id, map[string]any{"status": SessionFailed, "failure_reason": reason})
}

func (s *Store) updateSession(ctx context.Context, id string, fields map[string]any) error {
	return s.write(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&Session{}).Where("id = ?", id).Updates(fields)
		if res.Error != nil {
			return fmt.Errorf("update session %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

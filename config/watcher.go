// 配置文件变更监听器实现。
//
// 基于 fsnotify 监听配置文件所在目录，按文件名过滤并对同一路径的事件去抖。
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// --- 文件监听器类型定义 ---

// FileWatcher 监听配置文件变更
type FileWatcher struct {
	mu sync.RWMutex

	paths         map[string]struct{}
	debounceDelay time.Duration

	watcher *fsnotify.Watcher
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// 每个路径一个去抖定时器
	timers map[string]*time.Timer

	callbacks []func(event FileEvent)
	logger    *zap.Logger
}

// FileEvent 文件变更事件
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// FileOp 文件操作类型
type FileOp int

const (
	// FileOpCreate 表示文件已创建
	FileOpCreate FileOp = iota
	// FileOpWrite 指示文件已被修改
	FileOpWrite
	// FileOpRemove 表示文件已被删除
	FileOpRemove
	// FileOpRename 表示文件已重命名
	FileOpRename
	// FileOpChmod 表示文件权限已更改
	FileOpChmod
)

// String returns the string representation of FileOp
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	case FileOpRename:
		return "RENAME"
	case FileOpChmod:
		return "CHMOD"
	default:
		return "UNKNOWN"
	}
}

// fileOpFrom 把 fsnotify 的位掩码折叠成单个操作，写入优先
func fileOpFrom(op fsnotify.Op) FileOp {
	switch {
	case op.Has(fsnotify.Write):
		return FileOpWrite
	case op.Has(fsnotify.Create):
		return FileOpCreate
	case op.Has(fsnotify.Remove):
		return FileOpRemove
	case op.Has(fsnotify.Rename):
		return FileOpRename
	default:
		return FileOpChmod
	}
}

// --- 文件监听器选项 ---

// WatcherOption configures the FileWatcher
type WatcherOption func(*FileWatcher)

// WithDebounceDelay sets the debounce delay for file events
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.debounceDelay = d
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		w.logger = logger
	}
}

// --- 文件监听器实现 ---

// NewFileWatcher 创建文件监听器
func NewFileWatcher(paths []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		paths:         make(map[string]struct{}, len(paths)),
		debounceDelay: 100 * time.Millisecond,
		timers:        make(map[string]*time.Timer),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"))

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve path %s: %w", p, err)
		}
		w.paths[abs] = struct{}{}
	}
	return w, nil
}

// OnChange 注册变更回调
func (w *FileWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start 开始监听。监听的是文件所在目录，原子替换（rename）式写入也能被捕获。
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}

	dirs := make(map[string]struct{})
	for p := range w.paths {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.watcher = watcher
	w.cancel = cancel
	w.running = true

	w.wg.Add(1)
	go w.watchLoop(watchCtx, watcher)

	w.logger.Info("file watcher started", zap.Int("paths", len(w.paths)))
	return nil
}

// Stop 停止监听并等待事件循环退出
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.cancel()
	watcher := w.watcher
	w.watcher = nil
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()

	err := watcher.Close()
	w.wg.Wait()
	w.logger.Info("file watcher stopped")
	return err
}

func (w *FileWatcher) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watch error", zap.Error(err))
		}
	}
}

// handle 过滤非目标文件，并为同一路径重置去抖定时器
func (w *FileWatcher) handle(event fsnotify.Event) {
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.paths[abs]; !ok || !w.running {
		return
	}

	fe := FileEvent{Path: abs, Op: fileOpFrom(event.Op), Timestamp: time.Now()}
	if t, ok := w.timers[abs]; ok {
		t.Stop()
	}
	w.timers[abs] = time.AfterFunc(w.debounceDelay, func() {
		w.dispatch(fe)
	})
}

func (w *FileWatcher) dispatch(event FileEvent) {
	w.mu.Lock()
	delete(w.timers, event.Path)
	running := w.running
	callbacks := append(([]func(FileEvent))(nil), w.callbacks...)
	w.mu.Unlock()

	if !running {
		return
	}

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("watcher callback panicked", zap.Any("panic", r))
				}
			}()
			cb(event)
		}()
	}
}

// Paths 返回所有被监听的文件
func (w *FileWatcher) Paths() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]string, 0, len(w.paths))
	for p := range w.paths {
		out = append(out, p)
	}
	return out
}

// IsRunning 返回监听器是否在运行
func (w *FileWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

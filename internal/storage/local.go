// Package storage はジョブごとの一時作業ディレクトリを管理します。
//
// 保存先は <root>/<jobID>/in と <root>/<jobID>/out で、
// 完了後または有効期限経過後に丸ごと削除されます。
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrInvalidJobID は jobID が UUID 形式でない場合に返されます。
var ErrInvalidJobID = errors.New("storage: invalid job id")

// Workspace は1ジョブ分の作業ディレクトリです。
type Workspace struct {
	JobID  string
	Dir    string
	InDir  string
	OutDir string
}

// In は入力ディレクトリ内のパスを返します。
func (w Workspace) In(name string) string {
	return filepath.Join(w.InDir, name)
}

// Out は出力ディレクトリ内のパスを返します。
func (w Workspace) Out(name string) string {
	return filepath.Join(w.OutDir, name)
}

// Path は作業ディレクトリ直下のパスを返します。
func (w Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// Local はローカルファイルシステム上のワークスペース置き場です。
type Local struct {
	root   string
	ttl    time.Duration
	logger zerolog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewLocal は root 配下にワークスペースを作る Local を返します。
// ttl はワークスペースを自動削除するまでの時間です。
func NewLocal(root string, ttl time.Duration, logger zerolog.Logger) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		root = filepath.Join(os.TempDir(), "paperkit")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Local{
		root:   root,
		ttl:    ttl,
		logger: logger.With().Str("component", "storage").Logger(),
		timers: make(map[string]*time.Timer),
	}, nil
}

// Root はワークスペースの親ディレクトリです。
func (l *Local) Root() string { return l.root }

// TTL は自動削除までの時間です。
func (l *Local) TTL() time.Duration { return l.ttl }

// Create は新しい jobID でワークスペースを作成します。
func (l *Local) Create() (Workspace, error) {
	ws := l.workspace(uuid.NewString())
	for _, dir := range []string{ws.InDir, ws.OutDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			_ = os.RemoveAll(ws.Dir)
			return Workspace{}, fmt.Errorf("create workspace: %w", err)
		}
	}
	return ws, nil
}

// Open は既存ワークスペースを返します。存在しない場合は os.ErrNotExist を返します。
func (l *Local) Open(jobID string) (Workspace, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return Workspace{}, fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	ws := l.workspace(jobID)
	if _, err := os.Stat(ws.Dir); err != nil {
		return Workspace{}, err
	}
	return ws, nil
}

func (l *Local) workspace(jobID string) Workspace {
	dir := filepath.Join(l.root, jobID)
	return Workspace{
		JobID:  jobID,
		Dir:    dir,
		InDir:  filepath.Join(dir, "in"),
		OutDir: filepath.Join(dir, "out"),
	}
}

// Remove はワークスペースを削除し、予約済みの自動削除を取り消します。
func (l *Local) Remove(jobID string) error {
	if _, err := uuid.Parse(jobID); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	l.mu.Lock()
	if t, ok := l.timers[jobID]; ok {
		t.Stop()
		delete(l.timers, jobID)
	}
	l.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(l.root, jobID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Expire は TTL 経過後にワークスペースを削除するよう予約します。
func (l *Local) Expire(jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers[jobID]; ok {
		t.Stop()
	}
	l.timers[jobID] = time.AfterFunc(l.ttl, func() {
		l.mu.Lock()
		delete(l.timers, jobID)
		l.mu.Unlock()
		if err := os.RemoveAll(filepath.Join(l.root, jobID)); err != nil {
			l.logger.Warn().Err(err).Str("jobId", jobID).Msg("failed to remove expired workspace")
		}
	})
}

// Sweep は更新から TTL 以上経過したワークスペースを削除し、削除数を返します。
// 起動時に前回プロセスの残骸を掃除するために使います。
func (l *Local) Sweep(now time.Time) (int, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < l.ttl {
			continue
		}
		if err := os.RemoveAll(filepath.Join(l.root, e.Name())); err != nil {
			l.logger.Warn().Err(err).Str("jobId", e.Name()).Msg("failed to sweep workspace")
			continue
		}
		removed++
	}
	return removed, nil
}

// Close は予約済みの自動削除タイマーをすべて止めます。
func (l *Local) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
}

package store

import (
	"context"
	"sync"
)

// MemoryLog 是进程内日志，dev 默认后端，也是测试用的替身。
// 进程退出即丢失，语义上与持久后端一致：追加顺序即回放顺序。
type MemoryLog struct {
	mu    sync.Mutex
	rooms map[string][]Record
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{rooms: make(map[string][]Record)}
}

func (l *MemoryLog) Append(ctx context.Context, rec *Record) error {
	if rec.ID == "" || rec.Room == "" {
		return ErrEmptyRecord
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rooms[rec.Room] = append(l.rooms[rec.Room], *rec)
	return nil
}

func (l *MemoryLog) Replay(ctx context.Context, room string) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	src := l.rooms[room]
	out := make([]Record, len(src))
	copy(out, src)
	return out, nil
}

func (l *MemoryLog) Close() error { return nil }

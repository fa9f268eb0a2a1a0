package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Plannorium/curenium-sub004/internal/config"
)

// Record 是消息日志里的一条持久化记录。记录一旦写入即不可变，
// 编辑与删除以新消息类型引用原 id 表达，日志本身只追加。
type Record struct {
	ID        string    `gorm:"primaryKey;size:26" json:"id"`
	Room      string    `gorm:"index:idx_record_room;size:128;not null" json:"room"`
	UserID    string    `gorm:"size:64;not null" json:"user_id"`
	Username  string    `gorm:"size:64;not null" json:"username"`
	Content   string    `gorm:"type:text" json:"content"`
	FileID    string    `gorm:"size:64" json:"file_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Log 是房间 actor 独占的只追加消息日志。
// Append 返回 nil 之前消息不算送达；Replay 按追加顺序返回整个房间日志。
type Log interface {
	Append(ctx context.Context, rec *Record) error
	Replay(ctx context.Context, room string) ([]Record, error)
	Close() error
}

var ErrEmptyRecord = errors.New("record missing id or room")

// Open 按配置选择日志后端。
func Open(ctx context.Context, cfg config.Config) (Log, error) {
	switch cfg.StoreBackend {
	case "memory":
		return NewMemoryLog(), nil
	case "sqlite":
		return NewSQLiteLog(ctx, cfg.SQLitePath)
	case "postgres":
		return NewPostgresLog(cfg.DatabaseDSN)
	case "redis":
		return NewRedisLog(ctx, cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

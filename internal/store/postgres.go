package store

import (
	"context"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PostgresLog 把消息日志落在 Postgres，生产环境的默认选择。
type PostgresLog struct {
	db *gorm.DB
}

// NewPostgresLog 建立连接并迁移表结构，带简单重试等待容器就绪。
func NewPostgresLog(dsn string) (*PostgresLog, error) {
	var gdb *gorm.DB
	var err error
	for i := 0; i < 10; i++ {
		gdb, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err == nil {
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				sqlDB.SetMaxIdleConns(5)
				sqlDB.SetMaxOpenConns(20)
				sqlDB.SetConnMaxLifetime(time.Hour)
				if err3 := gdb.AutoMigrate(&Record{}); err3 != nil {
					return nil, err3
				}
				return &PostgresLog{db: gdb}, nil
			}
			err = err2
		}
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, err
}

func (l *PostgresLog) Append(ctx context.Context, rec *Record) error {
	if rec.ID == "" || rec.Room == "" {
		return ErrEmptyRecord
	}
	return l.db.WithContext(ctx).Create(rec).Error
}

// Replay 按主键升序返回整个房间的日志。ULID 词序即追加顺序。
func (l *PostgresLog) Replay(ctx context.Context, room string) ([]Record, error) {
	var recs []Record
	err := l.db.WithContext(ctx).Where("room = ?", room).Order("id asc").Find(&recs).Error
	return recs, err
}

func (l *PostgresLog) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

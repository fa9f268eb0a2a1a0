package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config 汇总实时服务的全部运行参数，由环境变量加载。
type Config struct {
	Port      string
	Env       string
	JWTSecret string

	// 消息日志后端：memory / sqlite / postgres / redis
	StoreBackend string
	DatabaseDSN  string
	SQLitePath   string
	RedisURL     string

	// 通知房间的内部推送口令（bcrypt hash，由 cmd/hashsecret 生成）
	IngestSecretHash string

	// 空闲房间回收间隔，0 表示关闭回收
	RoomSweepInterval time.Duration
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// Load 读取环境变量并应用默认值，dev 下会尝试加载 .env 文件。
func Load() Config {
	_ = godotenv.Load()

	sweepSec, _ := strconv.Atoi(getenv("ROOM_SWEEP_SECONDS", "60"))
	if sweepSec < 0 {
		sweepSec = 0
	}
	return Config{
		Port:              getenv("APP_PORT", "8080"),
		Env:               getenv("APP_ENV", "dev"),
		JWTSecret:         getenv("JWT_SECRET", "dev-secret-change-me"),
		StoreBackend:      getenv("STORE_BACKEND", "memory"),
		DatabaseDSN:       getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=curenium port=5432 sslmode=disable TimeZone=UTC"),
		SQLitePath:        getenv("SQLITE_PATH", "./data/rooms.db"),
		RedisURL:          getenv("REDIS_URL", "redis://localhost:6379/0"),
		IngestSecretHash:  os.Getenv("INGEST_SECRET_HASH"),
		RoomSweepInterval: time.Duration(sweepSec) * time.Second,
	}
}

// Validate 校验配置组合是否可用。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("port must not be empty")
	}
	switch cfg.StoreBackend {
	case "memory":
	case "sqlite":
		if cfg.SQLitePath == "" {
			return errors.New("sqlite backend requires SQLITE_PATH")
		}
	case "postgres":
		if cfg.DatabaseDSN == "" {
			return errors.New("postgres backend requires DATABASE_DSN")
		}
	case "redis":
		if cfg.RedisURL == "" {
			return errors.New("redis backend requires REDIS_URL")
		}
	default:
		return errors.New("unknown store backend: " + cfg.StoreBackend)
	}
	if cfg.Env != "dev" && cfg.JWTSecret == "dev-secret-change-me" {
		return errors.New("default JWT secret is not allowed outside dev")
	}
	return nil
}

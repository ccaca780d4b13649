package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// SQLConfig 描述 SQL 仓库的连接参数。Driver 取值 mysql 或 sqlite。
type SQLConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func openDatabase(ctx context.Context, cfg SQLConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("数据库 DSN 不能为空")
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	defaultOpen, defaultIdle := 20, 10
	switch driver {
	case "", "mysql":
		driver = "mysql"
	case "sqlite", "sqlite3":
		driver = "sqlite"
		// SQLite 只允许单写者。
		defaultOpen, defaultIdle = 1, 1
	default:
		return nil, fmt.Errorf("暂不支持的存储驱动: %s", cfg.Driver)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 %s 失败: %w", driver, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(defaultOpen)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(defaultIdle)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 %s: %w", driver, err)
	}
	return db, nil
}

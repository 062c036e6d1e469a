package database

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open 打开 SQLite 数据库并确保表结构存在
// 调用方负责在退出时 Close
func Open(dbPath string) (*sql.DB, error) {
	// 确保数据目录存在
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	// 添加连接参数：WAL模式、忙等待超时
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	// 限制连接池大小，SQLite 单写多读
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		model TEXT NOT NULL,
		tokens_in INTEGER NOT NULL,
		tokens_out INTEGER NOT NULL,
		cost REAL NOT NULL,
		latency_ms INTEGER NOT NULL,
		team TEXT NOT NULL,
		feature TEXT NOT NULL,
		environment TEXT NOT NULL,
		prompt_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_team ON usage_logs(team);
	CREATE INDEX IF NOT EXISTS idx_feature ON usage_logs(feature);
	CREATE INDEX IF NOT EXISTS idx_environment ON usage_logs(environment);
	CREATE INDEX IF NOT EXISTS idx_timestamp ON usage_logs(timestamp);
	`
	_, err := db.Exec(schema)
	return err
}

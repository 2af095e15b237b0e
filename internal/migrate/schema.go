package migrate

import (
	"database/sql"

	"terra-engine/internal/logger"
)

// 背景：首次运行自动创建分析记录与统计表
// 约束：使用 IF NOT EXISTS 避免与既有结构冲突；仅创建最小必需结构
func EnsureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS _terra_research_log (
            id BIGSERIAL PRIMARY KEY,
            session_id TEXT NOT NULL,
            crop TEXT NOT NULL,
            name TEXT NOT NULL,
            latitude DOUBLE PRECISION NOT NULL,
            longitude DOUBLE PRECISION NOT NULL,
            score DOUBLE PRECISION NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_research_session_name ON _terra_research_log(session_id, name)`,
		`CREATE INDEX IF NOT EXISTS idx_research_created ON _terra_research_log(created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS _terra_stats_daily (
            day DATE PRIMARY KEY,
            queries BIGINT NOT NULL DEFAULT 0,
            researched BIGINT NOT NULL DEFAULT 0
        )`,
	}
	for i, s := range stmts {
		logger.L().Debug("schema_exec", "idx", i)
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	logger.L().Debug("schema_done")
	return nil
}

package utils

import (
	"database/sql"

	"terra-engine/internal/config"

	_ "github.com/lib/pq"
)

// OpenPostgres：按配置打开连接池；未启用分析记录时返回 nil
func OpenPostgres(c config.Config) (*sql.DB, error) {
	if !c.ResearchLogEnable {
		return nil, nil
	}
	db, err := sql.Open("postgres", c.PostgresDSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(c.PGMaxOpenConns)
	db.SetMaxIdleConns(c.PGMaxIdleConns)
	return db, nil
}

// 包 store: 提供与 PostgreSQL 的数据访问层，记录用户分析地点与每日查询统计
package store

import (
	"context"
	"database/sql"
	"time"

	"terra-engine/internal/logger"

	_ "github.com/lib/pq"
)

// Store: 数据库访问入口，持有连接池
type Store struct {
	db *sql.DB
}

func AttachDB(db *sql.DB) *Store { return &Store{db: db} }

// Open: 使用 DSN 打开数据库连接并配置连接池参数
func Open(dsn string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	return &Store{db: db}, nil
}

// Close: 关闭数据库连接
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Research: 一条用户分析地点记录
type Research struct {
	Session   string    `json:"session"`
	Crop      string    `json:"crop"`
	Name      string    `json:"name"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// 文档注释：追加分析记录
// 约束：同一会话内同名地点只保留首次记录（唯一索引 + ON CONFLICT DO NOTHING）。
func (s *Store) RecordResearch(ctx context.Context, r Research) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO _terra_research_log(session_id, crop, name, latitude, longitude, score)
        VALUES($1,$2,$3,$4,$5,$6)
        ON CONFLICT (session_id, name) DO NOTHING`,
		r.Session, r.Crop, r.Name, r.Latitude, r.Longitude, r.Score)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	_, _ = s.db.ExecContext(ctx, "INSERT INTO _terra_stats_daily(day, researched) VALUES(current_date, 1) ON CONFLICT (day) DO UPDATE SET researched=_terra_stats_daily.researched+1")
	logger.L().Debug("research_recorded", "session", r.Session, "name", r.Name, "crop", r.Crop)
	return nil
}

// 文档注释：最近分析的地点
// 参数：crop 为空时不过滤作物；limit <= 0 时默认 50。
func (s *Store) RecentResearch(ctx context.Context, crop string, limit int) ([]Research, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT session_id, crop, name, latitude, longitude, score, created_at
        FROM _terra_research_log
        WHERE ($1 = '' OR lower(crop) = lower($1))
        ORDER BY created_at DESC
        LIMIT $2`, crop, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Research{}
	for rows.Next() {
		var r Research
		if err := rows.Scan(&r.Session, &r.Crop, &r.Name, &r.Latitude, &r.Longitude, &r.Score, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// IncrQueries: 作物查询后递增当日计数
func (s *Store) IncrQueries(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO _terra_stats_daily(day, queries) VALUES(current_date, 1) ON CONFLICT (day) DO UPDATE SET queries=_terra_stats_daily.queries+1")
	return err
}

// Totals: 统计返回结构，包含累计与当日次数
type Totals struct {
	Queries         int64 `json:"queries"`
	QueriesToday    int64 `json:"queries_today"`
	Researched      int64 `json:"researched"`
	ResearchedToday int64 `json:"researched_today"`
}

// GetTotals: 读取累计与当日次数
func (s *Store) GetTotals(ctx context.Context) (*Totals, error) {
	var t Totals
	row := s.db.QueryRowContext(ctx, "SELECT COALESCE(SUM(queries),0), COALESCE(SUM(researched),0) FROM _terra_stats_daily")
	if err := row.Scan(&t.Queries, &t.Researched); err != nil {
		return nil, err
	}
	row2 := s.db.QueryRowContext(ctx, "SELECT queries, researched FROM _terra_stats_daily WHERE day=current_date")
	_ = row2.Scan(&t.QueriesToday, &t.ResearchedToday)
	logger.L().Debug("stats_totals", "queries", t.Queries, "researched", t.Researched)
	return &t, nil
}

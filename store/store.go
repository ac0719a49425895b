// Package store 把完成的模拟运行及其重叠分析写入 SQLite, 只保存最终结果.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/wyfcoding/etflab/overlap"
	"github.com/wyfcoding/etflab/simulation"
	"github.com/wyfcoding/etflab/tracing"
	"github.com/wyfcoding/etflab/xerrors"
)

const schemaVersion = 1

// Store SQLite 运行结果库.
type Store struct {
	db *sql.DB
}

// Run 已保存运行的概要.
type Run struct {
	ID          string
	CreatedAt   time.Time
	Seed        int64
	NPortfolios int
	EtfCounts   []int
	TopPct      float64
	Score       string
	Selected    int
	Attempts    int
	TopSharpe   float64 // 入选组合的平均 Sharpe
	TraceID     string
}

// Open 打开 (必要时创建) 数据库并执行迁移. path 可以是 ":memory:".
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.ErrInternal, "open db").WithContext("path", path)
	}
	// 内存库每个连接各自独立, 单连接同时也避免 SQLite 写锁竞争.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(err, xerrors.ErrInternal, "ping db").WithContext("path", path)
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close 关闭数据库连接.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	version := 0
	// 首次运行时表不存在, 忽略错误.
	_ = s.db.QueryRowContext(ctx, "SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if version >= schemaVersion {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

		CREATE TABLE IF NOT EXISTS runs (
			id           TEXT PRIMARY KEY,
			created_at   TEXT NOT NULL,
			seed         INTEGER NOT NULL,
			n_portfolios INTEGER NOT NULL,
			etf_counts   TEXT NOT NULL,
			top_pct      REAL NOT NULL,
			score        TEXT NOT NULL,
			selected     INTEGER NOT NULL,
			attempts     INTEGER NOT NULL,
			top_sharpe   REAL,
			trace_id     TEXT,
			config_json  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);

		CREATE TABLE IF NOT EXISTS run_instruments (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			ticker TEXT NOT NULL,
			count  INTEGER NOT NULL,
			freq   REAL NOT NULL,
			PRIMARY KEY (run_id, ticker)
		);

		CREATE TABLE IF NOT EXISTS run_portfolios (
			run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			position   INTEGER NOT NULL,
			trial      INTEGER NOT NULL,
			members    TEXT NOT NULL,
			score      REAL,
			ann_return REAL,
			ann_vol    REAL,
			sharpe     REAL,
			max_dd     REAL,
			idio_share REAL,
			PRIMARY KEY (run_id, position)
		);

		INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`)
	if err != nil {
		return xerrors.Wrap(err, xerrors.ErrInternal, "migration v1")
	}
	return nil
}

// SaveRun 在一个事务中保存运行概要、入选组合与标的频次, 返回新生成的运行 ID.
func (s *Store) SaveRun(ctx context.Context, res *simulation.Result, rep *overlap.Report) (string, error) {
	id := uuid.NewString()
	counts, err := json.Marshal(res.Config.EtfCounts)
	if err != nil {
		return "", xerrors.Wrap(err, xerrors.ErrInternal, "encode etf_counts")
	}
	cfg, err := json.Marshal(res.Config)
	if err != nil {
		return "", xerrors.Wrap(err, xerrors.ErrInternal, "encode config")
	}
	topSharpe := rep.Summary.Top.Sharpe

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", xerrors.Wrap(err, xerrors.ErrInternal, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck // 提交后回滚为空操作.

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, created_at, seed, n_portfolios, etf_counts, top_pct, score, selected, attempts, top_sharpe, trace_id, config_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, time.Now().UTC().Format(time.RFC3339), res.Seed, len(res.Records), string(counts),
		rep.TopPct, rep.Metric, len(rep.Selected), res.Attempts, nullable(topSharpe), tracing.GetTraceID(ctx), string(cfg),
	)
	if err != nil {
		return "", xerrors.Wrap(err, xerrors.ErrInternal, "insert run")
	}

	instStmt, err := tx.PrepareContext(ctx, "INSERT INTO run_instruments (run_id, ticker, count, freq) VALUES (?, ?, ?, ?)")
	if err != nil {
		return "", xerrors.Wrap(err, xerrors.ErrInternal, "prepare run_instruments")
	}
	defer instStmt.Close()
	for _, c := range rep.Instruments {
		if _, err := instStmt.ExecContext(ctx, id, c.Key, c.Count, c.Freq); err != nil {
			return "", xerrors.Wrap(err, xerrors.ErrInternal, "insert run_instruments").WithContext("ticker", c.Key)
		}
	}

	portStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO run_portfolios (run_id, position, trial, members, score, ann_return, ann_vol, sharpe, max_dd, idio_share)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", xerrors.Wrap(err, xerrors.ErrInternal, "prepare run_portfolios")
	}
	defer portStmt.Close()
	for rank, rec := range rep.Selected {
		_, err := portStmt.ExecContext(ctx, id, rank+1, rec.Trial, rec.Portfolio.Key(),
			nullable(rec.Score), nullable(rec.Metrics.AnnReturn), nullable(rec.Metrics.AnnVol),
			nullable(rec.Metrics.Sharpe), nullable(rec.Metrics.MaxDrawdown), nullable(rec.IdioShare()))
		if err != nil {
			return "", xerrors.Wrap(err, xerrors.ErrInternal, "insert run_portfolios").WithContext("trial", rec.Trial)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", xerrors.Wrap(err, xerrors.ErrInternal, "commit run")
	}
	return id, nil
}

// ListRuns 返回最近的 limit 次运行, 新的在前.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, seed, n_portfolios, etf_counts, top_pct, score, selected, attempts, top_sharpe, COALESCE(trace_id, '')
		 FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.ErrInternal, "query runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r         Run
			created   string
			counts    string
			topSharpe sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &created, &r.Seed, &r.NPortfolios, &counts, &r.TopPct, &r.Score, &r.Selected, &r.Attempts, &topSharpe, &r.TraceID); err != nil {
			return nil, xerrors.Wrap(err, xerrors.ErrInternal, "scan run")
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, created)
		_ = json.Unmarshal([]byte(counts), &r.EtfCounts)
		r.TopSharpe = fromNull(topSharpe)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(err, xerrors.ErrInternal, "iterate runs")
	}
	return runs, nil
}

// Instruments 返回某次运行保存的标的频次表.
func (s *Store) Instruments(ctx context.Context, runID string) ([]overlap.Count, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT ticker, count, freq FROM run_instruments WHERE run_id = ? ORDER BY count DESC, ticker ASC", runID)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.ErrInternal, "query run_instruments")
	}
	defer rows.Close()

	var out []overlap.Count
	for rows.Next() {
		var c overlap.Count
		if err := rows.Scan(&c.Key, &c.Count, &c.Freq); err != nil {
			return nil, xerrors.Wrap(err, xerrors.ErrInternal, "scan run_instruments")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Portfolios 返回某次运行保存的入选组合成员, 按名次排列.
func (s *Store) Portfolios(ctx context.Context, runID string) ([][]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT members FROM run_portfolios WHERE run_id = ? ORDER BY position", runID)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.ErrInternal, "query run_portfolios")
	}
	defer rows.Close()

	var out [][]string
	for rows.Next() {
		var members string
		if err := rows.Scan(&members); err != nil {
			return nil, xerrors.Wrap(err, xerrors.ErrInternal, "scan run_portfolios")
		}
		out = append(out, strings.Split(members, ","))
	}
	return out, rows.Err()
}

// nullable SQLite 不存 NaN, 以 NULL 代替.
func nullable(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func fromNull(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/batchui/batchrun/internal/model"
)

const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// sortColumns whitelists the columns a listing can be ordered by.
var sortColumns = map[string]string{
	"":           "start_ms",
	"start_time": "start_ms",
	"end_time":   "end_ms",
	"status":     "status",
	"progress":   "progress",
	"script_id":  "script_id",
}

// Filter selects runs for List. Zero values impose no constraint.
type Filter struct {
	ScriptID string
	Status   model.Status
	From     time.Time // start time, inclusive
	To       time.Time // start time, inclusive
	Limit    int
	Page     int // 1 based
	SortBy   string
	Desc     bool
}

type Page struct {
	Runs       []model.Run
	Total      int
	Page       int
	Limit      int
	TotalPages int
}

// List returns a page of runs matching f.
func (s *Store) List(ctx context.Context, f Filter) (Page, error) {
	column, ok := sortColumns[f.SortBy]
	if !ok {
		return Page{}, fmt.Errorf("unsupported sort column %q", f.SortBy)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)
	page := max(f.Page, 1)

	var (
		where []string
		args  []any
	)
	if f.ScriptID != "" {
		where = append(where, "script_id = ?")
		args = append(args, f.ScriptID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.From.IsZero() {
		where = append(where, "start_ms >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		where = append(where, "start_ms <= ?")
		args = append(args, f.To.UnixMilli())
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}
	order := "ASC"
	if f.Desc {
		order = "DESC"
	}

	ret := Page{Page: page, Limit: limit}
	err := s.withTx(ctx, "", func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM runs`+cond), args...).Scan(&ret.Total); err != nil {
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		query := fmt.Sprintf(`SELECT %s FROM runs%s ORDER BY %s %s, id LIMIT ? OFFSET ?`, runColumns, cond, column, order)
		pageArgs := append(append([]any(nil), args...), limit, (page-1)*limit)
		runs, err := queryRuns(ctx, tx, s.rebind(query), pageArgs...)
		if err != nil {
			return err
		}
		ret.Runs = runs
		return nil
	})
	if err != nil {
		return Page{}, err
	}
	ret.TotalPages = (ret.Total + limit - 1) / limit
	return ret, nil
}

type Stats struct {
	Total    int
	ByStatus map[model.Status]int
}

// Stats counts runs per status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	ret := Stats{ByStatus: make(map[model.Status]int, len(model.Statuses))}
	for _, st := range model.Statuses {
		ret.ByStatus[st] = 0
	}
	err := s.withTx(ctx, "", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
		if err != nil {
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				status string
				count  int
			)
			if err := rows.Scan(&status, &count); err != nil {
				return fmt.Errorf("scanning row failed: %w", err)
			}
			ret.ByStatus[model.Status(status)] = count
			ret.Total += count
		}
		return rows.Err()
	})
	return ret, err
}

package repository

import (
	"context"
	"database/sql"
)

type RequestHistory struct {
	ID            int64
	RequestID     sql.NullString
	EnvironmentID sql.NullInt64
	Method        string
	Url           string
	BodyType      string
	RequestBody   string
	StatusCode    sql.NullInt64
	DurationMs    sql.NullInt64
	Error         sql.NullString
	Passed        bool
	Result        sql.NullString
	CreatedAt     sql.NullTime
}

const historyColumns = `id, request_id, environment_id, method, url, body_type, request_body,
	status_code, duration_ms, error, passed, result, created_at`

func scanHistory(row interface{ Scan(...interface{}) error }) (RequestHistory, error) {
	var h RequestHistory
	err := row.Scan(&h.ID, &h.RequestID, &h.EnvironmentID, &h.Method, &h.Url, &h.BodyType, &h.RequestBody,
		&h.StatusCode, &h.DurationMs, &h.Error, &h.Passed, &h.Result, &h.CreatedAt)
	return h, err
}

type CreateHistoryParams struct {
	RequestID     sql.NullString
	EnvironmentID sql.NullInt64
	Method        string
	Url           string
	BodyType      string
	RequestBody   string
	StatusCode    sql.NullInt64
	DurationMs    sql.NullInt64
	Error         sql.NullString
	Passed        bool
	Result        sql.NullString
}

func (q *Queries) CreateHistory(ctx context.Context, arg CreateHistoryParams) (RequestHistory, error) {
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO request_history
			(request_id, environment_id, method, url, body_type, request_body,
			 status_code, duration_ms, error, passed, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING `+historyColumns,
		arg.RequestID, arg.EnvironmentID, arg.Method, arg.Url, arg.BodyType, arg.RequestBody,
		arg.StatusCode, arg.DurationMs, arg.Error, arg.Passed, arg.Result)
	return scanHistory(row)
}

func (q *Queries) GetHistory(ctx context.Context, id int64) (RequestHistory, error) {
	return scanHistory(q.db.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM request_history WHERE id = ?`, id))
}

type ListHistoryParams struct {
	Limit  int64
	Offset int64
}

func (q *Queries) ListHistory(ctx context.Context, arg ListHistoryParams) ([]RequestHistory, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+historyColumns+` FROM request_history ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []RequestHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, h)
	}
	return items, rows.Err()
}

func (q *Queries) DeleteHistory(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM request_history WHERE id = ?`, id)
	return err
}

func (q *Queries) DeleteAllHistory(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM request_history`)
	return err
}

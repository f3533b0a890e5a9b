package repository

import (
	"context"
	"database/sql"
)

type UploadedFile struct {
	ID           int64
	OriginalName string
	StoredName   string
	ContentType  string
	Size         int64
	CreatedAt    sql.NullTime
}

const uploadColumns = `id, original_name, stored_name, content_type, size, created_at`

func scanUpload(row interface{ Scan(...interface{}) error }) (UploadedFile, error) {
	var f UploadedFile
	err := row.Scan(&f.ID, &f.OriginalName, &f.StoredName, &f.ContentType, &f.Size, &f.CreatedAt)
	return f, err
}

type CreateUploadedFileParams struct {
	OriginalName string
	StoredName   string
	ContentType  string
	Size         int64
}

func (q *Queries) CreateUploadedFile(ctx context.Context, arg CreateUploadedFileParams) (UploadedFile, error) {
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO uploaded_files (original_name, stored_name, content_type, size)
		VALUES (?, ?, ?, ?) RETURNING `+uploadColumns,
		arg.OriginalName, arg.StoredName, arg.ContentType, arg.Size)
	return scanUpload(row)
}

func (q *Queries) GetUploadedFile(ctx context.Context, id int64) (UploadedFile, error) {
	return scanUpload(q.db.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM uploaded_files WHERE id = ?`, id))
}

func (q *Queries) ListUploadedFiles(ctx context.Context) ([]UploadedFile, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+uploadColumns+` FROM uploaded_files ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []UploadedFile
	for rows.Next() {
		f, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, f)
	}
	return items, rows.Err()
}

func (q *Queries) DeleteUploadedFile(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM uploaded_files WHERE id = ?`, id)
	return err
}

// ListFormDataBodies returns the recorded request bodies that may reference
// uploads by stored name.
func (q *Queries) ListFormDataBodies(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT request_body FROM request_history WHERE body_type = 'form-data' AND request_body != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var bodies []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		bodies = append(bodies, b)
	}
	return bodies, rows.Err()
}

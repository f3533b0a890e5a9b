package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"courier/internal/model"
)

type Environment struct {
	ID        int64
	Name      string
	Variables string
	CreatedAt sql.NullTime
	UpdatedAt sql.NullTime
}

// Model decodes the stored variable list.
func (e Environment) Model() (model.Environment, error) {
	env := model.Environment{ID: e.ID, Name: e.Name, Variables: []model.Variable{}}
	if e.Variables == "" {
		return env, nil
	}
	if err := json.Unmarshal([]byte(e.Variables), &env.Variables); err != nil {
		return env, fmt.Errorf("environment %d: invalid variables: %w", e.ID, err)
	}
	return env, nil
}

const environmentColumns = `id, name, variables, created_at, updated_at`

func scanEnvironment(row interface{ Scan(...interface{}) error }) (Environment, error) {
	var e Environment
	var vars sql.NullString
	err := row.Scan(&e.ID, &e.Name, &vars, &e.CreatedAt, &e.UpdatedAt)
	e.Variables = vars.String
	return e, err
}

func (q *Queries) ListEnvironments(ctx context.Context) ([]Environment, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+environmentColumns+` FROM environments ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Environment
	for rows.Next() {
		e, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (q *Queries) GetEnvironment(ctx context.Context, id int64) (Environment, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+environmentColumns+` FROM environments WHERE id = ?`, id)
	return scanEnvironment(row)
}

type CreateEnvironmentParams struct {
	Name      string
	Variables []model.Variable
}

func (q *Queries) CreateEnvironment(ctx context.Context, arg CreateEnvironmentParams) (Environment, error) {
	vars, err := encodeVariables(arg.Variables)
	if err != nil {
		return Environment{}, err
	}
	row := q.db.QueryRowContext(ctx,
		`INSERT INTO environments (name, variables) VALUES (?, ?) RETURNING `+environmentColumns,
		arg.Name, vars)
	return scanEnvironment(row)
}

type UpdateEnvironmentParams struct {
	ID        int64
	Name      string
	Variables []model.Variable
}

func (q *Queries) UpdateEnvironment(ctx context.Context, arg UpdateEnvironmentParams) (Environment, error) {
	vars, err := encodeVariables(arg.Variables)
	if err != nil {
		return Environment{}, err
	}
	row := q.db.QueryRowContext(ctx,
		`UPDATE environments SET name = ?, variables = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? RETURNING `+environmentColumns,
		arg.Name, vars, arg.ID)
	return scanEnvironment(row)
}

func (q *Queries) DeleteEnvironment(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM environments WHERE id = ?`, id)
	return err
}

// LoadEnvironment returns the decoded environment and whether it exists.
func (q *Queries) LoadEnvironment(ctx context.Context, id int64) (model.Environment, bool, error) {
	row, err := q.GetEnvironment(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Environment{}, false, nil
	}
	if err != nil {
		return model.Environment{}, false, err
	}
	env, err := row.Model()
	if err != nil {
		return model.Environment{}, false, err
	}
	return env, true, nil
}

// ApplyChanges applies a script change-set to environment id. Writers to the
// same environment are serialized so concurrent executions cannot lose each
// other's updates.
func (q *Queries) ApplyChanges(ctx context.Context, id int64, changes model.EnvChanges) (model.Environment, error) {
	if changes.IsEmpty() {
		env, ok, err := q.LoadEnvironment(ctx, id)
		if err == nil && !ok {
			err = sql.ErrNoRows
		}
		return env, err
	}

	mu := q.locks.get(id)
	mu.Lock()
	defer mu.Unlock()

	var updated model.Environment
	err := q.inTx(ctx, func(tx *Queries) error {
		row, err := tx.GetEnvironment(ctx, id)
		if err != nil {
			return err
		}
		env, err := row.Model()
		if err != nil {
			return err
		}
		updated = env.WithChanges(changes)
		_, err = tx.UpdateEnvironment(ctx, UpdateEnvironmentParams{ID: id, Name: updated.Name, Variables: updated.Variables})
		return err
	})
	if err != nil {
		return model.Environment{}, fmt.Errorf("failed to apply environment changes: %w", err)
	}
	return updated, nil
}

func encodeVariables(vars []model.Variable) (string, error) {
	if vars == nil {
		vars = []model.Variable{}
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

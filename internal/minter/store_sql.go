package minter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pidserv/pkg/sentinel"
)

// SQLStore persists minter state as a JSON blob in the minters table, one row
// per shoulder prefix.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Load(ctx context.Context, prefix string) (*State, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM minters WHERE prefix = $1`, prefix).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select minter state: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode minter state: %w", err)
	}
	return &st, nil
}

func (s *SQLStore) Save(ctx context.Context, st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode minter state: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE minters SET state = $1, update_time = $2 WHERE prefix = $3`,
		raw, time.Now().Unix(), st.Prefix)
	if err != nil {
		return fmt.Errorf("update minter state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode minter state: %w", err)
	}
	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM minters WHERE prefix = $1`, st.Prefix).Scan(&exists)
	if err == nil {
		return sentinel.ErrAlreadyExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check minter state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO minters (prefix, state, update_time) VALUES ($1, $2, $3)`,
		st.Prefix, raw, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert minter state: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"pidserv/internal/queue"
	"pidserv/internal/search"
	"pidserv/pkg/anvl"
	"pidserv/pkg/sentinel"
)

// Store is the persistence contract the dispatch layer depends on. Mutators
// take the list of registrars whose queues must receive a row; the caller
// decides routing, the store guarantees atomicity.
type Store interface {
	CreateIdentifier(ctx context.Context, rec *Identifier, targets []queue.Registrar) error
	GetIdentifier(ctx context.Context, id string) (*Identifier, error)
	FindLongestPrefix(ctx context.Context, id string) (*Identifier, error)
	// UpdateIdentifier enqueues op, not necessarily OpUpdate: a transition out
	// of reserved is the registry's first sight of the identifier, so the
	// caller passes OpCreate.
	UpdateIdentifier(ctx context.Context, rec *Identifier, op queue.Op, targets []queue.Registrar) error
	DeleteIdentifier(ctx context.Context, rec *Identifier, targets []queue.Registrar) error
	ListByOwner(ctx context.Context, owner string) ([]*Identifier, error)
	SetCrossrefStatus(ctx context.Context, id string, st CrossrefStatus, msg string) error

	GetShoulder(ctx context.Context, prefix string) (*Shoulder, error)
	ListShoulders(ctx context.Context) ([]*Shoulder, error)
	CreateShoulder(ctx context.Context, sh *Shoulder) error

	GetUser(ctx context.Context, username string) (*User, error)
	CreateUser(ctx context.Context, u *User) error
	CreateGroup(ctx context.Context, g *Group) error
}

// SQLStore implements Store over database/sql. The SQL sticks to the subset
// shared by PostgreSQL (production) and SQLite (tests), so there is a single
// implementation for both.
type SQLStore struct {
	db        *sql.DB
	projector *search.Projector
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, projector: search.NewProjector()}
}

const identifierColumns = `identifier, owner, group_name, profile, target, status,
	export, create_time, update_time, metadata, crossref_status, crossref_message`

func scanIdentifier(row *sql.Row) (*Identifier, error) {
	var rec Identifier
	var status, metadata, crossrefStatus string
	err := row.Scan(&rec.Identifier, &rec.Owner, &rec.Group, &rec.Profile,
		&rec.Target, &status, &rec.Export, &rec.CreateTime, &rec.UpdateTime,
		&metadata, &crossrefStatus, &rec.CrossrefMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan identifier: %w", err)
	}
	st, reason, ok := ParseStatus(status)
	if !ok {
		return nil, fmt.Errorf("identifier %s: corrupt status %q", rec.Identifier, status)
	}
	rec.Status = st
	rec.StatusReason = reason
	rec.CrossrefStatus = CrossrefStatus(crossrefStatus)
	rec.Metadata, err = anvl.Parse(metadata)
	if err != nil {
		return nil, fmt.Errorf("identifier %s: corrupt metadata: %w", rec.Identifier, err)
	}
	return &rec, nil
}

func (s *SQLStore) CreateIdentifier(ctx context.Context, rec *Identifier, targets []queue.Registrar) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM identifiers WHERE identifier = $1`, rec.Identifier).Scan(&one)
	if err == nil {
		return fmt.Errorf("%s: %w", rec.Identifier, sentinel.ErrAlreadyExists)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check identifier: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO identifiers
		  (identifier, owner, group_name, profile, target, status, export,
		   create_time, update_time, metadata, crossref_status, crossref_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.Identifier, rec.Owner, rec.Group, rec.Profile, rec.Target,
		rec.statusValue(), rec.Export, rec.CreateTime, rec.UpdateTime,
		anvl.Format(rec.Metadata), string(rec.CrossrefStatus), rec.CrossrefMessage)
	if err != nil {
		return fmt.Errorf("insert identifier: %w", err)
	}

	if err := s.finishMutationTx(ctx, tx, rec, queue.OpCreate, targets); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) GetIdentifier(ctx context.Context, id string) (*Identifier, error) {
	return scanIdentifier(s.db.QueryRowContext(ctx,
		`SELECT `+identifierColumns+` FROM identifiers WHERE identifier = $1`, id))
}

// FindLongestPrefix returns the record whose identifier is the longest prefix
// of id. Resolution requests may carry extra suffix characters that the
// registrant intends to pass through to the target.
func (s *SQLStore) FindLongestPrefix(ctx context.Context, id string) (*Identifier, error) {
	// SUBSTR instead of LIKE: identifiers may themselves contain the LIKE
	// metacharacters % and _.
	return scanIdentifier(s.db.QueryRowContext(ctx,
		`SELECT `+identifierColumns+` FROM identifiers
		 WHERE identifier = SUBSTR($1, 1, LENGTH(identifier))
		 ORDER BY LENGTH(identifier) DESC
		 LIMIT 1`, id))
}

func (s *SQLStore) ListByOwner(ctx context.Context, owner string) ([]*Identifier, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+identifierColumns+` FROM identifiers
		 WHERE owner = $1 ORDER BY identifier`, owner)
	if err != nil {
		return nil, fmt.Errorf("list by owner: %w", err)
	}
	defer rows.Close()
	var out []*Identifier
	for rows.Next() {
		var rec Identifier
		var status, metadata, crossrefStatus string
		if err := rows.Scan(&rec.Identifier, &rec.Owner, &rec.Group, &rec.Profile,
			&rec.Target, &status, &rec.Export, &rec.CreateTime, &rec.UpdateTime,
			&metadata, &crossrefStatus, &rec.CrossrefMessage); err != nil {
			return nil, fmt.Errorf("scan identifier: %w", err)
		}
		st, reason, ok := ParseStatus(status)
		if !ok {
			return nil, fmt.Errorf("identifier %s: corrupt status %q", rec.Identifier, status)
		}
		rec.Status = st
		rec.StatusReason = reason
		rec.CrossrefStatus = CrossrefStatus(crossrefStatus)
		if rec.Metadata, err = anvl.Parse(metadata); err != nil {
			return nil, fmt.Errorf("identifier %s: corrupt metadata: %w", rec.Identifier, err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// SetCrossrefStatus records asynchronous Crossref registration progress on
// the identifier row. A missing row is not an error: the identifier may have
// been deleted while its deposit was in flight.
func (s *SQLStore) SetCrossrefStatus(ctx context.Context, id string, st CrossrefStatus, msg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE identifiers SET crossref_status = $1, crossref_message = $2
		WHERE identifier = $3`, string(st), msg, id)
	if err != nil {
		return fmt.Errorf("set crossref status: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateIdentifier(ctx context.Context, rec *Identifier, op queue.Op, targets []queue.Registrar) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE identifiers SET
		  owner = $1, group_name = $2, profile = $3, target = $4, status = $5,
		  export = $6, update_time = $7, metadata = $8, crossref_status = $9,
		  crossref_message = $10
		WHERE identifier = $11`,
		rec.Owner, rec.Group, rec.Profile, rec.Target, rec.statusValue(),
		rec.Export, rec.UpdateTime, anvl.Format(rec.Metadata),
		string(rec.CrossrefStatus), rec.CrossrefMessage, rec.Identifier)
	if err != nil {
		return fmt.Errorf("update identifier: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%s: %w", rec.Identifier, sentinel.ErrNotFound)
	}

	if err := s.finishMutationTx(ctx, tx, rec, op, targets); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) DeleteIdentifier(ctx context.Context, rec *Identifier, targets []queue.Registrar) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM identifiers WHERE identifier = $1`, rec.Identifier)
	if err != nil {
		return fmt.Errorf("delete identifier: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%s: %w", rec.Identifier, sentinel.ErrNotFound)
	}

	now := time.Now().Unix()
	snapshot := rec.SnapshotANVL()
	for _, t := range targets {
		row := queue.Row{
			EnqueueTime: now,
			Identifier:  rec.Identifier,
			Operation:   queue.OpDelete,
			Metadata:    snapshot,
		}
		if err := queue.AppendTx(ctx, tx, t, &row); err != nil {
			return err
		}
	}
	if err := s.projector.DeleteTx(ctx, tx, rec.Identifier); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM link_checker WHERE identifier = $1`, rec.Identifier); err != nil {
		return fmt.Errorf("delete link_checker row: %w", err)
	}
	return tx.Commit()
}

// finishMutationTx does the in-transaction bookkeeping shared by create and
// update: queue rows for each target registrar, the search projection, and
// the link checker's work table.
func (s *SQLStore) finishMutationTx(ctx context.Context, tx *sql.Tx, rec *Identifier, op queue.Op, targets []queue.Registrar) error {
	now := time.Now().Unix()
	snapshot := rec.SnapshotANVL()
	for _, t := range targets {
		row := queue.Row{
			EnqueueTime: now,
			Identifier:  rec.Identifier,
			Operation:   op,
			Metadata:    snapshot,
		}
		if err := queue.AppendTx(ctx, tx, t, &row); err != nil {
			return err
		}
	}
	if err := s.projector.UpsertTx(ctx, tx, rec.searchDoc()); err != nil {
		return err
	}
	return s.syncLinkCheckerTx(ctx, tx, rec)
}

// syncLinkCheckerTx keeps the link checker's work table in step with the
// record: public identifiers with an HTTP target are checked, everything else
// is dropped. A target change resets the failure history.
func (s *SQLStore) syncLinkCheckerTx(ctx context.Context, tx *sql.Tx, rec *Identifier) error {
	if rec.Status != StatusPublic || !strings.HasPrefix(rec.Target, "http") {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM link_checker WHERE identifier = $1`, rec.Identifier); err != nil {
			return fmt.Errorf("drop link_checker row: %w", err)
		}
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO link_checker (identifier, owner, target)
		VALUES ($1, $2, $3)
		ON CONFLICT (identifier) DO UPDATE SET
		  owner = excluded.owner,
		  target = excluded.target,
		  last_check_time = CASE
		    WHEN link_checker.target <> excluded.target THEN 0
		    ELSE link_checker.last_check_time END,
		  num_failures = CASE
		    WHEN link_checker.target <> excluded.target THEN 0
		    ELSE link_checker.num_failures END,
		  is_bad = CASE
		    WHEN link_checker.target <> excluded.target THEN FALSE
		    ELSE link_checker.is_bad END,
		  error = CASE
		    WHEN link_checker.target <> excluded.target THEN ''
		    ELSE link_checker.error END`,
		rec.Identifier, rec.Owner, rec.Target)
	if err != nil {
		return fmt.Errorf("upsert link_checker row: %w", err)
	}
	return nil
}

func (s *SQLStore) GetShoulder(ctx context.Context, prefix string) (*Shoulder, error) {
	var sh Shoulder
	err := s.db.QueryRowContext(ctx, `
		SELECT prefix, name, minter_prefix, default_profile, agency, datacenter
		FROM shoulders WHERE prefix = $1`, prefix).
		Scan(&sh.Prefix, &sh.Name, &sh.MinterPrefix, &sh.DefaultProfile,
			&sh.Agency, &sh.Datacenter)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select shoulder: %w", err)
	}
	return &sh, nil
}

func (s *SQLStore) ListShoulders(ctx context.Context) ([]*Shoulder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT prefix, name, minter_prefix, default_profile, agency, datacenter
		FROM shoulders ORDER BY prefix`)
	if err != nil {
		return nil, fmt.Errorf("list shoulders: %w", err)
	}
	defer rows.Close()
	var out []*Shoulder
	for rows.Next() {
		var sh Shoulder
		if err := rows.Scan(&sh.Prefix, &sh.Name, &sh.MinterPrefix,
			&sh.DefaultProfile, &sh.Agency, &sh.Datacenter); err != nil {
			return nil, fmt.Errorf("scan shoulder: %w", err)
		}
		out = append(out, &sh)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateShoulder(ctx context.Context, sh *Shoulder) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM shoulders WHERE prefix = $1`, sh.Prefix).Scan(&one)
	if err == nil {
		return fmt.Errorf("shoulder %s: %w", sh.Prefix, sentinel.ErrAlreadyExists)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check shoulder: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shoulders (prefix, name, minter_prefix, default_profile, agency, datacenter)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sh.Prefix, sh.Name, sh.MinterPrefix, sh.DefaultProfile, sh.Agency, sh.Datacenter)
	if err != nil {
		return fmt.Errorf("insert shoulder: %w", err)
	}
	return nil
}

func (s *SQLStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT username, group_name, password_hash, is_admin
		FROM users WHERE username = $1`, username).
		Scan(&u.Username, &u.Group, &u.PasswordHash, &u.IsAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	return &u, nil
}

func (s *SQLStore) CreateUser(ctx context.Context, u *User) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM users WHERE username = $1`, u.Username).Scan(&one)
	if err == nil {
		return fmt.Errorf("user %s: %w", u.Username, sentinel.ErrAlreadyExists)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check user: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (username, group_name, password_hash, is_admin)
		VALUES ($1, $2, $3, $4)`,
		u.Username, u.Group, u.PasswordHash, u.IsAdmin)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *SQLStore) CreateGroup(ctx context.Context, g *Group) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (name, organization)
		VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING`, g.Name, g.Organization)
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

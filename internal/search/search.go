// Package search maintains the denormalized search_identifiers projection.
// The projection is written in the same transaction as the authoritative
// identifiers row and is rebuildable from it; this service maintains it but
// never queries it.
package search

import (
	"context"
	"database/sql"
	"fmt"
)

// Doc is the projected, searchable subset of an identifier record.
type Doc struct {
	Identifier      string
	Owner           string
	Group           string
	Scheme          string
	Profile         string
	Target          string
	Status          string
	CreateTime      int64
	UpdateTime      int64
	Creator         string
	Title           string
	Publisher       string
	PublicationDate string
}

// Projector writes projection rows. All writes run inside the caller's
// identifier-store transaction.
type Projector struct{}

func NewProjector() *Projector {
	return &Projector{}
}

// UpsertTx inserts or refreshes the projection row. A stale writer loses: the
// row is only overwritten when the incoming update time is not older than the
// stored one. A target change clears link_is_broken since the old verdict no
// longer applies.
func (p *Projector) UpsertTx(ctx context.Context, tx *sql.Tx, d *Doc) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO search_identifiers
		  (identifier, owner, group_name, scheme, profile, target, status,
		   create_time, update_time, creator, title, publisher, publication_date,
		   link_is_broken)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, FALSE)
		ON CONFLICT (identifier) DO UPDATE SET
		  owner = excluded.owner,
		  group_name = excluded.group_name,
		  scheme = excluded.scheme,
		  profile = excluded.profile,
		  target = excluded.target,
		  status = excluded.status,
		  create_time = excluded.create_time,
		  update_time = excluded.update_time,
		  creator = excluded.creator,
		  title = excluded.title,
		  publisher = excluded.publisher,
		  publication_date = excluded.publication_date,
		  link_is_broken = CASE
		    WHEN search_identifiers.target <> excluded.target THEN FALSE
		    ELSE search_identifiers.link_is_broken
		  END
		WHERE excluded.update_time >= search_identifiers.update_time`,
		d.Identifier, d.Owner, d.Group, d.Scheme, d.Profile, d.Target, d.Status,
		d.CreateTime, d.UpdateTime, d.Creator, d.Title, d.Publisher,
		d.PublicationDate)
	if err != nil {
		return fmt.Errorf("upsert search row: %w", err)
	}
	return nil
}

// DeleteTx removes the projection row.
func (p *Projector) DeleteTx(ctx context.Context, tx *sql.Tx, identifier string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM search_identifiers WHERE identifier = $1`, identifier); err != nil {
		return fmt.Errorf("delete search row: %w", err)
	}
	return nil
}

// SetLinkBroken records the link checker's verdict on the projection row.
// Runs outside any store transaction; a concurrent target change wins because
// the upsert clears the flag again.
func SetLinkBroken(ctx context.Context, db *sql.DB, identifier string, broken bool) error {
	if _, err := db.ExecContext(ctx,
		`UPDATE search_identifiers SET link_is_broken = $1 WHERE identifier = $2`,
		broken, identifier); err != nil {
		return fmt.Errorf("set link_is_broken: %w", err)
	}
	return nil
}

// citationFields maps each projected field to the metadata labels that can
// supply it, in priority order across the supported profiles.
var citationFields = map[string][]string{
	"creator":   {"erc.who", "dc.creator", "datacite.creator"},
	"title":     {"erc.what", "dc.title", "datacite.title"},
	"publisher": {"dc.publisher", "datacite.publisher"},
	"date":      {"erc.when", "dc.date", "datacite.publicationyear"},
}

// MapCitation extracts the searchable citation subset from raw metadata.
func MapCitation(metadata map[string]string) (creator, title, publisher, date string) {
	pick := func(field string) string {
		for _, label := range citationFields[field] {
			if v := metadata[label]; v != "" {
				return v
			}
		}
		return ""
	}
	return pick("creator"), pick("title"), pick("publisher"), pick("date")
}

package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/tasksync/internal/entity"
)

const selectColumns = `
	SELECT seq, event, token, kind, entity_id, parent, revision, entity, ids, detail, digest
	FROM entries`

// ReadAll returns every entry ordered by seq.
func (j *Journal) ReadAll(ctx context.Context) ([]Entry, error) {
	return j.query(ctx, selectColumns+` ORDER BY seq ASC`)
}

// ReadToken returns the entries recorded for one correlation token.
func (j *Journal) ReadToken(ctx context.Context, token string) ([]Entry, error) {
	return j.query(ctx, selectColumns+` WHERE token = ? ORDER BY seq ASC`, token)
}

// ReadEntity returns the entries recorded for one entity.
func (j *Journal) ReadEntity(ctx context.Context, kind entity.Kind, id string) ([]Entry, error) {
	return j.query(ctx, selectColumns+` WHERE kind = ? AND entity_id = ? ORDER BY seq ASC`, string(kind), id)
}

func (j *Journal) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e          Entry
		event      string
		kind       string
		entityJSON sql.NullString
		idsJSON    sql.NullString
	)
	if err := rows.Scan(&e.Seq, &event, &e.Token, &kind, &e.ID, &e.Parent, &e.Revision,
		&entityJSON, &idsJSON, &e.Detail, &e.Digest); err != nil {
		return Entry{}, fmt.Errorf("scan entry: %w", err)
	}
	e.Event = EventType(event)
	e.Kind = entity.Kind(kind)
	if entityJSON.Valid {
		var ent entity.Entity
		if err := json.Unmarshal([]byte(entityJSON.String), &ent); err != nil {
			return Entry{}, fmt.Errorf("entry %d: unmarshal entity: %w", e.Seq, err)
		}
		e.Entity = &ent
	}
	if idsJSON.Valid {
		if err := json.Unmarshal([]byte(idsJSON.String), &e.IDs); err != nil {
			return Entry{}, fmt.Errorf("entry %d: unmarshal ids: %w", e.Seq, err)
		}
	}
	return e, nil
}

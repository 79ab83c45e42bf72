package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/tasksync/internal/ir"
)

// Append writes an entry and returns its seq. Entity payloads are digested
// before they are stored.
func (j *Journal) Append(ctx context.Context, e Entry) (int64, error) {
	var entityJSON, idsJSON any
	digest := e.Digest
	if e.Entity != nil {
		data, err := json.Marshal(e.Entity)
		if err != nil {
			return 0, fmt.Errorf("append %s: marshal entity: %w", e.Event, err)
		}
		entityJSON = string(data)
		if e.Entity.Fields != nil {
			digest, err = ir.FieldsHash(e.Entity.Fields.Object())
			if err != nil {
				return 0, fmt.Errorf("append %s: %w", e.Event, err)
			}
		}
		if e.Kind == "" {
			e.Kind = e.Entity.Kind
		}
		if e.ID == "" {
			e.ID = e.Entity.ID
		}
		if e.Revision == 0 {
			e.Revision = e.Entity.Revision
		}
	}
	if e.IDs != nil {
		data, err := json.Marshal(e.IDs)
		if err != nil {
			return 0, fmt.Errorf("append %s: marshal ids: %w", e.Event, err)
		}
		idsJSON = string(data)
	}

	res, err := j.db.ExecContext(ctx, `
		INSERT INTO entries
		(event, token, kind, entity_id, parent, revision, entity, ids, detail, digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(e.Event),
		e.Token,
		string(e.Kind),
		e.ID,
		e.Parent,
		e.Revision,
		entityJSON,
		idsJSON,
		e.Detail,
		digest,
	)
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", e.Event, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", e.Event, err)
	}
	return seq, nil
}

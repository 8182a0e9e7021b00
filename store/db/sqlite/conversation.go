package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/duetchat/duet/store"
)

func (d *DB) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	var payload string
	err := d.db.QueryRowContext(ctx, `SELECT payload FROM conversation WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get conversation")
	}
	return decodeConversation(payload)
}

func (d *DB) UpsertConversation(ctx context.Context, conversation *store.Conversation) error {
	payload, err := json.Marshal(conversation)
	if err != nil {
		return errors.Wrap(err, "failed to encode conversation")
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO conversation (id, title, project_id, created_ts, updated_ts, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			project_id = excluded.project_id,
			updated_ts = excluded.updated_ts,
			payload = excluded.payload`,
		conversation.ID, conversation.Title, conversation.ProjectID,
		conversation.CreatedTs, conversation.UpdatedTs, string(payload),
	)
	if err != nil {
		return errors.Wrap(err, "failed to upsert conversation")
	}
	return nil
}

func (d *DB) DeleteConversation(ctx context.Context, id string) error {
	result, err := d.db.ExecContext(ctx, `DELETE FROM conversation WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete conversation")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (d *DB) ListConversations(ctx context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.ProjectID != nil {
		where, args = append(where, "project_id = ?"), append(args, *find.ProjectID)
	}

	query := `SELECT payload FROM conversation WHERE ` + strings.Join(where, " AND ") + ` ORDER BY updated_ts DESC`
	if find.Limit != nil {
		query += " LIMIT ?"
		args = append(args, *find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list conversations")
	}
	defer rows.Close()

	list := make([]*store.Conversation, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "failed to scan conversation")
		}
		conversation, err := decodeConversation(payload)
		if err != nil {
			return nil, err
		}
		list = append(list, conversation)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate conversations")
	}
	return list, nil
}

func decodeConversation(payload string) (*store.Conversation, error) {
	conversation := &store.Conversation{}
	if err := json.Unmarshal([]byte(payload), conversation); err != nil {
		return nil, errors.Wrap(err, "failed to decode conversation payload")
	}
	return conversation, nil
}

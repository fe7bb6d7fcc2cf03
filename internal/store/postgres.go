package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/datastore"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS wa_contacts (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		phone TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		last_message_at TIMESTAMPTZ,
		last_message_preview TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		tags TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (tenant_id, phone)
	)`,
	`CREATE TABLE IF NOT EXISTS wa_messages (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		contact_id TEXT NOT NULL REFERENCES wa_contacts(id),
		external_id TEXT NOT NULL DEFAULT '',
		dedupe_key TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		sender_id TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'text',
		status TEXT NOT NULL DEFAULT 'delivered',
		created_at TIMESTAMPTZ NOT NULL,
		inserted_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS wa_messages_dedupe_idx ON wa_messages (tenant_id, contact_id, dedupe_key)`,
	`CREATE INDEX IF NOT EXISTS wa_messages_contact_created_idx ON wa_messages (contact_id, created_at DESC)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS wa_messages_external_idx ON wa_messages (tenant_id, external_id) WHERE external_id <> ''`,
}

const (
	contactColumns = `id, tenant_id, phone, name, avatar_url, last_message_at, last_message_preview, status, tags, created_at, updated_at`
	messageColumns = `id, tenant_id, contact_id, external_id, dedupe_key, content, sender_id, type, status, created_at`
)

type contactRow struct {
	ID                 string         `db:"id"`
	TenantID           string         `db:"tenant_id"`
	Phone              string         `db:"phone"`
	Name               string         `db:"name"`
	AvatarURL          string         `db:"avatar_url"`
	LastMessageAt      sql.NullTime   `db:"last_message_at"`
	LastMessagePreview string         `db:"last_message_preview"`
	Status             string         `db:"status"`
	Tags               pq.StringArray `db:"tags"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (r contactRow) contact() Contact {
	c := Contact{
		ID:                 r.ID,
		TenantID:           r.TenantID,
		Phone:              r.Phone,
		Name:               r.Name,
		AvatarURL:          r.AvatarURL,
		LastMessagePreview: r.LastMessagePreview,
		Status:             ContactStatus(r.Status),
		Tags:               append([]string{}, r.Tags...),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.LastMessageAt.Valid {
		c.LastMessageAt = r.LastMessageAt.Time
	}
	return c
}

type messageRow struct {
	ID         string    `db:"id"`
	TenantID   string    `db:"tenant_id"`
	ContactID  string    `db:"contact_id"`
	ExternalID string    `db:"external_id"`
	DedupeKey  string    `db:"dedupe_key"`
	Content    string    `db:"content"`
	SenderID   string    `db:"sender_id"`
	Type       string    `db:"type"`
	Status     string    `db:"status"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r messageRow) message() Message {
	return Message{
		ID:         r.ID,
		TenantID:   r.TenantID,
		ContactID:  r.ContactID,
		ExternalID: r.ExternalID,
		DedupeKey:  r.DedupeKey,
		Content:    r.Content,
		SenderID:   r.SenderID,
		Type:       MessageType(r.Type),
		Status:     MessageStatus(r.Status),
		CreatedAt:  r.CreatedAt,
	}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// Postgres stores contacts and messages in wa_contacts / wa_messages.
// Upserts run inside a transaction holding a row lock on the contact.
type Postgres struct {
	db *sqlx.DB
}

func NewPostgres(ctx context.Context, db *sqlx.DB) (*Postgres, error) {
	if err := datastore.Migrate(ctx, db, schema...); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) UpsertContact(ctx context.Context, in Contact) (UpsertResult, error) {
	if err := validateContact(in); err != nil {
		return UpsertResult{}, err
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return UpsertResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	lockQuery := `SELECT ` + contactColumns + ` FROM wa_contacts WHERE tenant_id = $1 AND phone = $2 FOR UPDATE`

	var row contactRow
	err = tx.GetContext(ctx, &row, lockQuery, in.TenantID, in.Phone)
	if errors.Is(err, sql.ErrNoRows) {
		c := newContact(in, uuid.NewString(), now)
		var res sql.Result
		res, err = tx.ExecContext(ctx, `INSERT INTO wa_contacts (`+contactColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (tenant_id, phone) DO NOTHING`,
			c.ID, c.TenantID, c.Phone, c.Name, c.AvatarURL, nullTime(c.LastMessageAt), c.LastMessagePreview,
			string(c.Status), pq.StringArray(c.Tags), c.CreatedAt, c.UpdatedAt)
		if err != nil {
			return UpsertResult{}, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			if err := tx.Commit(); err != nil {
				return UpsertResult{}, err
			}
			return UpsertResult{Contact: c, Created: true, Advanced: !c.LastMessageAt.IsZero()}, nil
		}
		// a concurrent sync inserted the same phone first
		err = tx.GetContext(ctx, &row, lockQuery, in.TenantID, in.Phone)
	}
	if err != nil {
		return UpsertResult{}, err
	}

	merged, changed, advanced := mergeContact(row.contact(), in, now)
	if changed {
		_, err = tx.ExecContext(ctx, `UPDATE wa_contacts
			SET name = $1, avatar_url = $2, last_message_at = $3, last_message_preview = $4, updated_at = $5
			WHERE id = $6`,
			merged.Name, merged.AvatarURL, nullTime(merged.LastMessageAt), merged.LastMessagePreview, merged.UpdatedAt, merged.ID)
		if err != nil {
			return UpsertResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, err
	}
	return UpsertResult{Contact: merged, Advanced: advanced}, nil
}

func (p *Postgres) InsertMessage(ctx context.Context, in Message) (InsertResult, error) {
	if err := validateMessage(in); err != nil {
		return InsertResult{}, err
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return InsertResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// serializes concurrent inserts for one contact
	if _, err := tx.ExecContext(ctx, `SELECT 1 FROM wa_contacts WHERE id = $1 FOR UPDATE`, in.ContactID); err != nil {
		return InsertResult{}, err
	}

	msg := prepareMessage(in, uuid.NewString(), time.Now().UTC())

	if msg.ExternalID != "" {
		var existing messageRow
		err := tx.GetContext(ctx, &existing, `SELECT `+messageColumns+` FROM wa_messages WHERE tenant_id = $1 AND external_id = $2`,
			msg.TenantID, msg.ExternalID)
		if err == nil {
			return p.advanceTx(ctx, tx, existing.message(), msg.Status)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return InsertResult{}, err
		}
	}

	if msg.DedupeKey != "" {
		var rows []messageRow
		err = tx.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM wa_messages
			WHERE tenant_id = $1 AND contact_id = $2 AND dedupe_key = $3 ORDER BY inserted_at`,
			msg.TenantID, msg.ContactID, msg.DedupeKey)
		if err != nil {
			return InsertResult{}, err
		}
		candidates := make([]Message, 0, len(rows))
		for _, r := range rows {
			candidates = append(candidates, r.message())
		}
		if dup, ok := matchDuplicate(msg, candidates); ok {
			if dup.ExternalID == "" && msg.ExternalID != "" {
				if _, err := tx.ExecContext(ctx, `UPDATE wa_messages SET external_id = $1 WHERE id = $2 AND external_id = ''`,
					msg.ExternalID, dup.ID); err != nil {
					return InsertResult{}, err
				}
				dup.ExternalID = msg.ExternalID
			}
			return p.advanceTx(ctx, tx, dup, msg.Status)
		}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO wa_messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msg.ID, msg.TenantID, msg.ContactID, msg.ExternalID, msg.DedupeKey, msg.Content, msg.SenderID,
		string(msg.Type), string(msg.Status), msg.CreatedAt)
	if err != nil {
		return InsertResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return InsertResult{}, err
	}
	return InsertResult{Message: msg, Inserted: true}, nil
}

func (p *Postgres) advanceTx(ctx context.Context, tx *sqlx.Tx, existing Message, status MessageStatus) (InsertResult, error) {
	res := InsertResult{Message: existing}
	if CanAdvance(existing.Status, status) {
		if _, err := tx.ExecContext(ctx, `UPDATE wa_messages SET status = $1 WHERE id = $2`, string(status), existing.ID); err != nil {
			return InsertResult{}, err
		}
		res.Message.Status = status
		res.StatusUpdated = true
	}
	if err := tx.Commit(); err != nil {
		return InsertResult{}, err
	}
	return res, nil
}

func (p *Postgres) UpdateMessageStatus(ctx context.Context, tenantID, externalID string, status MessageStatus) (bool, error) {
	from := advanceableFrom(status)
	if externalID == "" || len(from) == 0 {
		return false, nil
	}
	res, err := p.db.ExecContext(ctx, `UPDATE wa_messages SET status = $1
		WHERE tenant_id = $2 AND external_id = $3 AND status = ANY($4)`,
		string(status), tenantID, externalID, pq.Array(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *Postgres) ContactByPhone(ctx context.Context, tenantID, phone string) (Contact, error) {
	var row contactRow
	err := p.db.GetContext(ctx, &row, `SELECT `+contactColumns+` FROM wa_contacts WHERE tenant_id = $1 AND phone = $2`, tenantID, phone)
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	if err != nil {
		return Contact{}, err
	}
	return row.contact(), nil
}

func (p *Postgres) ListContacts(ctx context.Context, tenantID string, limit, offset int) ([]Contact, error) {
	if limit <= 0 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	var rows []contactRow
	err := p.db.SelectContext(ctx, &rows, `SELECT `+contactColumns+` FROM wa_contacts
		WHERE tenant_id = $1
		ORDER BY last_message_at DESC NULLS LAST, phone
		LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]Contact, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.contact())
	}
	return out, nil
}

func (p *Postgres) ListMessages(ctx context.Context, tenantID, contactID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 1000
	}
	var rows []messageRow
	err := p.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM wa_messages
			WHERE tenant_id = $1 AND contact_id = $2
			ORDER BY created_at DESC
			LIMIT $3
		) recent ORDER BY created_at`, tenantID, contactID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.message())
	}
	return out, nil
}

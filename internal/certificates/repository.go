package certificates

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"event-certs/certificate-backend/internal/apperrors"
)

type Repository interface {
	Migrate(ctx context.Context) error

	Create(ctx context.Context, c *Certificate) error
	CreateMany(ctx context.Context, certs []Certificate) error
	Get(ctx context.Context, id string) (*Certificate, error)
	List(ctx context.Context, filter Filter) ([]Certificate, error)
	CountByStatus(ctx context.Context, eventID string) (map[Status]int, error)
	Delete(ctx context.Context, id string) error
	DeleteByEvent(ctx context.Context, eventID string) error

	// Transition applies t only while the stored status is one of from.
	Transition(ctx context.Context, id string, from []Status, t Transition) error
	// RepointPending changes the template and data signature of a record
	// that is still pending.
	RepointPending(ctx context.Context, id, templateRef string, dataSignature *string) (bool, error)
}

type sqlRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &sqlRepository{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS certificates (
	id             VARCHAR(64) PRIMARY KEY,
	event_id       VARCHAR(64) NOT NULL,
	event_name     TEXT NOT NULL DEFAULT '',
	student_id     VARCHAR(64) NOT NULL,
	email          TEXT NOT NULL DEFAULT '',
	cert_number    TEXT NOT NULL DEFAULT '',
	name           TEXT NOT NULL,
	course         TEXT NOT NULL DEFAULT '',
	part           INTEGER NOT NULL DEFAULT 0,
	group_name     TEXT NOT NULL DEFAULT '',
	event_date     VARCHAR(10) NOT NULL,
	template_ref   TEXT NOT NULL DEFAULT '',
	data_signature TEXT,
	status         VARCHAR(16) NOT NULL DEFAULT 'pending',
	document_ref   TEXT,
	signed_at      TIMESTAMP,
	error_message  TEXT,
	signature_info TEXT NOT NULL DEFAULT '{}',
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_certificates_event ON certificates (event_id);
CREATE INDEX IF NOT EXISTS idx_certificates_status ON certificates (status);
`

func (r *sqlRepository) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

const insertQuery = `
	INSERT INTO certificates (
		id, event_id, event_name, student_id, email, cert_number, name, course,
		part, group_name, event_date, template_ref, data_signature, status,
		document_ref, signed_at, error_message, signature_info, created_at, updated_at
	) VALUES (
		:id, :event_id, :event_name, :student_id, :email, :cert_number, :name, :course,
		:part, :group_name, :event_date, :template_ref, :data_signature, :status,
		:document_ref, :signed_at, :error_message, :signature_info, :created_at, :updated_at
	)`

func (r *sqlRepository) Create(ctx context.Context, c *Certificate) error {
	prepareInsert(c)
	_, err := r.db.NamedExecContext(ctx, insertQuery, c)
	return err
}

func (r *sqlRepository) CreateMany(ctx context.Context, certs []Certificate) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := range certs {
		prepareInsert(&certs[i])
		if _, err := tx.NamedExecContext(ctx, insertQuery, &certs[i]); err != nil {
			return fmt.Errorf("insert certificate %s: %w", certs[i].ID, err)
		}
	}
	return tx.Commit()
}

func prepareInsert(c *Certificate) {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = StatusPending
	}
	if len(c.SignatureInfo) == 0 {
		c.SignatureInfo = []byte("{}")
	}
}

func (r *sqlRepository) Get(ctx context.Context, id string) (*Certificate, error) {
	var c Certificate
	err := r.db.GetContext(ctx, &c, r.db.Rebind("SELECT * FROM certificates WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *sqlRepository) List(ctx context.Context, filter Filter) ([]Certificate, error) {
	certs := []Certificate{}
	query := "SELECT * FROM certificates WHERE 1=1"
	var args []interface{}

	if filter.EventID != "" {
		query += " AND event_id = ?"
		args = append(args, filter.EventID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	err := r.db.SelectContext(ctx, &certs, r.db.Rebind(query), args...)
	return certs, err
}

func (r *sqlRepository) CountByStatus(ctx context.Context, eventID string) (map[Status]int, error) {
	var rows []struct {
		Status Status `db:"status"`
		Count  int    `db:"n"`
	}
	err := r.db.SelectContext(ctx, &rows,
		r.db.Rebind("SELECT status, COUNT(*) AS n FROM certificates WHERE event_id = ? GROUP BY status"), eventID)
	if err != nil {
		return nil, err
	}
	out := map[Status]int{StatusPending: 0, StatusSigned: 0, StatusError: 0}
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

func (r *sqlRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind("DELETE FROM certificates WHERE id = ?"), id)
	return err
}

func (r *sqlRepository) DeleteByEvent(ctx context.Context, eventID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind("DELETE FROM certificates WHERE event_id = ?"), eventID)
	return err
}

func (r *sqlRepository) Transition(ctx context.Context, id string, from []Status, t Transition) error {
	if len(from) == 0 {
		from = t.From()
	}
	query, args, err := sqlx.In(`
		UPDATE certificates SET
			status = ?,
			document_ref = ?,
			signed_at = ?,
			error_message = ?,
			signature_info = ?,
			updated_at = ?
		WHERE id = ? AND status IN (?)`,
		t.To, t.DocumentRef, t.SignedAt, t.ErrorMessage, t.SignatureInfo, time.Now().UTC(), id, from)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return apperrors.NotFound(fmt.Sprintf("certificate %s not found", id), nil)
	}
	return apperrors.State(fmt.Sprintf("certificate %s is %s, cannot move to %s", id, current.Status, t.To), nil)
}

func (r *sqlRepository) RepointPending(ctx context.Context, id, templateRef string, dataSignature *string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE certificates SET template_ref = ?, data_signature = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		templateRef, dataSignature, time.Now().UTC(), id, StatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

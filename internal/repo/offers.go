package repo

import (
	"context"
	"database/sql"

	"rosterline/internal/domain"
)

// InsertOffer stores an offer. Re-inserting the same (request,
// volunteer) pair is a no-op so retried plan steps stay idempotent.
func (r Repo) InsertOffer(ctx context.Context, o domain.Offer) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO offers(request_id,volunteer_id,ministry,expires_at,created_at) VALUES (?,?,?,?,?) ON CONFLICT(request_id,volunteer_id) DO NOTHING`,
		o.RequestID, o.VolunteerID, o.Ministry, o.ExpiresAt, o.CreatedAt)
	return err
}

func (r Repo) GetOffer(ctx context.Context, requestID, volunteerID string) (domain.Offer, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT request_id,volunteer_id,ministry,expires_at,created_at FROM offers WHERE request_id=? AND volunteer_id=?`,
		requestID, volunteerID)
	var o domain.Offer
	err := row.Scan(&o.RequestID, &o.VolunteerID, &o.Ministry, &o.ExpiresAt, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

// LatestOfferForVolunteer returns the most recent open offer addressed to
// the volunteer, used to resolve a bare yes/no reply.
func (r Repo) LatestOfferForVolunteer(ctx context.Context, volunteerID string) (domain.Offer, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT request_id,volunteer_id,ministry,expires_at,created_at FROM offers WHERE volunteer_id=? ORDER BY created_at DESC LIMIT 1`,
		volunteerID)
	var o domain.Offer
	err := row.Scan(&o.RequestID, &o.VolunteerID, &o.Ministry, &o.ExpiresAt, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) DeleteOffer(ctx context.Context, requestID, volunteerID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM offers WHERE request_id=? AND volunteer_id=?`, requestID, volunteerID)
	return err
}

func (r Repo) InsertAssignment(ctx context.Context, a domain.Assignment) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO assignments(id,request_id,volunteer_id,ministry,state,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.RequestID, a.VolunteerID, a.Ministry, a.State, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) UpdateAssignmentState(ctx context.Context, id, state, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE assignments SET state=?, updated_at=? WHERE id=?`, state, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelAssignment marks the volunteer's live assignment on a request
// as cancelled.
func (r Repo) CancelAssignment(ctx context.Context, requestID, volunteerID, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE assignments SET state=?, updated_at=? WHERE request_id=? AND volunteer_id=? AND state!=?`,
		domain.AssignmentCancelled, updatedAt, requestID, volunteerID, domain.AssignmentCancelled)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAssignments returns assignments for a request, optionally filtered
// by state, oldest first. Release of excess headcount walks this list
// from the tail so the most recently accepted volunteers go first.
func (r Repo) ListAssignments(ctx context.Context, requestID, state string) ([]domain.Assignment, error) {
	query := `SELECT id,request_id,volunteer_id,ministry,state,created_at,updated_at FROM assignments WHERE request_id=?`
	args := []any{requestID}
	if state != "" {
		query += ` AND state=?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		var a domain.Assignment
		if err := rows.Scan(&a.ID, &a.RequestID, &a.VolunteerID, &a.Ministry, &a.State, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertMessage(ctx context.Context, m domain.MessageRecord) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO messages(key,to_phone,template,body,sent_at) VALUES (?,?,?,?,?)`,
		m.Key, m.To, m.Template, m.Body, m.SentAt)
	return err
}

func (r Repo) ListMessages(ctx context.Context, toPhone string, limit int) ([]domain.MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT key,to_phone,template,body,sent_at FROM messages`
	var args []any
	if toPhone != "" {
		query += ` WHERE to_phone=?`
		args = append(args, toPhone)
	}
	query += ` ORDER BY sent_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MessageRecord
	for rows.Next() {
		var m domain.MessageRecord
		if err := rows.Scan(&m.Key, &m.To, &m.Template, &m.Body, &m.SentAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"rosterline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertPerson(ctx context.Context, p domain.Person) error {
	ministries, err := json.Marshal(p.Ministries)
	if err != nil {
		return fmt.Errorf("marshal ministries: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO people(id,kind,full_name,phone,campus,ministries_json,is_active) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.Kind, p.FullName, p.Phone, p.Campus, string(ministries), boolToInt(p.IsActive))
	return err
}

func scanPerson(scan func(dest ...any) error) (domain.Person, error) {
	var p domain.Person
	var ministries string
	var active int
	err := scan(&p.ID, &p.Kind, &p.FullName, &p.Phone, &p.Campus, &ministries, &active)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(ministries), &p.Ministries); err != nil {
		return p, fmt.Errorf("person %s ministries: %w", p.ID, err)
	}
	p.IsActive = active != 0
	return p, nil
}

const personCols = `id,kind,full_name,phone,campus,ministries_json,is_active`

func (r Repo) GetPerson(ctx context.Context, id string) (domain.Person, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+personCols+` FROM people WHERE id=?`, id)
	return scanPerson(row.Scan)
}

func (r Repo) GetPersonByPhone(ctx context.Context, phone string) (domain.Person, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+personCols+` FROM people WHERE phone=?`, phone)
	return scanPerson(row.Scan)
}

// ListPeopleByMinistry returns active people serving the given ministry,
// optionally restricted to a campus.
func (r Repo) ListPeopleByMinistry(ctx context.Context, ministry, campus string) ([]domain.Person, error) {
	query := `SELECT ` + personCols + ` FROM people WHERE is_active=1`
	var args []any
	if campus != "" {
		query += ` AND campus=?`
		args = append(args, campus)
	}
	query += ` ORDER BY full_name`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	needle := strings.ToLower(strings.TrimSpace(ministry))
	var res []domain.Person
	for rows.Next() {
		p, err := scanPerson(rows.Scan)
		if err != nil {
			return nil, err
		}
		if needle == "" || hasMinistry(p, needle) {
			res = append(res, p)
		}
	}
	return res, rows.Err()
}

func hasMinistry(p domain.Person, needle string) bool {
	for _, m := range p.Ministries {
		if strings.ToLower(m) == needle {
			return true
		}
	}
	return false
}

func (r Repo) UpdatePersonActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE people SET is_active=? WHERE id=?`, boolToInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertFacility(ctx context.Context, f domain.Facility) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO facilities(id,name,capacity,location,notes) VALUES (?,?,?,?,?)`,
		f.ID, f.Name, f.Capacity, f.Location, f.Notes)
	return err
}

func (r Repo) ListFacilities(ctx context.Context) ([]domain.Facility, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,capacity,location,notes FROM facilities ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Facility
	for rows.Next() {
		var f domain.Facility
		if err := rows.Scan(&f.ID, &f.Name, &f.Capacity, &f.Location, &f.Notes); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

const eventCols = `id,title,description,COALESCE(start_at,''),COALESCE(end_at,''),COALESCE(facility_id,''),ministry,status,created_by,created_at`

func (r Repo) InsertEvent(ctx context.Context, e domain.Event) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO calendar_events(id,title,description,start_at,end_at,facility_id,ministry,status,created_by,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Title, e.Description, nullable(e.Start), nullable(e.End), nullable(e.FacilityID), e.Ministry, e.Status, e.CreatedBy, e.CreatedAt)
	return err
}

func scanEvent(scan func(dest ...any) error) (domain.Event, error) {
	var e domain.Event
	err := scan(&e.ID, &e.Title, &e.Description, &e.Start, &e.End, &e.FacilityID, &e.Ministry, &e.Status, &e.CreatedBy, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+eventCols+` FROM calendar_events WHERE id=?`, id)
	return scanEvent(row.Scan)
}

func (r Repo) ListEvents(ctx context.Context, status string) ([]domain.Event, error) {
	query := `SELECT ` + eventCols + ` FROM calendar_events`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ReplaceEvent rewrites every mutable column of an event row.
func (r Repo) ReplaceEvent(ctx context.Context, e domain.Event) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE calendar_events SET title=?,description=?,start_at=?,end_at=?,facility_id=?,ministry=?,status=? WHERE id=?`,
		e.Title, e.Description, nullable(e.Start), nullable(e.End), nullable(e.FacilityID), e.Ministry, e.Status, e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateEventStatus(ctx context.Context, id, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE calendar_events SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertService(ctx context.Context, s domain.Service) error {
	needs, err := json.Marshal(s.MinistriesNeeds)
	if err != nil {
		return fmt.Errorf("marshal ministries_needed: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO services(id,campus,start_at,end_at,ministries_needed_json) VALUES (?,?,?,?,?)`,
		s.ID, s.Campus, s.Start, s.End, string(needs))
	return err
}

func (r Repo) ListServices(ctx context.Context, campus string) ([]domain.Service, error) {
	query := `SELECT id,campus,start_at,end_at,ministries_needed_json FROM services`
	var args []any
	if campus != "" {
		query += ` WHERE campus=?`
		args = append(args, campus)
	}
	query += ` ORDER BY start_at`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Service
	for rows.Next() {
		var s domain.Service
		var needs string
		if err := rows.Scan(&s.ID, &s.Campus, &s.Start, &s.End, &needs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(needs), &s.MinistriesNeeds); err != nil {
			return nil, fmt.Errorf("service %s needs: %w", s.ID, err)
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertAnnouncement(ctx context.Context, a domain.Announcement) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO announcements(id,title,body,publish_on,created_by) VALUES (?,?,?,?,?)`,
		a.ID, a.Title, a.Body, a.PublishOn, a.CreatedBy)
	return err
}

func (r Repo) ListAnnouncements(ctx context.Context) ([]domain.Announcement, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,title,body,publish_on,created_by FROM announcements ORDER BY publish_on DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Announcement
	for rows.Next() {
		var a domain.Announcement
		if err := rows.Scan(&a.ID, &a.Title, &a.Body, &a.PublishOn, &a.CreatedBy); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListEventLog returns audit entries, newest first, capped at limit.
func (r Repo) ListEventLog(ctx context.Context, entityKind, entityID string, limit int) ([]domain.EventLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	var (
		conds []string
		args  []any
	)
	if entityKind != "" {
		conds = append(conds, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		conds = append(conds, "entity_id=?")
		args = append(args, entityID)
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EventLogEntry
	for rows.Next() {
		var e domain.EventLogEntry
		var payload string
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/t77yq/venueguard/internal/model"
)

const deviceColumns = `device_id, venue_id, name, address, port, health_url, username, password,
	resolution, active, health, last_heartbeat, connected_at, disconnected_at`

// SaveDevice implements DeviceStore.SaveDevice
func (s *SQLiteStore) SaveDevice(ctx context.Context, d *model.DeviceMetadata) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO devices (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DeviceID,
		d.VenueID,
		d.Name,
		d.Address,
		d.Port,
		d.HealthURL,
		d.Username,
		d.Password,
		d.Resolution,
		boolInt(d.Active),
		d.Health,
		nullNanos(d.LastHeartbeat),
		nullNanos(d.ConnectedAt),
		nullNanos(d.DisconnectedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}
	return nil
}

// GetDevice implements DeviceStore.GetDevice
func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*model.DeviceMetadata, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

// ListDevices implements DeviceStore.ListDevices
func (s *SQLiteStore) ListDevices(ctx context.Context, venueID string) ([]*model.DeviceMetadata, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices`
	var args []interface{}
	if venueID != "" {
		query += " WHERE venue_id = ?"
		args = append(args, venueID)
	}
	query += " ORDER BY device_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var out []*model.DeviceMetadata
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDevice(row scanner) (*model.DeviceMetadata, error) {
	var (
		d                                   model.DeviceMetadata
		name, healthURL, username, password sql.NullString
		resolution, health                  sql.NullString
		port                                sql.NullInt64
		active                              int
		lastHeartbeat, connectedAt          sql.NullInt64
		disconnectedAt                      sql.NullInt64
	)
	if err := row.Scan(&d.DeviceID, &d.VenueID, &name, &d.Address, &port, &healthURL, &username,
		&password, &resolution, &active, &health, &lastHeartbeat, &connectedAt, &disconnectedAt); err != nil {
		return nil, err
	}
	d.Name = name.String
	d.Port = int(port.Int64)
	d.HealthURL = healthURL.String
	d.Username = username.String
	d.Password = password.String
	d.Resolution = resolution.String
	d.Active = active != 0
	d.Health = model.StreamHealth(health.String)
	d.LastHeartbeat = fromNullNanos(lastHeartbeat)
	d.ConnectedAt = fromNullNanos(connectedAt)
	d.DisconnectedAt = fromNullNanos(disconnectedAt)
	return &d, nil
}

// SaveVenue implements VenueStore.SaveVenue
func (s *SQLiteStore) SaveVenue(ctx context.Context, v *model.Venue) error {
	cfg, err := json.Marshal(v.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal venue config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO venues (id, name, active, admin_id, config, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID, v.Name, boolInt(v.Active), v.AdminID, string(cfg), toNanos(v.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save venue: %w", err)
	}
	return nil
}

// GetVenue implements VenueStore.GetVenue
func (s *SQLiteStore) GetVenue(ctx context.Context, id string) (*model.Venue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, active, admin_id, config, created_at FROM venues WHERE id = ?`, id)
	v, err := scanVenue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get venue: %w", err)
	}
	return v, nil
}

// ListActiveVenues implements VenueStore.ListActiveVenues
func (s *SQLiteStore) ListActiveVenues(ctx context.Context) ([]*model.Venue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, active, admin_id, config, created_at FROM venues WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list venues: %w", err)
	}
	defer rows.Close()

	var out []*model.Venue
	for rows.Next() {
		v, err := scanVenue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan venue: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVenue(row scanner) (*model.Venue, error) {
	var (
		v         model.Venue
		active    int
		adminID   sql.NullString
		cfg       sql.NullString
		createdAt int64
	)
	if err := row.Scan(&v.ID, &v.Name, &active, &adminID, &cfg, &createdAt); err != nil {
		return nil, err
	}
	v.Active = active != 0
	v.AdminID = adminID.String
	v.CreatedAt = fromNanos(createdAt)
	if cfg.Valid && cfg.String != "" {
		if err := json.Unmarshal([]byte(cfg.String), &v.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal venue config: %w", err)
		}
	}
	return &v, nil
}

// SaveZone implements VenueStore.SaveZone
func (s *SQLiteStore) SaveZone(ctx context.Context, z *model.Zone) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO zones (id, venue_id, name, capacity) VALUES (?, ?, ?, ?)`,
		z.ID, z.VenueID, z.Name, z.Capacity,
	)
	if err != nil {
		return fmt.Errorf("failed to save zone: %w", err)
	}
	return nil
}

// ListZones implements VenueStore.ListZones
func (s *SQLiteStore) ListZones(ctx context.Context, venueID string) ([]*model.Zone, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, venue_id, name, capacity FROM zones WHERE venue_id = ? ORDER BY name`, venueID)
	if err != nil {
		return nil, fmt.Errorf("failed to list zones: %w", err)
	}
	defer rows.Close()

	var out []*model.Zone
	for rows.Next() {
		var z model.Zone
		if err := rows.Scan(&z.ID, &z.VenueID, &z.Name, &z.Capacity); err != nil {
			return nil, fmt.Errorf("failed to scan zone: %w", err)
		}
		out = append(out, &z)
	}
	return out, rows.Err()
}

const subjectColumns = `id, venue_id, name, guardian_id, checked_in, checked_in_at, face_recognition_enabled`

// SaveSubject implements VenueStore.SaveSubject
func (s *SQLiteStore) SaveSubject(ctx context.Context, sub *model.Subject) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO subjects (`+subjectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.ID,
		sub.VenueID,
		sub.Name,
		sub.GuardianID,
		boolInt(sub.CheckedIn),
		toNanos(sub.CheckedInAt),
		boolInt(sub.FaceRecognitionEnabled),
	)
	if err != nil {
		return fmt.Errorf("failed to save subject: %w", err)
	}
	return nil
}

// GetSubject implements VenueStore.GetSubject
func (s *SQLiteStore) GetSubject(ctx context.Context, id string) (*model.Subject, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE id = ?`, id)
	sub, err := scanSubject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subject: %w", err)
	}
	return sub, nil
}

// ListSubjects implements VenueStore.ListSubjects
func (s *SQLiteStore) ListSubjects(ctx context.Context, venueID string) ([]*model.Subject, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subjectColumns+` FROM subjects WHERE venue_id = ? ORDER BY id`, venueID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subjects: %w", err)
	}
	defer rows.Close()

	var out []*model.Subject
	for rows.Next() {
		sub, err := scanSubject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subject: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func scanSubject(row scanner) (*model.Subject, error) {
	var (
		sub         model.Subject
		guardianID  sql.NullString
		checkedIn   int
		checkedInAt sql.NullInt64
		faceEnabled int
	)
	if err := row.Scan(&sub.ID, &sub.VenueID, &sub.Name, &guardianID, &checkedIn, &checkedInAt, &faceEnabled); err != nil {
		return nil, err
	}
	sub.GuardianID = guardianID.String
	sub.CheckedIn = checkedIn != 0
	sub.CheckedInAt = fromNanos(checkedInAt.Int64)
	sub.FaceRecognitionEnabled = faceEnabled != 0
	return &sub, nil
}

// SaveRecipient implements VenueStore.SaveRecipient
func (s *SQLiteStore) SaveRecipient(ctx context.Context, r *model.Recipient) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO recipients (id, name, role, email, phone) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Role, r.Email, r.Phone,
	)
	if err != nil {
		return fmt.Errorf("failed to save recipient: %w", err)
	}
	return nil
}

// GetRecipient implements VenueStore.GetRecipient
func (s *SQLiteStore) GetRecipient(ctx context.Context, id string) (*model.Recipient, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, role, email, phone FROM recipients WHERE id = ?`, id)
	r, err := scanRecipient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recipient: %w", err)
	}
	return r, nil
}

// ListRecipientsByRole implements VenueStore.ListRecipientsByRole
func (s *SQLiteStore) ListRecipientsByRole(ctx context.Context, role model.RecipientRole) ([]*model.Recipient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, role, email, phone FROM recipients WHERE role = ? ORDER BY id`, role)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", err)
	}
	defer rows.Close()

	var out []*model.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRecipient(row scanner) (*model.Recipient, error) {
	var (
		r                  model.Recipient
		name, email, phone sql.NullString
	)
	if err := row.Scan(&r.ID, &name, &r.Role, &email, &phone); err != nil {
		return nil, err
	}
	r.Name = name.String
	r.Email = email.String
	r.Phone = phone.String
	return &r, nil
}

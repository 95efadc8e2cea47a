// Package postgres is the concrete Repository adapter, built on
// github.com/jackc/pgx/v5 (pgxpool). Adapted from the appliance daemon's
// checkin.DB: a struct wrapping a pool, one exported method per query,
// context.Context as the first argument, and fmt.Errorf("...: %w", err)
// wrapping throughout.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetcheck/scanner/internal/domain"
	"github.com/fleetcheck/scanner/internal/repository"
	"github.com/fleetcheck/scanner/internal/repository/crypto"
)

// DB wraps a pgx connection pool and the envelope used to encrypt device
// passwords at rest.
type DB struct {
	pool     *pgxpool.Pool
	envelope *crypto.Envelope
}

// Open creates a pool from connString, applies the schema idempotently,
// and returns a DB. env encrypts and decrypts device passwords; it must
// use the same key across the lifetime of the devices table.
func Open(ctx context.Context, connString string, env *crypto.Envelope) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	db := &DB{pool: pool, envelope: env}
	if err := db.applySchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

var _ repository.Repository = (*DB)(nil)

// ListDevices returns every device, passwords decrypted.
func (db *DB) ListDevices(ctx context.Context) ([]domain.Device, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, address, username, password_sealed
		FROM devices
		ORDER BY id
	`)
	if err != nil {
		return nil, &repository.StoreError{Op: "list_devices", Err: err}
	}
	defer rows.Close()

	var devices []domain.Device
	for rows.Next() {
		var d domain.Device
		var sealed []byte
		if err := rows.Scan(&d.ID, &d.Address, &d.Username, &sealed); err != nil {
			return nil, &repository.StoreError{Op: "list_devices", Err: fmt.Errorf("scan: %w", err)}
		}
		password, err := db.envelope.Open(sealed)
		if err != nil {
			return nil, &repository.StoreError{Op: "list_devices", Err: fmt.Errorf("decrypt password for device %d: %w", d.ID, err)}
		}
		d.Password = password
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, &repository.StoreError{Op: "list_devices", Err: err}
	}
	return devices, nil
}

// GetDevice returns one device by id, password decrypted.
func (db *DB) GetDevice(ctx context.Context, id int64) (domain.Device, error) {
	var d domain.Device
	var sealed []byte
	err := db.pool.QueryRow(ctx, `
		SELECT id, address, username, password_sealed
		FROM devices
		WHERE id = $1
	`, id).Scan(&d.ID, &d.Address, &d.Username, &sealed)
	if err != nil {
		return domain.Device{}, &repository.StoreError{Op: "get_device", Err: err}
	}

	password, err := db.envelope.Open(sealed)
	if err != nil {
		return domain.Device{}, &repository.StoreError{Op: "get_device", Err: fmt.Errorf("decrypt password for device %d: %w", d.ID, err)}
	}
	d.Password = password
	return d, nil
}

// ListRules returns every rule, ordered by id so the registry's insertion
// order is deterministic across runs.
func (db *DB) ListRules(ctx context.Context) ([]domain.Rule, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, name, description, severity, check_type, body
		FROM rules
		ORDER BY id
	`)
	if err != nil {
		return nil, &repository.StoreError{Op: "list_rules", Err: err}
	}
	defer rows.Close()

	var rules []domain.Rule
	for rows.Next() {
		var r domain.Rule
		var severity, checkType string
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &severity, &checkType, &r.Body); err != nil {
			return nil, &repository.StoreError{Op: "list_rules", Err: fmt.Errorf("scan: %w", err)}
		}
		r.Severity = domain.Severity(severity)
		r.CheckType = domain.CheckType(checkType)
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &repository.StoreError{Op: "list_rules", Err: err}
	}
	return rules, nil
}

// CreateScan inserts one Scan row and returns it with its assigned id.
func (db *DB) CreateScan(ctx context.Context, deviceID int64, status domain.ScanStatus) (domain.Scan, error) {
	var id int64
	err := db.pool.QueryRow(ctx, `
		INSERT INTO scans (device_id, status)
		VALUES ($1, $2)
		RETURNING id
	`, deviceID, string(status)).Scan(&id)
	if err != nil {
		return domain.Scan{}, &repository.StoreError{Op: "create_scan", Err: err}
	}
	return domain.Scan{ID: id, DeviceID: deviceID, Status: status}, nil
}

// SetScanStatus updates a Scan's status. Terminal statuses (completed,
// failed) also stamp ended_at.
func (db *DB) SetScanStatus(ctx context.Context, scanID int64, status domain.ScanStatus) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE scans
		SET status = $2,
		    ended_at = CASE WHEN $2 IN ('completed', 'failed') THEN now() ELSE ended_at END
		WHERE id = $1
	`, scanID, string(status))
	if err != nil {
		return &repository.StoreError{Op: "set_scan_status", Err: err}
	}
	return nil
}

// CreateScanResult inserts one ScanResult row.
func (db *DB) CreateScanResult(ctx context.Context, scanID int64, ruleID string, status domain.CheckStatus, details *string) (domain.ScanResult, error) {
	var id int64
	err := db.pool.QueryRow(ctx, `
		INSERT INTO scan_results (scan_id, rule_id, status, details)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, scanID, ruleID, string(status), details).Scan(&id)
	if err != nil {
		return domain.ScanResult{}, &repository.StoreError{Op: "create_scan_result", Err: err}
	}
	return domain.ScanResult{ID: id, ScanID: scanID, RuleID: ruleID, Status: status, Details: details}, nil
}

// CreateDevice encrypts d.Password and inserts a new device row.
func (db *DB) CreateDevice(ctx context.Context, d domain.Device) (domain.Device, error) {
	sealed, err := db.envelope.Seal(d.Password)
	if err != nil {
		return domain.Device{}, &repository.StoreError{Op: "create_device", Err: fmt.Errorf("encrypt password: %w", err)}
	}

	var id int64
	err = db.pool.QueryRow(ctx, `
		INSERT INTO devices (address, username, password_sealed)
		VALUES ($1, $2, $3)
		RETURNING id
	`, d.Address, d.Username, sealed).Scan(&id)
	if err != nil {
		return domain.Device{}, &repository.StoreError{Op: "create_device", Err: err}
	}
	d.ID = id
	return d, nil
}

// UpsertRule inserts r or, if r.ID already exists, replaces its fields.
// Used by the seeder, which re-runs against the same rule files.
func (db *DB) UpsertRule(ctx context.Context, r domain.Rule) (domain.Rule, error) {
	if !domain.ValidSeverity(r.Severity) {
		return domain.Rule{}, &repository.StoreError{Op: "upsert_rule", Err: fmt.Errorf("unrecognized severity %q for rule %s", r.Severity, r.ID)}
	}

	_, err := db.pool.Exec(ctx, `
		INSERT INTO rules (id, name, description, severity, check_type, body)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			severity = EXCLUDED.severity,
			check_type = EXCLUDED.check_type,
			body = EXCLUDED.body
	`, r.ID, r.Name, r.Description, string(r.Severity), string(r.CheckType), r.Body)
	if err != nil {
		return domain.Rule{}, &repository.StoreError{Op: "upsert_rule", Err: err}
	}
	return r, nil
}

// DeleteDevice removes a device and, via ON DELETE CASCADE, its scans.
func (db *DB) DeleteDevice(ctx context.Context, id int64) error {
	if _, err := db.pool.Exec(ctx, `DELETE FROM devices WHERE id = $1`, id); err != nil {
		return &repository.StoreError{Op: "delete_device", Err: err}
	}
	return nil
}

// DeleteRule removes a rule. The scan_results foreign key has no cascade,
// so this fails if any historical result still references the rule.
func (db *DB) DeleteRule(ctx context.Context, id string) error {
	if _, err := db.pool.Exec(ctx, `DELETE FROM rules WHERE id = $1`, id); err != nil {
		return &repository.StoreError{Op: "delete_rule", Err: err}
	}
	return nil
}

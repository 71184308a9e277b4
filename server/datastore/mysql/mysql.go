// Package mysql implements the records datastore contracts over MySQL.
package mysql

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/casual-simulation/casualos-sub006/server/records"

	_ "github.com/go-sql-driver/mysql"
)

// Datastore is the MySQL backend.
type Datastore struct {
	db *sqlx.DB
}

var (
	_ records.Datastore         = (*Datastore)(nil)
	_ records.AssignmentLister  = (*Datastore)(nil)
	_ records.LegacyPolicyStore = (*Datastore)(nil)
)

// New connects to MySQL with the given DSN. The DSN must enable parseTime.
func New(dsn string) (*Datastore, error) {
	db, err := sqlx.Connect("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect to mysql")
	}
	return &Datastore{db: db}, nil
}

// NewWithDB wraps an existing connection.
func NewWithDB(db *sqlx.DB) *Datastore {
	return &Datastore{db: db}
}

// MigrateTables creates the schema if it does not exist.
func (d *Datastore) MigrateTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS records (
			name VARCHAR(128) PRIMARY KEY,
			owner_id VARCHAR(128),
			studio_id VARCHAR(128),
			secret_salt VARCHAR(255) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS record_secret_hashes (
			record_name VARCHAR(128) NOT NULL,
			secret_hash VARCHAR(255) NOT NULL,
			PRIMARY KEY (record_name, secret_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS record_keys (
			record_name VARCHAR(128) NOT NULL,
			secret_hash VARCHAR(255) NOT NULL,
			policy VARCHAR(32) NOT NULL,
			creator_id VARCHAR(128) NOT NULL,
			PRIMARY KEY (record_name, secret_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS studios (
			id VARCHAR(128) PRIMARY KEY,
			name VARCHAR(255) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS studio_assignments (
			studio_id VARCHAR(128) NOT NULL,
			user_id VARCHAR(128) NOT NULL,
			role VARCHAR(32) NOT NULL,
			is_primary_contact TINYINT(1) NOT NULL DEFAULT 0,
			PRIMARY KEY (studio_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(128) PRIMARY KEY,
			role VARCHAR(32) NOT NULL DEFAULT 'none',
			privacy_configured TINYINT(1) NOT NULL DEFAULT 0,
			allow_ai TINYINT(1) NOT NULL DEFAULT 0,
			allow_public_data TINYINT(1) NOT NULL DEFAULT 0,
			allow_public_insts TINYINT(1) NOT NULL DEFAULT 0,
			publish_data TINYINT(1) NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS static_roles (
			record_name VARCHAR(128) NOT NULL,
			subject_type VARCHAR(16) NOT NULL,
			subject_id VARCHAR(128) NOT NULL,
			role VARCHAR(128) NOT NULL,
			PRIMARY KEY (record_name, subject_type, subject_id, role)
		)`,
		`CREATE TABLE IF NOT EXISTS role_assignments (
			record_name VARCHAR(128) NOT NULL,
			subject_type VARCHAR(16) NOT NULL,
			subject_id VARCHAR(128) NOT NULL,
			role VARCHAR(128) NOT NULL,
			expire_time TIMESTAMP NULL DEFAULT NULL,
			PRIMARY KEY (record_name, subject_type, subject_id, role)
		)`,
		// action is '' for all-actions grants so the natural key stays
		// unique (MySQL treats NULLs in unique indexes as distinct).
		`CREATE TABLE IF NOT EXISTS marker_permissions (
			id VARCHAR(36) PRIMARY KEY,
			record_name VARCHAR(128) NOT NULL,
			subject_type VARCHAR(16) NOT NULL,
			subject_id VARCHAR(128) NOT NULL,
			resource_kind VARCHAR(32) NOT NULL,
			marker VARCHAR(128) NOT NULL,
			action VARCHAR(32) NOT NULL DEFAULT '',
			max_file_size BIGINT NULL,
			expire_time TIMESTAMP NULL DEFAULT NULL,
			UNIQUE KEY idx_marker_permissions_natural
				(record_name, subject_type, subject_id, resource_kind, marker, action)
		)`,
		`CREATE TABLE IF NOT EXISTS resource_permissions (
			id VARCHAR(36) PRIMARY KEY,
			record_name VARCHAR(128) NOT NULL,
			subject_type VARCHAR(16) NOT NULL,
			subject_id VARCHAR(128) NOT NULL,
			resource_kind VARCHAR(32) NOT NULL,
			resource_id VARCHAR(128) NOT NULL,
			action VARCHAR(32) NOT NULL DEFAULT '',
			max_file_size BIGINT NULL,
			expire_time TIMESTAMP NULL DEFAULT NULL,
			UNIQUE KEY idx_resource_permissions_natural
				(record_name, subject_type, subject_id, resource_kind, resource_id, action)
		)`,
		`CREATE TABLE IF NOT EXISTS user_policies (
			record_name VARCHAR(128) NOT NULL,
			marker VARCHAR(128) NOT NULL,
			document JSON NOT NULL,
			PRIMARY KEY (record_name, marker)
		)`,
	}
	for _, stmt := range statements {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate tables")
		}
	}
	return nil
}

type recordRow struct {
	Name       string         `db:"name"`
	OwnerID    sql.NullString `db:"owner_id"`
	StudioID   sql.NullString `db:"studio_id"`
	SecretSalt string         `db:"secret_salt"`
}

func (d *Datastore) GetRecordByName(ctx context.Context, name string) (*records.Record, error) {
	var row recordRow
	err := d.db.GetContext(ctx, &row, `SELECT name, owner_id, studio_id, secret_salt FROM records WHERE name = ?`, name)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "get record")
	}

	var hashes []string
	err = d.db.SelectContext(ctx, &hashes, `SELECT secret_hash FROM record_secret_hashes WHERE record_name = ? ORDER BY secret_hash`, name)
	if err != nil {
		return nil, errors.Wrap(err, "get record secret hashes")
	}

	record := &records.Record{
		Name:         row.Name,
		SecretHashes: hashes,
		SecretSalt:   row.SecretSalt,
	}
	if row.OwnerID.Valid {
		record.OwnerID = &row.OwnerID.String
	}
	if row.StudioID.Valid {
		record.StudioID = &row.StudioID.String
	}
	return record, nil
}

func (d *Datastore) GetRecordKeys(ctx context.Context, recordName string) ([]*records.RecordKey, error) {
	keys := []*records.RecordKey{}
	err := d.db.SelectContext(ctx, &keys,
		`SELECT record_name, secret_hash, policy, creator_id FROM record_keys WHERE record_name = ? ORDER BY secret_hash`,
		recordName)
	if err != nil {
		return nil, errors.Wrap(err, "list record keys")
	}
	return keys, nil
}

func (d *Datastore) GetStudioByID(ctx context.Context, id string) (*records.Studio, error) {
	var studio records.Studio
	err := d.db.GetContext(ctx, &studio, `SELECT id, name FROM studios WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "get studio")
	}
	return &studio, nil
}

func (d *Datastore) ListStudioAssignments(ctx context.Context, studioID string) ([]*records.StudioAssignment, error) {
	assignments := []*records.StudioAssignment{}
	err := d.db.SelectContext(ctx, &assignments,
		`SELECT studio_id, user_id, role, is_primary_contact FROM studio_assignments WHERE studio_id = ? ORDER BY user_id`,
		studioID)
	if err != nil {
		return nil, errors.Wrap(err, "list studio assignments")
	}
	return assignments, nil
}

type userRow struct {
	ID                string `db:"id"`
	Role              string `db:"role"`
	PrivacyConfigured bool   `db:"privacy_configured"`
	AllowAI           bool   `db:"allow_ai"`
	AllowPublicData   bool   `db:"allow_public_data"`
	AllowPublicInsts  bool   `db:"allow_public_insts"`
	PublishData       bool   `db:"publish_data"`
}

func (d *Datastore) GetUserByID(ctx context.Context, id string) (*records.User, error) {
	var row userRow
	err := d.db.GetContext(ctx, &row,
		`SELECT id, role, privacy_configured, allow_ai, allow_public_data, allow_public_insts, publish_data FROM users WHERE id = ?`,
		id)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "get user")
	}

	user := &records.User{
		ID:   row.ID,
		Role: records.UserRole(row.Role),
	}
	if row.PrivacyConfigured {
		user.PrivacyFeatures = &records.PrivacyFeatures{
			AllowAI:          row.AllowAI,
			AllowPublicData:  row.AllowPublicData,
			AllowPublicInsts: row.AllowPublicInsts,
			PublishData:      row.PublishData,
		}
	}
	return user, nil
}

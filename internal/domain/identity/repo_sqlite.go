package identity

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ehr/orders/internal/platform/apperr"
	"github.com/ehr/orders/internal/platform/db"
	"github.com/ehr/orders/pkg/civildate"
)

type patientRepoSQLite struct {
	db  *sql.DB
	now func() time.Time
}

func NewPatientRepoSQLite(sqlDB *sql.DB) PatientRepository {
	return &patientRepoSQLite{db: sqlDB, now: time.Now}
}

func (r *patientRepoSQLite) conn(ctx context.Context) db.SQLQuerier {
	return db.SQLConn(ctx, r.db)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPatientSQLite(row rowScanner) (*Patient, error) {
	var (
		p                     Patient
		dob, created, updated string
	)
	if err := row.Scan(&p.ID, &p.MRN, &p.FirstName, &p.LastName, &dob, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if p.BirthDate, err = civildate.Parse(dob); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = db.ParseTime(created); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = db.ParseTime(updated); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *patientRepoSQLite) Create(ctx context.Context, p *Patient) error {
	now := r.now().UTC()
	res, err := r.conn(ctx).ExecContext(ctx, `
		INSERT INTO patient (mrn, first_name, last_name, birth_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.MRN, p.FirstName, p.LastName, p.BirthDate.String(), db.FormatTime(now), db.FormatTime(now),
	)
	if db.IsUniqueViolation(err) {
		return apperr.Wrap(apperr.KindConflict, err, fmt.Sprintf("patient with MRN '%s' already exists", p.MRN))
	}
	if err != nil {
		return fmt.Errorf("patient create: %w", err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("patient create: %w", err)
	}
	p.CreatedAt, p.UpdatedAt = now, now
	return nil
}

func (r *patientRepoSQLite) get(ctx context.Context, where string, arg interface{}, what string) (*Patient, error) {
	p, err := scanPatientSQLite(r.conn(ctx).QueryRowContext(ctx, `SELECT `+patientCols+` FROM patient WHERE `+where, arg))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("patient not found with %s", what)
	}
	if err != nil {
		return nil, fmt.Errorf("patient get: %w", err)
	}
	return p, nil
}

func (r *patientRepoSQLite) GetByID(ctx context.Context, id int64) (*Patient, error) {
	return r.get(ctx, "id = ?", id, fmt.Sprintf("id: %d", id))
}

func (r *patientRepoSQLite) GetByMRN(ctx context.Context, mrn string) (*Patient, error) {
	return r.get(ctx, "mrn = ?", mrn, fmt.Sprintf("MRN: %s", mrn))
}

func (r *patientRepoSQLite) Update(ctx context.Context, p *Patient) error {
	now := r.now().UTC()
	res, err := r.conn(ctx).ExecContext(ctx, `
		UPDATE patient SET first_name = ?, last_name = ?, birth_date = ?, updated_at = ?
		WHERE id = ?`,
		p.FirstName, p.LastName, p.BirthDate.String(), db.FormatTime(now), p.ID,
	)
	if err != nil {
		return fmt.Errorf("patient update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("patient not found with id: %d", p.ID)
	}
	p.UpdatedAt = now
	return nil
}

func (r *patientRepoSQLite) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	var total int
	if err := r.conn(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM patient`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("patient count: %w", err)
	}
	rows, err := r.conn(ctx).QueryContext(ctx, `SELECT `+patientCols+` FROM patient ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("patient list: %w", err)
	}
	defer rows.Close()

	patients := []*Patient{}
	for rows.Next() {
		p, err := scanPatientSQLite(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("patient scan: %w", err)
		}
		patients = append(patients, p)
	}
	return patients, total, rows.Err()
}

func (r *patientRepoSQLite) UpsertByMRN(ctx context.Context, p *Patient) (*Patient, error) {
	now := db.FormatTime(r.now())
	stored, err := scanPatientSQLite(r.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO patient (mrn, first_name, last_name, birth_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (mrn) DO UPDATE SET mrn = excluded.mrn
		RETURNING `+patientCols,
		p.MRN, p.FirstName, p.LastName, p.BirthDate.String(), now, now,
	))
	if err != nil {
		return nil, fmt.Errorf("patient upsert: %w", err)
	}
	return stored, nil
}

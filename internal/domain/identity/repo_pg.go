package identity

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/orders/internal/platform/apperr"
	"github.com/ehr/orders/internal/platform/db"
)

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewPatientRepo(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) db.PgQuerier {
	return db.PgConn(ctx, r.pool)
}

const patientCols = `id, mrn, first_name, last_name, birth_date, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	if err := row.Scan(&p.ID, &p.MRN, &p.FirstName, &p.LastName, &p.BirthDate.Time, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient (mrn, first_name, last_name, birth_date)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`,
		p.MRN, p.FirstName, p.LastName, p.BirthDate.Time,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Wrap(apperr.KindConflict, err, fmt.Sprintf("patient with MRN '%s' already exists", p.MRN))
	}
	if err != nil {
		return fmt.Errorf("patient create: %w", err)
	}
	return nil
}

func (r *patientRepoPG) get(ctx context.Context, where string, arg interface{}, what string) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE `+where, arg))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("patient not found with %s", what)
	}
	if err != nil {
		return nil, fmt.Errorf("patient get: %w", err)
	}
	return p, nil
}

func (r *patientRepoPG) GetByID(ctx context.Context, id int64) (*Patient, error) {
	return r.get(ctx, "id = $1", id, fmt.Sprintf("id: %d", id))
}

func (r *patientRepoPG) GetByMRN(ctx context.Context, mrn string) (*Patient, error) {
	return r.get(ctx, "mrn = $1", mrn, fmt.Sprintf("MRN: %s", mrn))
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE patient SET first_name = $2, last_name = $3, birth_date = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.FirstName, p.LastName, p.BirthDate.Time,
	).Scan(&p.UpdatedAt)
	if db.IsNoRows(err) {
		return apperr.NotFound("patient not found with id: %d", p.ID)
	}
	if err != nil {
		return fmt.Errorf("patient update: %w", err)
	}
	return nil
}

func (r *patientRepoPG) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patient`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("patient count: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patient ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("patient list: %w", err)
	}
	defer rows.Close()

	patients := []*Patient{}
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("patient scan: %w", err)
		}
		patients = append(patients, p)
	}
	return patients, total, rows.Err()
}

// UpsertByMRN uses a no-op DO UPDATE so RETURNING yields the existing row on
// conflict; DO NOTHING would return no row.
func (r *patientRepoPG) UpsertByMRN(ctx context.Context, p *Patient) (*Patient, error) {
	stored, err := scanPatient(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient (mrn, first_name, last_name, birth_date)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (mrn) DO UPDATE SET mrn = EXCLUDED.mrn
		RETURNING `+patientCols,
		p.MRN, p.FirstName, p.LastName, p.BirthDate.Time,
	))
	if err != nil {
		return nil, fmt.Errorf("patient upsert: %w", err)
	}
	return stored, nil
}

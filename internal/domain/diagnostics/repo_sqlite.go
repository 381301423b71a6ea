package diagnostics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ehr/orders/internal/platform/apperr"
	"github.com/ehr/orders/internal/platform/db"
	"github.com/ehr/orders/pkg/civildate"
)

// SQLite serializes writers behind a single connection, so Lock is a plain
// read and UpdateVersioned's WHERE clause carries the concurrency check.

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type sqliteTimes struct {
	created, updated string
}

func (t *sqliteTimes) apply(created, updated *time.Time) error {
	var err error
	if *created, err = db.ParseTime(t.created); err != nil {
		return err
	}
	*updated, err = db.ParseTime(t.updated)
	return err
}

// -- Order --

type orderRepoSQLite struct {
	db  *sql.DB
	now func() time.Time
}

func NewOrderRepoSQLite(sqlDB *sql.DB) OrderRepository {
	return &orderRepoSQLite{db: sqlDB, now: time.Now}
}

func (r *orderRepoSQLite) conn(ctx context.Context) db.SQLQuerier {
	return db.SQLConn(ctx, r.db)
}

func scanOrderSQLite(row rowScanner, extra ...interface{}) (*Order, error) {
	var (
		o   Order
		dob string
		ts  sqliteTimes
	)
	dest := []interface{}{&o.ID, &o.PatientID, &o.MRN, &o.FirstName, &o.LastName, &dob, &o.Type, &ts.created, &ts.updated}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	var err error
	if o.BirthDate, err = civildate.Parse(dob); err != nil {
		return nil, err
	}
	if err := ts.apply(&o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *orderRepoSQLite) Create(ctx context.Context, o *Order) error {
	now := r.now().UTC()
	res, err := r.conn(ctx).ExecContext(ctx, `
		INSERT INTO clinical_order (patient_id, mrn, first_name, last_name, birth_date, order_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.PatientID, o.MRN, o.FirstName, o.LastName, o.BirthDate.String(), string(o.Type), db.FormatTime(now), db.FormatTime(now),
	)
	if err != nil {
		return fmt.Errorf("order create: %w", err)
	}
	if o.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("order create: %w", err)
	}
	o.CreatedAt, o.UpdatedAt = now, now
	return nil
}

func (r *orderRepoSQLite) GetByID(ctx context.Context, id int64) (*Order, error) {
	o, err := scanOrderSQLite(r.conn(ctx).QueryRowContext(ctx, `SELECT `+orderCols+` FROM clinical_order o WHERE o.id = ?`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("order not found with id: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("order get: %w", err)
	}
	return o, nil
}

func (r *orderRepoSQLite) List(ctx context.Context, f OrderFilter, limit, offset int) ([]*OrderListing, int, error) {
	where, args := orderWhere(f, func(int) string { return "?" })

	var total int
	if err := r.conn(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM clinical_order o`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("order count: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).QueryContext(ctx, `
		SELECT `+orderCols+`, s.id, s.status
		FROM clinical_order o LEFT JOIN study s ON s.order_id = o.id`+where+`
		ORDER BY o.id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("order list: %w", err)
	}
	defer rows.Close()

	items := []*OrderListing{}
	for rows.Next() {
		var (
			studyID sql.NullInt64
			status  sql.NullString
		)
		o, err := scanOrderSQLite(rows, &studyID, &status)
		if err != nil {
			return nil, 0, fmt.Errorf("order scan: %w", err)
		}
		var (
			idp *int64
			stp *string
		)
		if studyID.Valid {
			idp = &studyID.Int64
		}
		if status.Valid {
			stp = &status.String
		}
		items = append(items, newListing(o, idp, stp))
	}
	return items, total, rows.Err()
}

func (r *orderRepoSQLite) CountByType(ctx context.Context) (map[OrderType]int64, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, `SELECT order_type, COUNT(*) FROM clinical_order GROUP BY order_type`)
	if err != nil {
		return nil, fmt.Errorf("order count by type: %w", err)
	}
	defer rows.Close()

	counts := make(map[OrderType]int64)
	for rows.Next() {
		var (
			t string
			n int64
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("order count scan: %w", err)
		}
		counts[OrderType(t)] = n
	}
	return counts, rows.Err()
}

// -- Study --

type studyRepoSQLite struct {
	db  *sql.DB
	now func() time.Time
}

func NewStudyRepoSQLite(sqlDB *sql.DB) StudyRepository {
	return &studyRepoSQLite{db: sqlDB, now: time.Now}
}

func (r *studyRepoSQLite) conn(ctx context.Context) db.SQLQuerier {
	return db.SQLConn(ctx, r.db)
}

func scanStudySQLite(row rowScanner) (*Study, error) {
	var (
		s      Study
		status string
		report sql.NullString
		ts     sqliteTimes
	)
	if err := row.Scan(&s.ID, &s.OrderID, &status, &report, &s.Version, &ts.created, &ts.updated); err != nil {
		return nil, err
	}
	s.Status = StudyStatus(status)
	if report.Valid {
		s.ReportText = &report.String
	}
	if err := ts.apply(&s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func (r *studyRepoSQLite) Create(ctx context.Context, s *Study) error {
	now := r.now().UTC()
	res, err := r.conn(ctx).ExecContext(ctx, `
		INSERT INTO study (order_id, status, report_text, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.OrderID, string(s.Status), nullString(s.ReportText), s.Version, db.FormatTime(now), db.FormatTime(now),
	)
	if db.IsUniqueViolation(err) {
		return apperr.Wrap(apperr.KindConflict, err, fmt.Sprintf("order %d already has a study", s.OrderID))
	}
	if err != nil {
		return fmt.Errorf("study create: %w", err)
	}
	if s.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("study create: %w", err)
	}
	s.CreatedAt, s.UpdatedAt = now, now
	return nil
}

func (r *studyRepoSQLite) get(ctx context.Context, where string, arg int64, notFound string) (*Study, error) {
	s, err := scanStudySQLite(r.conn(ctx).QueryRowContext(ctx, `SELECT `+studyCols+` FROM study WHERE `+where, arg))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("%s: %d", notFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("study get: %w", err)
	}
	return s, nil
}

func (r *studyRepoSQLite) GetByID(ctx context.Context, id int64) (*Study, error) {
	return r.get(ctx, "id = ?", id, "study not found with id")
}

func (r *studyRepoSQLite) GetByOrderID(ctx context.Context, orderID int64) (*Study, error) {
	return r.get(ctx, "order_id = ?", orderID, "study not found for order id")
}

func (r *studyRepoSQLite) Lock(ctx context.Context, id int64) (*Study, error) {
	return r.GetByID(ctx, id)
}

func (r *studyRepoSQLite) UpdateVersioned(ctx context.Context, s *Study, expected int64) error {
	now := r.now().UTC()
	res, err := r.conn(ctx).ExecContext(ctx, `
		UPDATE study SET status = ?, report_text = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(s.Status), nullString(s.ReportText), db.FormatTime(now), s.ID, expected,
	)
	if err != nil {
		return fmt.Errorf("study update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return staleStudy()
	}
	s.Version, s.UpdatedAt = expected+1, now
	return nil
}

func (r *studyRepoSQLite) Delete(ctx context.Context, id int64) error {
	res, err := r.conn(ctx).ExecContext(ctx, `DELETE FROM study WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("study delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("study not found with id: %d", id)
	}
	return nil
}

func (r *studyRepoSQLite) CountByStatus(ctx context.Context) (map[StudyStatus]int64, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, `SELECT status, COUNT(*) FROM study GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("study count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[StudyStatus]int64)
	for rows.Next() {
		var (
			st string
			n  int64
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("study count scan: %w", err)
		}
		counts[StudyStatus(st)] = n
	}
	return counts, rows.Err()
}

// -- OrderResult --

type resultRepoSQLite struct {
	db  *sql.DB
	now func() time.Time
}

func NewResultRepoSQLite(sqlDB *sql.DB) ResultRepository {
	return &resultRepoSQLite{db: sqlDB, now: time.Now}
}

func (r *resultRepoSQLite) conn(ctx context.Context) db.SQLQuerier {
	return db.SQLConn(ctx, r.db)
}

func scanResultSQLite(row rowScanner) (*OrderResult, error) {
	var (
		res          OrderResult
		status       string
		signed       string
		supersededBy sql.NullInt64
		ts           sqliteTimes
	)
	if err := row.Scan(&res.ID, &res.OrderID, &res.Version, &res.ReportText, &status, &res.ResultType,
		&signed, &res.IsCurrent, &supersededBy, &ts.created, &ts.updated); err != nil {
		return nil, err
	}
	res.Status = ResultStatus(status)
	if supersededBy.Valid {
		res.SupersededByID = &supersededBy.Int64
	}
	var err error
	if res.SignedOn, err = db.ParseTime(signed); err != nil {
		return nil, err
	}
	if err := ts.apply(&res.CreatedAt, &res.UpdatedAt); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *resultRepoSQLite) Create(ctx context.Context, res *OrderResult) error {
	now := r.now().UTC()
	out, err := r.conn(ctx).ExecContext(ctx, `
		INSERT INTO order_result (order_id, version, report_text, status, result_type, signed_on, is_current, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.OrderID, res.Version, res.ReportText, string(res.Status), res.ResultType,
		db.FormatTime(res.SignedOn), res.IsCurrent, db.FormatTime(now), db.FormatTime(now),
	)
	if db.IsUniqueViolation(err) {
		return apperr.Wrap(apperr.KindConflict, err,
			fmt.Sprintf("result version %d already exists for order id: %d", res.Version, res.OrderID))
	}
	if err != nil {
		return fmt.Errorf("order result create: %w", err)
	}
	if res.ID, err = out.LastInsertId(); err != nil {
		return fmt.Errorf("order result create: %w", err)
	}
	res.CreatedAt, res.UpdatedAt = now, now
	return nil
}

func (r *resultRepoSQLite) GetByID(ctx context.Context, id int64) (*OrderResult, error) {
	res, err := scanResultSQLite(r.conn(ctx).QueryRowContext(ctx, `SELECT `+resultCols+` FROM order_result WHERE id = ?`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("order result not found with id: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("order result get: %w", err)
	}
	return res, nil
}

func (r *resultRepoSQLite) GetCurrent(ctx context.Context, orderID int64) (*OrderResult, error) {
	res, err := scanResultSQLite(r.conn(ctx).QueryRowContext(ctx,
		`SELECT `+resultCols+` FROM order_result WHERE order_id = ? AND is_current`, orderID))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("no current result found for order id: %d", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("order result current: %w", err)
	}
	return res, nil
}

func (r *resultRepoSQLite) ListByOrder(ctx context.Context, orderID int64) ([]*OrderResult, error) {
	rows, err := r.conn(ctx).QueryContext(ctx,
		`SELECT `+resultCols+` FROM order_result WHERE order_id = ? ORDER BY version`, orderID)
	if err != nil {
		return nil, fmt.Errorf("order result list: %w", err)
	}
	defer rows.Close()

	results := []*OrderResult{}
	for rows.Next() {
		res, err := scanResultSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("order result scan: %w", err)
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func (r *resultRepoSQLite) Retire(ctx context.Context, id int64) error {
	res, err := r.conn(ctx).ExecContext(ctx,
		`UPDATE order_result SET is_current = 0, updated_at = ? WHERE id = ?`, db.FormatTime(r.now()), id)
	if err != nil {
		return fmt.Errorf("order result retire: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("order result not found with id: %d", id)
	}
	return nil
}

func (r *resultRepoSQLite) LinkSuccessor(ctx context.Context, id, successorID int64) error {
	res, err := r.conn(ctx).ExecContext(ctx, `
		UPDATE order_result SET superseded_by_id = ?, updated_at = ?
		WHERE id = ? AND is_current = 0 AND superseded_by_id IS NULL`,
		successorID, db.FormatTime(r.now()), id)
	if err != nil {
		return fmt.Errorf("order result link: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Conflict("order result %d is current or already superseded", id)
	}
	return nil
}

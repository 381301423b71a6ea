package diagnostics

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/orders/internal/platform/apperr"
	"github.com/ehr/orders/internal/platform/db"
)

// -- Order --

type orderRepoPG struct {
	pool *pgxpool.Pool
}

func NewOrderRepo(pool *pgxpool.Pool) OrderRepository {
	return &orderRepoPG{pool: pool}
}

func (r *orderRepoPG) conn(ctx context.Context) db.PgQuerier {
	return db.PgConn(ctx, r.pool)
}

const orderCols = `o.id, o.patient_id, o.mrn, o.first_name, o.last_name, o.birth_date, o.order_type, o.created_at, o.updated_at`

func scanOrder(row pgx.Row, extra ...interface{}) (*Order, error) {
	var o Order
	dest := []interface{}{&o.ID, &o.PatientID, &o.MRN, &o.FirstName, &o.LastName, &o.BirthDate.Time, &o.Type, &o.CreatedAt, &o.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *orderRepoPG) Create(ctx context.Context, o *Order) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO clinical_order (patient_id, mrn, first_name, last_name, birth_date, order_type)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		o.PatientID, o.MRN, o.FirstName, o.LastName, o.BirthDate.Time, o.Type,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("order create: %w", err)
	}
	return nil
}

func (r *orderRepoPG) GetByID(ctx context.Context, id int64) (*Order, error) {
	o, err := scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM clinical_order o WHERE o.id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("order not found with id: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("order get: %w", err)
	}
	return o, nil
}

func orderWhere(f OrderFilter, placeholder func(int) string) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if f.PatientID != 0 {
		args = append(args, f.PatientID)
		conds = append(conds, "o.patient_id = "+placeholder(len(args)))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		conds = append(conds, "o.order_type = "+placeholder(len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *orderRepoPG) List(ctx context.Context, f OrderFilter, limit, offset int) ([]*OrderListing, int, error) {
	where, args := orderWhere(f, func(n int) string { return fmt.Sprintf("$%d", n) })

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM clinical_order o`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("order count: %w", err)
	}

	n := len(args)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+orderCols+`, s.id, s.status
		FROM clinical_order o LEFT JOIN study s ON s.order_id = o.id`+where+
		fmt.Sprintf(` ORDER BY o.id LIMIT $%d OFFSET $%d`, n+1, n+2), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("order list: %w", err)
	}
	defer rows.Close()

	items := []*OrderListing{}
	for rows.Next() {
		var (
			studyID *int64
			status  *string
		)
		o, err := scanOrder(rows, &studyID, &status)
		if err != nil {
			return nil, 0, fmt.Errorf("order scan: %w", err)
		}
		items = append(items, newListing(o, studyID, status))
	}
	return items, total, rows.Err()
}

func newListing(o *Order, studyID *int64, status *string) *OrderListing {
	l := &OrderListing{Order: *o, StudyID: studyID, StudyStatus: StudyStatusUnknown}
	if status != nil {
		l.StudyStatus = *status
	}
	return l
}

func (r *orderRepoPG) CountByType(ctx context.Context) (map[OrderType]int64, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT order_type, COUNT(*) FROM clinical_order GROUP BY order_type`)
	if err != nil {
		return nil, fmt.Errorf("order count by type: %w", err)
	}
	defer rows.Close()

	counts := make(map[OrderType]int64)
	for rows.Next() {
		var (
			t OrderType
			n int64
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("order count scan: %w", err)
		}
		counts[t] = n
	}
	return counts, rows.Err()
}

// -- Study --

type studyRepoPG struct {
	pool *pgxpool.Pool
}

func NewStudyRepo(pool *pgxpool.Pool) StudyRepository {
	return &studyRepoPG{pool: pool}
}

func (r *studyRepoPG) conn(ctx context.Context) db.PgQuerier {
	return db.PgConn(ctx, r.pool)
}

const studyCols = `id, order_id, status, report_text, version, created_at, updated_at`

func scanStudy(row pgx.Row) (*Study, error) {
	var s Study
	if err := row.Scan(&s.ID, &s.OrderID, &s.Status, &s.ReportText, &s.Version, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *studyRepoPG) Create(ctx context.Context, s *Study) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO study (order_id, status, report_text, version)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`,
		s.OrderID, s.Status, s.ReportText, s.Version,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Wrap(apperr.KindConflict, err, fmt.Sprintf("order %d already has a study", s.OrderID))
	}
	if err != nil {
		return fmt.Errorf("study create: %w", err)
	}
	return nil
}

func (r *studyRepoPG) get(ctx context.Context, query string, arg int64, notFound string) (*Study, error) {
	s, err := scanStudy(r.conn(ctx).QueryRow(ctx, query, arg))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("%s: %d", notFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("study get: %w", err)
	}
	return s, nil
}

func (r *studyRepoPG) GetByID(ctx context.Context, id int64) (*Study, error) {
	return r.get(ctx, `SELECT `+studyCols+` FROM study WHERE id = $1`, id, "study not found with id")
}

func (r *studyRepoPG) GetByOrderID(ctx context.Context, orderID int64) (*Study, error) {
	return r.get(ctx, `SELECT `+studyCols+` FROM study WHERE order_id = $1`, orderID, "study not found for order id")
}

// Lock holds a row lock until the surrounding transaction ends, so
// concurrent writers queue instead of racing on the version check.
func (r *studyRepoPG) Lock(ctx context.Context, id int64) (*Study, error) {
	return r.get(ctx, `SELECT `+studyCols+` FROM study WHERE id = $1 FOR UPDATE`, id, "study not found with id")
}

func (r *studyRepoPG) UpdateVersioned(ctx context.Context, s *Study, expected int64) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE study SET status = $3, report_text = $4, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`,
		s.ID, expected, s.Status, s.ReportText,
	).Scan(&s.Version, &s.UpdatedAt)
	if db.IsNoRows(err) {
		return staleStudy()
	}
	if err != nil {
		return fmt.Errorf("study update: %w", err)
	}
	return nil
}

func (r *studyRepoPG) Delete(ctx context.Context, id int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM study WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("study delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("study not found with id: %d", id)
	}
	return nil
}

func (r *studyRepoPG) CountByStatus(ctx context.Context) (map[StudyStatus]int64, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT status, COUNT(*) FROM study GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("study count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[StudyStatus]int64)
	for rows.Next() {
		var (
			st StudyStatus
			n  int64
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("study count scan: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// -- OrderResult --

type resultRepoPG struct {
	pool *pgxpool.Pool
}

func NewResultRepo(pool *pgxpool.Pool) ResultRepository {
	return &resultRepoPG{pool: pool}
}

func (r *resultRepoPG) conn(ctx context.Context) db.PgQuerier {
	return db.PgConn(ctx, r.pool)
}

const resultCols = `id, order_id, version, report_text, status, result_type, signed_on, is_current, superseded_by_id, created_at, updated_at`

func scanResult(row pgx.Row) (*OrderResult, error) {
	var res OrderResult
	if err := row.Scan(&res.ID, &res.OrderID, &res.Version, &res.ReportText, &res.Status, &res.ResultType,
		&res.SignedOn, &res.IsCurrent, &res.SupersededByID, &res.CreatedAt, &res.UpdatedAt); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *resultRepoPG) Create(ctx context.Context, res *OrderResult) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO order_result (order_id, version, report_text, status, result_type, signed_on, is_current)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		res.OrderID, res.Version, res.ReportText, res.Status, res.ResultType, res.SignedOn, res.IsCurrent,
	).Scan(&res.ID, &res.CreatedAt, &res.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Wrap(apperr.KindConflict, err,
			fmt.Sprintf("result version %d already exists for order id: %d", res.Version, res.OrderID))
	}
	if err != nil {
		return fmt.Errorf("order result create: %w", err)
	}
	return nil
}

func (r *resultRepoPG) GetByID(ctx context.Context, id int64) (*OrderResult, error) {
	res, err := scanResult(r.conn(ctx).QueryRow(ctx, `SELECT `+resultCols+` FROM order_result WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("order result not found with id: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("order result get: %w", err)
	}
	return res, nil
}

func (r *resultRepoPG) GetCurrent(ctx context.Context, orderID int64) (*OrderResult, error) {
	res, err := scanResult(r.conn(ctx).QueryRow(ctx,
		`SELECT `+resultCols+` FROM order_result WHERE order_id = $1 AND is_current`, orderID))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("no current result found for order id: %d", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("order result current: %w", err)
	}
	return res, nil
}

func (r *resultRepoPG) ListByOrder(ctx context.Context, orderID int64) ([]*OrderResult, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+resultCols+` FROM order_result WHERE order_id = $1 ORDER BY version`, orderID)
	if err != nil {
		return nil, fmt.Errorf("order result list: %w", err)
	}
	defer rows.Close()

	results := []*OrderResult{}
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("order result scan: %w", err)
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func (r *resultRepoPG) Retire(ctx context.Context, id int64) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE order_result SET is_current = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("order result retire: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("order result not found with id: %d", id)
	}
	return nil
}

func (r *resultRepoPG) LinkSuccessor(ctx context.Context, id, successorID int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE order_result SET superseded_by_id = $2, updated_at = NOW()
		WHERE id = $1 AND NOT is_current AND superseded_by_id IS NULL`, id, successorID)
	if err != nil {
		return fmt.Errorf("order result link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("order result %d is current or already superseded", id)
	}
	return nil
}

func staleStudy() error {
	return apperr.Conflict("study was modified by another user. Please refresh and try again.")
}

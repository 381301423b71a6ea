package diagnostics

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/orders/internal/domain/identity"
	"github.com/ehr/orders/internal/platform/db"
	"github.com/ehr/orders/pkg/civildate"
)

// PatientResolver finds or creates the patient an order is placed for.
type PatientResolver interface {
	ResolvePatient(ctx context.Context, mrn, firstName, lastName string, dob civildate.Date) (*identity.Patient, error)
}

// Recorder receives domain counters. A nil Recorder is replaced with a no-op.
type Recorder interface {
	OrderCreated(orderType string)
	StudyTransition(from, to, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) OrderCreated(string)                    {}
func (nopRecorder) StudyTransition(string, string, string) {}

type Service struct {
	tx       db.TxManager
	patients PatientResolver
	orders   OrderRepository
	studies  StudyRepository
	results  ResultRepository
	metrics  Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(tx db.TxManager, patients PatientResolver, orders OrderRepository, studies StudyRepository, results ResultRepository) *Service {
	return &Service{
		tx:       tx,
		patients: patients,
		orders:   orders,
		studies:  studies,
		results:  results,
		metrics:  nopRecorder{},
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
}

func (s *Service) SetLogger(logger zerolog.Logger) {
	s.logger = logger.With().Str("component", "diagnostics").Logger()
}

func (s *Service) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	s.metrics = r
}

// CreateOrder resolves the patient, places the order and opens its study in
// ORDERED with version 0. Nothing persists unless all three succeed.
func (s *Service) CreateOrder(ctx context.Context, req OrderRequest) (*Order, *Study, error) {
	in := identity.PatientInput{
		MRN:         req.MRN,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		DateOfBirth: req.DateOfBirth,
	}
	dob, err := in.Validate()
	if err != nil {
		return nil, nil, err
	}
	orderType, err := ParseOrderType(strings.TrimSpace(req.Type))
	if err != nil {
		return nil, nil, err
	}

	var (
		order *Order
		study *Study
	)
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		p, err := s.patients.ResolvePatient(ctx, in.MRN, in.FirstName, in.LastName, dob)
		if err != nil {
			return err
		}
		order = &Order{
			PatientID: p.ID,
			MRN:       p.MRN,
			FirstName: p.FirstName,
			LastName:  p.LastName,
			BirthDate: p.BirthDate,
			Type:      orderType,
		}
		if err := s.orders.Create(ctx, order); err != nil {
			return err
		}
		study = &Study{OrderID: order.ID, Status: StudyOrdered}
		return s.studies.Create(ctx, study)
	})
	if err != nil {
		return nil, nil, err
	}

	s.metrics.OrderCreated(string(orderType))
	s.logger.Info().
		Int64("order_id", order.ID).
		Int64("study_id", study.ID).
		Int64("patient_id", order.PatientID).
		Str("type", string(orderType)).
		Msg("order created")
	return order, study, nil
}

// GetOrder returns the order with its study, or a nil study once deleted.
func (s *Service) GetOrder(ctx context.Context, id int64) (*OrderDetail, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &OrderDetail{Order: *o}
	st, err := s.studies.GetByOrderID(ctx, id)
	switch {
	case err == nil:
		detail.Study = st
	case !isNotFound(err):
		return nil, err
	}
	return detail, nil
}

// ListOrders filters by patient and by order type; an empty type matches all.
func (s *Service) ListOrders(ctx context.Context, patientID int64, orderType string, limit, offset int) ([]*OrderListing, int, error) {
	f := OrderFilter{PatientID: patientID}
	if orderType != "" {
		t, err := ParseOrderType(orderType)
		if err != nil {
			return nil, 0, err
		}
		f.Type = t
	}
	return s.orders.List(ctx, f, limit, offset)
}

func (s *Service) GetStudy(ctx context.Context, id int64) (*Study, error) {
	return s.studies.GetByID(ctx, id)
}

func (s *Service) GetStudyByOrder(ctx context.Context, orderID int64) (*Study, error) {
	return s.studies.GetByOrderID(ctx, orderID)
}

// DeleteStudy removes an ORDERED or CANCELED study. Signed studies stay.
// The order and any results are kept.
func (s *Service) DeleteStudy(ctx context.Context, id int64) error {
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		st, err := s.studies.Lock(ctx, id)
		if err != nil {
			return err
		}
		if st.Status == StudyFinalized || st.Status == StudyAmended {
			return errDeleteSigned
		}
		return s.studies.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.logger.Info().Int64("study_id", id).Msg("study deleted")
	return nil
}

func (s *Service) GetResult(ctx context.Context, id int64) (*OrderResult, error) {
	return s.results.GetByID(ctx, id)
}

func (s *Service) GetCurrentResult(ctx context.Context, orderID int64) (*OrderResult, error) {
	return s.results.GetCurrent(ctx, orderID)
}

// GetResultHistory lists every result version for the order, oldest first.
func (s *Service) GetResultHistory(ctx context.Context, orderID int64) ([]*OrderResult, error) {
	results, err := s.results.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []*OrderResult{}
	}
	return results, nil
}

// StudyStatusSummary counts studies per status, including zero counts.
func (s *Service) StudyStatusSummary(ctx context.Context) (map[string]int64, error) {
	counts, err := s.studies.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(StudyStatuses))
	for _, st := range StudyStatuses {
		out[string(st)] = counts[st]
	}
	return out, nil
}

// OrdersByType counts orders per type, including zero counts.
func (s *Service) OrdersByType(ctx context.Context) (map[string]int64, error) {
	counts, err := s.orders.CountByType(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(OrderTypes))
	for _, t := range OrderTypes {
		out[string(t)] = counts[t]
	}
	return out, nil
}

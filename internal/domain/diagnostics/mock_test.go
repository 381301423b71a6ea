package diagnostics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ehr/orders/internal/domain/identity"
	"github.com/ehr/orders/internal/platform/apperr"
	"github.com/ehr/orders/pkg/civildate"
)

// memStore backs every mock repository. WithTx snapshots the maps and
// restores them when fn fails, giving tests all-or-nothing behaviour.
type memStore struct {
	mu       sync.Mutex
	patients map[string]*identity.Patient
	orders   map[int64]*Order
	studies  map[int64]*Study
	results  map[int64]*OrderResult
	nextID   int64

	failStudyCreate  error
	failResultCreate error
}

func newMemStore() *memStore {
	return &memStore{
		patients: make(map[string]*identity.Patient),
		orders:   make(map[int64]*Order),
		studies:  make(map[int64]*Study),
		results:  make(map[int64]*OrderResult),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

type memSnapshot struct {
	patients map[string]*identity.Patient
	orders   map[int64]*Order
	studies  map[int64]*Study
	results  map[int64]*OrderResult
	nextID   int64
}

func (m *memStore) snapshot() memSnapshot {
	s := memSnapshot{
		patients: make(map[string]*identity.Patient, len(m.patients)),
		orders:   make(map[int64]*Order, len(m.orders)),
		studies:  make(map[int64]*Study, len(m.studies)),
		results:  make(map[int64]*OrderResult, len(m.results)),
		nextID:   m.nextID,
	}
	for k, v := range m.patients {
		cp := *v
		s.patients[k] = &cp
	}
	for k, v := range m.orders {
		cp := *v
		s.orders[k] = &cp
	}
	for k, v := range m.studies {
		cp := *v
		s.studies[k] = &cp
	}
	for k, v := range m.results {
		cp := *v
		s.results[k] = &cp
	}
	return s
}

func (m *memStore) restore(s memSnapshot) {
	m.patients, m.orders, m.studies, m.results, m.nextID = s.patients, s.orders, s.studies, s.results, s.nextID
}

type txKey struct{}

func (m *memStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	snap := m.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// -- Patients --

type memPatients struct{ s *memStore }

func (r memPatients) ResolvePatient(_ context.Context, mrn, first, last string, dob civildate.Date) (*identity.Patient, error) {
	if p, ok := r.s.patients[mrn]; ok {
		if !p.SameDemographics(first, last, dob) {
			return nil, apperr.Conflict("patient with MRN '%s' already exists with different demographics", mrn)
		}
		cp := *p
		return &cp, nil
	}
	p := &identity.Patient{ID: r.s.id(), MRN: mrn, FirstName: first, LastName: last, BirthDate: dob}
	r.s.patients[mrn] = p
	cp := *p
	return &cp, nil
}

// -- Orders --

type memOrders struct{ s *memStore }

func (r memOrders) Create(_ context.Context, o *Order) error {
	o.ID = r.s.id()
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	cp := *o
	r.s.orders[o.ID] = &cp
	return nil
}

func (r memOrders) GetByID(_ context.Context, id int64) (*Order, error) {
	o, ok := r.s.orders[id]
	if !ok {
		return nil, apperr.NotFound("order not found with id: %d", id)
	}
	cp := *o
	return &cp, nil
}

func (r memOrders) List(_ context.Context, f OrderFilter, limit, offset int) ([]*OrderListing, int, error) {
	var matched []*Order
	for _, o := range r.s.orders {
		if f.PatientID != 0 && o.PatientID != f.PatientID {
			continue
		}
		if f.Type != "" && o.Type != f.Type {
			continue
		}
		matched = append(matched, o)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	items := []*OrderListing{}
	for _, o := range matched[offset:end] {
		var (
			studyID *int64
			status  *string
		)
		for _, st := range r.s.studies {
			if st.OrderID == o.ID {
				id, s := st.ID, string(st.Status)
				studyID, status = &id, &s
			}
		}
		items = append(items, newListing(o, studyID, status))
	}
	return items, total, nil
}

func (r memOrders) CountByType(context.Context) (map[OrderType]int64, error) {
	out := make(map[OrderType]int64)
	for _, o := range r.s.orders {
		out[o.Type]++
	}
	return out, nil
}

// -- Studies --

type memStudies struct{ s *memStore }

func (r memStudies) Create(_ context.Context, st *Study) error {
	if r.s.failStudyCreate != nil {
		return r.s.failStudyCreate
	}
	st.ID = r.s.id()
	st.CreatedAt = time.Now()
	st.UpdatedAt = st.CreatedAt
	cp := *st
	r.s.studies[st.ID] = &cp
	return nil
}

func (r memStudies) GetByID(_ context.Context, id int64) (*Study, error) {
	st, ok := r.s.studies[id]
	if !ok {
		return nil, apperr.NotFound("study not found with id: %d", id)
	}
	cp := *st
	return &cp, nil
}

func (r memStudies) GetByOrderID(_ context.Context, orderID int64) (*Study, error) {
	for _, st := range r.s.studies {
		if st.OrderID == orderID {
			cp := *st
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("study not found for order id: %d", orderID)
}

func (r memStudies) Lock(ctx context.Context, id int64) (*Study, error) {
	return r.GetByID(ctx, id)
}

func (r memStudies) UpdateVersioned(_ context.Context, st *Study, expected int64) error {
	stored, ok := r.s.studies[st.ID]
	if !ok || stored.Version != expected {
		return staleStudy()
	}
	st.Version = expected + 1
	st.UpdatedAt = time.Now()
	cp := *st
	r.s.studies[st.ID] = &cp
	return nil
}

func (r memStudies) Delete(_ context.Context, id int64) error {
	if _, ok := r.s.studies[id]; !ok {
		return apperr.NotFound("study not found with id: %d", id)
	}
	delete(r.s.studies, id)
	return nil
}

func (r memStudies) CountByStatus(context.Context) (map[StudyStatus]int64, error) {
	out := make(map[StudyStatus]int64)
	for _, st := range r.s.studies {
		out[st.Status]++
	}
	return out, nil
}

// -- Results --

type memResults struct{ s *memStore }

func (r memResults) Create(_ context.Context, res *OrderResult) error {
	if r.s.failResultCreate != nil {
		return r.s.failResultCreate
	}
	for _, other := range r.s.results {
		if other.OrderID != res.OrderID {
			continue
		}
		if other.Version == res.Version || (other.IsCurrent && res.IsCurrent) {
			return apperr.Conflict("result version %d already exists for order id: %d", res.Version, res.OrderID)
		}
	}
	res.ID = r.s.id()
	res.CreatedAt = time.Now()
	res.UpdatedAt = res.CreatedAt
	cp := *res
	r.s.results[res.ID] = &cp
	return nil
}

func (r memResults) GetByID(_ context.Context, id int64) (*OrderResult, error) {
	res, ok := r.s.results[id]
	if !ok {
		return nil, apperr.NotFound("order result not found with id: %d", id)
	}
	cp := *res
	return &cp, nil
}

func (r memResults) GetCurrent(_ context.Context, orderID int64) (*OrderResult, error) {
	for _, res := range r.s.results {
		if res.OrderID == orderID && res.IsCurrent {
			cp := *res
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("no current result found for order id: %d", orderID)
}

func (r memResults) ListByOrder(_ context.Context, orderID int64) ([]*OrderResult, error) {
	var out []*OrderResult
	for _, res := range r.s.results {
		if res.OrderID == orderID {
			cp := *res
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (r memResults) Retire(_ context.Context, id int64) error {
	res, ok := r.s.results[id]
	if !ok {
		return apperr.NotFound("order result not found with id: %d", id)
	}
	res.IsCurrent = false
	return nil
}

func (r memResults) LinkSuccessor(_ context.Context, id, successorID int64) error {
	res, ok := r.s.results[id]
	if !ok || res.IsCurrent || res.SupersededByID != nil {
		return apperr.Conflict("order result %d is current or already superseded", id)
	}
	res.SupersededByID = &successorID
	return nil
}

// -- Recorder --

type transitionEvent struct {
	from, to, outcome string
}

type fakeRecorder struct {
	mu          sync.Mutex
	created     []string
	transitions []transitionEvent
}

func (f *fakeRecorder) OrderCreated(orderType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, orderType)
}

func (f *fakeRecorder) StudyTransition(from, to, outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, transitionEvent{from, to, outcome})
}

func (f *fakeRecorder) last() transitionEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transitions) == 0 {
		return transitionEvent{}
	}
	return f.transitions[len(f.transitions)-1]
}

func newTestService() (*Service, *memStore, *fakeRecorder) {
	store := newMemStore()
	rec := &fakeRecorder{}
	svc := NewService(store, memPatients{store}, memOrders{store}, memStudies{store}, memResults{store})
	svc.SetRecorder(rec)
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return svc, store, rec
}

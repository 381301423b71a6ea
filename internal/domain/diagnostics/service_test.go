package diagnostics

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ehr/orders/internal/platform/apperr"
)

var xrayRequest = OrderRequest{
	MRN:         "M1",
	FirstName:   "Ada",
	LastName:    "Lovelace",
	DateOfBirth: "1815-12-10",
	Type:        "XRAY",
}

func placeOrder(t *testing.T, svc *Service) (*Order, *Study) {
	t.Helper()
	o, st, err := svc.CreateOrder(context.Background(), xrayRequest)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return o, st
}

func transition(t *testing.T, svc *Service, id, version int64, status, report *string) *Study {
	t.Helper()
	st, err := svc.ApplyStudyTransition(context.Background(), id, StudyUpdate{Version: version, Status: status, ReportText: report})
	if err != nil {
		t.Fatalf("ApplyStudyTransition: %v", err)
	}
	return st
}

func TestCreateOrder(t *testing.T) {
	svc, store, rec := newTestService()
	o, st := placeOrder(t, svc)

	if o.ID == 0 || o.PatientID == 0 || o.Type != OrderTypeXRay {
		t.Errorf("unexpected order %+v", o)
	}
	if o.MRN != "M1" || o.FirstName != "Ada" || o.BirthDate.String() != "1815-12-10" {
		t.Errorf("expected demographics snapshot, got %+v", o)
	}
	if st.OrderID != o.ID || st.Status != StudyOrdered || st.Version != 0 || st.ReportText != nil {
		t.Errorf("unexpected study %+v", st)
	}
	if len(store.studies) != 1 {
		t.Errorf("expected exactly one study, got %d", len(store.studies))
	}
	if len(rec.created) != 1 || rec.created[0] != "XRAY" {
		t.Errorf("expected order_created metric, got %v", rec.created)
	}
}

func TestCreateOrder_ReusesPatient(t *testing.T) {
	svc, store, _ := newTestService()
	first, _ := placeOrder(t, svc)
	second, _ := placeOrder(t, svc)

	if first.PatientID != second.PatientID {
		t.Errorf("expected same patient, got %d and %d", first.PatientID, second.PatientID)
	}
	if len(store.patients) != 1 {
		t.Errorf("expected one patient, got %d", len(store.patients))
	}
}

func TestCreateOrder_DemographicsConflict(t *testing.T) {
	svc, store, _ := newTestService()
	placeOrder(t, svc)

	for _, req := range []OrderRequest{
		{MRN: "M1", FirstName: "Augusta", LastName: "Lovelace", DateOfBirth: "1815-12-10", Type: "XRAY"},
		{MRN: "M1", FirstName: "Ada", LastName: "King", DateOfBirth: "1815-12-10", Type: "XRAY"},
		{MRN: "M1", FirstName: "Ada", LastName: "Lovelace", DateOfBirth: "1815-12-11", Type: "XRAY"},
	} {
		if _, _, err := svc.CreateOrder(context.Background(), req); !errors.Is(err, apperr.ErrConflict) {
			t.Errorf("%+v: expected conflict, got %v", req, err)
		}
	}
	if len(store.orders) != 1 {
		t.Errorf("expected rejected orders not to persist, got %d orders", len(store.orders))
	}
}

func TestCreateOrder_Validation(t *testing.T) {
	svc, store, _ := newTestService()

	tests := []struct {
		name string
		mod  func(r *OrderRequest)
		msg  string
	}{
		{"bad date", func(r *OrderRequest) { r.DateOfBirth = "1815-13-40" }, "invalid date format, use ISO 8601 (YYYY-MM-DD)"},
		{"us date", func(r *OrderRequest) { r.DateOfBirth = "12/10/1815" }, "invalid date format, use ISO 8601 (YYYY-MM-DD)"},
		{"bad type", func(r *OrderRequest) { r.Type = "PET" }, "invalid order type: PET. Valid types: ECHO, XRAY, LAB, MRI, CT, ULTRASOUND"},
		{"blank mrn", func(r *OrderRequest) { r.MRN = "  " }, "mrn is required"},
		{"long mrn", func(r *OrderRequest) { r.MRN = strings.Repeat("M", 51) }, "mrn must be at most 50 characters"},
		{"long name", func(r *OrderRequest) { r.LastName = strings.Repeat("L", 101) }, "last_name must be at most 100 characters"},
		{"blank first name", func(r *OrderRequest) { r.FirstName = "" }, "first_name is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := xrayRequest
			tt.mod(&req)
			_, _, err := svc.CreateOrder(context.Background(), req)
			if !errors.Is(err, apperr.Validation("%s", tt.msg)) {
				t.Fatalf("expected validation %q, got %v", tt.msg, err)
			}
		})
	}
	if len(store.orders) != 0 || len(store.patients) != 0 {
		t.Error("expected nothing to persist")
	}
}

func TestCreateOrder_RollsBackOnStudyFailure(t *testing.T) {
	svc, store, rec := newTestService()
	store.failStudyCreate = errors.New("disk full")

	if _, _, err := svc.CreateOrder(context.Background(), xrayRequest); err == nil {
		t.Fatal("expected error")
	}
	if len(store.patients) != 0 || len(store.orders) != 0 || len(store.studies) != 0 {
		t.Errorf("expected full rollback, got %d patients %d orders %d studies",
			len(store.patients), len(store.orders), len(store.studies))
	}
	if len(rec.created) != 0 {
		t.Error("expected no metric for a rolled back order")
	}
}

func TestApplyStudyTransition_EndToEnd(t *testing.T) {
	svc, _, rec := newTestService()
	ctx := context.Background()
	o, st := placeOrder(t, svc)

	st = transition(t, svc, st.ID, 0, nil, strPtr("preliminary"))
	if st.Version != 1 || st.Status != StudyOrdered {
		t.Fatalf("expected ORDERED v1, got %s v%d", st.Status, st.Version)
	}

	st = transition(t, svc, st.ID, 1, strPtr("FINALIZED"), nil)
	if st.Version != 2 || st.Status != StudyFinalized || *st.ReportText != "preliminary" {
		t.Fatalf("unexpected finalized study %+v", st)
	}
	v1, err := svc.GetCurrentResult(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetCurrentResult: %v", err)
	}
	if v1.Version != 1 || v1.Status != ResultFinalized || v1.ReportText != "preliminary" || !v1.IsCurrent {
		t.Errorf("unexpected first result %+v", v1)
	}
	if v1.ResultType != ResultTypeDiagnosticReport || v1.SignedOn.IsZero() {
		t.Errorf("expected signed diagnostic report, got %+v", v1)
	}

	st = transition(t, svc, st.ID, 2, strPtr("AMENDED"), strPtr("corrected"))
	if st.Version != 3 || st.Status != StudyAmended {
		t.Fatalf("unexpected amended study %+v", st)
	}

	history, err := svc.GetResultHistory(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetResultHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 results, got %d", len(history))
	}
	old, cur := history[0], history[1]
	if old.IsCurrent || old.SupersededByID == nil || *old.SupersededByID != cur.ID {
		t.Errorf("expected v1 retired and linked to v2, got %+v", old)
	}
	if !cur.IsCurrent || cur.Version != 2 || cur.Status != ResultAmended || cur.ReportText != "corrected" || cur.SupersededByID != nil {
		t.Errorf("unexpected current result %+v", cur)
	}

	if got := rec.last(); got != (transitionEvent{"FINALIZED", "AMENDED", "applied"}) {
		t.Errorf("unexpected transition metric %+v", got)
	}
}

func TestApplyStudyTransition_ReAmendKeepsOneCurrent(t *testing.T) {
	svc, store, _ := newTestService()
	o, st := placeOrder(t, svc)

	transition(t, svc, st.ID, 0, strPtr("FINALIZED"), strPtr("v1"))
	transition(t, svc, st.ID, 1, strPtr("AMENDED"), strPtr("v2"))
	transition(t, svc, st.ID, 2, strPtr("AMENDED"), strPtr("v3"))

	history, _ := svc.GetResultHistory(context.Background(), o.ID)
	if len(history) != 3 {
		t.Fatalf("expected 3 results, got %d", len(history))
	}
	current := 0
	for i, r := range history {
		if r.Version != i+1 {
			t.Errorf("expected version %d, got %d", i+1, r.Version)
		}
		if r.IsCurrent {
			current++
		}
	}
	if current != 1 || !history[2].IsCurrent {
		t.Errorf("expected only v3 current, got %d current", current)
	}
	if *history[0].SupersededByID != history[1].ID || *history[1].SupersededByID != history[2].ID {
		t.Error("expected chain v1 -> v2 -> v3")
	}
	if len(store.results) != 3 {
		t.Errorf("expected results never deleted, got %d", len(store.results))
	}
}

func TestApplyStudyTransition_StaleVersion(t *testing.T) {
	svc, _, rec := newTestService()
	ctx := context.Background()
	o, st := placeOrder(t, svc)
	transition(t, svc, st.ID, 0, strPtr("FINALIZED"), strPtr("signed"))

	_, err := svc.ApplyStudyTransition(ctx, st.ID, StudyUpdate{Version: 0, Status: strPtr("FINALIZED"), ReportText: strPtr("again")})
	if !errors.Is(err, apperr.Conflict("study was modified by another user. Please refresh and try again.")) {
		t.Fatalf("expected stale version conflict, got %v", err)
	}

	after, _ := svc.GetStudy(ctx, st.ID)
	if after.Version != 1 || after.Status != StudyFinalized || *after.ReportText != "signed" {
		t.Errorf("expected study untouched, got %+v", after)
	}
	history, _ := svc.GetResultHistory(ctx, o.ID)
	if len(history) != 1 {
		t.Errorf("expected finalize not to be applied twice, got %d results", len(history))
	}
	if got := rec.last(); got.outcome != "conflict" {
		t.Errorf("expected conflict outcome, got %+v", got)
	}
}

func TestApplyStudyTransition_RejectedLeavesStudyUntouched(t *testing.T) {
	svc, _, rec := newTestService()
	ctx := context.Background()
	_, st := placeOrder(t, svc)

	_, err := svc.ApplyStudyTransition(ctx, st.ID, StudyUpdate{Version: 0, Status: strPtr("FINALIZED")})
	if !errors.Is(err, apperr.BusinessRule("cannot finalize study without report text")) {
		t.Fatalf("expected business rule error, got %v", err)
	}
	after, _ := svc.GetStudy(ctx, st.ID)
	if after.Version != 0 || after.Status != StudyOrdered {
		t.Errorf("expected study untouched, got %+v", after)
	}
	if got := rec.last(); got != (transitionEvent{"ORDERED", "FINALIZED", "rejected"}) {
		t.Errorf("unexpected metric %+v", got)
	}
}

func TestApplyStudyTransition_ResultFailureRollsBack(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	_, st := placeOrder(t, svc)
	store.failResultCreate = errors.New("boom")

	if _, err := svc.ApplyStudyTransition(ctx, st.ID, StudyUpdate{Version: 0, Status: strPtr("FINALIZED"), ReportText: strPtr("x")}); err == nil {
		t.Fatal("expected error")
	}
	after, _ := svc.GetStudy(ctx, st.ID)
	if after.Version != 0 || after.Status != StudyOrdered || after.ReportText != nil {
		t.Errorf("expected version bump rolled back, got %+v", after)
	}
}

func TestApplyStudyTransition_Errors(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	_, st := placeOrder(t, svc)

	long := strings.Repeat("r", MaxReportLength+1)
	if _, err := svc.ApplyStudyTransition(ctx, st.ID, StudyUpdate{ReportText: &long}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for long report, got %v", err)
	}
	exact := strings.Repeat("r", MaxReportLength)
	if _, err := svc.ApplyStudyTransition(ctx, st.ID, StudyUpdate{ReportText: &exact}); err != nil {
		t.Errorf("expected report at the limit to be accepted, got %v", err)
	}
	if _, err := svc.ApplyStudyTransition(ctx, 999, StudyUpdate{Status: strPtr("CANCELED")}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := svc.ApplyStudyTransition(ctx, st.ID, StudyUpdate{Version: 1, Status: strPtr("BOGUS")}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation for unknown status, got %v", err)
	}
	if _, err := svc.ApplyStudyTransition(ctx, st.ID, StudyUpdate{Version: 1, Status: strPtr("ORDERED")}); !errors.Is(err, apperr.ErrBusinessRule) {
		t.Errorf("expected business rule for ORDERED, got %v", err)
	}
}

func TestApplyStudyTransition_NoChangesKeepsVersion(t *testing.T) {
	svc, _, _ := newTestService()
	_, st := placeOrder(t, svc)

	got := transition(t, svc, st.ID, 0, nil, nil)
	if got.Version != 0 {
		t.Errorf("expected version unchanged, got %d", got.Version)
	}
}

func TestApplyStudyTransition_Cancel(t *testing.T) {
	svc, _, _ := newTestService()
	o, st := placeOrder(t, svc)

	st = transition(t, svc, st.ID, 0, strPtr("CANCELED"), nil)
	if st.Status != StudyCanceled || st.Version != 1 {
		t.Errorf("unexpected canceled study %+v", st)
	}
	if _, err := svc.GetCurrentResult(context.Background(), o.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected no result after cancel, got %v", err)
	}
	if _, err := svc.ApplyStudyTransition(context.Background(), st.ID, StudyUpdate{Version: 1, Status: strPtr("FINALIZED"), ReportText: strPtr("x")}); !errors.Is(err, apperr.ErrBusinessRule) {
		t.Errorf("expected canceled study to be terminal, got %v", err)
	}
}

func TestDeleteStudy(t *testing.T) {
	ctx := context.Background()

	t.Run("ordered and canceled can be deleted", func(t *testing.T) {
		svc, _, _ := newTestService()
		o, st := placeOrder(t, svc)
		if err := svc.DeleteStudy(ctx, st.ID); err != nil {
			t.Fatalf("DeleteStudy: %v", err)
		}
		detail, err := svc.GetOrder(ctx, o.ID)
		if err != nil {
			t.Fatalf("GetOrder: %v", err)
		}
		if detail.Study != nil {
			t.Errorf("expected order without study, got %+v", detail.Study)
		}

		_, st2 := placeOrder(t, svc)
		transition(t, svc, st2.ID, 0, strPtr("CANCELED"), nil)
		if err := svc.DeleteStudy(ctx, st2.ID); err != nil {
			t.Errorf("expected canceled study to be deletable, got %v", err)
		}
	})

	t.Run("signed studies cannot be deleted", func(t *testing.T) {
		svc, _, _ := newTestService()
		_, st := placeOrder(t, svc)
		transition(t, svc, st.ID, 0, strPtr("FINALIZED"), strPtr("x"))
		if err := svc.DeleteStudy(ctx, st.ID); !errors.Is(err, apperr.BusinessRule("cannot delete finalized or amended study")) {
			t.Errorf("expected business rule error, got %v", err)
		}
		transition(t, svc, st.ID, 1, strPtr("AMENDED"), strPtr("y"))
		if err := svc.DeleteStudy(ctx, st.ID); !errors.Is(err, apperr.ErrBusinessRule) {
			t.Errorf("expected business rule error, got %v", err)
		}
	})

	t.Run("missing study", func(t *testing.T) {
		svc, _, _ := newTestService()
		if err := svc.DeleteStudy(ctx, 42); !errors.Is(err, apperr.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})
}

func TestListOrders(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	o1, st1 := placeOrder(t, svc)
	lab := xrayRequest
	lab.Type = "LAB"
	if _, _, err := svc.CreateOrder(ctx, lab); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if err := svc.DeleteStudy(ctx, st1.ID); err != nil {
		t.Fatalf("DeleteStudy: %v", err)
	}

	items, total, err := svc.ListOrders(ctx, 0, "", 10, 0)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected 2 orders, got %d/%d", len(items), total)
	}
	if items[0].ID != o1.ID || items[0].StudyStatus != StudyStatusUnknown || items[0].StudyID != nil {
		t.Errorf("expected deleted study reported as UNKNOWN, got %+v", items[0])
	}
	if items[1].StudyStatus != string(StudyOrdered) {
		t.Errorf("expected ORDERED, got %s", items[1].StudyStatus)
	}

	items, total, _ = svc.ListOrders(ctx, 0, "LAB", 10, 0)
	if total != 1 || items[0].Type != OrderTypeLab {
		t.Errorf("expected one LAB order, got %d", total)
	}
	if _, _, err := svc.ListOrders(ctx, 0, "PET", 10, 0); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for bad type, got %v", err)
	}
}

func TestResultQueries_NotFound(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.GetResult(ctx, 7); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := svc.GetCurrentResult(ctx, 7); !errors.Is(err, apperr.NotFound("no current result found for order id: 7")) {
		t.Errorf("expected not found, got %v", err)
	}
	history, err := svc.GetResultHistory(ctx, 7)
	if err != nil || history == nil || len(history) != 0 {
		t.Errorf("expected empty non-nil history, got %v, %v", history, err)
	}
}

func TestSummaries_ZeroFilled(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	_, st := placeOrder(t, svc)
	transition(t, svc, st.ID, 0, strPtr("CANCELED"), nil)

	byStatus, err := svc.StudyStatusSummary(ctx)
	if err != nil {
		t.Fatalf("StudyStatusSummary: %v", err)
	}
	if len(byStatus) != len(StudyStatuses) || byStatus["CANCELED"] != 1 || byStatus["ORDERED"] != 0 {
		t.Errorf("unexpected status summary %v", byStatus)
	}

	byType, err := svc.OrdersByType(ctx)
	if err != nil {
		t.Fatalf("OrdersByType: %v", err)
	}
	if len(byType) != len(OrderTypes) || byType["XRAY"] != 1 || byType["MRI"] != 0 {
		t.Errorf("unexpected type summary %v", byType)
	}
}

package diagnostics

import (
	"strings"
	"time"

	"github.com/ehr/orders/internal/platform/apperr"
	"github.com/ehr/orders/pkg/civildate"
)

type OrderType string

const (
	OrderTypeEcho       OrderType = "ECHO"
	OrderTypeXRay       OrderType = "XRAY"
	OrderTypeLab        OrderType = "LAB"
	OrderTypeMRI        OrderType = "MRI"
	OrderTypeCT         OrderType = "CT"
	OrderTypeUltrasound OrderType = "ULTRASOUND"
)

// OrderTypes lists every order type in display order.
var OrderTypes = []OrderType{
	OrderTypeEcho, OrderTypeXRay, OrderTypeLab, OrderTypeMRI, OrderTypeCT, OrderTypeUltrasound,
}

func ParseOrderType(s string) (OrderType, error) {
	for _, t := range OrderTypes {
		if string(t) == s {
			return t, nil
		}
	}
	names := make([]string, len(OrderTypes))
	for i, t := range OrderTypes {
		names[i] = string(t)
	}
	return "", apperr.Validation("invalid order type: %s. Valid types: %s", s, strings.Join(names, ", "))
}

type StudyStatus string

const (
	StudyOrdered   StudyStatus = "ORDERED"
	StudyFinalized StudyStatus = "FINALIZED"
	StudyAmended   StudyStatus = "AMENDED"
	StudyCanceled  StudyStatus = "CANCELED"
)

var StudyStatuses = []StudyStatus{StudyOrdered, StudyFinalized, StudyAmended, StudyCanceled}

func ParseStudyStatus(s string) (StudyStatus, error) {
	for _, st := range StudyStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", apperr.Validation("invalid status: %s", s)
}

// StudyStatusUnknown is reported for orders whose study was deleted.
const StudyStatusUnknown = "UNKNOWN"

type ResultStatus string

const (
	ResultFinalized ResultStatus = "FINALIZED"
	ResultAmended   ResultStatus = "AMENDED"
)

const (
	ResultTypeDiagnosticReport = "DIAGNOSTIC_REPORT"
	MaxReportLength            = 5000
)

// Order snapshots the patient's demographics as they were when placed.
type Order struct {
	ID        int64          `json:"id"`
	PatientID int64          `json:"patient_id"`
	MRN       string         `json:"mrn"`
	FirstName string         `json:"first_name"`
	LastName  string         `json:"last_name"`
	BirthDate civildate.Date `json:"date_of_birth"`
	Type      OrderType      `json:"type"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Study is the single diagnostic unit of an order. Version is the
// concurrency token a caller must echo back to mutate it.
type Study struct {
	ID         int64       `json:"id"`
	OrderID    int64       `json:"order_id"`
	Status     StudyStatus `json:"status"`
	ReportText *string     `json:"report_text"`
	Version    int64       `json:"version"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// OrderResult is one signed version of an order's report. Rows are never
// deleted; amending retires the current row and points it at its successor.
type OrderResult struct {
	ID             int64        `json:"id"`
	OrderID        int64        `json:"order_id"`
	Version        int          `json:"version"`
	ReportText     string       `json:"report"`
	Status         ResultStatus `json:"status"`
	ResultType     string       `json:"result_type"`
	SignedOn       time.Time    `json:"signed_on"`
	IsCurrent      bool         `json:"is_current"`
	SupersededByID *int64       `json:"superseded_by_id"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

type OrderRequest struct {
	MRN         string `json:"mrn"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DateOfBirth string `json:"date_of_birth"`
	Type        string `json:"type"`
}

// StudyUpdate is a PATCH. Nil fields are left alone.
type StudyUpdate struct {
	Version    int64
	Status     *string
	ReportText *string
}

type OrderFilter struct {
	PatientID int64
	Type      OrderType
}

// OrderListing is an order with the status of its study, or
// StudyStatusUnknown when the study no longer exists.
type OrderListing struct {
	Order
	StudyID     *int64 `json:"study_id"`
	StudyStatus string `json:"study_status"`
}

// OrderDetail is an order with its study embedded. Study is nil once deleted.
type OrderDetail struct {
	Order
	Study *Study `json:"study"`
}

// CreatedOrder is the intake response.
type CreatedOrder struct {
	Order
	StudyID      int64       `json:"study_id"`
	StudyStatus  StudyStatus `json:"study_status"`
	StudyVersion int64       `json:"study_version"`
}

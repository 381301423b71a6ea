package identity

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ehr/orders/internal/platform/apperr"
	"github.com/ehr/orders/pkg/civildate"
)

const (
	MaxMRNLength  = 50
	MaxNameLength = 100
)

type Patient struct {
	ID        int64          `json:"id"`
	MRN       string         `json:"mrn"`
	FirstName string         `json:"first_name"`
	LastName  string         `json:"last_name"`
	BirthDate civildate.Date `json:"date_of_birth"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SameDemographics reports an exact match on first name, last name and
// date of birth.
func (p *Patient) SameDemographics(firstName, lastName string, dob civildate.Date) bool {
	return p.FirstName == firstName && p.LastName == lastName && p.BirthDate.Equal(dob)
}

// PatientInput is the create payload.
type PatientInput struct {
	MRN         string `json:"mrn"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DateOfBirth string `json:"date_of_birth"`
}

// Validate trims the input in place and returns the parsed date of birth.
func (in *PatientInput) Validate() (civildate.Date, error) {
	in.MRN = strings.TrimSpace(in.MRN)
	if in.MRN == "" {
		return civildate.Date{}, apperr.Validation("mrn is required")
	}
	if utf8.RuneCountInString(in.MRN) > MaxMRNLength {
		return civildate.Date{}, apperr.Validation("mrn must be at most %d characters", MaxMRNLength)
	}
	upd := PatientUpdate{FirstName: in.FirstName, LastName: in.LastName, DateOfBirth: in.DateOfBirth}
	dob, err := upd.Validate()
	in.FirstName, in.LastName = upd.FirstName, upd.LastName
	return dob, err
}

// PatientUpdate carries the mutable demographics. The MRN never changes.
type PatientUpdate struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DateOfBirth string `json:"date_of_birth"`
}

func (in *PatientUpdate) Validate() (civildate.Date, error) {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	switch {
	case in.FirstName == "":
		return civildate.Date{}, apperr.Validation("first_name is required")
	case in.LastName == "":
		return civildate.Date{}, apperr.Validation("last_name is required")
	case utf8.RuneCountInString(in.FirstName) > MaxNameLength:
		return civildate.Date{}, apperr.Validation("first_name must be at most %d characters", MaxNameLength)
	case utf8.RuneCountInString(in.LastName) > MaxNameLength:
		return civildate.Date{}, apperr.Validation("last_name must be at most %d characters", MaxNameLength)
	case strings.TrimSpace(in.DateOfBirth) == "":
		return civildate.Date{}, apperr.Validation("date_of_birth is required")
	}
	return ParseDateOfBirth(in.DateOfBirth)
}

// ParseDateOfBirth parses an ISO-8601 calendar date.
func ParseDateOfBirth(s string) (civildate.Date, error) {
	d, err := civildate.Parse(s)
	if err != nil {
		return civildate.Date{}, apperr.Validation("invalid date format, use ISO 8601 (YYYY-MM-DD)")
	}
	return d, nil
}

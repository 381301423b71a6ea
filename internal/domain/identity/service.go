package identity

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/orders/internal/platform/apperr"
	"github.com/ehr/orders/pkg/civildate"
)

type Service struct {
	patients PatientRepository
	logger   zerolog.Logger
}

func NewService(patients PatientRepository) *Service {
	return &Service{patients: patients, logger: zerolog.Nop()}
}

func (s *Service) SetLogger(logger zerolog.Logger) {
	s.logger = logger.With().Str("component", "identity").Logger()
}

func (s *Service) CreatePatient(ctx context.Context, in PatientInput) (*Patient, error) {
	dob, err := in.Validate()
	if err != nil {
		return nil, err
	}
	p := &Patient{MRN: in.MRN, FirstName: in.FirstName, LastName: in.LastName, BirthDate: dob}
	if err := s.patients.Create(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info().Int64("patient_id", p.ID).Str("mrn", p.MRN).Msg("patient created")
	return p, nil
}

func (s *Service) GetPatient(ctx context.Context, id int64) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

func (s *Service) GetPatientByMRN(ctx context.Context, mrn string) (*Patient, error) {
	return s.patients.GetByMRN(ctx, mrn)
}

func (s *Service) ListPatients(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.patients.List(ctx, limit, offset)
}

// UpdatePatient replaces the demographics of an existing patient. Orders keep
// the snapshot taken when they were placed.
func (s *Service) UpdatePatient(ctx context.Context, id int64, in PatientUpdate) (*Patient, error) {
	dob, err := in.Validate()
	if err != nil {
		return nil, err
	}
	p, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p.FirstName, p.LastName, p.BirthDate = in.FirstName, in.LastName, dob
	if err := s.patients.Update(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info().Int64("patient_id", p.ID).Msg("patient demographics updated")
	return p, nil
}

// ResolvePatient returns the patient with mrn, creating it when unseen. An
// existing patient whose demographics differ in any field is a conflict.
func (s *Service) ResolvePatient(ctx context.Context, mrn, firstName, lastName string, dob civildate.Date) (*Patient, error) {
	p, err := s.patients.UpsertByMRN(ctx, &Patient{MRN: mrn, FirstName: firstName, LastName: lastName, BirthDate: dob})
	if err != nil {
		return nil, err
	}
	if !p.SameDemographics(firstName, lastName, dob) {
		s.logger.Warn().Int64("patient_id", p.ID).Str("mrn", mrn).Msg("demographics mismatch on order intake")
		return nil, apperr.Conflict("%s", demographicsConflict(p))
	}
	return p, nil
}

func demographicsConflict(p *Patient) string {
	return fmt.Sprintf("patient with MRN '%s' already exists with different demographics. "+
		"Existing: %s %s (DOB: %s). Use the patient update endpoint to change demographics first.",
		p.MRN, p.FirstName, p.LastName, p.BirthDate)
}

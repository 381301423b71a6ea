package diagnostics

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/ehr/orders/internal/platform/apperr"
)

var errDeleteSigned = apperr.BusinessRule("cannot delete finalized or amended study")

func isNotFound(err error) bool {
	return errors.Is(err, apperr.ErrNotFound)
}

type resultAction int

const (
	resultNone resultAction = iota
	resultFinalize
	resultSupersede
)

// transitionPlan is the validated outcome of a StudyUpdate against the
// study's current state.
type transitionPlan struct {
	status StudyStatus
	report *string
	result resultAction
}

// planTransition decides what an update does to a study without touching
// storage. A nil plan means the update carries no changes.
func planTransition(st *Study, upd StudyUpdate) (*transitionPlan, error) {
	if upd.Status == nil {
		if upd.ReportText == nil {
			return nil, nil
		}
		if st.Status != StudyOrdered {
			return nil, apperr.BusinessRule("can only update report text when study status is ORDERED. Current status: %s", st.Status)
		}
		return &transitionPlan{status: st.Status, report: upd.ReportText}, nil
	}

	target, err := ParseStudyStatus(strings.TrimSpace(*upd.Status))
	if err != nil {
		return nil, err
	}

	switch target {
	case StudyOrdered:
		return nil, apperr.BusinessRule("cannot set status back to ORDERED")

	case StudyFinalized:
		if st.Status != StudyOrdered {
			return nil, apperr.BusinessRule("can only finalize studies with status ORDERED. Current status: %s", st.Status)
		}
		report := st.ReportText
		if upd.ReportText != nil {
			report = upd.ReportText
		}
		if isBlank(report) {
			return nil, apperr.BusinessRule("cannot finalize study without report text")
		}
		return &transitionPlan{status: StudyFinalized, report: report, result: resultFinalize}, nil

	case StudyAmended:
		if st.Status != StudyFinalized && st.Status != StudyAmended {
			return nil, apperr.BusinessRule("can only amend studies with status FINALIZED or AMENDED. Current status: %s", st.Status)
		}
		if isBlank(upd.ReportText) {
			return nil, apperr.BusinessRule("report text is required for amendment")
		}
		return &transitionPlan{status: StudyAmended, report: upd.ReportText, result: resultSupersede}, nil

	case StudyCanceled:
		if st.Status != StudyOrdered {
			return nil, apperr.BusinessRule("can only cancel studies with status ORDERED. Current status: %s", st.Status)
		}
		return &transitionPlan{status: StudyCanceled, report: st.ReportText}, nil
	}
	return nil, apperr.Validation("invalid status: %s", target)
}

func isBlank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}

// ApplyStudyTransition applies upd to the study if upd.Version still matches
// the stored version. Status, report text, version bump and any result
// rows commit together.
func (s *Service) ApplyStudyTransition(ctx context.Context, id int64, upd StudyUpdate) (*Study, error) {
	from, to := "", targetLabel(upd.Status)

	if upd.ReportText != nil && utf8.RuneCountInString(*upd.ReportText) > MaxReportLength {
		s.metrics.StudyTransition("UNKNOWN", to, "rejected")
		return nil, apperr.Validation("report text must be at most %d characters", MaxReportLength)
	}

	var study *Study
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		st, err := s.studies.Lock(ctx, id)
		if err != nil {
			return err
		}
		from = string(st.Status)
		if st.Version != upd.Version {
			return staleStudy()
		}

		plan, err := planTransition(st, upd)
		if err != nil {
			return err
		}
		if plan == nil {
			study = st
			return nil
		}

		st.Status, st.ReportText = plan.status, plan.report
		if err := s.studies.UpdateVersioned(ctx, st, upd.Version); err != nil {
			return err
		}
		if err := s.writeResult(ctx, st, plan.result); err != nil {
			return err
		}
		study = st
		return nil
	})
	if from == "" {
		from = "UNKNOWN"
	}
	if err != nil {
		s.metrics.StudyTransition(from, to, outcomeOf(err))
		if apperr.KindOf(err) == apperr.KindConflict {
			s.logger.Warn().Int64("study_id", id).Int64("version", upd.Version).Msg("stale study version")
		}
		return nil, err
	}

	s.metrics.StudyTransition(from, to, "applied")
	s.logger.Info().
		Int64("study_id", study.ID).
		Str("from", from).
		Str("to", string(study.Status)).
		Int64("version", study.Version).
		Msg("study transitioned")
	return study, nil
}

// writeResult records the signed report. Finalizing starts the chain at
// version 1; amending retires the current result and links it forward.
func (s *Service) writeResult(ctx context.Context, st *Study, action resultAction) error {
	if action == resultNone {
		return nil
	}
	res := &OrderResult{
		OrderID:    st.OrderID,
		Version:    1,
		ReportText: *st.ReportText,
		Status:     ResultFinalized,
		ResultType: ResultTypeDiagnosticReport,
		SignedOn:   s.now().UTC(),
		IsCurrent:  true,
	}
	if action == resultFinalize {
		return s.results.Create(ctx, res)
	}

	res.Status = ResultAmended
	prev, err := s.results.GetCurrent(ctx, st.OrderID)
	switch {
	case err == nil:
		res.Version = prev.Version + 1
		if err := s.results.Retire(ctx, prev.ID); err != nil {
			return err
		}
	case !isNotFound(err):
		return err
	}
	if err := s.results.Create(ctx, res); err != nil {
		return err
	}
	if prev != nil {
		return s.results.LinkSuccessor(ctx, prev.ID, res.ID)
	}
	return nil
}

func targetLabel(status *string) string {
	if status == nil {
		return "NONE"
	}
	t, err := ParseStudyStatus(strings.TrimSpace(*status))
	if err != nil {
		return "INVALID"
	}
	return string(t)
}

func outcomeOf(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindConflict:
		return "conflict"
	case apperr.KindValidation, apperr.KindBusinessRule, apperr.KindNotFound:
		return "rejected"
	default:
		return "error"
	}
}

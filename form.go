package browserq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// --- Form Automation ---

func (e *Executor) fillFormAuto(ctx context.Context, page Page, p Payload) (map[string]any, error) {
	if p.Phase == PhaseFill {
		return e.fillForm(ctx, page, p)
	}
	return e.analyzeForm(ctx, page, p)
}

// analyzeForm enumerates the form controls of the page. It never writes to
// the page.
func (e *Executor) analyzeForm(ctx context.Context, page Page, p Payload) (map[string]any, error) {
	info, err := e.open(ctx, page, p)
	if err != nil {
		return nil, err
	}
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	fields, err := page.AnalyzeForm(ctx)
	if err != nil {
		return nil, fmt.Errorf("form analysis failed: %w", err)
	}
	if fields == nil {
		fields = []Field{}
	}
	structure := FormStructure{URL: info.URL, Title: info.Title, Fields: fields}
	return map[string]any{
		"phase":         string(PhaseAnalyze),
		"formStructure": structure,
		"fieldCount":    len(fields),
	}, nil
}

// fillForm applies every mapping it can, verifies what it attempted and
// never submits. A bad mapping is recorded and the rest still apply.
func (e *Executor) fillForm(ctx context.Context, page Page, p Payload) (map[string]any, error) {
	if _, err := e.open(ctx, page, p); err != nil {
		return nil, err
	}

	report := FillReport{FailedFields: []FailedField{}}
	var attempted []FieldMapping

	for _, m := range p.Mappings {
		if err := checkpoint(ctx); err != nil {
			return report.data(), err
		}
		err := e.applyMapping(ctx, page, p, m)
		if err != nil {
			report.FieldsFailed++
			report.FailedFields = append(report.FailedFields, FailedField{Selector: m.Selector, Error: err.Error()})
			continue
		}
		report.FieldsFilled++
		attempted = append(attempted, m)
	}

	report.Verification = verifyFill(ctx, page, attempted)

	if p.CaptureSession {
		data := report.data()
		id, err := e.captureAndStore(ctx, page)
		if err != nil {
			e.log.WithError(err).Warn("session capture failed")
			data["sessionError"] = err.Error()
			return data, nil
		}
		report.SessionID = id
	}

	e.log.WithFields(logrus.Fields{
		"filled": report.FieldsFilled,
		"failed": report.FieldsFailed,
	}).Debug("form filled")
	return report.data(), nil
}

func (e *Executor) applyMapping(ctx context.Context, page Page, p Payload, m FieldMapping) error {
	if e.minConfidence > 0 && m.Confidence < e.minConfidence {
		return fmt.Errorf("confidence %.2f below %.2f", m.Confidence, e.minConfidence)
	}
	if !p.FormStructure.HasSelector(m.Selector) {
		return kindError(ErrSelectorNotFound, "%s is not part of the analyzed form", m.Selector)
	}
	ok, err := page.Exists(ctx, m.Selector)
	if err != nil {
		return err
	}
	if !ok {
		return kindError(ErrSelectorNotFound, "%s is no longer on the page", m.Selector)
	}

	timeout := e.timeout(p)
	switch fieldKind(m.FieldType) {
	case "checkbox":
		return page.SetChecked(ctx, m.Selector, truthy(m.Value), timeout)
	case "radio":
		return page.SetChecked(ctx, m.Selector, true, timeout)
	case "select":
		return page.SelectOption(ctx, m.Selector, m.Value, timeout)
	case "date", "time", "datetime-local", "month":
		v, err := formatDateValue(m.FieldType, m.Value)
		if err != nil {
			return err
		}
		return page.Fill(ctx, m.Selector, v, timeout)
	default:
		return page.Fill(ctx, m.Selector, m.Value, timeout)
	}
}

// verifyFill re-reads each attempted field. Checkboxes count as filled when
// their state matches the mapping, everything else when non-empty.
func verifyFill(ctx context.Context, page Page, attempted []FieldMapping) FillVerification {
	v := FillVerification{TotalCount: len(attempted), EmptyFields: []string{}}
	for _, m := range attempted {
		state, err := page.ReadField(ctx, m.Selector)
		filled := err == nil
		if filled {
			switch fieldKind(m.FieldType) {
			case "checkbox":
				filled = state.Checked == truthy(m.Value)
			case "radio":
				filled = state.Checked
			default:
				filled = strings.TrimSpace(state.Value) != ""
			}
		}
		if filled {
			v.FilledCount++
		} else {
			v.EmptyFields = append(v.EmptyFields, m.Selector)
		}
	}
	v.AllFilled = len(v.EmptyFields) == 0
	return v
}

func (r FillReport) data() map[string]any {
	data := map[string]any{
		"phase":        string(PhaseFill),
		"fieldsFilled": r.FieldsFilled,
		"fieldsFailed": r.FieldsFailed,
		"failedFields": r.FailedFields,
		"verification": r.Verification,
	}
	if r.SessionID != "" {
		data["sessionId"] = r.SessionID
	}
	return data
}

// FillReport decodes the data of a fill-phase result.
func (r JobResult) FillReport() (*FillReport, error) {
	raw, err := json.Marshal(r.Data)
	if err != nil {
		return nil, err
	}
	var rep FillReport
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// FormStructure decodes the data of an analyze-phase result.
func (r JobResult) FormStructure() (*FormStructure, error) {
	if _, ok := r.Data["formStructure"]; !ok {
		return nil, errors.New("result carries no form structure")
	}
	var fs FormStructure
	if err := r.DecodeData("formStructure", &fs); err != nil {
		return nil, err
	}
	return &fs, nil
}

func fieldKind(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y", "on", "checked":
		return true
	}
	return false
}

var dateLayouts = map[string]string{
	"date":           "2006-01-02",
	"time":           "15:04",
	"datetime-local": "2006-01-02T15:04",
	"month":          "2006-01",
}

var dateInputs = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006-01",
	"01/02/2006",
	"02.01.2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"15:04:05",
	"15:04",
	"3:04 PM",
	"3:04PM",
}

// formatDateValue renders v in the format the HTML input type expects.
func formatDateValue(fieldType, v string) (string, error) {
	layout := dateLayouts[fieldKind(fieldType)]
	v = strings.TrimSpace(v)
	for _, in := range dateInputs {
		t, err := time.Parse(in, v)
		if err == nil {
			return t.Format(layout), nil
		}
	}
	return "", fmt.Errorf("cannot format %q as %s", v, fieldType)
}

package browserq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func analyzedStructure(t *testing.T, e *Executor) *FormStructure {
	t.Helper()
	res := e.Execute(context.Background(), testJob(Payload{Type: JobFillFormAuto, URL: "https://example.com/signup"}))
	require.True(t, res.Success, res.Error)
	fs, err := res.FormStructure()
	require.NoError(t, err)
	return fs
}

func TestAnalyzeForm(t *testing.T) {
	page := formPage()
	e := newTestExecutor(singlePage(page))

	res := e.Execute(context.Background(), testJob(Payload{Type: JobFillFormAuto, URL: "https://example.com/signup"}))

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "analyze", res.Data["phase"])
	assert.Equal(t, 5, res.Data["fieldCount"])

	fs, err := res.FormStructure()
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/signup", fs.URL)
	assert.Equal(t, "Sign up", fs.Title)
	require.Len(t, fs.Fields, 5)
	assert.Equal(t, "#first", fs.Fields[0].Selector)
	assert.True(t, fs.Fields[0].Required)
	assert.Equal(t, []string{"de", "fr", "uk"}, fs.Fields[4].Options)

	for sel, f := range page.fields {
		assert.Empty(t, f.value, "analysis wrote to %s", sel)
		assert.False(t, f.checked)
	}
}

func TestAnalyzeFormIsRepeatable(t *testing.T) {
	e := newTestExecutor(singlePage(formPage()))

	first := analyzedStructure(t, e)
	second := analyzedStructure(t, e)

	require.Len(t, second.Fields, len(first.Fields))
	for i := range first.Fields {
		assert.Equal(t, first.Fields[i].Selector, second.Fields[i].Selector)
		assert.Equal(t, first.Fields[i].Type, second.Fields[i].Type)
	}
	assert.Equal(t, first, second)
}

func TestAnalyzeFormWithoutFields(t *testing.T) {
	page := newFakePage()
	res := newTestExecutor(singlePage(page)).Execute(context.Background(),
		testJob(Payload{Type: JobFillFormAuto, URL: "https://example.com"}))

	require.True(t, res.Success, res.Error)
	assert.Equal(t, 0, res.Data["fieldCount"])
	fs, err := res.FormStructure()
	require.NoError(t, err)
	assert.NotNil(t, fs.Fields)
	assert.Empty(t, fs.Fields)
}

func TestFillFormPartialFailure(t *testing.T) {
	page := formPage()
	e := newTestExecutor(singlePage(page))
	fs := analyzedStructure(t, e)

	res := e.Execute(context.Background(), testJob(Payload{
		Type:          JobFillFormAuto,
		URL:           fs.URL,
		FormStructure: fs,
		Mappings: []FieldMapping{
			{Selector: "#first", Value: "Ada", Confidence: 0.9, FieldType: "text"},
			{Selector: "#email", Value: "ada@example.com", Confidence: 0.95, FieldType: "email"},
			{Selector: "#terms", Value: "yes", Confidence: 0.8, FieldType: "checkbox"},
			{Selector: "#nickname", Value: "ada", Confidence: 0.4, FieldType: "text"},
		},
	}))

	require.True(t, res.Success, res.Error)
	rep, err := res.FillReport()
	require.NoError(t, err)

	assert.Equal(t, 3, rep.FieldsFilled)
	assert.Equal(t, 1, rep.FieldsFailed)
	require.Len(t, rep.FailedFields, 1)
	assert.Equal(t, "#nickname", rep.FailedFields[0].Selector)
	assert.NotEmpty(t, rep.FailedFields[0].Error)

	assert.Equal(t, 3, rep.Verification.TotalCount)
	assert.Equal(t, rep.FieldsFilled, rep.Verification.TotalCount)
	assert.Equal(t, 3, rep.Verification.FilledCount)
	assert.True(t, rep.Verification.AllFilled)
	assert.Empty(t, rep.Verification.EmptyFields)

	assert.Equal(t, "Ada", page.fields["#first"].value)
	assert.True(t, page.fields["#terms"].checked)
	assert.Empty(t, rep.SessionID)
}

func TestFillFormFieldKinds(t *testing.T) {
	page := formPage()
	page.fields["#dob"] = &fakeField{typ: "date"}
	page.fields["#opt-in"] = &fakeField{typ: "radio"}
	fs := &FormStructure{URL: "https://example.com/signup", Fields: []Field{
		{Selector: "#country", Type: "select"},
		{Selector: "#dob", Type: "date"},
		{Selector: "#opt-in", Type: "radio"},
		{Selector: "#terms", Type: "checkbox"},
		{Selector: "#last", Type: "text"},
	}}
	page.fields["#terms"].checked = true

	res := newTestExecutor(singlePage(page)).Execute(context.Background(), testJob(Payload{
		Type:          JobFillFormAuto,
		URL:           fs.URL,
		FormStructure: fs,
		Mappings: []FieldMapping{
			{Selector: "#country", Value: "fr", Confidence: 1, FieldType: "select"},
			{Selector: "#dob", Value: "12/10/1815", Confidence: 1, FieldType: "date"},
			{Selector: "#opt-in", Value: "on", Confidence: 1, FieldType: "radio"},
			{Selector: "#terms", Value: "false", Confidence: 1, FieldType: "checkbox"},
			{Selector: "#last", Value: "   ", Confidence: 1, FieldType: "text"},
		},
	}))

	require.True(t, res.Success, res.Error)
	rep, err := res.FillReport()
	require.NoError(t, err)

	assert.Equal(t, 5, rep.FieldsFilled)
	assert.Equal(t, "fr", page.fields["#country"].value)
	assert.Equal(t, "1815-12-10", page.fields["#dob"].value)
	assert.True(t, page.fields["#opt-in"].checked)
	assert.False(t, page.fields["#terms"].checked)

	// A blank text value is applied but reads back empty.
	assert.False(t, rep.Verification.AllFilled)
	assert.Equal(t, 4, rep.Verification.FilledCount)
	assert.Equal(t, []string{"#last"}, rep.Verification.EmptyFields)
}

func TestFillFormRecordsFailures(t *testing.T) {
	page := formPage()
	page.fillErr["#email"] = errors.New("element is disabled")
	delete(page.fields, "#last")
	fs := &FormStructure{URL: "https://example.com/signup", Fields: formPage().analyzed}

	res := newTestExecutor(singlePage(page), WithMinConfidence(0.5)).Execute(context.Background(), testJob(Payload{
		Type:          JobFillFormAuto,
		URL:           fs.URL,
		FormStructure: fs,
		Mappings: []FieldMapping{
			{Selector: "#first", Value: "Ada", Confidence: 0.2, FieldType: "text"},
			{Selector: "#last", Value: "Lovelace", Confidence: 0.9, FieldType: "text"},
			{Selector: "#email", Value: "ada@example.com", Confidence: 0.9, FieldType: "email"},
			{Selector: "#country", Value: "xx", Confidence: 0.9, FieldType: "select"},
			{Selector: "#terms", Value: "1", Confidence: 0.9, FieldType: "checkbox"},
		},
	}))

	require.True(t, res.Success, res.Error)
	rep, err := res.FillReport()
	require.NoError(t, err)

	assert.Equal(t, 1, rep.FieldsFilled)
	assert.Equal(t, 4, rep.FieldsFailed)
	errs := map[string]string{}
	for _, f := range rep.FailedFields {
		errs[f.Selector] = f.Error
	}
	assert.Contains(t, errs["#first"], "confidence 0.20 below 0.50")
	assert.Contains(t, errs["#last"], "no longer on the page")
	assert.Contains(t, errs["#email"], "disabled")
	assert.Contains(t, errs["#country"], "xx")
	assert.Empty(t, page.fields["#first"].value)
	assert.Equal(t, 1, rep.Verification.TotalCount)
}

func TestFillFormCapturesSession(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewRedisSessionStore(rdb, testConfig())

	page := formPage()
	page.cookies = []Cookie{{Name: "sid", Value: "abc", Domain: "example.com", Path: "/", HTTPOnly: true}}
	page.localStorage["draft"] = "1"
	fs := &FormStructure{URL: "https://example.com/signup", Fields: page.analyzed}
	mappings := []FieldMapping{{Selector: "#first", Value: "Ada", Confidence: 1, FieldType: "text"}}

	t.Run("stored", func(t *testing.T) {
		res := newTestExecutor(singlePage(page), WithSessionStore(store, 0)).Execute(context.Background(), testJob(Payload{
			Type: JobFillFormAuto, URL: fs.URL, FormStructure: fs, Mappings: mappings, CaptureSession: true,
		}))

		require.True(t, res.Success, res.Error)
		rep, err := res.FillReport()
		require.NoError(t, err)
		require.NotEmpty(t, rep.SessionID)

		bundle, err := store.Load(context.Background(), rep.SessionID)
		require.NoError(t, err)
		assert.Equal(t, page.cookies, bundle.Cookies)
		assert.Equal(t, map[string]string{"draft": "1"}, bundle.LocalStorage)
		assert.Equal(t, fs.URL, bundle.URL)
	})

	t.Run("no store still fills", func(t *testing.T) {
		res := newTestExecutor(singlePage(formPage())).Execute(context.Background(), testJob(Payload{
			Type: JobFillFormAuto, URL: fs.URL, FormStructure: fs, Mappings: mappings, CaptureSession: true,
		}))

		require.True(t, res.Success, res.Error)
		assert.Equal(t, 1, res.Data["fieldsFilled"])
		assert.Contains(t, res.Data["sessionError"], ErrNotConfigured.Error())
		assert.NotContains(t, res.Data, "sessionId")
	})
}

func TestFillReportRoundTripsThroughJSON(t *testing.T) {
	in := FillReport{
		FieldsFilled: 2,
		FieldsFailed: 1,
		FailedFields: []FailedField{{Selector: "#x", Error: "gone"}},
		Verification: FillVerification{AllFilled: true, FilledCount: 2, TotalCount: 2, EmptyFields: []string{}},
		SessionID:    "s1",
	}
	raw, err := json.Marshal(Succeeded(in.data(), 0))
	require.NoError(t, err)

	var res JobResult
	require.NoError(t, json.Unmarshal(raw, &res))
	out, err := res.FillReport()
	require.NoError(t, err)
	assert.Equal(t, in, *out)
}

func TestFormatDateValue(t *testing.T) {
	tests := []struct {
		fieldType, in, want string
	}{
		{"date", "2024-03-05", "2024-03-05"},
		{"date", "03/05/2024", "2024-03-05"},
		{"date", "5 March 2024", "2024-03-05"},
		{"date", "2024-03-05T10:30:00Z", "2024-03-05"},
		{"time", "3:04 PM", "15:04"},
		{"time", "09:15:30", "09:15"},
		{"datetime-local", "2024-03-05 10:30", "2024-03-05T10:30"},
		{"month", "2024-03-05", "2024-03"},
	}
	for _, tt := range tests {
		t.Run(tt.fieldType+"/"+tt.in, func(t *testing.T) {
			got, err := formatDateValue(tt.fieldType, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := formatDateValue("date", "next tuesday")
	require.Error(t, err)
}

package browserq

import (
	"encoding/json"
	"time"
)

// JobType selects the executor routine for a job.
type JobType string

const (
	JobNavigate     JobType = "navigate"
	JobScreenshot   JobType = "screenshot"
	JobClick        JobType = "click"
	JobTypeText     JobType = "type"
	JobWait         JobType = "wait"
	JobUpload       JobType = "upload"
	JobFillFormAuto JobType = "fill_form_auto"
)

var jobTypes = map[JobType]bool{
	JobNavigate:     true,
	JobScreenshot:   true,
	JobClick:        true,
	JobTypeText:     true,
	JobWait:         true,
	JobUpload:       true,
	JobFillFormAuto: true,
}

// Valid reports whether t is one of the known job types.
func (t JobType) Valid() bool { return jobTypes[t] }

// FormPhase is the explicit stage of a fill_form_auto job.
type FormPhase string

const (
	PhaseAnalyze FormPhase = "analyze"
	PhaseFill    FormPhase = "fill"
)

// WaitType selects the wait strategy of a wait job.
type WaitType string

const (
	WaitSelector    WaitType = "selector"
	WaitText        WaitType = "text"
	WaitTimeout     WaitType = "timeout"
	WaitNetworkIdle WaitType = "networkidle"
)

// FileSource tells the upload action where the file bytes live.
type FileSource string

const (
	SourceS3    FileSource = "s3"
	SourceURL   FileSource = "url"
	SourceLocal FileSource = "local"
)

// Payload is the wire contract of a job. Durations are milliseconds.
type Payload struct {
	Type       JobType `json:"type"`
	URL        string  `json:"url,omitempty"`
	Selector   string  `json:"selector,omitempty"`
	Text       string  `json:"text,omitempty"`
	Delay      int     `json:"delay,omitempty"`
	ClearFirst bool    `json:"clearFirst,omitempty"`
	PressKey   string  `json:"pressKey,omitempty"`
	FullPage   bool    `json:"fullPage,omitempty"`

	WaitType WaitType `json:"waitType,omitempty"`
	Timeout  int      `json:"timeout,omitempty"`

	FileSource FileSource `json:"fileSource,omitempty"`
	FileKey    string     `json:"fileKey,omitempty"`
	Bucket     string     `json:"bucket,omitempty"`
	FileURL    string     `json:"fileUrl,omitempty"`
	FilePath   string     `json:"filePath,omitempty"`
	FileName   string     `json:"fileName,omitempty"`
	MimeType   string     `json:"mimeType,omitempty"`

	Phase          FormPhase      `json:"phase,omitempty"`
	FormStructure  *FormStructure `json:"formStructure,omitempty"`
	Mappings       []FieldMapping `json:"mappings,omitempty"`
	CaptureSession bool           `json:"captureSession,omitempty"`

	TaskID string `json:"taskId,omitempty"`
}

// TimeoutDuration returns the payload timeout, or def when unset.
func (p Payload) TimeoutDuration(def time.Duration) time.Duration {
	if p.Timeout > 0 {
		return time.Duration(p.Timeout) * time.Millisecond
	}
	return def
}

// Job is a unit of work submitted to the queue. It is immutable once
// enqueued; attempt bookkeeping lives in JobRecord.
type Job struct {
	ID        string    `json:"id"`
	Type      JobType   `json:"type"`
	Payload   Payload   `json:"payload"`
	TaskID    string    `json:"taskId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobStatus is the queue-side lifecycle state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether s is a final state.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// JobRecord is the queue's view of a job.
type JobRecord struct {
	Job        Job        `json:"job"`
	Status     JobStatus  `json:"status"`
	Attempts   int        `json:"attempts"`
	Worker     string     `json:"worker,omitempty"`
	Result     *JobResult `json:"result,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// JobResult is the outcome of executing a Job. Error is set iff Success is
// false; Data may be populated either way. Duration is in milliseconds.
type JobResult struct {
	Success  bool           `json:"success"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration int64          `json:"duration"`
}

// Succeeded builds a successful result.
func Succeeded(data map[string]any, d time.Duration) JobResult {
	return JobResult{Success: true, Data: data, Duration: d.Milliseconds()}
}

// Failed builds a failed result. A nil err still yields a non-empty Error.
func Failed(err error, data map[string]any, d time.Duration) JobResult {
	msg := "job failed"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return JobResult{Success: false, Data: data, Error: msg, Duration: d.Milliseconds()}
}

// DecodeData re-decodes a named entry of Data into v. Results that came
// over the wire hold generic JSON values.
func (r JobResult) DecodeData(key string, v any) error {
	raw, err := json.Marshal(r.Data[key])
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// FormStructure is the output of the analyze phase.
type FormStructure struct {
	URL    string  `json:"url"`
	Title  string  `json:"title"`
	Fields []Field `json:"fields"`
}

// Field describes one addressable form control. Selectors are only valid
// for the document they were derived from.
type Field struct {
	Selector string   `json:"selector"`
	Type     string   `json:"type"`
	Label    string   `json:"label,omitempty"`
	Name     string   `json:"name,omitempty"`
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
}

// HasSelector reports whether the structure contains a field with selector.
func (f *FormStructure) HasSelector(selector string) bool {
	if f == nil {
		return false
	}
	for _, fld := range f.Fields {
		if fld.Selector == selector {
			return true
		}
	}
	return false
}

// FieldMapping is one value to write during the fill phase.
type FieldMapping struct {
	Selector   string  `json:"selector"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	FieldType  string  `json:"fieldType"`
	Source     string  `json:"source,omitempty"`
}

// FailedField records why a mapping could not be applied.
type FailedField struct {
	Selector string `json:"selector"`
	Error    string `json:"error"`
}

// FillVerification is the post-fill re-read of every attempted field.
type FillVerification struct {
	AllFilled   bool     `json:"allFilled"`
	FilledCount int      `json:"filledCount"`
	TotalCount  int      `json:"totalCount"`
	EmptyFields []string `json:"emptyFields"`
}

// FillReport is the data returned by the fill phase.
type FillReport struct {
	FieldsFilled int              `json:"fieldsFilled"`
	FieldsFailed int              `json:"fieldsFailed"`
	FailedFields []FailedField    `json:"failedFields"`
	Verification FillVerification `json:"verification"`
	SessionID    string           `json:"sessionId,omitempty"`
}

// Cookie is a browser cookie as captured for session transfer.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// SessionBundle is captured browser state. Never mutated after creation.
type SessionBundle struct {
	Cookies        []Cookie          `json:"cookies"`
	LocalStorage   map[string]string `json:"localStorage"`
	SessionStorage map[string]string `json:"sessionStorage"`
	URL            string            `json:"url"`
	ExpiresAt      time.Time         `json:"expiresAt"`
}

// TaskState is the lifecycle of a caller-level task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// Terminal reports whether s is a final state.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// TaskStatus is the pull view of a task.
type TaskStatus struct {
	TaskID        string     `json:"taskId"`
	Status        TaskState  `json:"status"`
	CurrentStep   int        `json:"currentStep"`
	TotalSteps    int        `json:"totalSteps"`
	LastJobResult *JobResult `json:"lastJobResult,omitempty"`
	Error         string     `json:"error,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// TaskUpdateEvent is pushed to subscribers of a task.
type TaskUpdateEvent struct {
	TaskID      string     `json:"taskId"`
	Status      TaskState  `json:"status"`
	CurrentStep int        `json:"currentStep,omitempty"`
	TotalSteps  int        `json:"totalSteps,omitempty"`
	Message     string     `json:"message,omitempty"`
	Result      *JobResult `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

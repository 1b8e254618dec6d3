package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Process status values. The approval workflow watches for StatusWaitingApproval.
const (
	StatusDraft           = "DRAFT"
	StatusWaitingApproval = "WAITING_APPROVAL"
	StatusApproved        = "APPROVED"
	StatusRejected        = "REJECTED"
)

// Job status values.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

type Process struct {
	ID              string
	Name            string
	Description     string
	DepartmentID    string
	CreatedBy       string
	Status          string
	CurrentVersion  int
	FormData        string // JSON object stored as text
	Frequency       *float64
	DurationMinutes *float64
	CostPerHour     *float64
	AutomationScore *float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ProcessMetrics holds the optional numeric fields a chat turn may fill in.
// Nil fields are left untouched.
type ProcessMetrics struct {
	Frequency       *float64
	DurationMinutes *float64
	CostPerHour     *float64
	AutomationScore *float64
}

func (m ProcessMetrics) Empty() bool {
	return m.Frequency == nil && m.DurationMinutes == nil && m.CostPerHour == nil && m.AutomationScore == nil
}

type ProcessVersion struct {
	ProcessID string
	Version   int
	SOPJSON   string // JSON document stored as text
	FormData  string // JSON object stored as text
	CreatedBy string
	CreatedAt time.Time
}

type Conversation struct {
	ID        string
	ProcessID string
	UserID    string
	CreatedAt time.Time
}

type Message struct {
	ID             string
	ConversationID string
	Seq            int
	Role           string
	Content        string
	CreatedAt      time.Time
}

type Job struct {
	ID             string
	ProcessID      string
	UserID         string
	ConversationID string
	PayloadJSON    string
	Status         string // "queued", "processing", "completed", "failed"
	Progress       int
	Result         string
	Model          string
	UsedFallback   bool
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ModelConfig struct {
	ID            string
	Name          string
	Provider      string
	PrimaryModel  string
	FallbackModel string
	SystemPrompt  string
	Temperature   float64
	MaxTokens     int
	APIKeySealed  string
	IsActive      bool
	CreatedAt     time.Time
}

package domain

import "time"

const (
	AccountActive   = "active"
	AccountDisabled = "disabled"
)

// Refresh kinds recorded on logs and runs.
const (
	KindManual    = "manual"
	KindScheduled = "scheduled"
	KindGroup     = "group"
	KindRetry     = "retry"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

const (
	RunRunning   = "running"
	RunCompleted = "completed"
)

type Account struct {
	ID            int64      `db:"id" json:"id"`
	Email         string     `db:"email" json:"email"`
	Password      string     `db:"password" json:"-"`
	ClientID      string     `db:"client_id" json:"client_id"`
	RefreshToken  string     `db:"refresh_token" json:"-"`
	GroupID       *int64     `db:"group_id" json:"group_id,omitempty"`
	Status        string     `db:"status" json:"status"`
	LastRefreshAt *time.Time `db:"last_refresh_at" json:"last_refresh_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

type Lease struct {
	ID        string    `db:"lease_id" json:"lease_id"`
	AccountID int64     `db:"account_id" json:"account_id"`
	Owner     string    `db:"owner" json:"owner"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type RefreshLogEntry struct {
	ID           int64     `db:"id" json:"id"`
	AccountID    int64     `db:"account_id" json:"account_id"`
	AccountEmail string    `db:"account_email" json:"account_email"`
	Kind         string    `db:"refresh_type" json:"refresh_type"`
	Status       string    `db:"status" json:"status"`
	Error        string    `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

type RefreshRun struct {
	ID           string     `db:"run_id" json:"run_id"`
	Kind         string     `db:"refresh_type" json:"refresh_type"`
	StartedAt    time.Time  `db:"started_at" json:"started_at"`
	FinishedAt   *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	Total        int        `db:"total" json:"total"`
	TotalAll     int        `db:"total_all" json:"total_all"`
	SuccessCount int        `db:"success_count" json:"success_count"`
	FailedCount  int        `db:"failed_count" json:"failed_count"`
	Resumed      bool       `db:"resumed" json:"resumed"`
	Skipped      int        `db:"skipped" json:"skipped"`
	GroupID      *int64     `db:"group_id" json:"group_id,omitempty"`
	MaxWorkers   int        `db:"max_workers" json:"max_workers"`
	BatchSize    int        `db:"batch_size" json:"batch_size"`
	DelaySeconds int        `db:"delay_seconds" json:"delay_seconds"`
	Status       string     `db:"status" json:"status"`
}

// Checkpoint is the resume state of one scope. DurationSeconds and AvgRate
// are only set once the checkpoint is completed.
type Checkpoint struct {
	Scope           string     `db:"scope" json:"scope"`
	Status          string     `db:"status" json:"status"`
	LastID          int64      `db:"last_id" json:"last_id"`
	Total           int        `db:"total" json:"total"`
	Processed       int        `db:"processed" json:"processed"`
	GroupID         *int64     `db:"group_id" json:"group_id,omitempty"`
	StartedAt       time.Time  `db:"started_at" json:"started_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
	FinishedAt      *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	DurationSeconds *int64     `db:"duration_seconds" json:"duration_seconds,omitempty"`
	AvgRate         *float64   `db:"avg_rate" json:"avg_rate,omitempty"`
}

type SchedulerLock struct {
	Owner       string    `db:"owner" json:"owner"`
	HeartbeatAt time.Time `db:"heartbeat_at" json:"heartbeat_at"`
}

type AuditEntry struct {
	Action       string `db:"action" json:"action"`
	ResourceType string `db:"resource_type" json:"resource_type"`
	ResourceID   string `db:"resource_id" json:"resource_id"`
	CallerIP     string `db:"user_ip" json:"user_ip"`
	Details      string `db:"details" json:"details"`
}

package refresh

// Event is one self-describing record of a run's progress. A run emits
// start, any number of progress and delay events, then complete.
type Event interface {
	EventType() string
}

// Sink receives events in order. It is called synchronously from the run.
type Sink func(Event)

func discard(Event) {}

type StartEvent struct {
	Type         string `json:"type"`
	Total        int    `json:"total"`
	TotalAll     int    `json:"total_all"`
	DelaySeconds int    `json:"delay_seconds"`
	MaxWorkers   int    `json:"max_workers"`
	BatchSize    int    `json:"batch_size"`
	Kind         string `json:"refresh_type"`
	Resumed      bool   `json:"resumed"`
	Skipped      int    `json:"skipped"`
	RunID        string `json:"run_id"`
	Scope        string `json:"scope"`
	GroupID      *int64 `json:"group_id"`
}

type ProgressEvent struct {
	Type           string  `json:"type"`
	Email          string  `json:"email"`
	Current        int     `json:"current"`
	Total          int     `json:"total"`
	SuccessCount   int     `json:"success_count"`
	FailedCount    int     `json:"failed_count"`
	RatePerMin     float64 `json:"rate_per_min"`
	ETASeconds     *int    `json:"eta_seconds"`
	ElapsedSeconds int     `json:"elapsed_seconds"`
	RunID          string  `json:"run_id"`
}

type DelayEvent struct {
	Type    string `json:"type"`
	Seconds int    `json:"seconds"`
	RunID   string `json:"run_id"`
}

type FailedAccount struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Error string `json:"error"`
}

type CompleteEvent struct {
	Type            string          `json:"type"`
	Total           int             `json:"total"`
	SuccessCount    int             `json:"success_count"`
	FailedCount     int             `json:"failed_count"`
	FailedList      []FailedAccount `json:"failed_list"`
	RunID           string          `json:"run_id"`
	DurationSeconds int             `json:"duration_seconds"`
	AvgRate         *float64        `json:"avg_rate"`
}

func (StartEvent) EventType() string    { return "start" }
func (ProgressEvent) EventType() string { return "progress" }
func (DelayEvent) EventType() string    { return "delay" }
func (CompleteEvent) EventType() string { return "complete" }

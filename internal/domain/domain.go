package domain

// Deal is a commercial project moving through the pipeline.
// JSON tags match the persisted commercial_projects format so that
// import/export round-trips records unchanged.
type Deal struct {
	ProjectID        string  `json:"projectId"`
	Name             string  `json:"name"`
	Customer         string  `json:"customer,omitempty"`
	Owner            string  `json:"owner,omitempty"`
	Stage            string  `json:"stage"`
	Amount           float64 `json:"amount"`
	Currency         string  `json:"currency,omitempty"`
	NextFollowupAt   string  `json:"nextFollowupAt,omitempty" format:"date"`
	StageProbability float64 `json:"stageProbability"`
	ExpectedValue    float64 `json:"expectedValue"`
	IsStale          bool    `json:"isStale,omitempty"`
	QuoteCount       int     `json:"quoteCount"`
	LastNote         string  `json:"lastNote,omitempty"`

	// Back-references to synthesized tasks (lookup only, not ownership).
	FinanceTaskID     string `json:"financeTaskId,omitempty"`
	DevelopmentTaskID string `json:"developmentTaskId,omitempty"`
	ChangeMgmtTaskID  string `json:"changeMgmtTaskId,omitempty"`

	// LastActivityAt moves only on transitions and imports, never on
	// sweeps; it is the base date for staleness.
	LastActivityAt string `json:"lastActivityAt,omitempty" format:"date-time"`
	CreatedAt      string `json:"createdAt" format:"date-time"`
	UpdatedAt      string `json:"updatedAt" format:"date-time"`
}

// Task is an operational action derived from a deal's stage.
type Task struct {
	ID              string   `json:"id"`
	Area            string   `json:"area"`
	Title           string   `json:"title"`
	Objective       string   `json:"objective,omitempty"`
	Owner           string   `json:"owner,omitempty"`
	DueDate         string   `json:"dueDate,omitempty" format:"date"`
	Status          string   `json:"status" enum:"todo,doing,done"`
	Priority        string   `json:"priority,omitempty"`
	LinkedProjectID string   `json:"linkedProjectId,omitempty"`
	NextCheckIn     string   `json:"nextCheckIn,omitempty" format:"date"`
	Evidence        []string `json:"evidence"`
	Blockers        []string `json:"blockers"`
	CreatedAt       string   `json:"createdAt" format:"date-time"`
	UpdatedAt       string   `json:"updatedAt" format:"date-time"`
}

// Quote is a read-only reference record joined to deals by a loose
// substring match; it only feeds the quoteCount annotation.
type Quote struct {
	QuoteID   string  `json:"quoteId"`
	Project   string  `json:"project"`
	Customer  string  `json:"customer,omitempty"`
	Amount    float64 `json:"amount,omitempty"`
	Currency  string  `json:"currency,omitempty"`
	CreatedAt string  `json:"createdAt,omitempty" format:"date-time"`
}

// Event is an immutable audit record of a stage mutation.
type Event struct {
	EventID       string         `json:"eventId"`
	TS            string         `json:"ts" format:"date-time"`
	SchemaVersion int            `json:"schemaVersion"`
	Source        string         `json:"source,omitempty"`
	Channel       string         `json:"channel,omitempty"`
	Type          string         `json:"type"`
	EntityID      string         `json:"entityId,omitempty"`
	Before        *Deal          `json:"before,omitempty"`
	After         *Deal          `json:"after,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// DueFollowup is one surfaced due-for-outreach record.
type DueFollowup struct {
	ProjectID    string `json:"projectId"`
	Customer     string `json:"customer,omitempty"`
	Project      string `json:"project,omitempty"`
	Stage        string `json:"stage"`
	Question     string `json:"question"`
	Owner        string `json:"owner,omitempty"`
	OwnerTag     string `json:"ownerTag"`
	IsStaleAlert bool   `json:"isStaleAlert,omitempty"`
}

// SweepReport is the result of one scheduler pass.
type SweepReport struct {
	OK              bool          `json:"ok"`
	SweepID         string        `json:"sweepId"`
	UpdatedProjects int           `json:"updatedProjects"`
	DueFollowups    []DueFollowup `json:"dueFollowups"`
	SkippedProjects []string      `json:"skippedProjects,omitempty"`
	GeneratedAt     string        `json:"generatedAt" format:"date-time"`
}

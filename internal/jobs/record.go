package jobs

import "time"

// Kind identifies what a job does.
type Kind string

const (
	KindSync           Kind = "sync"
	KindClassification Kind = "classification"
)

// State is a job's lifecycle position. Terminal states are final.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether s is completed, failed or cancelled.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// SyncType is recorded on sync jobs only.
type SyncType string

const (
	SyncInitial     SyncType = "initial"
	SyncIncremental SyncType = "incremental"
)

// Item result statuses.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// Progress counts work items. Processed is Succeeded + Failed.
type Progress struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Percentage returns processed/total as 0-100. An empty job reports 0.
func (p Progress) Percentage() float64 {
	if p.Total <= 0 {
		return 0
	}
	pct := float64(p.Processed) / float64(p.Total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// FolderRef is the folder a classified message landed in.
type FolderRef struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Path        string  `json:"path"`
	IsNewFolder bool    `json:"is_new_folder"`
	Confidence  float64 `json:"confidence"`
}

// Result is the outcome for a single item of a job.
type Result struct {
	MailID string     `json:"mail_id"`
	Status string     `json:"status"`
	Folder *FolderRef `json:"folder,omitempty"`
	Reason string     `json:"reason,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// Summary aggregates a job's item results.
type Summary struct {
	Total             int `json:"total"`
	Success           int `json:"success"`
	Failed            int `json:"failed"`
	NewFoldersCreated int `json:"new_folders_created"`
}

// Record is the registry's view of one job.
type Record struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Kind       Kind       `json:"kind"`
	SyncType   SyncType   `json:"sync_type,omitempty"`
	State      State      `json:"state"`
	Progress   Progress   `json:"progress"`
	Results    []Result   `json:"results,omitempty"`
	NewFolders int        `json:"new_folders"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Summary derives the totals reported for a finished job.
func (r Record) Summary() Summary {
	return Summary{
		Total:             r.Progress.Total,
		Success:           r.Progress.Succeeded,
		Failed:            r.Progress.Failed,
		NewFoldersCreated: r.NewFolders,
	}
}

func (r Record) clone() Record {
	out := r
	if r.Results != nil {
		out.Results = make([]Result, len(r.Results))
		copy(out.Results, r.Results)
	}
	return out
}

package harvest

// User is the authenticated Harvest user.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
}

type Project struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Task struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type TaskAssignment struct {
	ID   int64 `json:"id"`
	Task Task  `json:"task"`
}

// ProjectAssignment is a project the user may log time against, with the
// tasks available in it.
type ProjectAssignment struct {
	ID              int64            `json:"id"`
	Project         Project          `json:"project"`
	TaskAssignments []TaskAssignment `json:"task_assignments"`
}

// Assignment is a resolved project/task pair.
type Assignment struct {
	ProjectID int64
	TaskID    int64
}

// ExternalReference links a time entry to an object outside Harvest. The id
// carries the idempotency key of the registration that created the entry.
type ExternalReference struct {
	ID        string `json:"id"`
	GroupID   string `json:"group_id,omitempty"`
	Permalink string `json:"permalink,omitempty"`
}

type TimeEntry struct {
	ID                int64              `json:"id"`
	SpentDate         string             `json:"spent_date"`
	Hours             float64            `json:"hours"`
	Notes             string             `json:"notes,omitempty"`
	IsRunning         bool               `json:"is_running"`
	User              User               `json:"user"`
	Project           Project            `json:"project"`
	Task              Task               `json:"task"`
	ExternalReference *ExternalReference `json:"external_reference,omitempty"`
}

// NewTimeEntry is the body of POST /time_entries.
type NewTimeEntry struct {
	UserID            int64              `json:"user_id,omitempty"`
	ProjectID         int64              `json:"project_id"`
	TaskID            int64              `json:"task_id"`
	SpentDate         string             `json:"spent_date"` // YYYY-MM-DD
	Hours             float64            `json:"hours"`
	Notes             string             `json:"notes,omitempty"`
	ExternalReference *ExternalReference `json:"external_reference,omitempty"`
}

type timeEntriesPage struct {
	TimeEntries []TimeEntry `json:"time_entries"`
	NextPage    *int        `json:"next_page"`
}

type projectAssignmentsPage struct {
	ProjectAssignments []ProjectAssignment `json:"project_assignments"`
	NextPage           *int                `json:"next_page"`
}

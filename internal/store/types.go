package store

import "time"

type ProjectStatus string

const (
	ProjectCreated   ProjectStatus = "Created"
	ProjectRunning   ProjectStatus = "Running"
	ProjectPaused    ProjectStatus = "Paused"
	ProjectFailed    ProjectStatus = "Failed"
	ProjectCompleted ProjectStatus = "Completed"
)

type ProjectPhase string

const (
	PhaseDiscovery ProjectPhase = "Discovery"
	PhasePlanning  ProjectPhase = "Planning"
	PhaseActive    ProjectPhase = "Active"
	PhaseReview    ProjectPhase = "Review"
	PhaseDone      ProjectPhase = "Done"
)

type Project struct {
	ID        string
	Name      string
	Status    ProjectStatus
	Phase     ProjectPhase
	UserID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type AgentType string

const (
	AgentLead     AgentType = "lead"
	AgentBackend  AgentType = "backend"
	AgentFrontend AgentType = "frontend"
	AgentTest     AgentType = "test"
	AgentReview   AgentType = "review"
	AgentCustom   AgentType = "custom"
)

type Maturity string

const (
	MaturityD1 Maturity = "D1"
	MaturityD2 Maturity = "D2"
	MaturityD3 Maturity = "D3"
	MaturityD4 Maturity = "D4"
)

type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
	AgentBlocked AgentStatus = "blocked"
	AgentOffline AgentStatus = "offline"
)

type Agent struct {
	ID            string
	Type          AgentType
	Provider      string
	Maturity      Maturity
	Status        AgentStatus
	ContextTokens int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Assignment is the M-to-M link between a Project and an Agent.
type Assignment struct {
	ProjectID  string
	AgentID    string
	Role       string
	AssignedAt time.Time
	IsActive   bool
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskReview     TaskStatus = "review"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// allowedTaskTransitions mirrors the lifecycle the Scheduler enforces.
var allowedTaskTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskPending: {
		TaskAssigned: {},
	},
	TaskAssigned: {
		TaskInProgress: {},
		TaskBlocked:    {},
		TaskFailed:     {},
		TaskPending:    {}, // unassign / recovery requeue
	},
	TaskInProgress: {
		TaskReview:     {},
		TaskBlocked:    {},
		TaskCompleted:  {},
		TaskFailed:     {},
		TaskAssigned:   {}, // crash/pause recovery resets to assigned
	},
	TaskReview: {
		TaskCompleted: {},
		TaskAssigned:  {}, // self-correction re-open
		TaskFailed:    {},
	},
	TaskBlocked: {
		TaskAssigned: {}, // blocker resolved
		TaskFailed:   {},
	},
}

// CanTransition reports whether from -> to is a legal task-status transition.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	next, ok := allowedTaskTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type Task struct {
	ID                  string
	ProjectID           string
	Title               string
	Status              TaskStatus
	AssignedTo          string
	DependsOn           []string
	QualityGateStatus   string
	QualityGateFailures int
	Priority            int
	AttemptCount        int
	LeaseOwner          string
	LeaseExpiresAt      *time.Time
	Payload             string // JSON; tagged-variant payload per task type
	Result              string
	Error               string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type BlockerKind string

const (
	BlockerSync  BlockerKind = "SYNC"
	BlockerAsync BlockerKind = "ASYNC"
)

type BlockerSeverity string

const (
	SeverityLow      BlockerSeverity = "low"
	SeverityMedium   BlockerSeverity = "medium"
	SeverityHigh     BlockerSeverity = "high"
	SeverityCritical BlockerSeverity = "critical"
)

// SentinelAbandonedAnswer is recorded when a blocker is auto-resolved because
// its owning task failed or was deleted.
const SentinelAbandonedAnswer = "__ABANDONED__"

type Blocker struct {
	ID         string
	TaskID     string
	AgentID    string
	Kind       BlockerKind
	Severity   BlockerSeverity
	Prompt     string
	Answer     string
	DeadlineAt *time.Time
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

type MemoryTier string

const (
	TierHot  MemoryTier = "HOT"
	TierWarm MemoryTier = "WARM"
	TierCold MemoryTier = "COLD"
)

type MemoryItem struct {
	ID          string
	AgentID     string
	ProjectID   string
	Tier        MemoryTier
	Key         string
	Value       string
	Importance  float64
	AccessCount int
	Pinned      bool
	AccessedAt  time.Time
	CreatedAt   time.Time
}

type Checkpoint struct {
	ID                string
	ProjectID         string
	Name              string
	Description       string
	GitRef            string
	StateSnapshotBlob []byte
	CreatedAt         time.Time
}

type ReviewReport struct {
	TaskID          string
	Fingerprint     string
	Issues          string // JSON array
	SeverityCounts  string // JSON object
	CreatedAt       time.Time
}

type Event struct {
	Seq       int64
	ProjectID string
	Type      string
	Payload   string // JSON
	Timestamp time.Time
}

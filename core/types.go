// Package core holds the cross-cutting types and infrastructure shared
// by every component of agentmesh: logging, error taxonomy,
// configuration, the Redis client wrapper, and the wire-level data
// model (Task, Agent, FileLock, KeyPool, DLQEntry, Envelope).
package core

import "time"

// Priority is a dispatch-order hint. Higher priorities are always
// dispatched before lower ones; ordering within a class is FIFO.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// priorityOrder lists priority classes from highest to lowest, the
// order the dispatcher drains pending[model, priority] in.
var priorityOrder = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// PriorityOrder returns the dispatch-order priority classes,
// highest first.
func PriorityOrder() []Priority {
	out := make([]Priority, len(priorityOrder))
	copy(out, priorityOrder)
	return out
}

// FailureKind is the closed classification a failed task's error
// message is sorted into by the DLQ manager.
type FailureKind string

const (
	FailureRateLimit  FailureKind = "rate_limit"
	FailureTimeout    FailureKind = "timeout"
	FailureConnection FailureKind = "connection"
	FailureParse      FailureKind = "parse"
	FailureMemory     FailureKind = "memory"
	FailureUnknown    FailureKind = "unknown"
	FailureOrphaned   FailureKind = "orphaned"
)

// Failure records why a task left processing without completing.
type Failure struct {
	Kind     FailureKind `json:"kind"`
	Message  string      `json:"message"`
	FailedAt time.Time   `json:"failedAt"`
	FailedBy string      `json:"failedBy"`
}

// Task is the unit of work dispatched to agents. Field names and
// semantics follow the specification's data model section verbatim.
type Task struct {
	ID             string     `json:"id"`
	TargetModel    string     `json:"targetModel"`
	File           string     `json:"file"`
	Prompt         string     `json:"prompt"`
	Priority       Priority   `json:"priority"`
	Retries        int        `json:"retries"`
	OriginalQueue  string     `json:"originalQueue"`
	Failure        *Failure   `json:"failure,omitempty"`
	Timeout        time.Duration `json:"timeout"`
	EnhancementID  string     `json:"enhancementId,omitempty"`

	// Populated by the dispatcher while the task is in processing.
	ClaimedBy string    `json:"claimedBy,omitempty"`
	ClaimedAt time.Time `json:"claimedAt,omitempty"`

	// Set by the DLQ manager's retry execution step (§4.4 step 4).
	LastRetryAt    time.Time `json:"lastRetryAt,omitempty"`
	RetryStrategy  FailureKind `json:"retryStrategy,omitempty"`
	DLQProcessed   bool      `json:"dlqProcessed,omitempty"`
	FallbackUsed   bool      `json:"fallbackUsed,omitempty"`
	ReduceContext  bool      `json:"reduceContext,omitempty"`
	MaxTokens      int       `json:"maxTokens,omitempty"`
}

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentActive       AgentStatus = "active"
	AgentIdle         AgentStatus = "idle"
	AgentWorking      AgentStatus = "working"
	AgentOffline      AgentStatus = "offline"
	AgentUnresponsive AgentStatus = "unresponsive"
)

// AgentPerformance aggregates an agent's completion history.
type AgentPerformance struct {
	Completed  int64         `json:"completed"`
	Failed     int64         `json:"failed"`
	AvgLatency time.Duration `json:"avgLatency"`
}

// Agent is a logical worker registered with the coordinator.
type Agent struct {
	ID            string           `json:"id"`
	Capabilities  []string         `json:"capabilities"`
	Priority      int              `json:"priority"`
	Status        AgentStatus      `json:"status"`
	CurrentTask   string           `json:"currentTask"`
	LastHeartbeat time.Time        `json:"lastHeartbeat"`
	Performance   AgentPerformance `json:"performance"`
}

// FileLock is the advisory mutex record on Task.File.
type FileLock struct {
	File  string    `json:"file"`
	Owner string    `json:"owner"`
	TTL   time.Time `json:"ttl"`
}

// KeyHealth is the health classification of one credential in a pool.
type KeyHealth string

const (
	KeyHealthy   KeyHealth = "healthy"
	KeyUnhealthy KeyHealth = "unhealthy"
	KeyUnknown   KeyHealth = "unknown"
)

// KeyEntry is one credential in a model's key pool. Opaque is never
// logged by any component in this module.
type KeyEntry struct {
	Opaque      string    `json:"-"`
	Health      KeyHealth `json:"health"`
	SuccessRate float64   `json:"successRate"`
	AvgLatency  float64   `json:"avgLatencyMs"`
	Samples     int64     `json:"samples"`
}

// DLQEntry is a Task that has failed, optionally annotated with the
// terminal disposition it reached.
type DLQEntry struct {
	Task
	ArchivedAt         *time.Time `json:"archivedAt,omitempty"`
	ArchiveReason      string     `json:"archiveReason,omitempty"`
	PermanentFailureAt *time.Time `json:"permanentFailureAt,omitempty"`
	FailureReason      string     `json:"failureReason,omitempty"`
}

// EnvelopeKind tags the payload variant carried by control/messaging
// channels, replacing the free-form message envelopes of the source
// system with a closed, compile-time-checked union (per §9).
type EnvelopeKind string

const (
	EnvelopeTask      EnvelopeKind = "task"
	EnvelopeControl   EnvelopeKind = "control"
	EnvelopeBroadcast EnvelopeKind = "broadcast"
	EnvelopeDirect     EnvelopeKind = "direct"
)

// ControlCommand is the closed set of external orchestrator commands
// from §4.5.
type ControlCommand string

const (
	ControlPause      ControlCommand = "pause"
	ControlResume     ControlCommand = "resume"
	ControlRebalance  ControlCommand = "rebalance"
	ControlHealthCheck ControlCommand = "health_check"
	ControlClearDLQ   ControlCommand = "clear_dlq"
)

// ControlMessage is the payload of an EnvelopeControl envelope.
type ControlMessage struct {
	Command ControlCommand `json:"command"`
	Model   string         `json:"model,omitempty"`
}

// BroadcastMessage is fire-and-forget, delivered on a pub/sub channel
// with no retention (per §9's open question on broadcast retention).
type BroadcastMessage struct {
	From string    `json:"from"`
	Body string    `json:"body"`
	At   time.Time `json:"at"`
}

// DirectMessage is retained in a bounded per-recipient inbox list.
type DirectMessage struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	Body string    `json:"body"`
	At   time.Time `json:"at"`
}

// Envelope is the tagged-union wire type for everything that travels
// over a pub/sub channel or a direct-message inbox in this module.
type Envelope struct {
	Kind      EnvelopeKind      `json:"kind"`
	Task      *Task             `json:"task,omitempty"`
	Control   *ControlMessage   `json:"control,omitempty"`
	Broadcast *BroadcastMessage `json:"broadcast,omitempty"`
	Direct    *DirectMessage    `json:"direct,omitempty"`
}

// Typed topic and stream name definitions for the conductor wire contract.
// The exact names are preserved for compatibility with deployed agents and
// dashboard consumers; do not rename them.
package workflow

import "fmt"

// Agent task topics. Dispatches are published per agent type, mirrored to a
// durable stream for replay.
const (
	agentTaskTopicFmt  = "agent:%s:tasks"
	agentTaskStreamFmt = "stream:agent:%s:tasks"
)

// AgentTaskTopic returns the dispatch topic for an agent type.
func AgentTaskTopic(agentType string) string {
	return fmt.Sprintf(agentTaskTopicFmt, agentType)
}

// AgentTaskStream returns the durable mirror stream subject for an agent
// type.
func AgentTaskStream(agentType string) string {
	return fmt.Sprintf(agentTaskStreamFmt, agentType)
}

// Result topic shared by all agents, drained by a single durable consumer
// group.
const (
	ResultTopic         = "orchestrator:results"
	ResultConsumerGroup = "orchestrator-core"
)

// Scheduler lifecycle topics.
const (
	JobCreatedTopic   = "scheduler:job.created"
	JobUpdatedTopic   = "scheduler:job.updated"
	JobDeletedTopic   = "scheduler:job.deleted"
	JobPausedTopic    = "scheduler:job.paused"
	JobResumedTopic   = "scheduler:job.resumed"
	JobCancelledTopic = "scheduler:job.cancelled"

	JobDispatchTopic  = "scheduler:job.dispatch"
	JobDispatchStream = "stream:scheduler:job.dispatch"

	ExecutionSuccessTopic        = "scheduler:execution.success"
	ExecutionFailedTopic         = "scheduler:execution.failed"
	ExecutionRetryScheduledTopic = "scheduler:execution.retry_scheduled"
	JobResultsStream             = "stream:scheduler:job.results"
)

// Workflow lifecycle topic. Payloads carry a metadata.stage field drawn
// from the EventStage* enumeration.
const WorkflowEventsTopic = "workflow:events"

// Workflow event stages.
const (
	EventStageCreated        = "orchestrator:workflow:created"
	EventStageStageCompleted = "orchestrator:workflow:stage:completed"
	EventStageCompleted      = "orchestrator:workflow:completed"
	EventStageFailed         = "orchestrator:workflow:failed"
	EventStageCancelled      = "orchestrator:workflow:cancelled"
	EventStagePaused         = "orchestrator:workflow:paused"
	EventStageResumed        = "orchestrator:workflow:resumed"
)

// KV key layout.
const (
	// AgentRegistryKey is the hash mapping agent id to JSON descriptors.
	AgentRegistryKey = "agents:registry"

	seenSetFmt  = "seen:%s"
	taskLockFmt = "lock:task:%s"
)

// SeenSetKey returns the dedup set key for a task.
func SeenSetKey(taskID string) string {
	return fmt.Sprintf(seenSetFmt, taskID)
}

// TaskLockKey returns the distributed lock key for a task.
func TaskLockKey(taskID string) string {
	return fmt.Sprintf(taskLockFmt, taskID)
}

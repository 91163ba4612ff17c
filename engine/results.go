package engine

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/conductor/envelope"
	"github.com/c360studio/conductor/fsm"
	"github.com/c360studio/conductor/workflow"
)

// EventID derives the deterministic id for one agent result. Identical
// inputs always produce the same id, so redeliveries dedup; any differing
// input produces a distinct id.
func EventID(taskID, stage, createdAt, workerID string) string {
	h := sha1.Sum([]byte(taskID + "|" + stage + "|" + createdAt + "|" + workerID))
	return hex.EncodeToString(h[:])[:12]
}

// HandleResult consumes one raw message from the result topic. It returns
// nil for every outcome that must be acknowledged, including drops; only
// transient infrastructure failures return an error and requeue the
// message.
func (s *Service) HandleResult(ctx context.Context, data []byte) error {
	re, err := envelope.ParseResult(data)
	if err != nil {
		s.schemaRejects.Add(1)
		s.logger.Error("result rejected by schema", "error", err)
		return nil
	}

	eventID := EventID(re.TaskID, re.Stage, re.CreatedAt, re.WorkerID)
	log := s.logger.With(
		"task_id", re.TaskID,
		"workflow_id", re.WorkflowID,
		"event_id", eventID,
	)

	seen, err := s.kv.IsMember(ctx, workflow.SeenSetKey(re.TaskID), eventID)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if seen {
		s.duplicates.Add(1)
		log.Info("duplicate result dropped")
		return nil
	}

	token := uuid.NewString()
	acquired, err := s.kv.AcquireLock(ctx, workflow.TaskLockKey(re.TaskID), token, s.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire task lock: %w", err)
	}
	if !acquired {
		s.lockContended.Add(1)
		log.Info("task locked by another worker, dropped")
		return nil
	}
	defer func() {
		if err := s.kv.ReleaseLock(context.WithoutCancel(ctx), workflow.TaskLockKey(re.TaskID), token); err != nil {
			log.Warn("release task lock", "error", err)
		}
	}()

	w, err := s.store.GetWorkflow(ctx, re.WorkflowID)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			log.Error("result for unknown workflow, dropped")
			return nil
		}
		return fmt.Errorf("load workflow: %w", err)
	}

	stageMatch := w.CurrentStage == re.Stage
	s.truthLog(re, w, eventID, stageMatch)
	if !stageMatch {
		s.staleDropped.Add(1)
		return nil
	}
	if w.Status.IsTerminal() {
		log.Info("result for terminal workflow dropped", "status", w.Status)
		return nil
	}

	if _, loaded := s.seenLocal.Load(eventID); loaded {
		s.duplicates.Add(1)
		log.Info("duplicate result dropped by in-memory backstop")
		return nil
	}

	out := workflow.StageOutput{
		Stage:       re.Stage,
		Output:      re.Result.Result,
		CompletedAt: time.Now().UTC(),
	}
	if err := s.store.SetStageOutput(ctx, w.ID, out); err != nil {
		return fmt.Errorf("persist stage output: %w", err)
	}

	taskStatus := workflow.TaskStatusCompleted
	if !re.Result.Success {
		taskStatus = workflow.TaskStatusFailed
	}
	if err := s.store.UpdateTaskStatus(ctx, re.TaskID, taskStatus, re.Result.Error); err != nil && !errors.Is(err, workflow.ErrNotFound) {
		return fmt.Errorf("mark task: %w", err)
	}

	if re.Result.Success {
		if err := s.completeStage(ctx, log, re, w, eventID); err != nil {
			return err
		}
	} else {
		if err := s.failStage(ctx, log, re, w); err != nil {
			return err
		}
	}

	if err := s.kv.AddMember(ctx, workflow.SeenSetKey(re.TaskID), eventID, s.cfg.DedupTTL); err != nil {
		log.Warn("track event id", "error", err)
	}
	s.seenLocal.Store(eventID, struct{}{})
	s.processed.Add(1)
	return nil
}

// completeStage advances the workflow past re.Stage: FSM transition, CAS
// update, then dispatch of the next stage.
func (s *Service) completeStage(ctx context.Context, log *slog.Logger, re *envelope.ResultEnvelope, w *workflow.Workflow, eventID string) error {
	next, err := s.defs.NextStage(ctx, w.PlatformID, w.Type, re.Stage, w.Requirements)
	if err != nil {
		return fmt.Errorf("resolve next stage: %w", err)
	}

	m := s.machines.GetOrRestore(w)
	outcome, err := m.Apply(fsm.Event{
		Type:      fsm.EventStageComplete,
		Stage:     re.Stage,
		EventID:   eventID,
		NextStage: next.Stage,
		Terminal:  next.Terminal,
	})
	if err != nil {
		if errors.Is(err, workflow.ErrStaleResult) || errors.Is(err, workflow.ErrTerminal) {
			s.staleDropped.Add(1)
			log.Error("state machine rejected stage completion", "error", err)
			return nil
		}
		return err
	}

	switch outcome.Effect {
	case fsm.EffectCompleted:
		err = s.store.AdvanceStage(ctx, w.ID, re.Stage, re.Stage, w.Version, 100, workflow.StatusCompleted)
		if err != nil {
			if errors.Is(err, workflow.ErrConflict) {
				s.conflicts.Add(1)
				log.Info("lost stage transition race, dropped")
				return nil
			}
			return fmt.Errorf("complete workflow: %w", err)
		}
		w.Status = workflow.StatusCompleted
		w.Progress = 100
		s.publishEvent(ctx, w, workflow.EventStageCompleted, "")
		s.machines.Remove(w.ID)
		log.Info("workflow completed")
		return nil

	case fsm.EffectDispatchStage:
		err = s.store.AdvanceStage(ctx, w.ID, re.Stage, next.Stage, w.Version, next.ExpectedProgress, workflow.StatusRunning)
		if err != nil {
			if errors.Is(err, workflow.ErrConflict) {
				s.conflicts.Add(1)
				log.Info("lost stage transition race, dropped")
				return nil
			}
			return fmt.Errorf("advance stage: %w", err)
		}
		if err := s.waitForTransition(ctx, w.ID, re.Stage); err != nil {
			log.Warn("transition not observed", "error", err)
		}

		fresh, err := s.store.GetWorkflow(ctx, w.ID)
		if err != nil {
			return fmt.Errorf("reload workflow: %w", err)
		}
		s.publishEvent(ctx, fresh, workflow.EventStageStageCompleted, "")

		if err := s.dispatchStage(ctx, fresh, next); err != nil {
			log.Error("dispatch next stage failed", "stage", next.Stage, "error", err)
			s.failWorkflow(ctx, m, fresh, fmt.Sprintf("dispatch %s failed: %v", next.Stage, err))
			return nil
		}
		log.Info("stage advanced", "from", re.Stage, "to", next.Stage)
		return nil

	default:
		return nil
	}
}

// failStage consumes a failed result: re-queue the same stage while retry
// budget remains, otherwise fail the workflow.
func (s *Service) failStage(ctx context.Context, log *slog.Logger, re *envelope.ResultEnvelope, w *workflow.Workflow) error {
	task, err := s.store.GetTask(ctx, re.TaskID)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			log.Error("failed result for unknown task, dropped")
			return nil
		}
		return fmt.Errorf("load task: %w", err)
	}

	m := s.machines.GetOrRestore(w)
	outcome, err := m.Apply(fsm.Event{
		Type:      fsm.EventStageFailed,
		Stage:     re.Stage,
		Err:       re.Result.Error,
		Exhausted: task.RetriesExhausted(),
	})
	if err != nil {
		if errors.Is(err, workflow.ErrStaleResult) || errors.Is(err, workflow.ErrTerminal) {
			s.staleDropped.Add(1)
			log.Error("state machine rejected stage failure", "error", err)
			return nil
		}
		return err
	}

	switch outcome.Effect {
	case fsm.EffectRetryStage:
		count, err := s.store.IncrementTaskRetry(ctx, task.ID)
		if err != nil {
			return fmt.Errorf("increment retry: %w", err)
		}
		task.RetryCount = count
		task.Status = workflow.TaskStatusPending
		log.Info("stage retry queued", "stage", re.Stage, "retry_count", count)
		if err := s.dispatchTask(ctx, task, w); err != nil {
			log.Error("retry dispatch failed", "error", err)
			s.failWorkflow(ctx, m, w, fmt.Sprintf("retry dispatch failed: %v", err))
		}
		return nil

	case fsm.EffectFailed:
		if err := s.store.UpdateWorkflowStatus(ctx, w.ID, workflow.StatusFailed, outcome.Err); err != nil {
			return fmt.Errorf("fail workflow: %w", err)
		}
		w.Status = workflow.StatusFailed
		w.LastError = outcome.Err
		s.publishEvent(ctx, w, workflow.EventStageFailed, outcome.Err)
		s.machines.Remove(w.ID)
		log.Info("workflow failed, retries exhausted", "stage", re.Stage)
		return nil

	default:
		return nil
	}
}

// waitForTransition polls until the workflow row leaves fromStage,
// tolerating read replicas and concurrent side effects.
func (s *Service) waitForTransition(ctx context.Context, workflowID, fromStage string) error {
	for i := 0; i < s.cfg.MaxPolls; i++ {
		w, err := s.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if w.CurrentStage != fromStage || w.Status.IsTerminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
	return fmt.Errorf("workflow %s still at stage %q after %d polls",
		workflowID, fromStage, s.cfg.MaxPolls)
}

// truthLog writes one decision-table entry per received result. Stage
// mismatches log at error level with severity CRITICAL.
func (s *Service) truthLog(re *envelope.ResultEnvelope, w *workflow.Workflow, eventID string, stageMatch bool) {
	match, severity := "YES", "INFO"
	level := slog.LevelInfo
	if !stageMatch {
		match, severity = "NO", "CRITICAL"
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "agent result received",
		"worker_id", s.cfg.WorkerID,
		"task_id", re.TaskID,
		"workflow_id", re.WorkflowID,
		"event_type", "agent_result",
		"event_id", eventID,
		"event_stage", re.Stage,
		"db_current_stage", w.CurrentStage,
		"db_status", w.Status,
		"db_progress", w.Progress,
		"stage_match", match,
		"severity", severity,
	)
}

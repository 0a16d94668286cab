package tasks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/apex/log"
	"github.com/hashicorp/go-uuid"
	"github.com/strandcloud/strand/pkg/ctrl"
	"github.com/strandcloud/strand/pkg/fserr"
	"github.com/strandcloud/strand/pkg/stordb/model"
	"github.com/strandcloud/strand/pkg/stordb/stor"
)

const (
	// DefaultLeaseWindow is how long a processor may go without updating a
	// task before any other processor can take it over.
	DefaultLeaseWindow = time.Minute

	// DefaultPollInterval is the scheduler's backoff when no task is
	// claimable.
	DefaultPollInterval = 5 * time.Second
)

// Requirements is what a handler computes about a request before it runs.
type Requirements struct {
	ScheduleInBackground bool  `json:"scheduleInBackground"`
	TimeBudgetSeconds    int64 `json:"timeBudgetSeconds,omitempty"`
}

// Task is the unit handed to a handler. Progress saved through it refreshes
// the lease.
type Task struct {
	ID      string
	Kind    string
	Request json.RawMessage

	taskStor stor.TaskStor
}

// SaveProgress persists serialized progress and stamps the task's last
// update, which keeps the lease fresh during long work.
func (t *Task) SaveProgress(progress interface{}) {
	if t.taskStor == nil {
		return
	}

	b, err := json.Marshal(progress)
	if err != nil {
		log.Errorf("task %s: unable to serialize progress: %s", t.ID, err)
		return
	}

	if err := t.taskStor.SaveTaskProgress(t.ID, string(b)); err != nil {
		log.Errorf("task %s: unable to save progress: %s", t.ID, err)
	}
}

// Handler executes one family of request kinds. Handlers must be idempotent:
// a lease takeover after a crash re-runs the handler from the top against
// whatever state the crashed run left behind.
type Handler interface {
	CanHandle(kind string, request json.RawMessage) bool
	Requirements(kind string, request json.RawMessage) (Requirements, error)
	Execute(task *Task) error
}

// SubmitResult is what the caller gets back: either a completed inline
// execution or a handle to a background task.
type SubmitResult struct {
	Complete bool   `json:"complete"`
	TaskID   string `json:"taskId"`
	Err      error  `json:"-"`
}

// System persists, leases and executes storage tasks. Any number of System
// instances (across any number of processes) may poll the same table; the
// optimistic claim keeps at most one executor active per task.
type System struct {
	taskStor     stor.TaskStor
	client       ctrl.Client
	handlers     []Handler
	processorID  string
	leaseWindow  time.Duration
	pollInterval time.Duration
}

func NewSystem(taskStor stor.TaskStor, client ctrl.Client) *System {
	processorID, err := uuid.GenerateUUID()
	if err != nil {
		// Trade uniqueness quality for availability; the claim CAS still
		// protects correctness.
		processorID = time.Now().Format(time.RFC3339Nano)
	}

	return &System{
		taskStor:     taskStor,
		client:       client,
		processorID:  processorID,
		leaseWindow:  DefaultLeaseWindow,
		pollInterval: DefaultPollInterval,
	}
}

func (s *System) WithLeaseWindow(d time.Duration) *System {
	s.leaseWindow = d
	return s
}

func (s *System) WithPollInterval(d time.Duration) *System {
	s.pollInterval = d
	return s
}

func (s *System) RegisterHandler(h Handler) {
	s.handlers = append(s.handlers, h)
}

func (s *System) handlerFor(kind string, request json.RawMessage) (Handler, error) {
	for _, h := range s.handlers {
		if h.CanHandle(kind, request) {
			return h, nil
		}
	}

	return nil, fserr.Internalf("no handler registered for task kind %q", kind)
}

// Submit runs the request inline when its handler says it doesn't need to go
// to the background; otherwise it persists a task row for the scheduler.
func (s *System) Submit(kind string, request interface{}) (*SubmitResult, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fserr.Internalf("serializing %s request: %s", kind, err)
	}

	handler, err := s.handlerFor(kind, payload)
	if err != nil {
		return nil, err
	}

	requirements, err := handler.Requirements(kind, payload)
	if err != nil {
		return nil, err
	}

	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fserr.Internalf("generating task id: %s", err)
	}

	if !requirements.ScheduleInBackground {
		execErr := handler.Execute(&Task{ID: id, Kind: kind, Request: payload})
		return &SubmitResult{Complete: true, TaskID: id, Err: execErr}, execErr
	}

	requirementsJSON, err := json.Marshal(requirements)
	if err != nil {
		return nil, fserr.Internalf("serializing %s requirements: %s", kind, err)
	}
	reqStr := string(requirementsJSON)

	_, err = s.taskStor.CreateTask(&model.StorageTask{
		ID:           id,
		RequestKind:  kind,
		Requirements: &reqStr,
		Request:      string(payload),
	})
	if err != nil {
		return nil, fserr.Internalf("persisting %s task: %s", kind, err)
	}

	return &SubmitResult{Complete: false, TaskID: id}, nil
}

// Start runs the scheduler loop until ctx is cancelled.
func (s *System) Start(ctx context.Context) {
	log.Infof("task scheduler started, processor id %s", s.processorID)

	for {
		processed := s.RunOnce()

		delay := s.pollInterval
		if processed {
			// Something was claimable; look again right away.
			delay = time.Millisecond
		}

		select {
		case <-ctx.Done():
			log.Infof("task scheduler stopped")
			return
		case <-time.After(delay):
		}
	}
}

// RunOnce claims and executes at most one task. Returns true when a task was
// claimed (successfully executed or not).
func (s *System) RunOnce() bool {
	row, err := s.taskStor.FindClaimableTask(s.processorID, s.leaseWindow)
	if err != nil {
		log.Errorf("finding claimable task: %s", err)
		return false
	}
	if row == nil {
		return false
	}

	claimed, err := s.taskStor.ClaimTask(row.ID, row.ProcessorID, s.processorID)
	if err != nil {
		log.Errorf("claiming task %s: %s", row.ID, err)
		return false
	}
	if !claimed {
		// Another processor won the race.
		return false
	}

	s.execute(row)
	return true
}

func (s *System) execute(row *model.StorageTask) {
	task := &Task{
		ID:       row.ID,
		Kind:     row.RequestKind,
		Request:  json.RawMessage(row.Request),
		taskStor: s.taskStor,
	}

	handler, err := s.handlerFor(row.RequestKind, task.Request)
	if err != nil {
		// A row nothing can handle would otherwise be reclaimed forever.
		log.Errorf("task %s: %s", row.ID, err)
		s.finish(row.ID)
		return
	}

	if row.Requirements == nil {
		requirements, err := handler.Requirements(row.RequestKind, task.Request)
		if err == nil {
			if b, marshalErr := json.Marshal(requirements); marshalErr == nil {
				if saveErr := s.taskStor.SaveTaskRequirements(row.ID, string(b)); saveErr != nil {
					log.Errorf("task %s: unable to save requirements: %s", row.ID, saveErr)
				}
			}
		}
	}

	if err := s.client.TaskResumed(row.ID); err != nil {
		log.Errorf("task %s: unable to notify resume: %s", row.ID, err)
	}

	if err := handler.Execute(task); err != nil {
		// Log and fall through to completion anyway: re-running a failing
		// task forever would poison the scheduler. The caller observes the
		// failure and re-submits if the work still matters.
		log.Errorf("task %s (%s) failed: %s", row.ID, row.RequestKind, err)
	}

	if err := s.client.TaskCompleted(row.ID); err != nil {
		log.Errorf("task %s: unable to notify completion: %s", row.ID, err)
	}

	s.finish(row.ID)
}

func (s *System) finish(taskID string) {
	if err := s.taskStor.MarkTaskComplete(taskID); err != nil {
		log.Errorf("task %s: unable to mark complete: %s", taskID, err)
	}
}

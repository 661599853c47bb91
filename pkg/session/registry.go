package session

import (
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/dartctl/pkg/jobregistry"
	"github.com/3leaps/dartctl/pkg/task"
)

// register records a submission in the job registry, creating the record
// on first use.
func (s *Session) register(taskName string, h task.Handle, total int) {
	reg := s.opts.Registry
	if reg == nil {
		return
	}

	s.mu.Lock()
	id := s.registryID
	if id == "" {
		id = uuid.NewString()
		s.registryID = id
	}
	s.mu.Unlock()

	now := time.Now().UTC()
	apply := func(r *jobregistry.JobRecord) {
		r.Name = s.jobName
		r.Task = taskName
		r.Handle = h.String()
		r.Total += total
		r.State = jobregistry.JobStateRunning
		r.PID = os.Getpid()
		r.Source = s.opts.Source
		r.OutputDir = s.opts.OutputDir
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
	}

	if _, err := reg.Update(id, apply); err == nil {
		return
	}
	rec := &jobregistry.JobRecord{JobID: id, CreatedAt: now, LastHeartbeat: &now}
	apply(rec)
	if err := reg.Write(rec); err != nil {
		s.logger.Warn("Job registry write failed", zap.String("registry_id", id), zap.Error(err))
	}
}

// Finish marks the registry record terminal. A nil runErr derives the
// state from the observed results.
func (s *Session) Finish(runErr error) {
	s.finishRegistry("", runErr)
}

func (s *Session) finishRegistry(state jobregistry.JobState, runErr error) {
	reg := s.opts.Registry
	if reg == nil {
		return
	}
	s.mu.Lock()
	id, succeeded, failed := s.registryID, s.succeeded, s.failed
	s.mu.Unlock()
	if id == "" {
		return
	}

	_, err := reg.Update(id, func(r *jobregistry.JobRecord) {
		if r.State.Terminal() {
			return
		}
		now := time.Now().UTC()
		r.Succeeded, r.Failed = succeeded, failed
		r.EndedAt = &now
		switch {
		case state != "":
			r.State = state
		case runErr != nil:
			r.State = jobregistry.JobStateFailed
		default:
			r.State = r.FinalState()
		}
		if runErr != nil {
			r.Error = runErr.Error()
		}
	})
	if err != nil {
		s.logger.Warn("Job registry update failed", zap.String("registry_id", id), zap.Error(err))
	}
}

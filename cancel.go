package jobs

import (
	"context"
	"errors"

	"github.com/UniQw/uniqw-jobs/queue"
)

// TaskRecord is what the queue knows about a job that may still run.
type TaskRecord struct {
	ID    string
	Found bool
	Queue string
	// JobUUID is the stable id used by the job's notifications.
	JobUUID   string
	Signature *Signature
}

// MatchesSignature reports whether b is the call that created the job. A
// job that was not found, or whose arguments are unknown, matches.
func (t TaskRecord) MatchesSignature(b Bound) bool {
	if !t.Found || t.Signature == nil {
		return true
	}
	return t.Signature.MatchesCompletely(b)
}

// MatchesEnv reports whether env belongs to the job's tenant and user (or
// a superuser). Unknown jobs match.
func (t TaskRecord) MatchesEnv(env *Env) bool {
	if !t.Found || t.Signature == nil {
		return true
	}
	return t.Signature.MatchesEnv(env)
}

// FindTask looks id up in every queue of the app.
func (a *App) FindTask(ctx context.Context, id string) (TaskRecord, error) {
	if a.broker == nil {
		return TaskRecord{}, ErrNoQueue
	}
	for _, q := range a.queues {
		task, _, err := a.broker.Find(ctx, q, id)
		if errors.Is(err, queue.ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return TaskRecord{}, err
		}
		rec := TaskRecord{ID: id, Found: true, Queue: q, JobUUID: task.Header(jobUUIDHeader)}
		if task.Type == TaskName {
			if sig, err := DecodeSignature(task.Payload); err == nil {
				rec.Signature = &sig
			} else {
				a.log.Warnf("stored job has a bad signature: id=%s err=%v", id, err)
			}
		}
		return rec, nil
	}
	return TaskRecord{ID: id}, nil
}

// Cancel terminates job id when b is the call that created it. It reports
// whether the termination was requested.
func (a *App) Cancel(ctx context.Context, id string, b Bound) (bool, error) {
	rec, err := a.FindTask(ctx, id)
	if err != nil {
		return false, err
	}
	if !rec.MatchesSignature(b) {
		a.log.Warnf("ignoring cancel request, arguments do not match: id=%s", id)
		return false, nil
	}
	return true, a.cancel(ctx, rec)
}

// CancelForTenant terminates job id when env is on the job's tenant and is
// its author or a superuser.
func (a *App) CancelForTenant(ctx context.Context, id string, env *Env) (bool, error) {
	rec, err := a.FindTask(ctx, id)
	if err != nil {
		return false, err
	}
	if !rec.MatchesEnv(env) {
		a.log.Warnf("ignoring cancel request, environment does not match: id=%s", id)
		return false, nil
	}
	return true, a.cancel(ctx, rec)
}

// cancel terminates the job and announces it. The job may still win the
// race and report its own end.
func (a *App) cancel(ctx context.Context, rec TaskRecord) error {
	queues := a.queues
	if rec.Found {
		queues = []string{rec.Queue}
	}
	for _, q := range queues {
		if err := a.broker.Terminate(ctx, q, rec.ID); err != nil {
			return err
		}
	}
	if rec.Signature == nil {
		return nil
	}
	jobUUID := rec.JobUUID
	if jobUUID == "" {
		jobUUID = rec.ID
	}
	return a.notifier.ReportCancelled(ctx, rec.Signature.DB, rec.Signature.UID, jobUUID)
}

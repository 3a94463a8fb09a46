package storage

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/rlm/internal/sandbox"
)

// recorderQueue is how many events may wait for the store before new ones
// are dropped.
const recorderQueue = 256

// Recorder mirrors sandbox events into a Store. Events are queued and
// written in order by a single goroutine, so a slow store never holds up a
// session. Write failures are logged and never surface to the session.
type Recorder struct {
	store   Store
	log     logrus.FieldLogger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan recorderJob
	done   chan struct{}
}

// recorderJob carries either an event or, for Flush, a channel to close
// once everything ahead of it is written.
type recorderJob struct {
	event   sandbox.Event
	flushed chan struct{}
}

// NewRecorder starts the writer goroutine. Call Close to stop it.
func NewRecorder(store Store, log logrus.FieldLogger) *Recorder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Recorder{
		store:   store,
		log:     log,
		timeout: 5 * time.Second,
		queue:   make(chan recorderJob, recorderQueue),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// OnEvent queues e without blocking. Events arriving while the queue is
// full, or after Close, are dropped.
func (r *Recorder) OnEvent(e sandbox.Event) {
	switch e.Type {
	case sandbox.EventSessionCreated, sandbox.EventSnippetCompleted,
		sandbox.EventSessionReset, sandbox.EventSessionClosed:
	default:
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- recorderJob{event: e}:
	default:
		r.log.WithFields(logrus.Fields{
			"session": e.SessionID,
			"event":   e.Type,
		}).Warn("recorder queue full, dropping event")
	}
}

// Flush waits until every event queued before the call has been written.
func (r *Recorder) Flush() {
	flushed := make(chan struct{})
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return
	}
	r.queue <- recorderJob{flushed: flushed}
	r.mu.RUnlock()
	<-flushed
}

// Close writes what is queued and stops the writer. It is safe to call
// more than once.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for job := range r.queue {
		if job.flushed != nil {
			close(job.flushed)
			continue
		}
		r.record(job.event)
	}
}

func (r *Recorder) record(e sandbox.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var err error
	switch e.Type {
	case sandbox.EventSessionCreated:
		if e.Session == nil {
			return
		}
		err = r.store.CreateSession(ctx, &SessionRecord{
			ID:          e.SessionID,
			State:       string(e.Session.State),
			ContextKind: e.Session.ContextKind,
			ContextSize: e.Session.ContextSize,
			SubModel:    e.Session.SubModel,
			CreatedAt:   e.Session.CreatedAt,
			UpdatedAt:   e.Session.UpdatedAt,
		})
	case sandbox.EventSnippetCompleted:
		if e.Result == nil {
			return
		}
		err = r.store.AppendExecution(ctx, executionRecord(e))
	case sandbox.EventSessionReset:
		err = r.store.UpdateSessionState(ctx, e.SessionID, string(sandbox.StateReset), e.Time)
	case sandbox.EventSessionClosed:
		err = r.store.UpdateSessionState(ctx, e.SessionID, string(sandbox.StateClosed), e.Time)
	default:
		return
	}
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"session": e.SessionID,
			"event":   e.Type,
		}).Warn("recording session history")
	}
}

func executionRecord(e sandbox.Event) *ExecutionRecord {
	res := e.Result
	rec := &ExecutionRecord{
		SessionID:    e.SessionID,
		Seq:          e.Seq,
		Code:         e.Code,
		Status:       string(res.Status),
		Stdout:       res.Stdout,
		Stderr:       res.Stderr,
		Truncated:    res.Truncated,
		ElapsedMs:    res.Elapsed.Milliseconds(),
		NewVariables: res.NewVariables,
		CreatedAt:    e.Time.Add(-res.Elapsed),
	}
	if res.Error != nil {
		rec.ErrorKind = string(res.Error.Kind)
		rec.ErrorMessage = res.Error.Message
		rec.ErrorLine = res.Error.Line
	}
	return rec
}

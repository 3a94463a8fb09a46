package observability

import (
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/rlm/internal/sandbox"
)

// MetricsObserver updates the package metrics from sandbox events.
type MetricsObserver struct{}

func (MetricsObserver) OnEvent(e sandbox.Event) {
	switch e.Type {
	case sandbox.EventSessionCreated:
		SessionsActive.Inc()
		SessionEventsTotal.WithLabelValues(string(e.Type)).Inc()
	case sandbox.EventSessionClosed:
		SessionsActive.Dec()
		SessionEventsTotal.WithLabelValues(string(e.Type)).Inc()
	case sandbox.EventSessionReset:
		SessionEventsTotal.WithLabelValues(string(e.Type)).Inc()
	case sandbox.EventSnippetCompleted:
		if e.Result == nil {
			return
		}
		kind := ""
		if e.Result.Error != nil {
			kind = string(e.Result.Error.Kind)
		}
		ExecutionsTotal.WithLabelValues(string(e.Result.Status), kind).Inc()
		ExecutionDuration.Observe(e.Result.Elapsed.Seconds())
		if e.Result.Truncated {
			OutputTruncatedTotal.Inc()
		}
	case sandbox.EventDelegationReturned:
		status := "ok"
		if e.Error != "" {
			status = "error"
		}
		DelegationsTotal.WithLabelValues(strconv.Itoa(e.Depth), status).Inc()
	}
}

// LogObserver writes one structured entry per event. Lifecycle events log
// at info, everything else at debug.
type LogObserver struct {
	Log logrus.FieldLogger
}

func (o LogObserver) OnEvent(e sandbox.Event) {
	log := o.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	entry := log.WithFields(logrus.Fields{
		"session": e.SessionID,
		"event":   string(e.Type),
	})

	switch e.Type {
	case sandbox.EventSessionCreated:
		if e.Session != nil {
			entry = entry.WithFields(logrus.Fields{
				"context_kind": e.Session.ContextKind,
				"context_size": e.Session.ContextSize,
				"sub_model":    e.Session.SubModel,
			})
		}
		entry.Info("session created")
	case sandbox.EventSessionReset:
		entry.Info("session reset")
	case sandbox.EventSessionClosed:
		entry.Info("session closed")
	case sandbox.EventSnippetSubmitted:
		entry.WithField("seq", e.Seq).Debug("snippet submitted")
	case sandbox.EventSnippetCompleted:
		if e.Result == nil {
			return
		}
		entry = entry.WithFields(logrus.Fields{
			"seq":       e.Seq,
			"status":    e.Result.Status,
			"elapsed":   e.Result.Elapsed,
			"truncated": e.Result.Truncated,
		})
		if e.Result.Error != nil {
			entry = entry.WithField("kind", e.Result.Error.Kind).WithField("error", e.Result.Error.Message)
		}
		entry.Debug("snippet completed")
	case sandbox.EventDelegationIssued:
		entry.WithField("depth", e.Depth).Debug("delegation issued")
	case sandbox.EventDelegationReturned:
		entry = entry.WithField("depth", e.Depth)
		if e.Error != "" {
			entry.WithField("error", e.Error).Warn("delegation failed")
			return
		}
		entry.Debug("delegation returned")
	}
}

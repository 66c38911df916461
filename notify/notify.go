// Package notify delivers operational events to external consumers.
// Delivery is best effort: the core never blocks or fails on a notifier.
package notify

import (
	"context"

	"github.com/golang/glog"
)

// Event types emitted by the scheduler.
const (
	EventSurveyCompleted = "survey_completed"
	EventSegmentFailed   = "segment_failed"
	EventSignalPromoted  = "signal_promoted"
)

// Event is one operational notification.
type Event struct {
	Type     string            `json:"type"`
	SurveyID string            `json:"survey_id"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Notifier sends events somewhere. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Send(ctx context.Context, event Event) error
}

// Log writes events to the process log. The default when no sink is
// configured.
type Log struct{}

func (Log) Send(_ context.Context, event Event) error {
	glog.Infof("event %s survey=%s fields=%v", event.Type, event.SurveyID, event.Fields)
	return nil
}

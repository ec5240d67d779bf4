package events

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
)

type LogPublisher struct {
	log logrus.FieldLogger
}

func NewLogPublisher(log logrus.FieldLogger) *LogPublisher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LogPublisher{log: log.WithField("component", "publisher.log")}
}

func (p *LogPublisher) Publish(_ context.Context, topic string, event domain.RevisionEvent) error {
	p.log.WithFields(logrus.Fields{
		"topic":      topic,
		"event_id":   event.EventID,
		"event_type": event.EventType,
		"revision":   event.Revision,
		"changes":    len(event.Changes),
	}).Info("outbox publish")
	return nil
}

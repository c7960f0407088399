// Package events connects the service to the hazard-report event bus.
// A verified report invalidates the risk zone cache so the next route
// request sees the updated zone set.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// SubjectReportVerified carries hazard reports that passed verification.
const SubjectReportVerified = "reports.verified"

// ReportVerified is the payload published when a hazard report is
// verified and the zone set changes.
type ReportVerified struct {
	ReportID      string    `json:"report_id"`
	ZoneID        string    `json:"zone_id,omitempty"`
	HazardType    string    `json:"hazard_type,omitempty"`
	ReportedCount int       `json:"reported_count,omitempty"`
	VerifiedAt    time.Time `json:"verified_at"`
}

// Invalidator expires a cached snapshot.
type Invalidator interface {
	Invalidate()
}

// Subscriber owns the NATS connection and the report subscription.
type Subscriber struct {
	conn *nats.Conn
	subs []*nats.Subscription
	log  *logrus.Entry
}

// Connect dials the event bus with automatic reconnects. A missing bus
// is a startup error; losing it later only delays cache invalidation,
// which the snapshot TTL bounds anyway.
func Connect(url string, log *logrus.Logger) (*Subscriber, error) {
	entry := log.WithField("component", "events.subscriber")

	conn, err := nats.Connect(url,
		nats.Name("saferoute"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			entry.WithError(err).Warn("event bus disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			entry.Info("event bus reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to event bus: %w", err)
	}
	return &Subscriber{conn: conn, log: entry}, nil
}

// OnReportVerified invalidates the zone cache for every verified report
// and forwards the decoded event to notify, if set. Malformed payloads
// still invalidate: a stale snapshot is worse than a wasted refresh.
func (s *Subscriber) OnReportVerified(invalidator Invalidator, notify func(ReportVerified)) error {
	sub, err := s.conn.Subscribe(SubjectReportVerified, func(msg *nats.Msg) {
		var event ReportVerified
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			s.log.WithError(err).Warn("malformed report event, invalidating anyway")
			invalidator.Invalidate()
			return
		}
		s.log.WithFields(logrus.Fields{
			"report_id": event.ReportID,
			"zone_id":   event.ZoneID,
		}).Info("verified report received, invalidating zone snapshot")
		invalidator.Invalidate()
		if notify != nil {
			notify(event)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", SubjectReportVerified, err)
	}
	s.subs = append(s.subs, sub)
	return nil
}

// IsConnected reports bus reachability for readiness probes.
func (s *Subscriber) IsConnected() bool {
	return s.conn != nil && s.conn.IsConnected()
}

// Close drains the subscriptions and closes the connection.
func (s *Subscriber) Close() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	if s.conn != nil {
		s.conn.Drain()
	}
}

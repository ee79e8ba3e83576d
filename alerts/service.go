package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"krai.services/engine/common"
	"krai.services/engine/db"
	"krai.services/engine/notification"
)

// MetricSource resolves dotted metric keys to scalars; the monitor
// service implements it.
type MetricSource interface {
	MetricValue(ctx context.Context, key string) (float64, bool)
}

// Broadcaster pushes alert events to realtime subscribers, best-effort.
type Broadcaster func(eventType string, payload interface{})

// ErrorEvent is one stage failure flowing into stream-driven alerting.
type ErrorEvent struct {
	ErrorType  string `json:"error_type"`
	Stage      string `json:"stage"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
	DocumentID string `json:"document_id,omitempty"`
}

// EventFromRecord maps a stage error record onto an alert event.
// Severity follows the failure classification.
func EventFromRecord(rec *db.ErrorRecord) ErrorEvent {
	severity := SeverityMedium
	switch rec.Classification {
	case "permanent":
		severity = SeverityHigh
	case "transient":
		severity = SeverityLow
	}
	event := ErrorEvent{
		ErrorType: rec.Classification,
		Stage:     rec.Stage,
		Severity:  severity,
		Message:   rec.Message,
	}
	if rec.DocumentID != nil {
		event.DocumentID = *rec.DocumentID
	}
	return event
}

// Service is the alert engine. Threshold evaluation runs on a single
// loop; the active map is the only shared mutable state and external
// mutators (acknowledge, dismiss) clear entries under the same lock.
type Service struct {
	store   db.AlertStore
	rules   *RuleStore
	metrics MetricSource
	sinks   []notification.Sink

	mu     sync.Mutex
	active map[string]string

	broadcast Broadcaster
	logger    *logrus.Entry
	now       func() time.Time
}

// NewService wires the alert engine. metrics and sinks may be nil.
func NewService(store db.AlertStore, rules *RuleStore, metrics MetricSource, sinks ...notification.Sink) *Service {
	return &Service{
		store:   store,
		rules:   rules,
		metrics: metrics,
		sinks:   sinks,
		active:  make(map[string]string),
		logger:  common.ComponentLogger("alerts"),
		now:     time.Now,
	}
}

// SetBroadcaster registers the realtime push callback.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.broadcast = b
}

// EvaluateAlerts runs one threshold pass over all enabled metric rules.
// A persisting breach aggregates onto the rule's open alert rather than
// creating a new row; resolution closes the open alert so the next
// breach alerts fresh.
func (s *Service) EvaluateAlerts(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	for _, rule := range s.rules.Enabled(ctx) {
		key := MetricKey(&rule)
		if key == "" {
			continue
		}
		value, known := s.metrics.MetricValue(ctx, key)
		if !known {
			s.logger.WithFields(logrus.Fields{"rule": rule.RuleName, "metric_key": key}).Warn("Rule references unknown metric")
			continue
		}
		if !breached(value, rule.ThresholdOperator, rule.ThresholdValue) {
			s.resolveActive(ctx, rule.RuleName)
			continue
		}

		now := s.now().UTC()
		s.mu.Lock()
		activeID, tracked := s.active[rule.RuleName]
		s.mu.Unlock()
		if !tracked {
			// The active map dies with the process. Adopt a recent
			// still-open alert from the store so a restart during a
			// breach aggregates instead of duplicating.
			existing, err := s.store.ActiveAlertByKey(ctx, rule.RuleName, now.Add(-aggregationWindow(&rule)))
			if err != nil {
				s.logger.WithError(err).WithField("rule", rule.RuleName).Error("Failed to look up open alert")
				continue
			}
			if existing != nil {
				activeID, tracked = existing.ID, true
				s.mu.Lock()
				s.active[rule.RuleName] = activeID
				s.mu.Unlock()
			}
		}
		if tracked {
			if err := s.store.IncrementAlertAggregation(ctx, activeID, now); err != nil {
				// Alert removed out of band; alert fresh next pass.
				s.logger.WithError(err).WithField("rule", rule.RuleName).Warn("Failed to aggregate persisting breach")
				s.clearActive(rule.RuleName)
			}
			continue
		}
		alert := &db.Alert{
			ID:        uuid.NewString(),
			AlertType: "threshold",
			Severity:  rule.SeverityThreshold,
			Status:    "pending",
			Title:     fmt.Sprintf("Rule %s breached", rule.RuleName),
			Message:   fmt.Sprintf("%s = %.4g, threshold %s %.4g", key, value, rule.ThresholdOperator, rule.ThresholdValue),
			Metadata: db.JSONB{
				"rule_name":  rule.RuleName,
				"metric_key": key,
				"value":      value,
			},
			AggregationKey:   rule.RuleName,
			AggregationCount: 1,
			FirstOccurrence:  now,
			LastOccurrence:   now,
			TriggeredAt:      now,
		}
		if err := s.store.CreateAlert(ctx, alert); err != nil {
			s.logger.WithError(err).WithField("rule", rule.RuleName).Error("Failed to persist alert")
			continue
		}
		s.mu.Lock()
		s.active[rule.RuleName] = alert.ID
		s.mu.Unlock()
		s.dispatch(ctx, alert, &rule)
	}
}

// QueueAlert matches one error event against the stream rules and
// creates or aggregates an alert. Returns the alert id, or empty when
// no rule matched.
func (s *Service) QueueAlert(ctx context.Context, event ErrorEvent) (string, error) {
	for _, rule := range s.rules.Enabled(ctx) {
		if !matchesStream(&rule, event) {
			continue
		}
		key := fmt.Sprintf("%s:%s:%s", rule.RuleName, event.ErrorType, event.Stage)
		now := s.now().UTC()

		existing, err := s.store.ActiveAlertByKey(ctx, key, now.Add(-aggregationWindow(&rule)))
		if err != nil {
			return "", err
		}
		if existing != nil {
			if err := s.store.IncrementAlertAggregation(ctx, existing.ID, now); err != nil {
				return "", err
			}
			return existing.ID, nil
		}

		alert := &db.Alert{
			ID:        uuid.NewString(),
			AlertType: "error_stream",
			Severity:  event.Severity,
			Status:    "pending",
			Title:     fmt.Sprintf("%s failure in %s", event.ErrorType, event.Stage),
			Message:   event.Message,
			Metadata: db.JSONB{
				"rule_name":   rule.RuleName,
				"document_id": event.DocumentID,
			},
			AggregationKey:   key,
			AggregationCount: 1,
			FirstOccurrence:  now,
			LastOccurrence:   now,
			TriggeredAt:      now,
		}
		if err := s.store.CreateAlert(ctx, alert); err != nil {
			return "", err
		}
		s.dispatch(ctx, alert, &rule)
		return alert.ID, nil
	}
	return "", nil
}

// AddRule creates or updates a rule and drops the rule cache.
func (s *Service) AddRule(ctx context.Context, rule *db.AlertRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if err := s.store.UpsertAlertRule(ctx, rule); err != nil {
		return err
	}
	s.rules.Invalidate()
	return nil
}

// DeleteRule removes a rule by name and drops the rule cache.
func (s *Service) DeleteRule(ctx context.Context, ruleName string) error {
	if err := s.store.DeleteAlertRule(ctx, ruleName); err != nil {
		return err
	}
	s.rules.Invalidate()
	s.clearActive(ruleName)
	return nil
}

// ListRules returns all rules, bypassing the cache.
func (s *Service) ListRules(ctx context.Context) ([]db.AlertRule, error) {
	return s.store.ListAlertRules(ctx, false)
}

// ListAlerts returns alerts filtered by severity and status.
func (s *Service) ListAlerts(ctx context.Context, severity, status string, limit int) ([]db.Alert, error) {
	return s.store.ListAlerts(ctx, severity, status, limit)
}

// Acknowledge records the acknowledging user and releases the rule for
// future alerting.
func (s *Service) Acknowledge(ctx context.Context, id, user string) error {
	if err := s.store.AcknowledgeAlert(ctx, id, user); err != nil {
		return err
	}
	s.clearActiveByAlertID(id)
	return nil
}

// Dismiss hard-deletes an alert.
func (s *Service) Dismiss(ctx context.Context, id string) error {
	if err := s.store.DeleteAlert(ctx, id); err != nil {
		return err
	}
	s.clearActiveByAlertID(id)
	return nil
}

func (s *Service) clearActive(ruleName string) {
	s.mu.Lock()
	delete(s.active, ruleName)
	s.mu.Unlock()
}

// resolveActive closes the rule's open alert once its breach clears,
// so later breaches start a fresh alert instead of aggregating onto a
// stale one.
func (s *Service) resolveActive(ctx context.Context, ruleName string) {
	s.mu.Lock()
	id, ok := s.active[ruleName]
	delete(s.active, ruleName)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := s.store.ResolveAlert(ctx, id); err != nil {
		s.logger.WithError(err).WithField("rule", ruleName).Warn("Failed to resolve alert")
	}
}

func aggregationWindow(rule *db.AlertRule) time.Duration {
	window := time.Duration(rule.AggregationWindowMinutes) * time.Minute
	if window <= 0 {
		window = 15 * time.Minute
	}
	return window
}

func (s *Service) clearActiveByAlertID(alertID string) {
	s.mu.Lock()
	for rule, id := range s.active {
		if id == alertID {
			delete(s.active, rule)
		}
	}
	s.mu.Unlock()
}

// dispatch pushes the alert to every sink and the realtime channel.
// Sink failures are logged and never abort the loop.
func (s *Service) dispatch(ctx context.Context, alert *db.Alert, rule *db.AlertRule) {
	for _, sink := range s.sinks {
		recipients := recipientsFor(sink.Name(), rule)
		if len(recipients) == 0 {
			continue
		}
		if err := sink.Send(ctx, alert, recipients); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"sink":  sink.Name(),
				"alert": alert.ID,
			}).Error("Alert notification failed")
		}
	}
	if s.broadcast != nil {
		s.broadcast("alert_triggered", alert)
	}
}

func recipientsFor(sinkName string, rule *db.AlertRule) []string {
	switch sinkName {
	case "email":
		return rule.EmailRecipients
	case "slack":
		return rule.SlackWebhooks
	}
	return nil
}

func matchesStream(rule *db.AlertRule, event ErrorEvent) bool {
	if len(rule.ErrorTypes) == 0 && len(rule.Stages) == 0 {
		return false
	}
	if len(rule.ErrorTypes) > 0 && !contains(rule.ErrorTypes, event.ErrorType) {
		return false
	}
	if len(rule.Stages) > 0 && !contains(rule.Stages, event.Stage) {
		return false
	}
	return SeverityAtLeast(event.Severity, rule.SeverityThreshold)
}

func contains(list db.StringList, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func breached(value float64, operator string, threshold float64) bool {
	switch operator {
	case ">":
		return value > threshold
	case "<":
		return value < threshold
	case "==":
		return value == threshold
	case ">=":
		return value >= threshold
	case "<=":
		return value <= threshold
	}
	return false
}

// Package notify delivers operator alerts: execution faults, circuit breaker
// trips and emergency exits.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Severity of an alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one alert
type Event struct {
	Severity Severity
	Title    string
	Message  string
	At       time.Time
}

// Notifier sends alerts somewhere an operator will see them
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Log writes alerts to the process log
type Log struct{}

func (Log) Notify(_ context.Context, ev Event) error {
	entry := logrus.WithFields(logrus.Fields{
		"alert":    ev.Title,
		"severity": string(ev.Severity),
	})
	switch ev.Severity {
	case SeverityCritical:
		entry.Error(ev.Message)
	case SeverityWarning:
		entry.Warn(ev.Message)
	default:
		entry.Info(ev.Message)
	}
	return nil
}

// Multi fans an alert out to every notifier and joins their errors
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Package mqtt mirrors hive state to an MQTT broker for Home Assistant and
// accepts the external camera switch from it. StubPublisher stands in when
// no broker is configured.
package mqtt

import (
	"context"
	"log/slog"
)

// Publisher is started and stopped by the coordinator alongside the
// socket channels.
type Publisher interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Config selects the broker and names the topics.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	DeviceID    string
	HiveName    string
}

// ExternalCamera is the part of the session manager the switch drives.
type ExternalCamera interface {
	ActivateExternal(ctx context.Context) error
	DeactivateExternal(ctx context.Context) error
}

// StubPublisher does nothing. Used when MQTT is disabled.
type StubPublisher struct {
	log *slog.Logger
}

func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

func (s *StubPublisher) Start(context.Context) error {
	s.log.Debug("mqtt disabled")
	return nil
}

func (s *StubPublisher) Stop(context.Context) error { return nil }

var (
	_ Publisher = (*StubPublisher)(nil)
	_ Publisher = (*HAPublisher)(nil)
)

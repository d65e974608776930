package coordinator

import (
	"fmt"
	"log/slog"

	"github.com/trymwestin/beewatch/internal/backend"
	"github.com/trymwestin/beewatch/internal/clock"
	"github.com/trymwestin/beewatch/internal/config"
	"github.com/trymwestin/beewatch/internal/core/device"
	"github.com/trymwestin/beewatch/internal/core/media"
	"github.com/trymwestin/beewatch/internal/core/notify"
	"github.com/trymwestin/beewatch/internal/core/session"
	"github.com/trymwestin/beewatch/internal/core/state"
	"github.com/trymwestin/beewatch/internal/core/stream"
	"github.com/trymwestin/beewatch/internal/core/transport"
	"github.com/trymwestin/beewatch/internal/mqtt"
)

// Build constructs every component from cfg on the real clock and the
// configured media backend.
func Build(cfg config.Config, log *slog.Logger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	platform, err := NewPlatform(cfg.Camera.Backend, log)
	if err != nil {
		return nil, err
	}
	api, err := backend.New(cfg.Backend.APIBase, nil, log.With("component", "backend"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: build: %w", err)
	}
	return Assemble(cfg, platform, transport.NewWSDialer(nil, cfg.Backend.InsecureTLS, log), api, clock.Real(), log), nil
}

// NewPlatform returns the media backend named by kind.
func NewPlatform(kind string, log *slog.Logger) (media.Platform, error) {
	switch kind {
	case "", "mediadevices":
		return media.NewDevicePlatform(log.With("component", "media")), nil
	case "none":
		return media.NullPlatform{}, nil
	default:
		return nil, fmt.Errorf("coordinator: unknown camera backend %q", kind)
	}
}

// Assemble wires components around the given platform, dialer, REST
// client and clock.
func Assemble(cfg config.Config, platform media.Platform, dialer transport.Dialer, api *backend.Client, clk clock.Clock, log *slog.Logger) *Coordinator {
	bus := state.NewEventBus(log.With("component", "bus"))
	store := state.NewStore(bus, cfg.Notifications.MaxRetained, log.With("component", "store"))
	registry := device.NewRegistry(platform, bus, log.With("component", "devices"))

	streamOpts := func(name, path string, applyState bool) stream.Options {
		return stream.Options{
			Name:                 name,
			URL:                  transport.WSURL(cfg.Backend.WSBase, path),
			FrameInterval:        cfg.Stream.FrameInterval,
			HeartbeatInterval:    cfg.Stream.HeartbeatInterval,
			PongTimeout:          cfg.Stream.PongTimeout,
			EventActionTTL:       cfg.Stream.EventActionTTL,
			JPEGQuality:          cfg.Stream.JPEGQuality,
			ReconnectBase:        cfg.Stream.ReconnectBase,
			ReconnectMax:         cfg.Stream.ReconnectMax,
			MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
			ApplyState:           applyState,
		}
	}
	live := stream.New(streamOpts(state.ChannelTransport, stream.LiveStreamPath, true),
		dialer, clk, store, log.With("component", "transport"))
	relay := stream.New(streamOpts(state.ChannelExternalRelay, stream.ExternalStreamPath, false),
		dialer, clk, store, log.With("component", "external_relay"))

	opts := session.DefaultOptions()
	opts.MaxRetries = cfg.Camera.MaxRetries
	opts.RetryCooldown = cfg.Camera.RetryCooldown
	opts.RetryResetPeriod = cfg.Camera.RetryResetPeriod
	opts.SettleDelay = cfg.Camera.SettleDelay
	sessions := session.NewManager(platform, registry, store, live, relay, clk, opts, log.With("component", "sessions"))

	events := notify.New(notify.Options{
		URL:            transport.WSURL(cfg.Backend.WSBase, notify.EventsPath),
		ReconnectDelay: cfg.Notifications.ReconnectDelay,
		ReconnectMax:   cfg.Stream.ReconnectMax,
		MaxAttempts:    cfg.Stream.MaxReconnectAttempts,
	}, dialer, api, sessions, store, clk, log.With("component", "event_bus"))

	var pub mqtt.Publisher = mqtt.NewStubPublisher(log.With("component", "mqtt"))
	if cfg.MQTT.Enabled {
		pub = mqtt.NewHAPublisher(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			DeviceID:    cfg.MQTT.DeviceID,
			HiveName:    cfg.MQTT.HiveName,
		}, sessions, store, bus, log.With("component", "mqtt"))
	}

	return New(Deps{
		Store:     store,
		Registry:  registry,
		Sessions:  sessions,
		Transport: live,
		Relay:     relay,
		Events:    events,
		API:       api,
		Publisher: pub,
	}, Options{
		RequestPermissions: true,
		AutoStart:          cfg.Camera.AutoStart,
		Internal:           cfg.Camera.InternalDeviceID,
		External:           cfg.Camera.ExternalDeviceID,
	}, log.With("component", "coordinator"))
}

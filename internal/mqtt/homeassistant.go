package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/trymwestin/beewatch/internal/core/state"
)

const (
	// connectWait bounds how long Start blocks on the first broker
	// connection. Paho keeps retrying in the background after that.
	connectWait = 10 * time.Second
	commandWait = 10 * time.Second

	haStatusTopic = "homeassistant/status"
)

// HAPublisher announces the hive as a Home Assistant device, keeps its
// entities current from the event bus and routes the external camera
// switch to the session manager.
type HAPublisher struct {
	cfg   Config
	cam   ExternalCamera
	store state.StateReader
	bus   *state.EventBus
	log   *slog.Logger

	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client
	client    pahomqtt.Client

	unsub    func()
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewHAPublisher(cfg Config, cam ExternalCamera, store state.StateReader, bus *state.EventBus, log *slog.Logger) *HAPublisher {
	return &HAPublisher{
		cfg:       cfg,
		cam:       cam,
		store:     store,
		bus:       bus,
		log:       log,
		newClient: pahomqtt.NewClient,
		done:      make(chan struct{}),
	}
}

// Start connects and begins mirroring bus events. Announcements, the
// command subscription and a full state dump run from the connect handler
// and therefore repeat after every reconnect.
func (p *HAPublisher) Start(context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID("beewatch-" + p.cfg.DeviceID).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(p.topic("status"), "offline", 1, true).
		SetOnConnectHandler(func(pahomqtt.Client) { p.onConnect() }).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("broker connection lost", "error", err)
		})
	p.client = p.newClient(opts)

	tok := p.client.Connect()
	switch {
	case !tok.WaitTimeout(connectWait):
		p.log.Warn("broker unreachable, still trying", "broker", p.cfg.Broker)
	case tok.Error() != nil:
		return fmt.Errorf("mqtt: connect %s: %w", p.cfg.Broker, tok.Error())
	}

	events, unsub := p.bus.Subscribe(128)
	p.unsub = unsub
	p.wg.Add(1)
	go p.mirror(events)

	p.log.Info("mqtt started", "broker", p.cfg.Broker, "prefix", p.cfg.TopicPrefix)
	return nil
}

// Stop marks the device offline and disconnects. Safe to call twice.
func (p *HAPublisher) Stop(context.Context) error {
	p.stopOnce.Do(func() {
		close(p.done)
		if p.unsub != nil {
			p.unsub()
		}
		p.wg.Wait()

		if p.client != nil && p.client.IsConnected() {
			p.publish(p.topic("status"), "offline")
			p.client.Disconnect(1000)
		}
		p.log.Info("mqtt stopped")
	})
	return nil
}

func (p *HAPublisher) onConnect() {
	p.log.Info("broker connected", "broker", p.cfg.Broker)
	p.publish(p.topic("status"), "online")
	p.announce()

	cmd := p.topic("external/set")
	if tok := p.client.Subscribe(cmd, 1, p.onExternalSwitch); tok.Wait() && tok.Error() != nil {
		p.log.Error("subscribe failed", "topic", cmd, "error", tok.Error())
	}
	// Home Assistant drops retained discovery on restart; its birth
	// message is the cue to announce again.
	p.client.Subscribe(haStatusTopic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("home assistant restarted, announcing again")
			p.announce()
			p.dumpState()
		}
	})

	p.dumpState()
}

func (p *HAPublisher) onExternalSwitch(_ pahomqtt.Client, msg pahomqtt.Message) {
	on := strings.EqualFold(strings.TrimSpace(string(msg.Payload())), "ON")
	ctx, cancel := context.WithTimeout(context.Background(), commandWait)
	defer cancel()

	p.log.Info("external camera switched", "on", on)
	var err error
	if on {
		err = p.cam.ActivateExternal(ctx)
	} else {
		err = p.cam.DeactivateExternal(ctx)
	}
	if err != nil {
		p.log.Error("external camera switch failed", "on", on, "error", err)
	}
}

// entity is one Home Assistant discovery record.
type entity struct {
	component string
	object    string
	name      string
	fields    map[string]interface{}
}

func (p *HAPublisher) entities() []entity {
	onOff := func(m map[string]interface{}) map[string]interface{} {
		m["payload_on"], m["payload_off"] = "ON", "OFF"
		return m
	}
	list := []entity{
		{"sensor", "bee_status", "Bee Status", map[string]interface{}{
			"state_topic":    p.topic("streaming/state"),
			"value_template": "{{ value_json.bee_status }}",
			"icon":           "mdi:bee",
		}},
		{"sensor", "unread_notifications", "Unread Notifications", map[string]interface{}{
			"state_topic":           p.topic("notifications/state"),
			"value_template":        "{{ value_json.unread }}",
			"json_attributes_topic": p.topic("notifications/state"),
			"state_class":           "measurement",
		}},
		{"binary_sensor", "bee_event", "Bee Event", onOff(map[string]interface{}{
			"state_topic":    p.topic("streaming/state"),
			"value_template": "{{ 'ON' if value_json.event_active else 'OFF' }}",
			"device_class":   "motion",
		})},
		{"switch", "external_camera", "External Camera", onOff(map[string]interface{}{
			"state_topic":   p.topic("external/state"),
			"command_topic": p.topic("external/set"),
			"icon":          "mdi:cctv",
		})},
	}
	statuses := []string{
		string(state.CameraInactive), string(state.CameraStarting),
		string(state.CameraActive), string(state.CameraError),
	}
	for _, role := range []state.Role{state.RoleInternal, state.RoleExternal} {
		list = append(list, entity{"sensor", string(role) + "_camera", titleCase(string(role)) + " Camera", map[string]interface{}{
			"state_topic":  p.topic("camera/" + string(role) + "/state"),
			"device_class": "enum",
			"options":      statuses,
		}})
	}
	for _, ch := range []string{state.ChannelTransport, state.ChannelEventBus} {
		list = append(list, entity{"binary_sensor", ch + "_connection",
			titleCase(strings.ReplaceAll(ch, "_", " ")) + " Connection",
			onOff(map[string]interface{}{
				"state_topic":  p.topic("connection/" + ch + "/state"),
				"device_class": "connectivity",
			})})
	}
	return list
}

// announce publishes retained discovery records for every entity.
func (p *HAPublisher) announce() {
	device := map[string]interface{}{
		"identifiers":  []string{p.cfg.DeviceID},
		"name":         "Beewatch " + p.cfg.HiveName,
		"manufacturer": "Beewatch",
		"model":        "Hive Monitor",
	}
	availability := map[string]interface{}{"topic": p.topic("status")}

	for _, e := range p.entities() {
		e.fields["name"] = "Beewatch " + p.cfg.HiveName + " " + e.name
		e.fields["unique_id"] = p.cfg.DeviceID + "_" + e.object
		e.fields["device"] = device
		e.fields["availability"] = availability
		topic := fmt.Sprintf("homeassistant/%s/%s_%s/config", e.component, p.cfg.DeviceID, e.object)
		p.publishJSON(topic, e.fields)
	}
}

type streamingPayload struct {
	BeeStatus   string `json:"bee_status"`
	EventActive bool   `json:"event_active"`
	EventAction string `json:"event_action"`
	Inside      int    `json:"inside"`
	Outside     int    `json:"outside"`
}

type notificationsPayload struct {
	Unread  int    `json:"unread"`
	Total   int    `json:"total"`
	Latest  string `json:"latest,omitempty"`
	LatestT string `json:"latest_timestamp,omitempty"`
}

// dumpState publishes every entity's current value from the store.
func (p *HAPublisher) dumpState() {
	snap := p.store.Snapshot()
	p.streaming(snap.Streaming)
	for role, status := range snap.Cameras {
		p.camera(role, status)
	}
	for name, h := range snap.Channels {
		p.connection(name, h.State)
	}
	p.notifications(snap.Notifications, snap.Unread)
}

func (p *HAPublisher) streaming(st state.StreamingState) {
	out := streamingPayload{
		BeeStatus:   st.LastBeeStatus,
		EventActive: st.EventActive,
		Inside:      st.ConsecutiveDetections.Inside,
		Outside:     st.ConsecutiveDetections.Outside,
	}
	if out.BeeStatus == "" {
		out.BeeStatus = "unknown"
	}
	if st.EventAction != nil {
		out.EventAction = *st.EventAction
	}
	p.publishJSON(p.topic("streaming/state"), out)
}

func (p *HAPublisher) camera(role state.Role, status state.CameraStatus) {
	p.publish(p.topic("camera/"+string(role)+"/state"), string(status))
	if role == state.RoleExternal {
		p.publish(p.topic("external/state"), onOff(status == state.CameraActive || status == state.CameraStarting))
	}
}

func (p *HAPublisher) connection(channel string, cs state.ConnState) {
	p.publish(p.topic("connection/"+channel+"/state"), onOff(cs == state.ConnOpen))
}

func (p *HAPublisher) notifications(list []state.Notification, unread int) {
	out := notificationsPayload{Unread: unread, Total: len(list)}
	if len(list) > 0 {
		out.Latest, out.LatestT = list[0].Message, list[0].Timestamp
	}
	p.publishJSON(p.topic("notifications/state"), out)
}

func (p *HAPublisher) mirror(events <-chan state.Event) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			p.apply(evt)
		}
	}
}

func (p *HAPublisher) apply(evt state.Event) {
	switch data := evt.Data.(type) {
	case state.StreamingState:
		p.streaming(data)
	case state.CameraStatusChange:
		p.camera(data.Role, data.Status)
	case state.ChannelStateChange:
		if evt.Type == state.EventChannelState {
			p.connection(data.Channel, data.State)
		}
	case state.Notification:
		p.publishJSON(p.topic("notifications/event"), data)
		snap := p.store.Snapshot()
		p.notifications(snap.Notifications, snap.Unread)
	default:
		if evt.Type == state.EventNotificationsSynced {
			snap := p.store.Snapshot()
			p.notifications(snap.Notifications, snap.Unread)
		}
	}
}

// topic is {prefix}/{device_id}/{suffix}.
func (p *HAPublisher) topic(suffix string) string {
	return p.cfg.TopicPrefix + "/" + p.cfg.DeviceID + "/" + suffix
}

func (p *HAPublisher) publishJSON(topic string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Error("marshal failed", "topic", topic, "error", err)
		return
	}
	p.publish(topic, string(data))
}

// publish sends a retained QoS 1 message, dropping it while disconnected.
func (p *HAPublisher) publish(topic, payload string) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	tok := p.client.Publish(topic, 1, true, payload)
	if tok.Wait(); tok.Error() != nil {
		p.log.Error("publish failed", "topic", topic, "error", tok.Error())
	}
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

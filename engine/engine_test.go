package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"knxlink/config"
	"knxlink/knxnet"
	"knxlink/tunnel"
	"knxlink/tunnel/tunneltest"
)

func newTestEngine(t *testing.T, g *tunneltest.Gateway) (*Engine, chan Event) {
	t.Helper()
	cfg := config.DefaultConfig()
	if g != nil {
		cfg.Gateway = *g.Config()
	}
	e := New(Config{AppConfig: cfg, ReconnectDelay: 20 * time.Millisecond})

	events := make(chan Event, 64)
	e.Events.Subscribe(func(ev Event) {
		select {
		case events <- ev:
		default:
		}
	})
	t.Cleanup(e.Stop)
	return e, events
}

func waitEvent(t *testing.T, events chan Event, want EventType) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
			return Event{}
		}
	}
}

func TestSendTelegramWithoutGateway(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	if err := e.SendTelegram(context.Background(), nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty telegram: got %v", err)
	}
	if err := e.SendTelegram(context.Background(), []byte{0x29}); !errors.Is(err, ErrNoGateway) {
		t.Errorf("expected ErrNoGateway, got %v", err)
	}
	if e.Connected() {
		t.Error("engine without gateway reports connected")
	}
}

func TestEngineTraffic(t *testing.T) {
	g := tunneltest.NewGateway(t)
	e, events := newTestEngine(t, g)
	e.Start()

	ev := waitEvent(t, events, EventGatewayConnected)
	if ev.Payload.(GatewayEvent).ChannelID != tunneltest.Channel {
		t.Errorf("connected event = %+v", ev.Payload)
	}

	out := []byte{0x29, 0x00, 0xbc, 0xe0, 0x11, 0x05, 0x0a, 0x01, 0x01, 0x00, 0x81}
	if err := e.SendTelegram(context.Background(), out); err != nil {
		t.Fatalf("SendTelegram failed: %v", err)
	}
	ev = waitEvent(t, events, EventTelegramSent)
	if rec := ev.Payload.(TelegramEvent).Record; rec.Direction != DirectionTx || string(rec.Raw) != string(out) {
		t.Errorf("sent record = %+v", rec)
	}

	in := []byte{0x29, 0x00, 0xbc, 0xd0}
	g.Send(knxnet.NewTunnelingRequest(tunneltest.Channel, 3, knxnet.RawTelegram(in)).Bytes())
	ev = waitEvent(t, events, EventTelegramReceived)
	if rec := ev.Payload.(TelegramEvent).Record; rec.Direction != DirectionRx || rec.Sequence != 3 {
		t.Errorf("received record = %+v", rec)
	}

	recent := e.Recent(0)
	if len(recent) != 2 || recent[0].Direction != DirectionTx || recent[1].Direction != DirectionRx {
		t.Fatalf("history = %+v", recent)
	}
	if len(e.Since(recent[0].Timestamp)) != 1 {
		t.Error("Since should exclude the first record")
	}

	st := e.Status()
	if !st.Tunnel.Connected || st.Tunnel.Sent != 1 || st.Tunnel.Received != 1 || st.History != 2 {
		t.Errorf("status = %+v", st)
	}

	e.Stop()
	waitEvent(t, events, EventGatewayDisconnected)
	g.Expect(t, knxnet.SvcDisconnectRequest)
	if e.Connected() {
		t.Error("still connected after Stop")
	}
}

func TestEngineReconnects(t *testing.T) {
	g := tunneltest.NewGateway(t)
	e, events := newTestEngine(t, g)
	e.Start()
	waitEvent(t, events, EventGatewayConnected)

	req := &knxnet.DisconnectRequest{ChannelID: tunneltest.Channel, Control: knxnet.NewUDPHPAI(nil)}
	g.Send(req.Bytes())

	ev := waitEvent(t, events, EventGatewayDisconnected)
	if ev.Payload.(GatewayEvent).Reason == "" {
		t.Error("disconnect event should carry a reason")
	}
	waitEvent(t, events, EventGatewayConnected)
}

func TestEngineDisabledGateway(t *testing.T) {
	g := tunneltest.NewGateway(t)
	e, _ := newTestEngine(t, g)
	e.cfg.Gateway.Enabled = false
	e.Start()

	time.Sleep(50 * time.Millisecond)
	if e.Connected() {
		t.Error("disabled gateway should not connect")
	}
	if err := e.SendTelegram(context.Background(), []byte{0x29}); !errors.Is(err, tunnel.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestSendTelegramFailure(t *testing.T) {
	g := tunneltest.NewGateway(t)
	e, events := newTestEngine(t, g)
	e.Start()
	waitEvent(t, events, EventGatewayConnected)

	g.DropAcks.Store(2)
	err := e.SendTelegram(context.Background(), []byte{0x29, 0x00})
	if !errors.Is(err, tunnel.ErrAckTimeout) {
		t.Fatalf("expected ErrAckTimeout, got %v", err)
	}
	ev := waitEvent(t, events, EventTelegramFailed)
	if te := ev.Payload.(TelegramEvent); !errors.Is(te.Err, tunnel.ErrAckTimeout) {
		t.Errorf("failed event = %+v", te)
	}
	if len(e.Recent(0)) != 0 {
		t.Error("failed sends should not enter the history")
	}
}

func TestStatusListsSinks(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MQTT = append(cfg.MQTT, config.DefaultMQTTConfig("broker"))
	cfg.Valkey = append(cfg.Valkey, config.DefaultValkeyConfig("cache"))
	cfg.Kafka = append(cfg.Kafka, config.DefaultKafkaConfig("events"))

	e := New(Config{AppConfig: cfg})
	e.Start()
	defer e.Stop()

	st := e.Status()
	if len(st.Sinks) != 3 {
		t.Fatalf("sinks = %+v", st.Sinks)
	}
	types := map[string]SinkStatus{}
	for _, s := range st.Sinks {
		types[s.Type] = s
		if s.Running || s.Enabled {
			t.Errorf("disabled sink %s reports enabled/running", s.Name)
		}
	}
	if types["mqtt"].Address != "tcp://localhost:1883" {
		t.Errorf("mqtt address = %q", types["mqtt"].Address)
	}
	if types["kafka"].Address != "localhost:9092" {
		t.Errorf("kafka address = %q", types["kafka"].Address)
	}
}

func TestSinkOps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := config.DefaultConfig()
	e := New(Config{AppConfig: cfg, ConfigPath: path})
	events := make(chan Event, 16)
	e.Events.Subscribe(func(ev Event) { events <- ev })

	if err := e.CreateMQTT(MQTTCreateRequest{Name: "m"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("missing broker: got %v", err)
	}
	if err := e.CreateMQTT(MQTTCreateRequest{Name: "m", Broker: "mq.local"}); err != nil {
		t.Fatalf("CreateMQTT failed: %v", err)
	}
	if err := e.CreateMQTT(MQTTCreateRequest{Name: "m", Broker: "mq.local"}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate: got %v", err)
	}
	if err := e.CreateValkey(ValkeyCreateRequest{Name: "v", Address: "cache:6379"}); err != nil {
		t.Fatalf("CreateValkey failed: %v", err)
	}
	if err := e.CreateKafka(KafkaCreateRequest{Name: "k"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("missing brokers: got %v", err)
	}
	if err := e.CreateKafka(KafkaCreateRequest{Name: "k", Brokers: []string{"kafka:9092"}}); err != nil {
		t.Fatalf("CreateKafka failed: %v", err)
	}

	waitEvent(t, events, EventMQTTCreated)
	waitEvent(t, events, EventValkeyCreated)
	waitEvent(t, events, EventKafkaCreated)

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m := loaded.FindMQTT("m"); m == nil || m.Port != 1883 || m.ClientID != "knxlink-m" {
		t.Errorf("saved mqtt = %+v", m)
	}
	if loaded.FindValkey("v") == nil || loaded.FindKafka("k") == nil {
		t.Error("valkey and kafka sinks should be saved")
	}
	if k := loaded.FindKafka("k"); k != nil && k.MaxRetries != 3 {
		t.Errorf("kafka defaults not applied: %+v", k)
	}
	if len(e.Status().Sinks) != 3 {
		t.Errorf("managers not updated: %+v", e.Status().Sinks)
	}

	if err := e.StartMQTT("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("StartMQTT unknown: got %v", err)
	}
	if err := e.StopValkey("v"); err != nil {
		t.Errorf("StopValkey: %v", err)
	}
	if err := e.DisconnectKafka("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DisconnectKafka unknown: got %v", err)
	}

	for _, del := range []func(string) error{e.DeleteMQTT, e.DeleteValkey, e.DeleteKafka} {
		if err := del("nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("delete unknown: got %v", err)
		}
	}
	if err := e.DeleteMQTT("m"); err != nil {
		t.Errorf("DeleteMQTT: %v", err)
	}
	if err := e.DeleteValkey("v"); err != nil {
		t.Errorf("DeleteValkey: %v", err)
	}
	if err := e.DeleteKafka("k"); err != nil {
		t.Errorf("DeleteKafka: %v", err)
	}
	if len(e.Status().Sinks) != 0 {
		t.Errorf("sinks left after delete: %+v", e.Status().Sinks)
	}

	loaded, _ = config.Load(path)
	if len(loaded.MQTT)+len(loaded.Valkey)+len(loaded.Kafka) != 0 {
		t.Error("deletes should be saved")
	}
}

// Package engine ties the gateway tunnel to the telegram history, the event
// bus and the MQTT, Valkey and Kafka sinks.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"knxlink/config"
	"knxlink/kafka"
	"knxlink/knxnet"
	"knxlink/logging"
	"knxlink/mqtt"
	"knxlink/tunnel"
	"knxlink/valkey"
)

// DefaultReconnectDelay is the pause between gateway connect attempts.
const DefaultReconnectDelay = 5 * time.Second

// sinkQueueSize bounds the work waiting to be fanned out to the sinks.
const sinkQueueSize = 1000

// LogFunc is the logging callback signature.
type LogFunc func(format string, args ...interface{})

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig      *config.Config
	ConfigPath     string // empty = changes are not persisted
	LogFunc        LogFunc
	ReconnectDelay time.Duration
}

// Engine owns the tunnel and the sink managers. The REST API and the CLI
// are thin consumers.
type Engine struct {
	cfg            *config.Config
	configPath     string
	logFn          LogFunc
	reconnectDelay time.Duration

	tunnel    *tunnel.Client
	history   *RingBuffer
	mqttMgr   *mqtt.Manager
	valkeyMgr *valkey.Manager
	kafkaMgr  *kafka.Manager

	Events *EventBus

	sinkJobs    chan func()
	gatewayDown chan struct{}
	cancel      context.CancelFunc
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	supWG       sync.WaitGroup
}

// New creates a new Engine. Call Start to connect and start the sinks.
func New(c Config) *Engine {
	logFn := c.LogFunc
	if logFn == nil {
		logFn = func(string, ...interface{}) {}
	}
	delay := c.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}

	cfg := c.AppConfig
	e := &Engine{
		cfg:            cfg,
		configPath:     c.ConfigPath,
		logFn:          logFn,
		reconnectDelay: delay,
		history:        NewRingBuffer(cfg.History),
		mqttMgr:        mqtt.NewManager(),
		valkeyMgr:      valkey.NewManager(cfg.Namespace),
		kafkaMgr:       kafka.NewManager(cfg.Namespace),
		Events:         NewEventBus(),
		sinkJobs:       make(chan func(), sinkQueueSize),
		gatewayDown:    make(chan struct{}, 1),
		stopChan:       make(chan struct{}),
	}

	if cfg.Gateway.Address != "" {
		e.tunnel = tunnel.New(&cfg.Gateway)
		e.tunnel.SetHandler(e.onReceived)
		e.tunnel.SetSentHandler(e.onSent)
		e.tunnel.SetStateHandler(e.onGatewayState)
	}
	return e
}

// Start loads the sinks, starts the enabled ones and begins connecting to
// the gateway in the background.
func (e *Engine) Start() {
	cfg := e.cfg

	sendHandler := func(raw []byte) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return e.SendTelegram(ctx, raw)
	}

	// Managers keep pointers, so they get their own copies of the sink
	// configs; the config slices move when entries are added or removed.
	cfg.Lock()
	mqttCfgs := append([]config.MQTTConfig(nil), cfg.MQTT...)
	valkeyCfgs := append([]config.ValkeyConfig(nil), cfg.Valkey...)
	kafkaCfgs := append([]config.KafkaConfig(nil), cfg.Kafka...)
	cfg.Unlock()

	e.mqttMgr.LoadFromConfig(mqttCfgs, cfg.Namespace)
	e.mqttMgr.SetSendHandler(sendHandler)

	e.valkeyMgr.LoadFromConfig(valkeyCfgs)
	e.valkeyMgr.SetSendHandler(sendHandler)
	e.valkeyMgr.SetOnConnectCallback(e.publishGatewayStatus)

	e.kafkaMgr.LoadFromConfigs(kafkaCfgs)

	e.wg.Add(1)
	go e.sinkWorker()

	go func() {
		if started := e.mqttMgr.StartAll(); started > 0 {
			e.logFn("Started %d MQTT publisher(s)", started)
			e.publishGatewayStatus()
		}
	}()
	go func() {
		if started := e.valkeyMgr.StartAll(); started > 0 {
			e.logFn("Started %d Valkey publisher(s)", started)
		}
	}()
	go e.kafkaMgr.ConnectEnabled()

	if e.tunnel != nil && cfg.Gateway.Enabled {
		ctx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		e.supWG.Add(1)
		go e.supervise(ctx)
	}
}

// Stop closes the tunnel, flushes queued sink work and stops the sinks.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.supWG.Wait()
		if e.tunnel != nil {
			e.tunnel.Close()
		}
		close(e.stopChan)
		e.wg.Wait()

		e.mqttMgr.StopAll()
		e.valkeyMgr.StopAll()
		e.kafkaMgr.StopAll()
	})
}

// supervise keeps the tunnel connected until ctx is cancelled.
func (e *Engine) supervise(ctx context.Context) {
	defer e.supWG.Done()

	addr := e.tunnel.Address()
	for {
		select {
		case <-e.gatewayDown:
		default:
		}

		if err := e.tunnel.Connect(ctx); err != nil {
			e.logFn("Gateway %s: connect failed: %v", addr, err)
		} else {
			select {
			case <-e.gatewayDown:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.reconnectDelay):
		}
	}
}

// sinkWorker runs queued sink work in order. Pending work is drained on stop.
func (e *Engine) sinkWorker() {
	defer e.wg.Done()
	for {
		select {
		case job := <-e.sinkJobs:
			job()
		case <-e.stopChan:
			for {
				select {
				case job := <-e.sinkJobs:
					job()
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) enqueue(job func()) {
	select {
	case e.sinkJobs <- job:
	default:
		logging.DebugLog("engine", "Sink queue full, dropping job")
	}
}

func (e *Engine) record(direction string, tg tunnel.Telegram) TelegramRecord {
	rec := TelegramRecord{
		Timestamp: tg.Time,
		Direction: direction,
		ChannelID: tg.ChannelID,
		Sequence:  tg.Sequence,
		Raw:       tg.Raw,
	}
	e.history.Add(rec)
	e.enqueue(func() {
		e.mqttMgr.Publish(rec.Direction, rec.ChannelID, rec.Sequence, rec.Raw, rec.Timestamp)
		e.valkeyMgr.Publish(rec.Direction, rec.ChannelID, rec.Sequence, rec.Raw, rec.Timestamp)
		e.kafkaMgr.Publish(rec.Direction, rec.ChannelID, rec.Sequence, rec.Raw, rec.Timestamp)
	})
	return rec
}

func (e *Engine) onReceived(tg tunnel.Telegram) {
	rec := e.record(DirectionRx, tg)
	e.emit(EventTelegramReceived, TelegramEvent{Record: rec})
}

func (e *Engine) onSent(tg tunnel.Telegram) {
	rec := e.record(DirectionTx, tg)
	e.emit(EventTelegramSent, TelegramEvent{Record: rec})
}

func (e *Engine) onGatewayState(connected bool, reason string) {
	ev := GatewayEvent{Gateway: e.cfg.Gateway.Name, Reason: reason}
	if connected {
		ev.ChannelID = e.tunnel.ChannelID()
		e.logFn("Gateway %s connected on channel %d", e.tunnel.Address(), ev.ChannelID)
		e.emit(EventGatewayConnected, ev)
	} else {
		e.logFn("Gateway %s disconnected: %s", e.tunnel.Address(), reason)
		e.emit(EventGatewayDisconnected, ev)
		select {
		case e.gatewayDown <- struct{}{}:
		default:
		}
	}
	e.enqueue(func() {
		e.mqttMgr.PublishStatus(ev.Gateway, connected, ev.ChannelID, reason)
		e.valkeyMgr.PublishStatus(ev.Gateway, connected, ev.ChannelID, reason)
		e.kafkaMgr.PublishStatus(ev.Gateway, connected, ev.ChannelID, reason)
	})
}

// publishGatewayStatus republishes the current gateway state, used when a
// sink (re)connects.
func (e *Engine) publishGatewayStatus() {
	connected, ch := false, byte(0)
	if e.tunnel != nil {
		connected, ch = e.tunnel.IsConnected(), e.tunnel.ChannelID()
	}
	name := e.cfg.Gateway.Name
	e.mqttMgr.PublishStatus(name, connected, ch, "")
	e.valkeyMgr.PublishStatus(name, connected, ch, "")
}

// SendTelegram sends raw telegram bytes over the tunnel and waits for the
// gateway's ack.
func (e *Engine) SendTelegram(ctx context.Context, raw []byte) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty telegram", ErrInvalidInput)
	}
	if e.tunnel == nil {
		return ErrNoGateway
	}

	err := e.tunnel.Send(ctx, knxnet.RawTelegram(raw))
	if err != nil {
		logging.DebugLog("engine", "Send % x failed: %v", raw, err)
		e.emit(EventTelegramFailed, TelegramEvent{
			Record: TelegramRecord{Timestamp: time.Now(), Direction: DirectionTx, Raw: raw},
			Err:    err,
		})
	}
	return err
}

// SinkStatus describes one configured sink.
type SinkStatus struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Address string `json:"address"`
	Enabled bool   `json:"enabled"`
	Running bool   `json:"running"`
}

// Status is a snapshot of the gateway tunnel and the sinks.
type Status struct {
	Gateway   string       `json:"gateway"`
	Address   string       `json:"address"`
	Enabled   bool         `json:"enabled"`
	Namespace string       `json:"namespace"`
	Tunnel    tunnel.Stats `json:"tunnel"`
	History   int          `json:"history"`
	Sinks     []SinkStatus `json:"sinks"`
}

// Status returns the current gateway and sink state.
func (e *Engine) Status() Status {
	s := Status{
		Gateway:   e.cfg.Gateway.Name,
		Enabled:   e.cfg.Gateway.Enabled,
		Namespace: e.cfg.Namespace,
		History:   e.history.Len(),
		Sinks:     []SinkStatus{},
	}
	if e.tunnel != nil {
		s.Address = e.tunnel.Address()
		s.Tunnel = e.tunnel.Stats()
	}

	for _, pub := range e.mqttMgr.List() {
		s.Sinks = append(s.Sinks, SinkStatus{
			Name: pub.Name(), Type: "mqtt", Address: pub.Address(),
			Enabled: pub.Config().Enabled, Running: pub.IsRunning(),
		})
	}
	for _, pub := range e.valkeyMgr.List() {
		s.Sinks = append(s.Sinks, SinkStatus{
			Name: pub.Name(), Type: "valkey", Address: pub.Address(),
			Enabled: pub.Config().Enabled, Running: pub.IsRunning(),
		})
	}
	for _, name := range e.kafkaMgr.ListClusters() {
		p := e.kafkaMgr.GetProducer(name)
		if p == nil {
			continue
		}
		s.Sinks = append(s.Sinks, SinkStatus{
			Name: name, Type: "kafka", Address: strings.Join(p.Brokers(), ","),
			Enabled: p.Enabled(), Running: p.GetStatus() == kafka.StatusConnected,
		})
	}
	return s
}

// Recent returns up to n of the newest telegrams, oldest first.
func (e *Engine) Recent(n int) []TelegramRecord {
	return e.history.Recent(n)
}

// Since returns telegrams seen after ts.
func (e *Engine) Since(ts time.Time) []TelegramRecord {
	return e.history.Since(ts)
}

// Connected reports whether the gateway tunnel is open.
func (e *Engine) Connected() bool {
	return e.tunnel != nil && e.tunnel.IsConnected()
}

func (e *Engine) GetConfig() *config.Config     { return e.cfg }
func (e *Engine) GetConfigPath() string         { return e.configPath }
func (e *Engine) GetMQTTMgr() *mqtt.Manager     { return e.mqttMgr }
func (e *Engine) GetValkeyMgr() *valkey.Manager { return e.valkeyMgr }
func (e *Engine) GetKafkaMgr() *kafka.Manager   { return e.kafkaMgr }

// saveConfig saves with the config lock held by the caller.
func (e *Engine) saveConfig() error {
	if e.configPath == "" {
		e.cfg.Unlock()
		return nil
	}
	return e.cfg.UnlockAndSave(e.configPath)
}

func (e *Engine) emit(t EventType, payload interface{}) {
	e.Events.Emit(Event{Type: t, Payload: payload})
}

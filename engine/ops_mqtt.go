package engine

import (
	"fmt"

	"knxlink/config"
	"knxlink/mqtt"
)

// CreateMQTT creates a new MQTT broker, saves config, and adds to the manager.
func (e *Engine) CreateMQTT(req MQTTCreateRequest) error {
	if req.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if req.Broker == "" {
		return fmt.Errorf("%w: broker address is required", ErrInvalidInput)
	}

	e.cfg.Lock()
	if e.cfg.FindMQTT(req.Name) != nil {
		e.cfg.Unlock()
		return fmt.Errorf("%w: MQTT broker '%s'", ErrAlreadyExists, req.Name)
	}

	mqttCfg := config.DefaultMQTTConfig(req.Name)
	mqttCfg.Broker = req.Broker
	if req.Port != 0 {
		mqttCfg.Port = req.Port
	}
	if req.ClientID != "" {
		mqttCfg.ClientID = req.ClientID
	}
	mqttCfg.Username = req.Username
	mqttCfg.Password = req.Password
	mqttCfg.Selector = req.Selector
	mqttCfg.UseTLS = req.UseTLS
	mqttCfg.AcceptWrites = req.AcceptWrites
	mqttCfg.Enabled = req.Enabled

	e.cfg.AddMQTT(mqttCfg)
	pub := mqtt.NewPublisher(&mqttCfg, e.cfg.Namespace)
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	e.mqttMgr.Add(pub)
	if req.Enabled {
		go pub.Start()
	}

	e.emit(EventMQTTCreated, ServiceEvent{Name: req.Name})
	return nil
}

// DeleteMQTT removes an MQTT broker from config and the running manager.
func (e *Engine) DeleteMQTT(name string) error {
	e.cfg.Lock()
	if !e.cfg.RemoveMQTT(name) {
		e.cfg.Unlock()
		return fmt.Errorf("%w: MQTT broker '%s'", ErrNotFound, name)
	}
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	e.mqttMgr.Remove(name)

	e.emit(EventMQTTDeleted, ServiceEvent{Name: name})
	return nil
}

// StartMQTT starts an MQTT publisher.
func (e *Engine) StartMQTT(name string) error {
	pub := e.mqttMgr.Get(name)
	if pub == nil {
		return fmt.Errorf("%w: MQTT publisher '%s'", ErrNotFound, name)
	}

	if err := pub.Start(); err != nil {
		return err
	}
	e.publishGatewayStatus()

	e.emit(EventMQTTStarted, ServiceEvent{Name: name})
	return nil
}

// StopMQTT stops an MQTT publisher.
func (e *Engine) StopMQTT(name string) error {
	pub := e.mqttMgr.Get(name)
	if pub == nil {
		return fmt.Errorf("%w: MQTT publisher '%s'", ErrNotFound, name)
	}
	pub.Stop()
	e.emit(EventMQTTStopped, ServiceEvent{Name: name})
	return nil
}

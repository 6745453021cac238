package engine

import (
	"fmt"

	"knxlink/config"
)

// CreateKafka creates a new Kafka cluster, saves config, and adds to the manager.
func (e *Engine) CreateKafka(req KafkaCreateRequest) error {
	if req.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if len(req.Brokers) == 0 {
		return fmt.Errorf("%w: at least one broker is required", ErrInvalidInput)
	}

	e.cfg.Lock()
	if e.cfg.FindKafka(req.Name) != nil {
		e.cfg.Unlock()
		return fmt.Errorf("%w: Kafka cluster '%s'", ErrAlreadyExists, req.Name)
	}

	kc := config.DefaultKafkaConfig(req.Name)
	kc.Brokers = req.Brokers
	kc.UseTLS = req.UseTLS
	kc.TLSSkipVerify = req.TLSSkipVerify
	kc.SASLMechanism = req.SASLMechanism
	kc.Username = req.Username
	kc.Password = req.Password
	kc.Selector = req.Selector
	if req.RequiredAcks != 0 {
		kc.RequiredAcks = req.RequiredAcks
	}
	if req.MaxRetries != 0 {
		kc.MaxRetries = req.MaxRetries
	}
	if req.RetryBackoff != 0 {
		kc.RetryBackoff = req.RetryBackoff
	}
	kc.Enabled = req.Enabled

	e.cfg.AddKafka(kc)
	e.kafkaMgr.AddCluster(&kc)
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	if req.Enabled {
		go e.ConnectKafka(req.Name)
	}

	e.emit(EventKafkaCreated, ServiceEvent{Name: req.Name})
	return nil
}

// DeleteKafka removes a Kafka cluster from config and disconnects it.
func (e *Engine) DeleteKafka(name string) error {
	e.cfg.Lock()
	if !e.cfg.RemoveKafka(name) {
		e.cfg.Unlock()
		return fmt.Errorf("%w: Kafka cluster '%s'", ErrNotFound, name)
	}
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	e.kafkaMgr.RemoveCluster(name)

	e.emit(EventKafkaDeleted, ServiceEvent{Name: name})
	return nil
}

// ConnectKafka connects a Kafka cluster.
func (e *Engine) ConnectKafka(name string) error {
	if e.kafkaMgr.GetProducer(name) == nil {
		return fmt.Errorf("%w: Kafka cluster '%s'", ErrNotFound, name)
	}
	if err := e.kafkaMgr.Connect(name); err != nil {
		return err
	}
	e.emit(EventKafkaConnected, ServiceEvent{Name: name})
	return nil
}

// DisconnectKafka disconnects a Kafka cluster.
func (e *Engine) DisconnectKafka(name string) error {
	p := e.kafkaMgr.GetProducer(name)
	if p == nil {
		return fmt.Errorf("%w: Kafka cluster '%s'", ErrNotFound, name)
	}
	p.Disconnect()
	e.emit(EventKafkaDisconnected, ServiceEvent{Name: name})
	return nil
}

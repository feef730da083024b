package emitter

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/camserver/logging"
)

const (
	defaultTopic    = "camserver"
	connectTimeout  = 5 * time.Second
	publishTimeout  = 2 * time.Second
	disconnectQuiet = 250
)

// Config locates the broker. An empty broker disables publishing.
type Config struct {
	Broker   string `json:"broker,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Topic    string `json:"topic,omitempty"`
	QoS      byte   `json:"qos,omitempty"`
}

// Enabled reports whether a broker is configured.
func (conf *Config) Enabled() bool {
	return conf.Broker != ""
}

// Validate ensures all parts of the config are valid and fills in defaults.
func (conf *Config) Validate(path string) error {
	if !conf.Enabled() {
		return nil
	}
	if conf.QoS > 2 {
		return goutils.NewConfigValidationError(path, errors.Errorf("qos must be 0, 1 or 2, got %d", conf.QoS))
	}
	if conf.Topic == "" {
		conf.Topic = defaultTopic
	}
	conf.Topic = strings.TrimSuffix(conf.Topic, "/")
	if conf.ClientID == "" {
		conf.ClientID = "camserver-" + uuid.NewString()
	}
	return nil
}

// BrokerURL adds a tcp scheme to bare host:port brokers.
func (conf *Config) BrokerURL() string {
	if strings.Contains(conf.Broker, "://") {
		return conf.Broker
	}
	return "tcp://" + conf.Broker
}

// Stats counts what an MQTTEmitter has done. Pending publishes have been handed to the client
// but not yet acknowledged.
type Stats struct {
	Connected bool
	Published uint64
	Errors    uint64
	Pending   int
}

// MQTTEmitter publishes FrameDetections as JSON to <topic>/detections. Publish never waits for
// the broker; acknowledgements are collected in the background until Close.
type MQTTEmitter struct {
	conf   Config
	client mqtt.Client
	logger logging.Logger

	mu        sync.Mutex
	connected bool
	published uint64
	errors    uint64
	pending   int

	cancelCtx               context.Context
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewMQTTEmitter returns an emitter for conf. It does not connect until Connect is called.
func NewMQTTEmitter(conf Config, logger logging.Logger) *MQTTEmitter {
	e := newMQTTEmitterWithClient(conf, nil, logger)
	opts := mqtt.NewClientOptions()
	opts.AddBroker(conf.BrokerURL())
	opts.SetClientID(conf.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		logger.Infow("mqtt connection established", "broker", conf.Broker, "client_id", conf.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		logger.Warnw("mqtt connection lost, will auto-reconnect", "broker", conf.Broker, "error", err)
	}
	e.client = mqtt.NewClient(opts)
	return e
}

func newMQTTEmitterWithClient(conf Config, client mqtt.Client, logger logging.Logger) *MQTTEmitter {
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	return &MQTTEmitter{conf: conf, client: client, logger: logger, cancelCtx: cancelCtx, cancelFunc: cancelFunc}
}

// Topic is where detections are published.
func (e *MQTTEmitter) Topic() string {
	return e.conf.Topic + "/detections"
}

// Connect establishes the broker connection.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	e.logger.Infow("connecting to mqtt broker", "broker", e.conf.Broker)
	if err := wait(ctx, e.client.Connect(), connectTimeout); err != nil {
		return errors.Wrap(err, "mqtt connection failed")
	}
	e.setConnected(true)
	return nil
}

// Publish hands fd to the client and returns without waiting for the broker. A publish the
// client rejects straight away is reported here; later failures are only counted.
func (e *MQTTEmitter) Publish(ctx context.Context, fd FrameDetections) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.isConnected() {
		e.countError()
		return errors.New("mqtt not connected")
	}
	payload, err := json.Marshal(toJSON(fd))
	if err != nil {
		e.countError()
		return errors.Wrap(err, "failed to marshal detections")
	}
	tok := e.client.Publish(e.Topic(), e.conf.QoS, false, payload)
	select {
	case <-tok.Done():
		return e.settle(tok.Error(), len(payload))
	default:
	}

	e.mu.Lock()
	e.pending++
	e.mu.Unlock()
	e.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer e.activeBackgroundWorkers.Done()
		err := wait(e.cancelCtx, tok, publishTimeout)
		e.mu.Lock()
		e.pending--
		e.mu.Unlock()
		if err := e.settle(err, len(payload)); err != nil {
			e.logger.Debugw("detections not acknowledged", "topic", e.Topic(), "error", err)
		}
	})
	return nil
}

func (e *MQTTEmitter) settle(err error, size int) error {
	if err != nil {
		e.countError()
		return errors.Wrap(err, "publish failed")
	}
	e.mu.Lock()
	e.published++
	e.mu.Unlock()
	e.logger.Debugw("detections published", "topic", e.Topic(), "qos", e.conf.QoS, "size", size)
	return nil
}

// Close gives up on unacknowledged publishes and disconnects from the broker.
func (e *MQTTEmitter) Close(ctx context.Context) error {
	e.cancelFunc()
	e.activeBackgroundWorkers.Wait()
	if e.client.IsConnected() {
		e.client.Disconnect(disconnectQuiet)
		e.logger.Info("mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats returns a snapshot of the emitter counters.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{Connected: e.connected, Published: e.published, Errors: e.errors, Pending: e.pending}
}

func (e *MQTTEmitter) setConnected(connected bool) {
	e.mu.Lock()
	e.connected = connected
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// wait blocks until tok completes, ctx is done or timeout passes. A token that has already
// completed wins over a finished ctx.
func wait(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		select {
		case <-tok.Done():
			return tok.Error()
		default:
		}
		return ctx.Err()
	case <-timer.C:
		return errors.Errorf("timed out after %v", timeout)
	}
}

// Package mqtt publishes decoded step samples to an MQTT broker as JSON
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/srg/stepble/internal/channel"
	"github.com/srg/stepble/internal/device"
	"github.com/srg/stepble/internal/groutine"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultQoS            = 1
	DefaultPublishTimeout = 10 * time.Second
)

// Options configures a Publisher
type Options struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string

	QoS      byte
	Retained bool

	// PublishTimeout bounds the wait for a broker acknowledgement
	PublishTimeout time.Duration
}

// Message is the JSON document published for every sample
type Message struct {
	Steps      uint64    `json:"steps"`
	ReceivedAt time.Time `json:"received_at"`
	Seq        uint64    `json:"seq"`
	Peripheral string    `json:"peripheral,omitempty"`
	Address    string    `json:"address,omitempty"`
}

// Sink is the broker connection a Publisher writes to. Publish must not
// block on the broker.
type Sink interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Close()
}

// Dial connects to the broker named in opts. Tests replace it.
var Dial = func(opts Options, logger *logrus.Logger) (Sink, error) {
	sink, err := dialPaho(opts, logger)
	if err != nil {
		return nil, err
	}
	return sink, nil
}

// Publisher turns step samples into MQTT messages
type Publisher struct {
	sink   Sink
	opts   Options
	logger *logrus.Logger
}

// NewPublisher validates opts and connects to the broker
func NewPublisher(opts Options, logger *logrus.Logger) (*Publisher, error) {
	if logger == nil {
		logger = logrus.New()
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	sink, err := Dial(opts, logger)
	if err != nil {
		return nil, fmt.Errorf("mqtt: connecting to %s: %w", opts.Broker, err)
	}
	logger.WithFields(logrus.Fields{
		"broker": opts.Broker,
		"topic":  opts.Topic,
	}).Info("MQTT publisher ready")
	return &Publisher{sink: sink, opts: opts, logger: logger}, nil
}

func (o Options) withDefaults() (Options, error) {
	if strings.TrimSpace(o.Broker) == "" {
		return o, fmt.Errorf("mqtt: broker URL is required")
	}
	if strings.TrimSpace(o.Topic) == "" {
		return o, fmt.Errorf("mqtt: topic is required")
	}
	if o.QoS == 0 {
		o.QoS = DefaultQoS
	}
	if o.QoS > 2 {
		return o, fmt.Errorf("mqtt: qos must be 0, 1 or 2, got %d", o.QoS)
	}
	if o.ClientID == "" {
		o.ClientID = "stepble"
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = DefaultPublishTimeout
	}
	return o, nil
}

// Encode renders a sample as the published JSON document
func Encode(sample channel.StepSample, peripheral device.PeripheralIdentity) ([]byte, error) {
	return json.Marshal(Message{
		Steps:      sample.Steps,
		ReceivedAt: sample.ReceivedAt.UTC(),
		Seq:        sample.Seq,
		Peripheral: peripheral.Name,
		Address:    peripheral.ID(),
	})
}

// Publish sends one sample. It does not wait for the broker.
func (p *Publisher) Publish(sample channel.StepSample, peripheral device.PeripheralIdentity) error {
	payload, err := Encode(sample, peripheral)
	if err != nil {
		return fmt.Errorf("mqtt: encoding sample: %w", err)
	}
	if err := p.sink.Publish(p.opts.Topic, p.opts.QoS, p.opts.Retained, payload); err != nil {
		return fmt.Errorf("mqtt: publishing to %s: %w", p.opts.Topic, err)
	}
	p.logger.WithFields(logrus.Fields{
		"topic": p.opts.Topic,
		"steps": sample.Steps,
		"seq":   sample.Seq,
	}).Debug("Published step sample")
	return nil
}

// Close disconnects from the broker
func (p *Publisher) Close() {
	p.sink.Close()
}

// pahoSink adapts a paho client to Sink
type pahoSink struct {
	client  paho.Client
	timeout time.Duration
	logger  *logrus.Logger
}

func dialPaho(opts Options, logger *logrus.Logger) (*pahoSink, error) {
	paho.ERROR = pahoLogger{logger.WithField("component", "paho"), logrus.DebugLevel}
	paho.CRITICAL = pahoLogger{logger.WithField("component", "paho"), logrus.ErrorLevel}
	paho.WARN = pahoLogger{logger.WithField("component", "paho"), logrus.DebugLevel}

	clientOpts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetKeepAlive(5 * time.Second).
		SetOrderMatters(true)
	if opts.Username != "" {
		clientOpts = clientOpts.SetUsername(opts.Username).SetPassword(opts.Password)
	}

	client := paho.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(opts.PublishTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("timed out after %s", opts.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return &pahoSink{client: client, timeout: opts.PublishTimeout, logger: logger}, nil
}

func (s *pahoSink) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !s.client.IsConnectionOpen() {
		return fmt.Errorf("not connected")
	}
	token := s.client.Publish(topic, qos, retained, payload)
	groutine.GoSafe(context.Background(), s.logger, "mqtt-publish", func(context.Context) {
		if token.WaitTimeout(s.timeout) && token.Error() != nil {
			s.logger.WithFields(logrus.Fields{
				"topic": topic,
				"error": token.Error(),
			}).Error("MQTT publish failed")
		}
	})
	return nil
}

func (s *pahoSink) Close() {
	s.client.Disconnect(uint(time.Second / time.Millisecond))
}

// pahoLogger routes paho's internal logging into logrus at a fixed level
type pahoLogger struct {
	entry *logrus.Entry
	level logrus.Level
}

func (l pahoLogger) Println(v ...interface{}) {
	l.entry.Logln(l.level, v...)
}

func (l pahoLogger) Printf(format string, v ...interface{}) {
	l.entry.Logf(l.level, format, v...)
}

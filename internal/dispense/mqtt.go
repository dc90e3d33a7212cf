package dispense

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MQTTConfig configures the hardware bus connection.
type MQTTConfig struct {
	// BrokerURL, e.g. "ssl://broker.example.com:8883" or "tcp://localhost:1883".
	BrokerURL string
	Username  string
	Password  string
	// ClientID defaults to "orchestrator-" plus a random suffix.
	ClientID string
	// ConnectTimeout bounds the initial connect. Defaults to 30s.
	ConnectTimeout time.Duration
	// PublishTimeout bounds each publish ack wait. Defaults to 10s.
	PublishTimeout time.Duration
}

// MQTTBus is the long-lived hardware bus connection. One instance per
// process: commands fan out to per-machine topics, and a single wildcard
// subscription multiplexes results from all machines. The paho client
// reconnects on its own; the result subscription is re-established from the
// OnConnect hook so a broker restart does not silently drop it.
type MQTTBus struct {
	cfg     MQTTConfig
	lg      *zap.Logger
	client  mqtt.Client
	handler ResultHandler
}

var _ Bus = (*MQTTBus)(nil)

// NewMQTTBus creates the bus. The result handler must be set before Start;
// it runs on paho's router goroutine and must not block.
func NewMQTTBus(cfg MQTTConfig, lg *zap.Logger, handler ResultHandler) *MQTTBus {
	if cfg.ClientID == "" {
		cfg.ClientID = "orchestrator-" + uuid.NewString()[:8]
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = 10 * time.Second
	}

	b := &MQTTBus{cfg: cfg, lg: lg, handler: handler}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetKeepAlive(60 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Second).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			lg.Warn("Hardware bus connection lost", zap.Error(err))
		})

	b.client = mqtt.NewClient(opts)
	return b
}

// Start connects and blocks until ctx is cancelled, then disconnects.
func (b *MQTTBus) Start(ctx context.Context) error {
	tok := b.client.Connect()
	if !tok.WaitTimeout(b.cfg.ConnectTimeout) {
		return errors.New("mqtt connect timeout")
	}
	if err := tok.Error(); err != nil {
		return errors.Wrap(err, "mqtt connect")
	}
	b.lg.Info("Hardware bus connected", zap.String("broker", b.cfg.BrokerURL))

	<-ctx.Done()
	b.client.Disconnect(250)
	b.lg.Info("Hardware bus disconnected")
	return nil
}

// Connected reports whether the broker connection is currently up. Used by
// the readiness probe.
func (b *MQTTBus) Connected() bool {
	return b.client.IsConnectionOpen()
}

// onConnect (re)subscribes to the shared result topic. Runs on first connect
// and after every reconnect.
func (b *MQTTBus) onConnect(c mqtt.Client) {
	tok := c.Subscribe(ResultTopicFilter, 1, b.onResult)
	go func() {
		tok.Wait()
		if err := tok.Error(); err != nil {
			b.lg.Error("Result topic subscribe failed", zap.Error(err))
			return
		}
		b.lg.Info("Subscribed to dispense results", zap.String("topic", ResultTopicFilter))
	}()
}

// onResult parses one result message and hands it to the orchestrator.
// Unparseable payloads are dropped: the wildcard topic is shared with
// machines this process does not own.
func (b *MQTTBus) onResult(_ mqtt.Client, msg mqtt.Message) {
	res, err := DecodeResult(msg.Payload())
	if err != nil {
		b.lg.Debug("Dropping malformed dispense result",
			zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	b.handler(context.Background(), res)
}

// PublishCommand sends one dispense command at QoS 1 and waits for the
// broker ack.
func (b *MQTTBus) PublishCommand(ctx context.Context, machineID string, cmd Command) error {
	return b.publish(ctx, CommandTopic(machineID), EncodeCommand(cmd))
}

// PublishResult injects a synthetic result on a machine's result topic.
// Debug/simulation only.
func (b *MQTTBus) PublishResult(ctx context.Context, machineID string, res Result) error {
	return b.publish(ctx, ResultTopic(machineID), EncodeResult(res))
}

func (b *MQTTBus) publish(ctx context.Context, topic string, payload []byte) error {
	tok := b.client.Publish(topic, 1, false, payload)
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return errors.Wrapf(err, "publish %s", topic)
		}
		return nil
	case <-time.After(b.cfg.PublishTimeout):
		return errors.Errorf("publish %s: ack timeout", topic)
	case <-ctx.Done():
		return ctx.Err()
	}
}

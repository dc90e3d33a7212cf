// Command machine-sim emulates a vending machine's firmware on the hardware
// bus: it subscribes to its dispense command topic, waits a configurable
// motor delay, and publishes a result. Useful for bench testing the
// orchestrator without a physical machine.
package main

import (
	"context"
	"flag"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/hoescodes/vendo/internal/dispense"
)

func main() {
	var (
		brokerURL  string
		machineID  string
		motorDelay time.Duration
		failRate   float64
	)

	flag.StringVar(&brokerURL, "broker", "tcp://localhost:1883", "MQTT broker URL")
	flag.StringVar(&machineID, "machine-id", "VM01", "machine identity to emulate")
	flag.DurationVar(&motorDelay, "motor-delay", 2*time.Second, "simulated dispense duration")
	flag.Float64Var(&failRate, "fail-rate", 0, "fraction of dispenses that fail (0..1)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, brokerURL, machineID, motorDelay, failRate); err != nil {
		slog.Error("simulator failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, brokerURL, machineID string, motorDelay time.Duration, failRate float64) error {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID("machine-sim-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	client := mqtt.NewClient(opts)
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		return errors.Wrap(tok.Error(), "connect")
	}
	defer client.Disconnect(250)

	topic := dispense.CommandTopic(machineID)
	slog.Info("simulator online",
		slog.String("machine_id", machineID),
		slog.String("topic", topic),
		slog.Duration("motor_delay", motorDelay))

	tok := client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		cmd, err := dispense.DecodeCommand(msg.Payload())
		if err != nil {
			slog.Warn("dropping malformed command", slog.String("error", err.Error()))
			return
		}
		go dispenseOnce(client, machineID, cmd, motorDelay, failRate)
	})
	if tok.Wait() && tok.Error() != nil {
		return errors.Wrap(tok.Error(), "subscribe")
	}

	<-ctx.Done()
	return nil
}

func dispenseOnce(client mqtt.Client, machineID string, cmd dispense.Command, motorDelay time.Duration, failRate float64) {
	slog.Info("dispensing",
		slog.String("order_id", cmd.OrderID),
		slog.Int("slot", cmd.Slot),
		slog.Int("quantity", cmd.Quantity))

	time.Sleep(motorDelay)

	res := dispense.Result{
		OrderID:   cmd.OrderID,
		Success:   rand.Float64() >= failRate,
		Timestamp: time.Now(),
	}
	tok := client.Publish(dispense.ResultTopic(machineID), 1, false, dispense.EncodeResult(res))
	if tok.Wait() && tok.Error() != nil {
		slog.Error("result publish failed",
			slog.String("order_id", cmd.OrderID),
			slog.String("error", tok.Error().Error()))
		return
	}

	slog.Info("result published",
		slog.String("order_id", cmd.OrderID),
		slog.Bool("success", res.Success))
}

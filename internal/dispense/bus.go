// Package dispense is the one-way hardware channel: dispense commands go out
// on a per-machine topic, dispense results come back on a shared wildcard
// topic. The bus connection is owned by the process, not by any request.
package dispense

import (
	"context"
	"strings"
	"time"
)

// Topic layout shared with the machine firmware.
const (
	// ResultTopicFilter matches result messages from every machine; the
	// orchestrator demultiplexes by the orderId in the payload.
	ResultTopicFilter = "vm/+/dispense_result"
)

// CommandTopic returns the command topic for one machine.
func CommandTopic(machineID string) string {
	return "vm/" + machineID + "/dispense"
}

// ResultTopic returns the result topic for one machine. Used by the debug
// simulator; real results are published by the firmware.
func ResultTopic(machineID string) string {
	return "vm/" + machineID + "/dispense_result"
}

// MachineFromTopic extracts the machine id from a vm/{id}/... topic,
// returning "" when the topic does not match.
func MachineFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "vm" {
		return ""
	}
	return parts[1]
}

// CommandItem is one slot/quantity pair of a dispense command.
type CommandItem struct {
	Slot     int
	Quantity int
}

// Command instructs a machine to release goods for one order. Sent at most
// once per order. Slot and Quantity mirror the first item for single-slot
// firmware; Items carries the full list for multi-slot orders.
type Command struct {
	OrderID  string
	Slot     int
	Quantity int
	Items    []CommandItem
}

// Result is the machine's asynchronous answer. The first result observed for
// an order is authoritative.
type Result struct {
	OrderID   string
	Success   bool
	Timestamp time.Time
}

// ResultHandler consumes results from the shared subscription.
type ResultHandler func(ctx context.Context, res Result)

// Bus abstracts the hardware pub/sub channel for the orchestrator.
type Bus interface {
	// PublishCommand sends a dispense command to the machine's topic.
	PublishCommand(ctx context.Context, machineID string, cmd Command) error
}

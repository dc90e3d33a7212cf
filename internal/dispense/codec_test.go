package dispense

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandTopic(t *testing.T) {
	assert.Equal(t, "vm/VM01/dispense", CommandTopic("VM01"))
	assert.Equal(t, "vm/VM01/dispense_result", ResultTopic("VM01"))
}

func TestMachineFromTopic(t *testing.T) {
	assert.Equal(t, "VM01", MachineFromTopic("vm/VM01/dispense_result"))
	assert.Equal(t, "", MachineFromTopic("other/VM01/dispense_result"))
	assert.Equal(t, "", MachineFromTopic("vm/VM01"))
}

func TestCommandCodec(t *testing.T) {
	cmd := Command{
		OrderID:  "ORDER-1",
		Slot:     4,
		Quantity: 2,
		Items: []CommandItem{
			{Slot: 4, Quantity: 2},
			{Slot: 7, Quantity: 1},
		},
	}

	got, err := DecodeCommand(EncodeCommand(cmd))
	require.NoError(t, err)
	assert.Equal(t, cmd, got)
}

func TestDecodeCommand_MissingOrderID(t *testing.T) {
	_, err := DecodeCommand([]byte(`{"slot":1,"quantity":1}`))
	require.Error(t, err)
}

func TestResultCodec(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	res := Result{OrderID: "ORDER-1", Success: true, Timestamp: ts}

	got, err := DecodeResult(EncodeResult(res))
	require.NoError(t, err)
	assert.Equal(t, res, got)
}

func TestDecodeResult_UnknownFieldsIgnored(t *testing.T) {
	got, err := DecodeResult([]byte(`{"orderId":"ORDER-9","success":false,"machine":"VM02","rssi":-70}`))
	require.NoError(t, err)
	assert.Equal(t, "ORDER-9", got.OrderID)
	assert.False(t, got.Success)
}

func TestDecodeResult_Malformed(t *testing.T) {
	_, err := DecodeResult([]byte(`not json`))
	require.Error(t, err)

	_, err = DecodeResult([]byte(`{"success":true}`))
	require.Error(t, err)
}

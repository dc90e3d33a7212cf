package dispense

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// EncodeCommand marshals a command into the firmware wire format:
// {"orderId": ..., "slot": ..., "quantity": ..., "items": [...]}.
func EncodeCommand(cmd Command) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("orderId")
	e.Str(cmd.OrderID)
	e.FieldStart("slot")
	e.Int(cmd.Slot)
	e.FieldStart("quantity")
	e.Int(cmd.Quantity)
	if len(cmd.Items) > 0 {
		e.FieldStart("items")
		e.ArrStart()
		for _, it := range cmd.Items {
			e.ObjStart()
			e.FieldStart("slot")
			e.Int(it.Slot)
			e.FieldStart("quantity")
			e.Int(it.Quantity)
			e.ObjEnd()
		}
		e.ArrEnd()
	}
	e.ObjEnd()
	return e.Bytes()
}

// DecodeCommand parses the command wire format. Used in tests and by the
// machine simulator.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	d := jx.DecodeBytes(data)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "orderId":
			v, err := d.Str()
			cmd.OrderID = v
			return err
		case "slot":
			v, err := d.Int()
			cmd.Slot = v
			return err
		case "quantity":
			v, err := d.Int()
			cmd.Quantity = v
			return err
		case "items":
			return d.Arr(func(d *jx.Decoder) error {
				var it CommandItem
				if err := d.Obj(func(d *jx.Decoder, key string) error {
					switch key {
					case "slot":
						v, err := d.Int()
						it.Slot = v
						return err
					case "quantity":
						v, err := d.Int()
						it.Quantity = v
						return err
					default:
						return d.Skip()
					}
				}); err != nil {
					return err
				}
				cmd.Items = append(cmd.Items, it)
				return nil
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return Command{}, errors.Wrap(err, "decode command")
	}
	if cmd.OrderID == "" {
		return Command{}, errors.New("decode command: missing orderId")
	}
	return cmd, nil
}

// EncodeResult marshals a result message. Used by the debug simulator; the
// firmware produces the same shape.
func EncodeResult(res Result) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("orderId")
	e.Str(res.OrderID)
	e.FieldStart("success")
	e.Bool(res.Success)
	if !res.Timestamp.IsZero() {
		e.FieldStart("timestamp")
		e.Str(res.Timestamp.UTC().Format(time.RFC3339))
	}
	e.ObjEnd()
	return e.Bytes()
}

// DecodeResult parses a result message. Malformed payloads from foreign
// machines are expected on the shared topic; callers drop them.
func DecodeResult(data []byte) (Result, error) {
	var res Result
	d := jx.DecodeBytes(data)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "orderId":
			v, err := d.Str()
			res.OrderID = v
			return err
		case "success":
			v, err := d.Bool()
			res.Success = v
			return err
		case "timestamp":
			v, err := d.Str()
			if err != nil {
				return err
			}
			if ts, perr := time.Parse(time.RFC3339, v); perr == nil {
				res.Timestamp = ts
			}
			return nil
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "decode result")
	}
	if res.OrderID == "" {
		return Result{}, errors.New("decode result: missing orderId")
	}
	return res, nil
}

package modbus

import (
	"context"
	"fmt"

	"github.com/KevinKickass/PendantCore/internal/safety"
	"go.uber.org/zap"
)

// InterlockInput maps one interlock onto discrete inputs of the safety I/O
// module. A set closed bit means the barrier is closed; a set fault bit
// means the sensor reports a fault.
type InterlockInput struct {
	Name        string
	ClosedInput uint16
	FaultInput  *uint16
}

// InterlockSource reads all interlock contacts with a single FC 0x02
// request covering the lowest to the highest configured input.
type InterlockSource struct {
	client   *Client
	unitID   uint8
	inputs   []InterlockInput
	start    uint16
	quantity uint16
	logger   *zap.Logger
}

var _ safety.Source = (*InterlockSource)(nil)

func NewInterlockSource(client *Client, unitID uint8, inputs []InterlockInput, logger *zap.Logger) (*InterlockSource, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no interlock inputs configured")
	}

	lo, hi := inputs[0].ClosedInput, inputs[0].ClosedInput
	seen := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		if seen[in.Name] {
			return nil, fmt.Errorf("duplicate interlock input: %s", in.Name)
		}
		seen[in.Name] = true

		addrs := []uint16{in.ClosedInput}
		if in.FaultInput != nil {
			addrs = append(addrs, *in.FaultInput)
		}
		for _, a := range addrs {
			if a < lo {
				lo = a
			}
			if a > hi {
				hi = a
			}
		}
	}

	quantity := int(hi) - int(lo) + 1
	if quantity > MaxDiscreteInputs {
		return nil, fmt.Errorf("interlock inputs span %d addresses, max %d", quantity, MaxDiscreteInputs)
	}

	return &InterlockSource{
		client:   client,
		unitID:   unitID,
		inputs:   inputs,
		start:    lo,
		quantity: uint16(quantity),
		logger:   logger,
	}, nil
}

func (s *InterlockSource) Devices() []string {
	names := make([]string, 0, len(s.inputs))
	for _, in := range s.inputs {
		names = append(names, in.Name)
	}
	return names
}

func (s *InterlockSource) ReadInterlocks(ctx context.Context) (map[string]safety.InterlockStatus, error) {
	bits, err := s.client.ReadDiscreteInputs(ctx, s.unitID, s.start, s.quantity)
	if err != nil {
		return nil, fmt.Errorf("read discrete inputs %d..%d: %w", s.start, s.start+s.quantity-1, err)
	}

	out := make(map[string]safety.InterlockStatus, len(s.inputs))
	for _, in := range s.inputs {
		status := safety.InterlockOpen
		if bits[in.ClosedInput-s.start] {
			status = safety.InterlockClosed
		}
		if in.FaultInput != nil && bits[*in.FaultInput-s.start] {
			status = safety.InterlockSensorError
		}
		out[in.Name] = status
	}

	s.logger.Debug("Interlock inputs read",
		zap.Uint16("start", s.start),
		zap.Uint16("quantity", s.quantity))

	return out, nil
}

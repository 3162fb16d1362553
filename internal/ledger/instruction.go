package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/yourorg/gravity-oracle/internal/types"
)

// Discriminator is the leading instruction byte
type Discriminator uint8

const (
	OpInitialize Discriminator = iota
	OpMonitorYields
	OpExecuteSwap
	OpRebalance
	OpPublishStrategy
	OpEmergencyWithdraw
)

func (d Discriminator) String() string {
	switch d {
	case OpInitialize:
		return "initialize"
	case OpMonitorYields:
		return "monitor_yields"
	case OpExecuteSwap:
		return "execute_swap"
	case OpRebalance:
		return "rebalance"
	case OpPublishStrategy:
		return "publish_strategy"
	case OpEmergencyWithdraw:
		return "emergency_withdraw"
	default:
		return fmt.Sprintf("op(%d)", uint8(d))
	}
}

// Swap routes accepted by ExecuteSwap
const (
	RouteDirect     uint8 = 0
	RouteAggregator uint8 = 1
)

// AllocationSlots is the number of venues a Rebalance instruction carries targets for.
// Slot i holds the target for venue id i.
const AllocationSlots = 4

// Instruction is anything that can be submitted to the ledger
type Instruction interface {
	Op() Discriminator
	// Encode returns the instruction data including the discriminator byte
	Encode() []byte
}

// Initialize claims the account for the signing authority
type Initialize struct{}

func (Initialize) Op() Discriminator { return OpInitialize }

func (Initialize) Encode() []byte { return []byte{byte(OpInitialize)} }

// MonitorYields records an observed yield; the account only moves to a higher APY
type MonitorYields struct {
	Venue     types.VenueID
	APYBps    uint16
	RiskScore uint8
}

func (MonitorYields) Op() Discriminator { return OpMonitorYields }

func (m MonitorYields) Encode() []byte {
	b := make([]byte, 5)
	b[0] = byte(OpMonitorYields)
	b[1] = uint8(m.Venue)
	binary.LittleEndian.PutUint16(b[2:4], m.APYBps)
	b[4] = m.RiskScore
	return b
}

// ExecuteSwap asks the ledger to settle a swap with slippage protection
type ExecuteSwap struct {
	AmountIn     uint64
	MinAmountOut uint64
	Route        uint8
}

func (ExecuteSwap) Op() Discriminator { return OpExecuteSwap }

func (s ExecuteSwap) Encode() []byte {
	b := make([]byte, 18)
	b[0] = byte(OpExecuteSwap)
	binary.LittleEndian.PutUint64(b[1:9], s.AmountIn)
	binary.LittleEndian.PutUint64(b[9:17], s.MinAmountOut)
	b[17] = s.Route
	return b
}

// Rebalance reports a new allocation. TargetBps must sum to 10000, or to zero when
// everything sits in the settlement asset. TotalValue and PnLDelta trail the
// base layout and are zero when a shorter payload is decoded.
type Rebalance struct {
	TargetBps      [AllocationSlots]uint16
	MaxSlippageBps uint16
	TotalValue     uint64
	PnLDelta       int64
}

func (Rebalance) Op() Discriminator { return OpRebalance }

func (r Rebalance) Encode() []byte {
	b := make([]byte, 1+rebalanceBaseLen+16)
	b[0] = byte(OpRebalance)
	for i, bps := range r.TargetBps {
		binary.LittleEndian.PutUint16(b[1+2*i:3+2*i], bps)
	}
	binary.LittleEndian.PutUint16(b[9:11], r.MaxSlippageBps)
	binary.LittleEndian.PutUint64(b[11:19], r.TotalValue)
	binary.LittleEndian.PutUint64(b[19:27], uint64(r.PnLDelta))
	return b
}

const rebalanceBaseLen = 2*AllocationSlots + 2

// PublishStrategy overwrites the recorded best venue
type PublishStrategy struct {
	Venue          types.VenueID
	ExpectedAPYBps uint16
	RiskScore      uint8
	Timestamp      int64
}

func (PublishStrategy) Op() Discriminator { return OpPublishStrategy }

func (p PublishStrategy) Encode() []byte {
	b := make([]byte, 13)
	b[0] = byte(OpPublishStrategy)
	b[1] = uint8(p.Venue)
	binary.LittleEndian.PutUint16(b[2:4], p.ExpectedAPYBps)
	b[4] = p.RiskScore
	binary.LittleEndian.PutUint64(b[5:13], uint64(p.Timestamp))
	return b
}

// EmergencyWithdraw marks every position as withdrawn and blocks further swaps
type EmergencyWithdraw struct{}

func (EmergencyWithdraw) Op() Discriminator { return OpEmergencyWithdraw }

func (EmergencyWithdraw) Encode() []byte { return []byte{byte(OpEmergencyWithdraw)} }

// DecodeInstruction parses instruction data produced by Encode
func DecodeInstruction(data []byte) (Instruction, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidInstruction)
	}
	op, body := Discriminator(data[0]), data[1:]

	short := func(want int) error {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrInvalidInstruction, op, want, len(body))
	}

	switch op {
	case OpInitialize:
		return Initialize{}, nil

	case OpMonitorYields:
		if len(body) < 4 {
			return nil, short(4)
		}
		return MonitorYields{
			Venue:     types.VenueID(body[0]),
			APYBps:    binary.LittleEndian.Uint16(body[1:3]),
			RiskScore: body[3],
		}, nil

	case OpExecuteSwap:
		if len(body) < 17 {
			return nil, short(17)
		}
		return ExecuteSwap{
			AmountIn:     binary.LittleEndian.Uint64(body[0:8]),
			MinAmountOut: binary.LittleEndian.Uint64(body[8:16]),
			Route:        body[16],
		}, nil

	case OpRebalance:
		if len(body) < rebalanceBaseLen {
			return nil, short(rebalanceBaseLen)
		}
		var r Rebalance
		sum := 0
		for i := range r.TargetBps {
			r.TargetBps[i] = binary.LittleEndian.Uint16(body[2*i : 2*i+2])
			sum += int(r.TargetBps[i])
		}
		if sum != 10000 && sum != 0 {
			return nil, fmt.Errorf("%w: allocations sum to %d bps", ErrInvalidInstruction, sum)
		}
		r.MaxSlippageBps = binary.LittleEndian.Uint16(body[8:10])
		if len(body) >= rebalanceBaseLen+16 {
			r.TotalValue = binary.LittleEndian.Uint64(body[10:18])
			r.PnLDelta = int64(binary.LittleEndian.Uint64(body[18:26]))
		}
		return r, nil

	case OpPublishStrategy:
		if len(body) < 12 {
			return nil, short(12)
		}
		return PublishStrategy{
			Venue:          types.VenueID(body[0]),
			ExpectedAPYBps: binary.LittleEndian.Uint16(body[1:3]),
			RiskScore:      body[3],
			Timestamp:      int64(binary.LittleEndian.Uint64(body[4:12])),
		}, nil

	case OpEmergencyWithdraw:
		return EmergencyWithdraw{}, nil

	default:
		return nil, fmt.Errorf("%w: unknown discriminator %d", ErrInvalidInstruction, uint8(op))
	}
}

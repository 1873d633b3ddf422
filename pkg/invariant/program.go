// Package invariant implements the safety-rule bytecode VM that gates every
// actuation value an agent produces. Programs are compiled ahead of time from
// declarative bound/rate/quality rules; the opcode set is closed and has no
// branches, so execution time is bounded by program length alone.
package invariant

import (
	"errors"
	"fmt"
)

// Opcode values are part of the manifest wire format and must not be
// renumbered.
type Opcode uint8

const (
	// OpLoadChannel pushes the value of channel Ch.
	OpLoadChannel Opcode = 1
	// OpLoadConst pushes the constant A.
	OpLoadConst Opcode = 2
	// OpCmpLT pops x and trips Rule unless x < A.
	OpCmpLT Opcode = 3
	// OpCmpGT pops x and trips Rule unless x > A.
	OpCmpGT Opcode = 4
	// OpCmpInRange pops x and trips Rule unless A <= x <= B. Both bounds
	// are inclusive.
	OpCmpInRange Opcode = 5
	// OpCheckRate trips Rule when |channel - previous| / dt exceeds A. The
	// VM retains the previous cycle's value per monitored channel; the
	// first observation of a channel always passes.
	OpCheckRate Opcode = 6
	// OpFailClosed trips Rule unconditionally.
	OpFailClosed Opcode = 7
	// OpReturn ends the program. Only legal as the final instruction.
	OpReturn Opcode = 8
)

func (op Opcode) String() string {
	switch op {
	case OpLoadChannel:
		return "load-channel"
	case OpLoadConst:
		return "load-const"
	case OpCmpLT:
		return "cmp-lt"
	case OpCmpGT:
		return "cmp-gt"
	case OpCmpInRange:
		return "cmp-in-range"
	case OpCheckRate:
		return "check-rate"
	case OpFailClosed:
		return "fail-closed"
	case OpReturn:
		return "return"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

const (
	// MaxProgramLen bounds program length; with no backward branches this
	// also bounds worst-case evaluation latency deterministically.
	MaxProgramLen = 64
	// MaxStackDepth is the fixed operand stack size.
	MaxStackDepth = 8
	// MaxChannels bounds the input binding vector (and the rate memory).
	MaxChannels = 16

	// ChannelCandidate is the reserved channel index carrying the candidate
	// actuation value. Sensor channels start at 1.
	ChannelCandidate = 0
)

// Instr is a fixed-width instruction. Operand use depends on the opcode.
type Instr struct {
	Op   Opcode  `cbor:"1,keyasint"`
	Ch   uint8   `cbor:"2,keyasint,omitempty"`
	Rule uint8   `cbor:"3,keyasint,omitempty"`
	A    float64 `cbor:"4,keyasint,omitempty"`
	B    float64 `cbor:"5,keyasint,omitempty"`
}

// Program is a validated invariant program plus the value the actuation is
// clamped to when any rule trips.
type Program struct {
	Instrs   []Instr `cbor:"1,keyasint"`
	FailSafe float64 `cbor:"2,keyasint"`
}

var (
	ErrProgramTooLong  = errors.New("invariant program exceeds VM capacity")
	ErrUnknownOpcode   = errors.New("unrecognized opcode")
	ErrStackViolation  = errors.New("program violates stack discipline")
	ErrBadChannel      = errors.New("channel index out of range")
	ErrMissingReturn   = errors.New("program must end with return")
	ErrEmptyProgram    = errors.New("empty invariant program")
	ErrUnreachableCode = errors.New("instructions after return are unreachable")
)

// Validate checks a program is well-formed: bounded length, every opcode
// recognized, channel operands in range, and stack effects provable at load
// time. There are no branch opcodes, so the no-backward-branch property holds
// by construction; return may only terminate the program.
func Validate(p *Program) error {
	if len(p.Instrs) == 0 {
		return ErrEmptyProgram
	}
	if len(p.Instrs) > MaxProgramLen {
		return fmt.Errorf("%w: %d > %d", ErrProgramTooLong, len(p.Instrs), MaxProgramLen)
	}
	depth := 0
	for i, in := range p.Instrs {
		switch in.Op {
		case OpLoadChannel:
			if in.Ch >= MaxChannels {
				return fmt.Errorf("%w: instr %d channel %d", ErrBadChannel, i, in.Ch)
			}
			depth++
		case OpLoadConst:
			depth++
		case OpCmpLT, OpCmpGT, OpCmpInRange:
			if depth < 1 {
				return fmt.Errorf("%w: instr %d pops empty stack", ErrStackViolation, i)
			}
			depth--
		case OpCheckRate:
			if in.Ch >= MaxChannels {
				return fmt.Errorf("%w: instr %d channel %d", ErrBadChannel, i, in.Ch)
			}
		case OpFailClosed:
			// No stack effect.
		case OpReturn:
			if i != len(p.Instrs)-1 {
				return fmt.Errorf("%w: return at instr %d of %d", ErrUnreachableCode, i, len(p.Instrs))
			}
		default:
			return fmt.Errorf("%w: instr %d op %d", ErrUnknownOpcode, i, uint8(in.Op))
		}
		if depth > MaxStackDepth {
			return fmt.Errorf("%w: instr %d depth %d > %d", ErrStackViolation, i, depth, MaxStackDepth)
		}
	}
	if p.Instrs[len(p.Instrs)-1].Op != OpReturn {
		return ErrMissingReturn
	}
	return nil
}

package invariant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		instrs  []Instr
		wantErr error
	}{
		{
			name: "minimal valid program",
			instrs: []Instr{
				{Op: OpLoadChannel, Ch: 0},
				{Op: OpCmpInRange, A: 0, B: 1},
				{Op: OpReturn},
			},
		},
		{
			name:    "empty program",
			instrs:  nil,
			wantErr: ErrEmptyProgram,
		},
		{
			name: "unknown opcode",
			instrs: []Instr{
				{Op: Opcode(99)},
				{Op: OpReturn},
			},
			wantErr: ErrUnknownOpcode,
		},
		{
			name: "compare pops empty stack",
			instrs: []Instr{
				{Op: OpCmpLT, A: 1},
				{Op: OpReturn},
			},
			wantErr: ErrStackViolation,
		},
		{
			name: "channel out of range",
			instrs: []Instr{
				{Op: OpLoadChannel, Ch: MaxChannels},
				{Op: OpReturn},
			},
			wantErr: ErrBadChannel,
		},
		{
			name: "rate channel out of range",
			instrs: []Instr{
				{Op: OpCheckRate, Ch: MaxChannels, A: 1},
				{Op: OpReturn},
			},
			wantErr: ErrBadChannel,
		},
		{
			name: "missing return",
			instrs: []Instr{
				{Op: OpLoadChannel},
				{Op: OpCmpGT, A: 0},
			},
			wantErr: ErrMissingReturn,
		},
		{
			name: "return mid-program",
			instrs: []Instr{
				{Op: OpReturn},
				{Op: OpFailClosed},
			},
			wantErr: ErrUnreachableCode,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&Program{Instrs: tt.instrs})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateLengthBound(t *testing.T) {
	instrs := make([]Instr, 0, MaxProgramLen+1)
	for i := 0; i < MaxProgramLen; i++ {
		instrs = append(instrs, Instr{Op: OpFailClosed})
	}
	instrs = append(instrs, Instr{Op: OpReturn})
	err := Validate(&Program{Instrs: instrs})
	assert.ErrorIs(t, err, ErrProgramTooLong)
}

func TestValidateStackOverflow(t *testing.T) {
	instrs := make([]Instr, 0, MaxStackDepth+2)
	for i := 0; i <= MaxStackDepth; i++ {
		instrs = append(instrs, Instr{Op: OpLoadConst, A: 1})
	}
	instrs = append(instrs, Instr{Op: OpReturn})
	err := Validate(&Program{Instrs: instrs})
	require.ErrorIs(t, err, ErrStackViolation)
}

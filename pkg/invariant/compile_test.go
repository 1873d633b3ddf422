package invariant

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBind = Bindings{"out": ChannelCandidate, "voltage": 1, "temp": 2}

func TestCompileExpr(t *testing.T) {
	tests := []struct {
		name string
		expr string
		want []Instr
	}{
		{
			name: "two-sided window",
			expr: "voltage >= 0.8 and voltage <= 1.2",
			want: []Instr{
				{Op: OpLoadChannel, Ch: 1},
				{Op: OpCmpInRange, A: 0.8, B: inf()},
				{Op: OpLoadChannel, Ch: 1},
				{Op: OpCmpInRange, A: ninf(), B: 1.2},
				{Op: OpReturn},
			},
		},
		{
			name: "strict comparison",
			expr: "temp < 85",
			want: []Instr{
				{Op: OpLoadChannel, Ch: 2},
				{Op: OpCmpLT, A: 85},
				{Op: OpReturn},
			},
		},
		{
			name: "flipped operands",
			expr: "0.8 <= voltage",
			want: []Instr{
				{Op: OpLoadChannel, Ch: 1},
				{Op: OpCmpInRange, A: 0.8, B: inf()},
				{Op: OpReturn},
			},
		},
		{
			name: "negative literal",
			expr: "temp > -40",
			want: []Instr{
				{Op: OpLoadChannel, Ch: 2},
				{Op: OpCmpGT, A: -40},
				{Op: OpReturn},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Compile([]RuleSpec{{Name: tt.name, Expr: tt.expr}}, testBind, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Instrs)
		})
	}
}

func TestCompileExprRejectsUnsupported(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"disjunction", "voltage < 1 or temp < 1"},
		{"equality", "voltage == 1"},
		{"arithmetic", "voltage * 2 < 1"},
		{"two identifiers", "voltage < temp"},
		{"bare identifier", "voltage"},
		{"function call", "abs(voltage) < 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile([]RuleSpec{{Name: tt.name, Expr: tt.expr}}, testBind, 0)
			assert.ErrorIs(t, err, ErrUnsupportedExpr)
		})
	}
}

func TestCompileChannelForms(t *testing.T) {
	p, err := Compile([]RuleSpec{
		{Name: "window", Channel: "voltage", Min: f(0.8), Max: f(1.2)},
		{Name: "slew", Channel: "temp", MaxRatePerSec: f(2)},
		{Name: "quality", Channel: "temp", MinQuality: f(0.9)},
	}, testBind, 0)
	require.NoError(t, err)
	assert.Equal(t, []Instr{
		{Op: OpLoadChannel, Ch: 1},
		{Op: OpCmpInRange, Rule: 0, A: 0.8, B: 1.2},
		{Op: OpCheckRate, Ch: 2, Rule: 1, A: 2},
		{Op: OpLoadChannel, Ch: 2},
		{Op: OpCmpInRange, Rule: 2, A: 0.9, B: 1},
		{Op: OpReturn},
	}, p.Instrs)
}

func TestCompileOneSidedBounds(t *testing.T) {
	p, err := Compile([]RuleSpec{
		{Name: "floor", Channel: "voltage", Min: f(0.8)},
	}, testBind, 0)
	require.NoError(t, err)
	require.Len(t, p.Instrs, 3)
	assert.Equal(t, 0.8, p.Instrs[1].A)
	assert.Equal(t, inf(), p.Instrs[1].B)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name    string
		rule    RuleSpec
		wantErr error
	}{
		{
			name:    "unbound channel",
			rule:    RuleSpec{Name: "r", Channel: "missing", Min: f(0)},
			wantErr: ErrUnboundChannel,
		},
		{
			name:    "unbound expr identifier",
			rule:    RuleSpec{Name: "r", Expr: "missing < 1"},
			wantErr: ErrUnboundChannel,
		},
		{
			name:    "no form",
			rule:    RuleSpec{Name: "r"},
			wantErr: ErrAmbiguousRule,
		},
		{
			name:    "channel with no check",
			rule:    RuleSpec{Name: "r", Channel: "voltage"},
			wantErr: ErrAmbiguousRule,
		},
		{
			name:    "two forms on one rule",
			rule:    RuleSpec{Name: "r", Channel: "voltage", Min: f(0), MaxRatePerSec: f(1)},
			wantErr: ErrAmbiguousRule,
		},
		{
			name:    "expr and channel",
			rule:    RuleSpec{Name: "r", Expr: "voltage < 1", Channel: "voltage"},
			wantErr: ErrAmbiguousRule,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile([]RuleSpec{tt.rule}, testBind, 0)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCompileRuleIDsFollowOrder(t *testing.T) {
	p, err := Compile([]RuleSpec{
		{Name: "a", Channel: "voltage", Min: f(0)},
		{Name: "b", Channel: "temp", Max: f(10)},
	}, testBind, 0)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), p.Instrs[1].Rule)
	assert.Equal(t, uint8(1), p.Instrs[3].Rule)
}

func inf() float64  { return math.Inf(1) }
func ninf() float64 { return math.Inf(-1) }

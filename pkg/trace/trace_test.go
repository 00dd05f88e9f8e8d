package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loopSrc = `
# count up to the limit, then leave through the guard
[i0, i1, p2, f3]
i4 = int_add(i0, 1)
i5 = int_lt(i4, i1)
guard_true(i5) [i4, _, p2, f3]
f6 = float_add(f3, 1.5)
i7 = getfield_gc(p2, descr=lenfield)
jump(i4, i1, p2, f6)
`

func testNamespace() Namespace {
	return Namespace{
		"lenfield": &FieldDescr{Name: "lenfield", Offset: 8, Size: 4, Signed: true, Kind: Int},
		"self":     &TargetToken{Name: "loop"},
	}
}

func TestParse(t *testing.T) {
	tr, err := Parse(loopSrc, testNamespace())
	require.NoError(t, err)

	require.Len(t, tr.Inputs, 4)
	assert.Equal(t, []Kind{Int, Int, Ref, Float}, []Kind{
		tr.Inputs[0].Kind(), tr.Inputs[1].Kind(), tr.Inputs[2].Kind(), tr.Inputs[3].Kind(),
	})
	require.Len(t, tr.Ops, 6)
	assert.Equal(t, "loop", tr.Token.Name)

	add := tr.Ops[0]
	assert.Equal(t, IntAdd, add.Opcode)
	assert.Same(t, tr.Inputs[0], add.Args[0])
	assert.Equal(t, ConstInt{Value: 1}, add.Args[1])

	guard := tr.Ops[2]
	assert.True(t, guard.Opcode.IsGuard())
	require.Len(t, guard.FailArgs, 4)
	assert.Same(t, tr.Box("i4"), guard.FailArgs[0])
	assert.Nil(t, guard.FailArgs[1])

	assert.Equal(t, ConstFloat{Value: 1.5}, tr.Ops[3].Args[1])
	assert.Equal(t, Int, tr.Ops[4].Result.Kind())
	assert.Equal(t, "lenfield", tr.Ops[4].Descr.DescrName())
}

func TestTraceString(t *testing.T) {
	tr := MustParse(loopSrc, testNamespace())
	want := "[i0, i1, p2, f3]\n" +
		"i4 = int_add(i0, 1)\n" +
		"i5 = int_lt(i4, i1)\n" +
		"guard_true(i5) [i4, _, p2, f3]\n" +
		"f6 = float_add(f3, 1.5)\n" +
		"i7 = getfield_gc(p2, descr=lenfield)\n" +
		"jump(i4, i1, p2, f6)\n"
	assert.Equal(t, want, tr.String())

	// printing is stable enough to parse back
	again, err := Parse(tr.String(), testNamespace())
	require.NoError(t, err)
	assert.Equal(t, tr.String(), again.String())
	assert.Equal(t, tr.Fingerprint(), again.Fingerprint())
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"missing inputs":    "",
		"undefined box":     "[i0]\ni1 = int_add(i0, i9)\nfinish(i1)",
		"unknown op":        "[i0]\ni1 = int_frob(i0)\nfinish(i1)",
		"arity":             "[i0]\ni1 = int_add(i0)\nfinish(i1)",
		"no final op":       "[i0]\ni1 = int_add(i0, 1)",
		"void result named": "[i0]\ni1 = guard_true(i0) []\nfinish()",
		"redefinition":      "[i0]\ni0 = int_add(i0, 1)\nfinish(i0)",
		"unknown descr":     "[p0]\ni1 = getfield_gc(p0, descr=nope)\nfinish(i1)",
		"bad input kind":    "[x0]\nfinish()",
		"fail args on add":  "[i0]\ni1 = int_add(i0, 1) [i0]\nfinish(i1)",
		"float in int op":   "[f0]\ni1 = int_add(f0, 1)\nfinish(i1)",
		"ref guard_true":    "[p0]\nguard_true(p0) []\nfinish()",
		"int array base":    "[i0]\ni1 = arraylen_gc(i0)\nfinish(i1)",
		"mixed guard_value": "[p0]\nguard_value(p0, 5) []\nfinish()",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(src, Namespace{})
			assert.Error(t, err)
		})
	}
}

func TestValidateArgumentKinds(t *testing.T) {
	f0, p1 := NewBox(Float), NewBox(Ref)
	add := NewOp(IntAdd, []Value{f0, ConstInt{Value: 1}}, nil)
	tr := &Trace{
		Inputs: []*Box{f0, p1},
		Ops:    []*Operation{add, NewOp(Finish, []Value{add.Result}, nil)},
	}
	assert.ErrorContains(t, tr.Validate(), "argument 0 is float, want int")

	add.Args[0] = ConstInt{Value: 2}
	assert.NoError(t, tr.Validate())

	tr.Ops = []*Operation{NewOp(GuardNonNull, []Value{p1}, nil), NewOp(Finish, nil, nil)}
	assert.NoError(t, tr.Validate())
	tr.Ops[0].Args[0] = f0
	assert.Error(t, tr.Validate())
}

func TestConstants(t *testing.T) {
	tr := MustParse("[p0]\ni1 = ptr_eq(p0, NULL)\ni2 = ptr_ne(p0, ConstPtr(0x1000))\ni3 = int_add(i1, -0x10)\nfinish(i3, 2.0)", nil)
	assert.Equal(t, ConstRef{}, tr.Ops[0].Args[1])
	assert.Equal(t, ConstRef{Addr: 0x1000}, tr.Ops[1].Args[1])
	assert.Equal(t, ConstInt{Value: -16}, tr.Ops[2].Args[1])
	assert.Equal(t, ConstFloat{Value: 2}, tr.Ops[3].Args[1])
	assert.Equal(t, "finish(i3, 2.0)", tr.Ops[3].String())

	bits, ok := Bits(ConstFloat{Value: 1})
	assert.True(t, ok)
	assert.Equal(t, uint64(0x3ff0000000000000), bits)
	_, ok = Bits(tr.Inputs[0])
	assert.False(t, ok)
}

// Rewrites must leave the original operation untouched.
func TestOperationRewriteIsImmutable(t *testing.T) {
	tr := MustParse("[i0, i1]\ni2 = int_add_ovf(i0, i1)\nguard_no_overflow() [i0]\nfinish(i2)", nil)
	orig := tr.Ops[0]
	plain := orig.WithOpcode(orig.Opcode.WithoutOverflowCheck())
	assert.Equal(t, IntAddOvf, orig.Opcode)
	assert.Equal(t, IntAdd, plain.Opcode)
	assert.Same(t, orig.Result, plain.Result)

	swapped := orig.WithArgs(orig.Args[1], orig.Args[0])
	assert.Same(t, tr.Inputs[0], orig.Args[0])
	assert.Same(t, tr.Inputs[1], swapped.Args[0])

	g := tr.Ops[1].Copy()
	g.FailArgs[0] = nil
	assert.NotNil(t, tr.Ops[1].FailArgs[0])
}

func TestCallResultKindFromDescr(t *testing.T) {
	ns := Namespace{
		"fcall": &CallDescr{Name: "fcall", ArgKinds: []Kind{Float}, Result: Float},
		"fn":    ConstInt{Value: 0x4000},
	}
	tr := MustParse("[f0]\nf1 = call(fn, f0, descr=fcall)\nfinish(f1)", ns)
	assert.Equal(t, Float, tr.Ops[0].Result.Kind())
	assert.Equal(t, ConstInt{Value: 0x4000}, tr.Ops[0].Args[0])

	p := MustParse("[p0]\np1 = same_as(p0)\nfinish(p1)", nil)
	assert.Equal(t, Ref, p.Ops[0].Result.Kind())
}

// Package optimizer refines integer bounds over a trace in one forward pass.
// Facts learned from guards are pushed backwards onto the operands of
// already-emitted operations as soon as they are known.
package optimizer

import (
	"github.com/rs/zerolog"

	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/ascrivener/tracejit/pkg/intbound"
	"github.com/ascrivener/tracejit/pkg/trace"
)

type Option func(*Optimizer)

// WithLogger sets the logger for fold and elision events.
func WithLogger(l *zerolog.Logger) Option {
	return func(o *Optimizer) {
		if l != nil {
			o.log = *l
		}
	}
}

// Stats counts what one Optimize call did.
type Stats struct {
	Emitted int
	Folded  int
	Elided  int
	// Reduced counts overflow-checked operations rewritten to plain ones.
	Reduced int
}

type Optimizer struct {
	log     zerolog.Logger
	assumed map[*trace.Box]intbound.IntBound

	bounds    map[*trace.Box]*intbound.IntBound
	redirect  map[*trace.Box]trace.Value
	producers map[*trace.Box]*trace.Operation
	nonnull   map[*trace.Box]bool
	// checked marks ovf operations whose guard_no_overflow was emitted
	checked map[*trace.Operation]bool

	out []*trace.Operation
	// pendingOvf is the ovf operation emitted by the previous step, with
	// the bound its result has if it does not overflow.
	pendingOvf   *trace.Operation
	pendingBound intbound.IntBound
	prevOvf      *trace.Operation
	prevBound    intbound.IntBound

	stats Stats
}

func New(opts ...Option) *Optimizer {
	o := &Optimizer{
		log:     zerolog.Nop(),
		assumed: make(map[*trace.Box]intbound.IntBound),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.reset()
	return o
}

func (o *Optimizer) reset() {
	o.bounds = make(map[*trace.Box]*intbound.IntBound)
	o.redirect = make(map[*trace.Box]trace.Value)
	o.producers = make(map[*trace.Box]*trace.Operation)
	o.nonnull = make(map[*trace.Box]bool)
	o.checked = make(map[*trace.Operation]bool)
	o.out = nil
	o.pendingOvf, o.prevOvf = nil, nil
	o.stats = Stats{}
}

// AssumeBound records a fact about a box known before the trace starts,
// typically an input whose range the front end established.
func (o *Optimizer) AssumeBound(box *trace.Box, b intbound.IntBound) {
	o.assumed[box] = b
}

// Stats reports the last Optimize call.
func (o *Optimizer) Stats() Stats { return o.stats }

// Optimize returns a new trace with folded operations removed and
// arguments rewritten. The input trace is not modified. Contradictory
// guards return an InvalidTrace error.
func (o *Optimizer) Optimize(t *trace.Trace) (*trace.Trace, error) {
	if err := t.Validate(); err != nil {
		return nil, errors.InvalidTracef("validate", "%v", err)
	}
	o.reset()
	for box, b := range o.assumed {
		if box.Kind() != trace.Int {
			continue
		}
		nb := b
		o.bounds[box] = &nb
		if nb.Empty() {
			return nil, errors.InvalidTracef("assume", "empty bound %s for %s", nb, box)
		}
	}
	for _, op := range t.Ops {
		o.prevOvf, o.prevBound = o.pendingOvf, o.pendingBound
		o.pendingOvf = nil
		if err := o.propagateForward(o.resolveArgs(op)); err != nil {
			return nil, err
		}
	}
	o.log.Debug().
		Int("emitted", o.stats.Emitted).
		Int("folded", o.stats.Folded).
		Int("elided", o.stats.Elided).
		Int("reduced", o.stats.Reduced).
		Msg("optimized trace")
	return &trace.Trace{Inputs: t.Inputs, Ops: o.out, Token: t.Token}, nil
}

// Bound returns the current bound of v after redirects.
func (o *Optimizer) Bound(v trace.Value) intbound.IntBound {
	return *o.bound(o.resolve(v))
}

// Resolve returns what v was replaced by, or v itself.
func (o *Optimizer) Resolve(v trace.Value) trace.Value {
	return o.resolve(v)
}

// resolve follows the redirect map, compressing paths as it goes.
func (o *Optimizer) resolve(v trace.Value) trace.Value {
	b, ok := v.(*trace.Box)
	if !ok {
		return v
	}
	next, ok := o.redirect[b]
	if !ok {
		return b
	}
	root := o.resolve(next)
	if root != next {
		o.redirect[b] = root
	}
	return root
}

// resolveArgs returns op, or a copy of it when any argument or fail
// argument was redirected.
func (o *Optimizer) resolveArgs(op *trace.Operation) *trace.Operation {
	var args, failArgs []trace.Value
	for i, a := range op.Args {
		if r := o.resolve(a); r != a {
			if args == nil {
				args = append([]trace.Value(nil), op.Args...)
			}
			args[i] = r
		}
	}
	for i, a := range op.FailArgs {
		if a == nil {
			continue
		}
		if r := o.resolve(a); r != a {
			if failArgs == nil {
				failArgs = append([]trace.Value(nil), op.FailArgs...)
			}
			failArgs[i] = r
		}
	}
	if args == nil && failArgs == nil {
		return op
	}
	c := op.Copy()
	if args != nil {
		c.Args = args
	}
	if failArgs != nil {
		c.FailArgs = failArgs
	}
	return c
}

// bound returns a mutable bound for a box. Constants and non-integer values
// get a fresh copy, so narrowing them has no effect.
func (o *Optimizer) bound(v trace.Value) *intbound.IntBound {
	switch x := v.(type) {
	case trace.ConstInt:
		b := intbound.Const(x.Value)
		return &b
	case *trace.Box:
		if x.Kind() != trace.Int {
			break
		}
		if b, ok := o.bounds[x]; ok {
			return b
		}
		b := intbound.Unbounded()
		o.bounds[x] = &b
		return &b
	}
	b := intbound.Unbounded()
	return &b
}

func (o *Optimizer) emit(op *trace.Operation) {
	o.out = append(o.out, op)
	if op.Result != nil {
		o.producers[op.Result] = op
	}
	o.stats.Emitted++
}

// emitWithBound emits op and narrows its result to b. A pure operation whose
// result is known is dropped and replaced by the constant.
func (o *Optimizer) emitWithBound(op *trace.Operation, b intbound.IntBound) {
	if op.Opcode.IsPure() && b.IsConstant() {
		o.makeConstant(op, b.Constant())
		return
	}
	o.emit(op)
	o.bound(op.Result).Intersect(b)
}

// makeConstant drops op and makes every later use of its result see c.
func (o *Optimizer) makeConstant(op *trace.Operation, c int64) {
	o.redirect[op.Result] = trace.ConstInt{Value: c}
	o.stats.Folded++
	o.log.Debug().Str("op", op.String()).Int64("value", c).Msg("folded")
}

// forward drops op and makes its result an alias of v.
func (o *Optimizer) forward(op *trace.Operation, v trace.Value) {
	o.redirect[op.Result] = v
	o.stats.Folded++
	o.log.Debug().Str("op", op.String()).Str("to", v.String()).Msg("forwarded")
}

func (o *Optimizer) elide(op *trace.Operation) {
	o.stats.Elided++
	o.log.Debug().Str("op", op.String()).Msg("elided guard")
}

func sameBox(a, b trace.Value) bool {
	x, ok := a.(*trace.Box)
	return ok && x == b
}

func constInt(v trace.Value) (int64, bool) {
	c, ok := v.(trace.ConstInt)
	return c.Value, ok
}

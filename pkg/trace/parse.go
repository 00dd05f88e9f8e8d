package trace

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// Namespace resolves symbolic names in the text format. Entries are either
// Descr values (for descr=name) or Value constants usable as arguments.
type Namespace map[string]any

// Parse reads a trace in the text format:
//
//	# comment
//	[i0, p1, f2]
//	i3 = int_add(i0, 1)
//	i4 = int_lt(i3, 100)
//	guard_true(i4) [i0, _, i3]
//	jump(i3, p1, f2)
//
// Input kinds come from the first letter of each name (i, p, f). A
// *TargetToken stored under "self" becomes the trace's Token.
func Parse(src string, ns Namespace) (*Trace, error) {
	p := &parser{ns: ns, boxes: make(map[string]*Box)}
	t := &Trace{}
	sc := bufio.NewScanner(strings.NewReader(src))
	lineNo := 0
	sawInputs := false
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}
		if !sawInputs {
			inputs, err := p.parseInputs(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			t.Inputs = inputs
			sawInputs = true
			continue
		}
		op, err := p.parseOp(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		t.Ops = append(t.Ops, op)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !sawInputs {
		return nil, fmt.Errorf("missing input list")
	}
	if tok, ok := ns["self"].(*TargetToken); ok {
		t.Token = tok
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// MustParse is Parse for tests and fixed inputs; it panics on error.
func MustParse(src string, ns Namespace) *Trace {
	t, err := Parse(src, ns)
	if err != nil {
		panic(err)
	}
	return t
}

type parser struct {
	ns    Namespace
	boxes map[string]*Box
}

// Box returns the input or result box called name, or nil.
func (t *Trace) Box(name string) *Box {
	for _, in := range t.Inputs {
		if in.Name == name {
			return in
		}
	}
	for _, op := range t.Ops {
		if op.Result != nil && op.Result.Name == name {
			return op.Result
		}
	}
	return nil
}

func kindFromName(name string) (Kind, error) {
	switch {
	case strings.HasPrefix(name, "i"):
		return Int, nil
	case strings.HasPrefix(name, "p"):
		return Ref, nil
	case strings.HasPrefix(name, "f"):
		return Float, nil
	}
	return Void, fmt.Errorf("cannot infer kind of %q", name)
}

func (p *parser) define(name string, kind Kind) (*Box, error) {
	if _, dup := p.boxes[name]; dup {
		return nil, fmt.Errorf("%s defined twice", name)
	}
	b := newNamedBox(kind, name)
	p.boxes[name] = b
	return b, nil
}

func (p *parser) parseInputs(line string) ([]*Box, error) {
	if !strings.HasPrefix(line, "[") || !strings.HasSuffix(line, "]") {
		return nil, fmt.Errorf("expected input list, got %q", line)
	}
	var inputs []*Box
	for _, name := range splitList(line[1 : len(line)-1]) {
		kind, err := kindFromName(name)
		if err != nil {
			return nil, err
		}
		b, err := p.define(name, kind)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, b)
	}
	return inputs, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (p *parser) parseOp(line string) (*Operation, error) {
	var resName string
	if eq := strings.Index(line, "="); eq >= 0 && eq < strings.Index(line, "(") {
		resName = strings.TrimSpace(line[:eq])
		line = strings.TrimSpace(line[eq+1:])
	}
	open := strings.Index(line, "(")
	head := line
	if strings.HasSuffix(line, "]") {
		// fail args may contain parentheses of their own
		if br := strings.LastIndex(line, "["); br > open {
			head = line[:br]
		}
	}
	end := strings.LastIndex(head, ")")
	if open < 0 || end < open {
		return nil, fmt.Errorf("malformed operation %q", line)
	}
	name := strings.TrimSpace(line[:open])
	opcode, ok := OpcodeByName(name)
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", name)
	}
	op := &Operation{Opcode: opcode}
	for _, tok := range splitList(line[open+1 : end]) {
		if d, found := strings.CutPrefix(tok, "descr="); found {
			descr, ok := p.ns[d].(Descr)
			if !ok {
				return nil, fmt.Errorf("unknown descr %q", d)
			}
			op.Descr = descr
			continue
		}
		v, err := p.value(tok)
		if err != nil {
			return nil, err
		}
		op.Args = append(op.Args, v)
	}

	rest := strings.TrimSpace(line[end+1:])
	if rest != "" {
		if !opcode.IsGuard() {
			return nil, fmt.Errorf("%s cannot have fail args", opcode)
		}
		if !strings.HasPrefix(rest, "[") || !strings.HasSuffix(rest, "]") {
			return nil, fmt.Errorf("malformed fail args %q", rest)
		}
		op.FailArgs = []Value{}
		for _, tok := range splitList(rest[1 : len(rest)-1]) {
			if tok == "_" {
				op.FailArgs = append(op.FailArgs, nil)
				continue
			}
			v, err := p.value(tok)
			if err != nil {
				return nil, err
			}
			op.FailArgs = append(op.FailArgs, v)
		}
	}

	kind := opcode.ResultKind(op.Descr)
	if opcode == SameAs && len(op.Args) == 1 {
		kind = op.Args[0].Kind()
	}
	switch {
	case resName != "" && kind == Void:
		return nil, fmt.Errorf("%s has no result", opcode)
	case resName != "":
		b, err := p.define(resName, kind)
		if err != nil {
			return nil, err
		}
		op.Result = b
	case kind != Void:
		// unnamed result: still give the operation a box
		op.Result = NewBox(kind)
	}
	return op, nil
}

func (p *parser) value(tok string) (Value, error) {
	if b, ok := p.boxes[tok]; ok {
		return b, nil
	}
	if v, ok := p.ns[tok].(Value); ok {
		return v, nil
	}
	if tok == "NULL" {
		return ConstRef{}, nil
	}
	if inner, ok := strings.CutPrefix(tok, "ConstPtr("); ok {
		n, err := strconv.ParseUint(strings.TrimSuffix(inner, ")"), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("bad pointer constant %q: %w", tok, err)
		}
		return ConstRef{Addr: uintptr(n)}, nil
	}
	if strings.ContainsAny(tok, ".eE") && !strings.HasPrefix(tok, "0x") {
		f, err := strconv.ParseFloat(tok, 64)
		if err == nil {
			return ConstFloat{Value: f}, nil
		}
	}
	n, err := strconv.ParseInt(tok, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("undefined name %q", tok)
	}
	return ConstInt{Value: n}, nil
}

package trace

// Descr is metadata attached to an operation.
type Descr interface {
	DescrName() string
}

// FieldDescr describes a field of a heap object.
type FieldDescr struct {
	Name   string
	Offset int32
	// Size is the field width in bytes: 1, 2, 4 or 8.
	Size   int
	Signed bool
	Kind   Kind
}

func (d *FieldDescr) DescrName() string { return d.Name }
func (d *FieldDescr) ResultKind() Kind  { return d.Kind }

// ArrayDescr describes a heap array: a length word followed by items.
type ArrayDescr struct {
	Name string
	// BaseSize is the offset of item 0 from the array address.
	BaseSize     int32
	LengthOffset int32
	ItemSize     int
	Signed       bool
	Kind         Kind
}

func (d *ArrayDescr) DescrName() string { return d.Name }
func (d *ArrayDescr) ResultKind() Kind  { return d.Kind }

// SizeDescr describes a fixed-size allocation.
type SizeDescr struct {
	Name string
	Size int
}

func (d *SizeDescr) DescrName() string { return d.Name }

// CallDescr describes the signature of a native function.
type CallDescr struct {
	Name     string
	ArgKinds []Kind
	Result   Kind
	// ResultSize is the width of an integer result in bytes (0 means 8).
	ResultSize   int
	ResultSigned bool
	// CanCollect means the callee may run the garbage collector.
	CanCollect bool
}

func (d *CallDescr) DescrName() string { return d.Name }
func (d *CallDescr) ResultKind() Kind  { return d.Result }

// TargetToken names a compiled loop that a jump can target.
type TargetToken struct {
	Name string
}

func (d *TargetToken) DescrName() string { return d.Name }

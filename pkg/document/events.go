package document

import (
	"github.com/marmos91/dittoshare/pkg/errs"
	"github.com/marmos91/dittoshare/pkg/path"
)

// SetEventKind discriminates the outcome of a write.
type SetEventKind int

const (
	SetKindSuccess SetEventKind = iota
	SetKindFailure
	SetKindNoOp
	SetKindPruningPrevented
)

func (k SetEventKind) String() string {
	switch k {
	case SetKindSuccess:
		return "success"
	case SetKindFailure:
		return "failure"
	case SetKindNoOp:
		return "no_op"
	case SetKindPruningPrevented:
		return "pruning_prevented"
	default:
		return "unknown"
	}
}

// SetEvent is the outcome of a write. The concrete type is one of
// *SetSuccess, *SetFailure, *SetNoOp or *SetPruningPrevented; switch on it
// or on Kind.
type SetEvent interface {
	Kind() SetEventKind
	setEvent()
}

// SetSuccess reports a stored document and the paths it pruned.
type SetSuccess struct {
	Document Document
	Pruned   []path.Path
}

// SetFailure reports a write that was refused. Err carries the kind
// (Validation, Authorisation or Internal).
type SetFailure struct {
	Reason  errs.Kind
	Message string
	Err     error
}

// SetNoOp reports a write that changed nothing because an equal or newer
// entry already covers it.
type SetNoOp struct {
	Reason string
}

// SetPruningPrevented reports a write that would have removed descendant
// documents. Nothing was written; Preserved lists the documents it would
// have pruned.
type SetPruningPrevented struct {
	Preserved []Document
}

func (*SetSuccess) Kind() SetEventKind          { return SetKindSuccess }
func (*SetFailure) Kind() SetEventKind          { return SetKindFailure }
func (*SetNoOp) Kind() SetEventKind             { return SetKindNoOp }
func (*SetPruningPrevented) Kind() SetEventKind { return SetKindPruningPrevented }

func (*SetSuccess) setEvent()          {}
func (*SetFailure) setEvent()          {}
func (*SetNoOp) setEvent()             {}
func (*SetPruningPrevented) setEvent() {}

// Failure builds a SetFailure from err, taking the reason from its kind.
func Failure(err error) *SetFailure {
	kind := errs.KindOf(err)
	if kind == "" {
		kind = errs.KindInternal
	}
	return &SetFailure{Reason: kind, Message: err.Error(), Err: err}
}

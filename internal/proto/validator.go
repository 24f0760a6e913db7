package proto

import "fmt"

// Mismatch identifies which validator constraint a message violated.
type Mismatch int

const (
	WrongTarget Mismatch = iota
	WrongKind
	WrongTask
)

func (m Mismatch) String() string {
	switch m {
	case WrongTarget:
		return "wrong target"
	case WrongKind:
		return "wrong kind"
	case WrongTask:
		return "wrong task"
	}
	return "unknown"
}

// ValidationError reports the first constraint a message failed. It must abort
// processing of that message and is always surfaced to the caller.
type ValidationError struct {
	Mismatch Mismatch
	Got      int
	Want     int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s (got %d, want %d)", e.Mismatch, e.Got, e.Want)
}

// Validator checks inbound messages against the constraints the receiving
// endpoint expects. Target is always required; Kind and Task are optional
// ("any value accepted" when nil). Pure predicate, no side effects.
type Validator struct {
	target Role
	kind   *Kind
	task   *Task
}

// NewValidator builds a validator that requires the given target.
func NewValidator(target Role) Validator {
	return Validator{target: target}
}

// WithKind additionally requires the given kind.
func (v Validator) WithKind(k Kind) Validator {
	v.kind = &k
	return v
}

// WithTask additionally requires the given task.
func (v Validator) WithTask(t Task) Validator {
	v.task = &t
	return v
}

// Validate checks the message against every configured constraint, failing on
// the first mismatch.
func (v Validator) Validate(m *Message) error {
	if m.Target != v.target {
		return &ValidationError{Mismatch: WrongTarget, Got: int(m.Target), Want: int(v.target)}
	}
	if v.kind != nil && m.Kind != *v.kind {
		return &ValidationError{Mismatch: WrongKind, Got: int(m.Kind), Want: int(*v.kind)}
	}
	if v.task != nil && m.Task != *v.task {
		return &ValidationError{Mismatch: WrongTask, Got: int(m.Task), Want: int(*v.task)}
	}
	return nil
}

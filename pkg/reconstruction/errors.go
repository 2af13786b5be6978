package reconstruction

import "fmt"

// BuildErrorKind classifies why a volume could not be built
type BuildErrorKind int

const (
	InsufficientSlices BuildErrorKind = iota + 1
	InconsistentDimensions
	EmptyVolume
	Cancelled
)

func (k BuildErrorKind) String() string {
	switch k {
	case InsufficientSlices:
		return "insufficient slices"
	case InconsistentDimensions:
		return "inconsistent dimensions"
	case EmptyVolume:
		return "empty volume"
	case Cancelled:
		return "build cancelled"
	default:
		return fmt.Sprintf("build error %d", int(k))
	}
}

// BuildError is returned for every failed build. Callers are expected to fall back
// to single-slice display and may retry with a corrected slice list.
type BuildError struct {
	Kind   BuildErrorKind
	Detail string
	Err    error
}

func (e *BuildError) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Detail
}

func (e *BuildError) Unwrap() error { return e.Err }

// Is matches any BuildError of the same kind, so the sentinels below work with errors.Is.
func (e *BuildError) Is(target error) bool {
	t, ok := target.(*BuildError)
	return ok && t.Kind == e.Kind
}

var (
	ErrInsufficientSlices     = &BuildError{Kind: InsufficientSlices}
	ErrInconsistentDimensions = &BuildError{Kind: InconsistentDimensions}
	ErrEmptyVolume            = &BuildError{Kind: EmptyVolume}
	ErrCancelled              = &BuildError{Kind: Cancelled}
)

func buildErrorf(kind BuildErrorKind, format string, args ...interface{}) *BuildError {
	return &BuildError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

package sampler

import "fmt"

// SampleErrorKind classifies why a plane could not be produced
type SampleErrorKind int

const (
	NoVolume SampleErrorKind = iota + 1
	DegenerateAxis
	Cancelled
)

func (k SampleErrorKind) String() string {
	switch k {
	case NoVolume:
		return "no volume"
	case DegenerateAxis:
		return "degenerate axis"
	case Cancelled:
		return "sample cancelled"
	default:
		return fmt.Sprintf("sample error %d", int(k))
	}
}

// SampleError is returned when no plane can be produced. DegenerateAxis means MPR is
// unavailable for that orientation, not that the volume is unusable.
type SampleError struct {
	Kind   SampleErrorKind
	Detail string
	Err    error
}

func (e *SampleError) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Detail
}

func (e *SampleError) Unwrap() error { return e.Err }

// Is matches any SampleError of the same kind
func (e *SampleError) Is(target error) bool {
	t, ok := target.(*SampleError)
	return ok && t.Kind == e.Kind
}

var (
	ErrNoVolume       = &SampleError{Kind: NoVolume}
	ErrDegenerateAxis = &SampleError{Kind: DegenerateAxis}
	ErrCancelled      = &SampleError{Kind: Cancelled}
)

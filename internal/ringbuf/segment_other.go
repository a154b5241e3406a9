//go:build !linux

package ringbuf

type segment struct {
	name string
	path string
}

func (s *segment) close() error { return nil }

// Create is only implemented on Linux.
func Create(name string, layout Layout, opts Options) (*Producer, error) {
	return nil, &ResourceError{Op: "create", Name: name, Err: ErrUnsupported}
}

// Attach is only implemented on Linux.
func Attach(name string, slotSize int, opts Options) (*Consumer, error) {
	return nil, &ResourceError{Op: "attach", Name: name, Err: ErrUnsupported}
}

// Destroy is only implemented on Linux.
func Destroy(name string, opts Options) error {
	return &ResourceError{Op: "destroy", Name: name, Err: ErrUnsupported}
}

//go:build linux

package ringbuf

import (
	"errors"

	"golang.org/x/sys/unix"
)

type segment struct {
	name string
	path string
	fd   int
	mem  []byte
}

func (s *segment) close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.mem != nil {
		if err := unix.Munmap(s.mem); err != nil {
			errs = append(errs, &ResourceError{Op: "munmap", Name: s.name, Err: err})
		}
		s.mem = nil
	}
	if s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, &ResourceError{Op: "close", Name: s.name, Err: err})
		}
		s.fd = -1
	}
	return errors.Join(errs...)
}

// Create makes a new zero-filled segment and returns its only producer
// handle. A segment with the same name is ErrAlreadyExists unless
// opts.Reclaim is set.
func Create(name string, layout Layout, opts Options) (*Producer, error) {
	if err := layout.validate(); err != nil {
		return nil, err
	}
	path, err := opts.path(name)
	if err != nil {
		return nil, err
	}

	const flags = unix.O_RDWR | unix.O_CREAT | unix.O_EXCL | unix.O_CLOEXEC
	fd, err := unix.Open(path, flags, 0o600)
	if errors.Is(err, unix.EEXIST) && opts.Reclaim {
		if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
			return nil, &ResourceError{Op: "reclaim", Name: name, Err: err}
		}
		fd, err = unix.Open(path, flags, 0o600)
	}
	if errors.Is(err, unix.EEXIST) {
		return nil, &ResourceError{Op: "create", Name: name, Err: ErrAlreadyExists}
	}
	if err != nil {
		return nil, &ResourceError{Op: "create", Name: name, Err: err}
	}

	seg := &segment{name: name, path: path, fd: fd}
	fail := func(op string, err error) (*Producer, error) {
		seg.close()
		unix.Unlink(path)
		return nil, &ResourceError{Op: op, Name: name, Err: err}
	}

	// A fresh object is zero-filled by ftruncate, write index included.
	if err := unix.Ftruncate(fd, int64(layout.Size())); err != nil {
		return fail("truncate", err)
	}
	mem, err := unix.Mmap(fd, 0, layout.Size(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fail("mmap", err)
	}
	seg.mem = mem

	p, err := newProducer(mem, layout, seg)
	if err != nil {
		return fail("map", err)
	}
	return p, nil
}

// Attach maps an existing segment read-only. Capacity is derived from the
// segment size and slotSize.
func Attach(name string, slotSize int, opts Options) (*Consumer, error) {
	path, err := opts.path(name)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if errors.Is(err, unix.ENOENT) {
		return nil, &ResourceError{Op: "attach", Name: name, Err: ErrSegmentNotFound}
	}
	if err != nil {
		return nil, &ResourceError{Op: "attach", Name: name, Err: err}
	}
	seg := &segment{name: name, path: path, fd: fd}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		seg.close()
		return nil, &ResourceError{Op: "stat", Name: name, Err: err}
	}
	layout, err := layoutForSize(int(st.Size), slotSize)
	if err != nil {
		seg.close()
		return nil, &ResourceError{Op: "attach", Name: name, Err: err}
	}
	mem, err := unix.Mmap(fd, 0, layout.Size(), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		seg.close()
		return nil, &ResourceError{Op: "mmap", Name: name, Err: err}
	}
	seg.mem = mem

	c, err := newConsumer(mem, layout, seg)
	if err != nil {
		seg.close()
		return nil, &ResourceError{Op: "attach", Name: name, Err: err}
	}
	return c, nil
}

// Destroy unlinks a segment. Processes that still have it mapped keep
// their mapping; callers coordinate so that none do.
func Destroy(name string, opts Options) error {
	path, err := opts.path(name)
	if err != nil {
		return err
	}
	if err := unix.Unlink(path); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return &ResourceError{Op: "destroy", Name: name, Err: ErrSegmentNotFound}
		}
		return &ResourceError{Op: "destroy", Name: name, Err: err}
	}
	return nil
}

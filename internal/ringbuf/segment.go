package ringbuf

import (
	"path/filepath"
	"strings"
)

// DefaultDir is where POSIX shared memory objects live on Linux. A segment
// named "phisualize_buffer" here is the same object shm_open("/phisualize_buffer")
// returns to any other process on the host.
const DefaultDir = "/dev/shm"

// Options control where segments live and how Create treats leftovers.
type Options struct {
	// Dir overrides DefaultDir. Tests point it at a temporary directory.
	Dir string
	// Reclaim lets Create unlink a segment that already exists, such as one
	// left behind by a crashed producer. Off by default: an existing
	// segment normally means another producer owns it.
	Reclaim bool
}

func (o Options) path(name string) (string, error) {
	clean := strings.TrimPrefix(name, "/")
	if clean == "" || strings.ContainsRune(clean, '/') || clean == "." || clean == ".." {
		return "", &ResourceError{Op: "resolve", Name: name, Err: ErrInvalidName}
	}
	dir := o.Dir
	if dir == "" {
		dir = DefaultDir
	}
	return filepath.Join(dir, clean), nil
}

// Info describes a segment without holding a mapping to it.
type Info struct {
	Name       string
	Path       string
	Size       int
	Layout     Layout
	WriteIndex uint32
}

// Stat attaches to name, reads its write index and detaches.
func Stat(name string, slotSize int, opts Options) (Info, error) {
	c, err := Attach(name, slotSize, opts)
	if err != nil {
		return Info{}, err
	}
	defer c.Detach()
	w, err := c.WriteIndex()
	if err != nil {
		return Info{}, err
	}
	return Info{
		Name:       name,
		Path:       c.seg.path,
		Size:       c.layout.Size(),
		Layout:     c.layout,
		WriteIndex: w,
	}, nil
}

package capture

import (
	"errors"
	"fmt"

	"github.com/banshee-data/phisualize/internal/fsutil"
	"github.com/banshee-data/phisualize/internal/frame"
)

// ReplaySource returns a generator that plays back a raw byte capture, such
// as a ring dump, one frame-sized chunk per call. Once the recording is
// exhausted it returns nil, which a mock port delivers as an empty read.
func ReplaySource(fsys fsutil.FileSystem, path string) (func() []byte, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replay file: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("replay file is empty")
	}
	if len(data)%frame.Size != 0 {
		logf("replay file %s is %d bytes, not a whole number of frames", path, len(data))
	}

	off := 0
	return func() []byte {
		if off >= len(data) {
			return nil
		}
		end := min(off+frame.Size, len(data))
		chunk := data[off:end]
		off = end
		return chunk
	}, nil
}

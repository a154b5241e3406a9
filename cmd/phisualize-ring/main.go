// Command phisualize-ring inspects and removes the shared ring buffer
// segment. Destroying a segment is never done by the capture daemon itself;
// this tool is the explicit operator step for it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/phisualize/internal/frame"
	"github.com/banshee-data/phisualize/internal/fsutil"
	"github.com/banshee-data/phisualize/internal/ringbuf"
	"github.com/banshee-data/phisualize/internal/security"
	"github.com/banshee-data/phisualize/internal/version"
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch command {
	case "stat":
		err = runStat(args, os.Stdout)
	case "destroy":
		err = runDestroy(args, os.Stdout)
	case "tail":
		err = runTail(ctx, args, os.Stdout)
	case "dump":
		err = runDump(args, os.Stdout, fsutil.OSFileSystem{}, time.Now())
	case "version":
		fmt.Println("phisualize-ring", version.String())
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("%s: %v", command, err)
	}
}

func printUsage() {
	fmt.Println(`phisualize-ring - Operator tool for the phisualize ring buffer

Usage: phisualize-ring <command> [options]

Commands:
  stat       Show the segment's path, geometry and write index
  destroy    Unlink the segment (consumers that are attached keep their mapping)
  tail       Print frames as they are published
  dump       Write the frames currently in the ring to a file for replay
  version    Show version
  help       Show this help message

Common Flags:
  --segment <name>    Segment name (default: phisualize_buffer)
  --shm-dir <dir>     Directory holding shared memory segments (default: /dev/shm)

Tail Flags:
  --from-start        Print the frames already in the ring first
  --count <n>         Stop after n frames (0 runs until interrupted)
  --interval <d>      Sleep between empty polls (default: 10ms)
  --json              Print one JSON object per frame

Dump Flags:
  --out <file>        Output file (default: <segment>-<UTC time>.bin)
  --force             Overwrite an existing file

A dump is the raw frame bytes in ring order, the same byte stream the
sensor bridge sends. Replay it with: phisualize-capture --replay <file>`)
}

type segmentFlags struct {
	name string
	dir  string
}

func (s *segmentFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&s.name, "segment", "phisualize_buffer", "Segment name")
	fs.StringVar(&s.dir, "shm-dir", ringbuf.DefaultDir, "Directory holding shared memory segments")
}

func (s *segmentFlags) options() ringbuf.Options {
	return ringbuf.Options{Dir: s.dir}
}

func runStat(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("stat", flag.ContinueOnError)
	var seg segmentFlags
	seg.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	info, err := ringbuf.Stat(seg.name, frame.Size, seg.options())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "segment:     %s\n", info.Name)
	fmt.Fprintf(out, "path:        %s\n", info.Path)
	fmt.Fprintf(out, "size:        %d bytes\n", info.Size)
	fmt.Fprintf(out, "capacity:    %d frames\n", info.Layout.Capacity)
	fmt.Fprintf(out, "slot size:   %d bytes\n", info.Layout.SlotSize)
	fmt.Fprintf(out, "write index: %d\n", info.WriteIndex)
	return nil
}

func runDestroy(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("destroy", flag.ContinueOnError)
	var seg segmentFlags
	seg.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := ringbuf.Destroy(seg.name, seg.options()); err != nil {
		return err
	}
	fmt.Fprintf(out, "destroyed segment %s\n", seg.name)
	return nil
}

// tailLine is the --json output for one frame.
type tailLine struct {
	SequenceID  uint16             `json:"sequence_id"`
	TimestampUS uint32             `json:"timestamp_us"`
	Fields      map[string]float64 `json:"fields"`
}

func runTail(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	var seg segmentFlags
	seg.register(fs)
	fromStart := fs.Bool("from-start", false, "Print the frames already in the ring first")
	count := fs.Int("count", 0, "Stop after this many frames (0 runs until interrupted)")
	interval := fs.Duration("interval", 10*time.Millisecond, "Sleep between empty polls")
	asJSON := fs.Bool("json", false, "Print one JSON object per frame")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", *interval)
	}

	ring, err := ringbuf.Attach(seg.name, frame.Size, seg.options())
	if err != nil {
		return err
	}
	defer ring.Detach()

	next, err := ring.WriteIndex()
	if *fromStart {
		next, err = ring.OldestIndex()
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	printed := 0
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		batch, err := ring.Poll(next)
		if err != nil {
			return err
		}
		next = batch.Next
		if batch.Lost > 0 {
			fmt.Fprintf(out, "# %d frames overwritten\n", batch.Lost)
		}
		for _, b := range batch.Frames {
			f, err := frame.Decode(b)
			if err != nil {
				fmt.Fprintf(out, "# invalid slot: %v\n", err)
				continue
			}
			s := f.Sample()
			if *asJSON {
				if err := enc.Encode(tailLine{f.SequenceID, f.TimestampUS, s.Fields()}); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "seq=%d ts_us=%d audio_rms=%.4f pressure=%.2f temperature=%.2f proximity=%d\n",
					f.SequenceID, f.TimestampUS, s.AudioRMS, s.Pressure, s.Temperature, s.Proximity)
			}
			printed++
			if *count > 0 && printed >= *count {
				return nil
			}
		}
		if len(batch.Frames) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func runDump(args []string, out io.Writer, fsys fsutil.FileSystem, now time.Time) error {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	var seg segmentFlags
	seg.register(fs)
	path := fs.String("out", "", "Output file")
	force := fs.Bool("force", false, "Overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		*path = security.DumpFileName(seg.name, now)
	}
	if err := security.ValidateExportPath(*path); err != nil {
		return err
	}
	if !*force && fsys.Exists(*path) {
		return fmt.Errorf("%s already exists (use --force to overwrite)", *path)
	}

	ring, err := ringbuf.Attach(seg.name, frame.Size, seg.options())
	if err != nil {
		return err
	}
	defer ring.Detach()

	start, err := ring.OldestIndex()
	if err != nil {
		return err
	}
	batch, err := ring.Poll(start)
	if err != nil {
		return err
	}
	data := make([]byte, 0, len(batch.Frames)*frame.Size)
	for _, b := range batch.Frames {
		data = append(data, b...)
	}
	if err := fsys.WriteFile(*path, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %d frames (write index %d) to %s\n", len(batch.Frames), batch.Next, *path)
	return nil
}

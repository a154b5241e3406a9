// Command phisualize-capture owns the serial link to the sensor bridge and
// publishes every reassembled frame into the shared ring buffer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/phisualize/internal/capture"
	"github.com/banshee-data/phisualize/internal/config"
	"github.com/banshee-data/phisualize/internal/fsutil"
	"github.com/banshee-data/phisualize/internal/httputil"
	"github.com/banshee-data/phisualize/internal/ringbuf"
	"github.com/banshee-data/phisualize/internal/serialmux"
	"github.com/banshee-data/phisualize/internal/version"
)

var (
	configPath   = flag.String("config", "", "Path to a JSON deployment config (optional)")
	devMode      = flag.Bool("dev", false, "Capture synthetic frames instead of reading the serial port")
	devDropEvery = flag.Int("dev-drop-every", 0, "In dev mode, skip every Nth sequence id (0 disables)")
	replayPath   = flag.String("replay", "", "Replay a raw frame dump instead of reading the serial port")
	listen       = flag.String("listen", "localhost:8090", "Admin listen address")
	port         = flag.String("port", "/dev/ttyHS1", "Serial port to use (ignored in dev mode)")
	baud         = flag.Int("baud", serialmux.DefaultBaudRate, "Serial baud rate")
	segment      = flag.String("segment", "phisualize_buffer", "Ring buffer segment name")
	capacity     = flag.Int("capacity", 100, "Ring buffer capacity in frames")
	shmDir       = flag.String("shm-dir", ringbuf.DefaultDir, "Directory holding shared memory segments")
	reclaim      = flag.Bool("reclaim", false, "Replace a segment left behind by a crashed capture daemon")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

// loadConfig reads the optional config file and lets every flag given on
// the command line override it.
func loadConfig(path string, fs *flag.FlagSet) (*config.Config, error) {
	cfg := config.Empty()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.CaptureListen = listen
		case "port":
			cfg.SerialPort = port
		case "baud":
			cfg.BaudRate = baud
		case "segment":
			cfg.SegmentName = segment
		case "capacity":
			cfg.SegmentCapacity = capacity
		case "shm-dir":
			cfg.ShmDir = shmDir
		case "reclaim":
			cfg.ReclaimSegment = reclaim
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func captureConfig(cfg *config.Config) capture.Config {
	return capture.Config{
		SegmentName: cfg.GetSegmentName(),
		Capacity:    cfg.GetSegmentCapacity(),
		SegmentOptions: ringbuf.Options{
			Dir:     cfg.GetShmDir(),
			Reclaim: cfg.GetReclaimSegment(),
		},
		SerialPath: cfg.GetSerialPort(),
		PortOptions: serialmux.PortOptions{
			BaudRate:    cfg.GetBaudRate(),
			ReadTimeout: cfg.GetReadTimeout(),
		},
		Retry: serialmux.RetryPolicy{
			MaxConsecutiveErrors: cfg.GetMaxConsecutiveErrors(),
			Delay:                cfg.GetRetryDelay(),
		},
	}
}

// devPortFactory stands in for the sensor bridge: one synthetic frame every
// 10ms, roughly the rate the real firmware sends.
func devPortFactory(dropEvery int) serialmux.SerialPortFactory {
	return serialmux.SerialPortOpener(func(string, serialmux.PortOptions) (serialmux.SerialPorter, error) {
		log.Printf("dev mode: using synthetic frames, dropping every %d", dropEvery)
		return serialmux.NewMockPort(capture.SyntheticSource(time.Now(), dropEvery), 10*time.Millisecond), nil
	})
}

// replayPortFactory plays back a dump written by phisualize-ring dump at the
// same frame rate as devPortFactory.
func replayPortFactory(fsys fsutil.FileSystem, path string) (serialmux.SerialPortFactory, error) {
	next, err := capture.ReplaySource(fsys, path)
	if err != nil {
		return nil, err
	}
	return serialmux.SerialPortOpener(func(string, serialmux.PortOptions) (serialmux.SerialPorter, error) {
		log.Printf("replaying %s", path)
		return serialmux.NewMockPort(next, 10*time.Millisecond), nil
	}), nil
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println("phisualize-capture", version.String())
		return
	}

	cfg, err := loadConfig(*configPath, flag.CommandLine)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	var factory serialmux.SerialPortFactory = serialmux.RealPortFactory{}
	switch {
	case *replayPath != "":
		if factory, err = replayPortFactory(fsutil.OSFileSystem{}, *replayPath); err != nil {
			log.Fatalf("failed to load replay: %v", err)
		}
	case *devMode:
		factory = devPortFactory(*devDropEvery)
	}

	daemon := capture.New(captureConfig(cfg), factory)
	if err := daemon.Start(); err != nil {
		if errors.Is(err, ringbuf.ErrAlreadyExists) {
			log.Fatalf("%v: another capture daemon owns the segment; after a crash, restart with --reclaim", err)
		}
		log.Fatalf("failed to start capture: %v", err)
	}
	log.Printf("phisualize-capture %s, session %s", version.String(), daemon.SessionID())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		mux := http.NewServeMux()
		daemon.AttachAdminRoutes(mux)
		if err := httputil.Serve(ctx, cfg.GetCaptureListen(), mux); err != nil {
			log.Printf("admin server failed: %v", err)
		}
	}()

	runErr := daemon.Run(ctx)
	// A serial failure ends Run without a signal; stop the admin server too.
	stop()
	wg.Wait()

	t := daemon.Totals()
	log.Printf("final totals: frames_captured=%d frames_lost=%d loss_rate=%.4f",
		t.FramesCaptured, t.FramesLost, t.LossRate)
	if runErr != nil {
		log.Fatalf("capture stopped: %v", runErr)
	}
	log.Printf("graceful shutdown complete")
}

// Command phisualize-stream attaches to the ring buffer written by
// phisualize-capture and forwards every frame to the sample store and,
// optionally, an MQTT broker.
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

	"github.com/banshee-data/phisualize/internal/config"
	"github.com/banshee-data/phisualize/internal/db"
	"github.com/banshee-data/phisualize/internal/httputil"
	"github.com/banshee-data/phisualize/internal/ringbuf"
	"github.com/banshee-data/phisualize/internal/sink"
	"github.com/banshee-data/phisualize/internal/stream"
	"github.com/banshee-data/phisualize/internal/version"
)

var (
	configPath    = flag.String("config", "", "Path to a JSON deployment config (optional)")
	listen        = flag.String("listen", "localhost:8091", "Admin listen address")
	segment       = flag.String("segment", "phisualize_buffer", "Ring buffer segment name")
	shmDir        = flag.String("shm-dir", ringbuf.DefaultDir, "Directory holding shared memory segments")
	dbPath        = flag.String("db", "phisualize.db", "Path to the sqlite sample store")
	mqttURL       = flag.String("mqtt", "", "MQTT broker URL, e.g. tcp://broker:1883/prefix (empty disables)")
	mqttTopic     = flag.String("mqtt-topic", "phisualize/samples", "MQTT topic records are published under")
	mqttQoS       = flag.Int("mqtt-qos", 0, "MQTT publish QoS level (0, 1 or 2)")
	source        = flag.String("source", "nano", "Source tag stored with every record")
	startMode     = flag.String("start", config.StartFromStart, "Where to start reading: from_start or latest")
	batchSize     = flag.Int("batch", 10, "Records per sink write")
	pollInterval  = flag.Duration("poll-interval", 10*time.Millisecond, "Sleep between empty polls")
	habitatWindow = flag.Int("habitat-window", 10, "Habitat feature window in records (0 disables)")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

// mqttDialTimeout bounds the initial broker connection.
const mqttDialTimeout = 10 * time.Second

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
			cfg.StreamListen = listen
		case "segment":
			cfg.SegmentName = segment
		case "shm-dir":
			cfg.ShmDir = shmDir
		case "db":
			cfg.DBPath = dbPath
		case "mqtt":
			cfg.MQTTURL = mqttURL
		case "mqtt-topic":
			cfg.MQTTTopic = mqttTopic
		case "mqtt-qos":
			cfg.MQTTQoS = mqttQoS
		case "source":
			cfg.Source = source
		case "start":
			cfg.StartMode = startMode
		case "batch":
			cfg.BatchSize = batchSize
		case "poll-interval":
			s := pollInterval.String()
			cfg.PollInterval = &s
		case "habitat-window":
			cfg.HabitatWindow = habitatWindow
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func streamConfig(cfg *config.Config, host string) stream.Config {
	return stream.Config{
		SegmentName:    cfg.GetSegmentName(),
		SegmentOptions: ringbuf.Options{Dir: cfg.GetShmDir()},
		PollInterval:   cfg.GetPollInterval(),
		BatchSize:      cfg.GetBatchSize(),
		Source:         cfg.GetSource(),
		Host:           host,
		StartLatest:    cfg.GetStartMode() == config.StartLatest,
		HabitatWindow:  cfg.GetHabitatWindow(),
	}
}

// openSinks opens the sample store and, when a broker is configured, the
// MQTT publisher. The store is returned separately for its admin routes
// and feature table.
func openSinks(ctx context.Context, cfg *config.Config) (*db.DB, sink.Sink, error) {
	store, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open sample store: %w", err)
	}
	url := cfg.GetMQTTURL()
	if url == "" {
		return store, store, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, mqttDialTimeout)
	defer cancel()
	pub, err := sink.DialMQTT(dialCtx, url, cfg.GetMQTTTopic())
	if err != nil {
		return nil, nil, errors.Join(fmt.Errorf("connect mqtt: %w", err), store.Close())
	}
	pub.SetQoS(byte(cfg.GetMQTTQoS()))
	return store, sink.Multi{store, pub}, nil
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println("phisualize-stream", version.String())
		return
	}

	cfg, err := loadConfig(*configPath, flag.CommandLine)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, out, err := openSinks(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open sinks: %v", err)
	}
	defer func() {
		if err := out.Close(); err != nil {
			log.Printf("closing sinks: %v", err)
		}
	}()

	consumer := stream.New(streamConfig(cfg, stream.HostID()), out, nil)
	consumer.SetFeatureStore(store)
	if err := consumer.Attach(); err != nil {
		if errors.Is(err, ringbuf.ErrSegmentNotFound) {
			log.Fatalf("%v: is phisualize-capture running?", err)
		}
		log.Fatalf("failed to attach: %v", err)
	}
	log.Printf("phisualize-stream %s, session %s", version.String(), consumer.SessionID())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		mux := http.NewServeMux()
		consumer.AttachAdminRoutes(mux)
		store.AttachAdminRoutes(mux)
		if err := httputil.Serve(ctx, cfg.GetStreamListen(), mux); err != nil {
			log.Printf("admin server failed: %v", err)
		}
	}()

	runErr := consumer.Run(ctx)
	stop()
	wg.Wait()

	t := consumer.Totals()
	log.Printf("final totals: frames_consumed=%d frames_overwritten=%d sequence_lost=%d batches_dropped=%d",
		t.FramesConsumed, t.FramesOverwritten, t.SequenceLost, t.BatchesDropped)
	if runErr != nil {
		log.Printf("stream stopped: %v", runErr)
	}
	log.Printf("graceful shutdown complete")
}

// Serialmux provides an abstraction over the sensor bridge's serial link: it
// reads raw byte chunks with a bounded timeout, hands each chunk to a single
// consumer, retries transient read errors and lets debug clients tail the
// byte stream.
package serialmux

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"go.bug.st/serial"
	"tailscale.com/tsweb"

	"github.com/banshee-data/phisualize/internal/monitoring"
)

// ErrTooManyErrors is returned by Monitor when transient read errors keep
// arriving back to back and the link should be treated as gone.
var ErrTooManyErrors = errors.New("too many consecutive serial read errors")

// DefaultChunkSize is the read buffer size used by Monitor.
const DefaultChunkSize = 4096

// RetryPolicy controls how Monitor handles transient read errors.
type RetryPolicy struct {
	// MaxConsecutiveErrors is the number of transient errors tolerated in a
	// row. One more turns the failure persistent.
	MaxConsecutiveErrors int
	// Delay is slept between a transient error and the next read.
	Delay time.Duration
}

// DefaultRetryPolicy is used when SetRetryPolicy has not been called.
var DefaultRetryPolicy = RetryPolicy{MaxConsecutiveErrors: 10, Delay: 50 * time.Millisecond}

// SerialMux owns one serial port. Monitor delivers every chunk read to a
// handler and copies it to any debug subscribers.
type SerialMux[T SerialPorter] struct {
	port         T
	retry        RetryPolicy
	subscribers  map[string]chan []byte
	subscriberMu sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// NewSerialMux creates a SerialMux instance backed by the given port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		retry:       DefaultRetryPolicy,
		subscribers: make(map[string]chan []byte),
	}
}

// SetRetryPolicy replaces the retry policy. Zero fields keep their defaults.
func (s *SerialMux[T]) SetRetryPolicy(p RetryPolicy) {
	if p.MaxConsecutiveErrors <= 0 {
		p.MaxConsecutiveErrors = DefaultRetryPolicy.MaxConsecutiveErrors
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	s.retry = p
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan []byte) {
	id := randomID()
	ch := make(chan []byte, 16)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// IsTransient reports whether a read error is worth retrying. Timeouts and
// interrupted syscalls are transient; a vanished, closed or inaccessible
// port is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortClosed, serial.PortNotFound, serial.InvalidSerialPort,
			serial.PermissionDenied, serial.PortBusy:
			return false
		}
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.EAGAIN) {
		return true
	}
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

// Monitor reads from the port until ctx is cancelled, the port is closed, a
// persistent read error occurs or handle fails. The slice passed to handle is
// only valid for the duration of the call.
//
// A read that times out with no data returns (0, nil) from the port and is
// not an error; it only gives Monitor a chance to observe ctx.
func (s *SerialMux[T]) Monitor(ctx context.Context, handle func([]byte) error) error {
	buf := make([]byte, DefaultChunkSize)
	consecutive := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.isClosing() {
			return nil
		}

		n, err := s.port.Read(buf)
		if n > 0 {
			consecutive = 0
			chunk := buf[:n]
			s.publish(chunk)
			if herr := handle(chunk); herr != nil {
				return herr
			}
		}
		if err == nil {
			continue
		}
		if s.isClosing() {
			return nil
		}
		if !IsTransient(err) {
			return fmt.Errorf("serial read: %w", err)
		}

		consecutive++
		if consecutive > s.retry.MaxConsecutiveErrors {
			return fmt.Errorf("%w (%d in a row): %w", ErrTooManyErrors, consecutive, err)
		}
		monitoring.Logf("serialmux: transient read error (%d/%d): %v", consecutive, s.retry.MaxConsecutiveErrors, err)

		if s.retry.Delay > 0 {
			timer := time.NewTimer(s.retry.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

func (s *SerialMux[T]) publish(chunk []byte) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if len(s.subscribers) == 0 {
		return
	}
	cp := append([]byte(nil), chunk...)
	for _, ch := range s.subscribers {
		select {
		case ch <- cp:
		default:
			// if the channel is full/blocking skip so as not to block the outer loop
		}
	}
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	// Server-Sent Events carrying each chunk read from the port as hex.
	debug.HandleSilentFunc("serial-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		// Send initial ping to establish connection
		io.WriteString(w, ": ping\n\n")
		flusher.Flush()

		for {
			select {
			case chunk, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", hex.EncodeToString(chunk)); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}

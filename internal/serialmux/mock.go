package serialmux

import (
	"bytes"
	"errors"
	"io"
	"log"
	"sync"
	"time"
)

// MockSerialPort is a read-only port fed from an in-process pipe. Writes are
// discarded.
type MockSerialPort struct {
	r *io.PipeReader
}

func (m *MockSerialPort) Read(p []byte) (int, error) { return m.r.Read(p) }

func (m *MockSerialPort) Write(p []byte) (int, error) { return len(p), nil }

// Close closes the pipe, which also stops the generator feeding it.
func (m *MockSerialPort) Close() error { return m.r.Close() }

// NewMockPort returns a port that receives next() every interval until it is
// closed. It stands in for the sensor bridge in --dev runs.
func NewMockPort(next func() []byte, interval time.Duration) *MockSerialPort {
	r, w := io.Pipe()

	go func() {
		defer w.Close()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			if _, err := w.Write(next()); err != nil {
				return
			}
		}
	}()

	return &MockSerialPort{r: r}
}

// NewMockSerialMux creates a SerialMux backed by NewMockPort.
func NewMockSerialMux(next func() []byte, interval time.Duration) *SerialMux[*MockSerialPort] {
	log.Printf("Using mock serial port, writing every %s", interval)
	return NewSerialMux(NewMockPort(next, interval))
}

// TestableSerialPort is a scripted port for tests. Reads come from
// ReadBuffer, with queued errors and optional blocking; writes are discarded.
type TestableSerialPort struct {
	mu sync.Mutex

	ReadBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// ReadErrors are returned, in order, by the Read calls after ReadError
	ReadErrors []error

	// TimeoutError is returned by SetReadTimeout if set
	TimeoutError error

	// ResetError is returned by ResetInputBuffer if set
	ResetError error

	CloseError error
	Closed     bool
	ReadCalls  int

	// ReadTimeout is the last timeout passed to SetReadTimeout
	ReadTimeout time.Duration

	// InputResets counts ResetInputBuffer calls
	InputResets int

	// BlockReads causes Read to block until data is added or Close is called
	BlockReads bool

	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{ReadBuffer: bytes.NewBuffer(nil)}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read reads from the read buffer, returning any queued error first.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++

	if t.Closed {
		return 0, errors.New("serial port closed")
	}

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	if len(t.ReadErrors) > 0 {
		err := t.ReadErrors[0]
		t.ReadErrors = t.ReadErrors[1:]
		return 0, err
	}

	if t.BlockReads && t.ReadBuffer.Len() == 0 {
		for !t.Closed && t.ReadBuffer.Len() == 0 {
			t.readCond.Wait()
		}
		if t.Closed {
			return 0, errors.New("serial port closed")
		}
	}

	return t.ReadBuffer.Read(p)
}

// Write discards p; the capture path never writes to the sensor.
func (t *TestableSerialPort) Write(p []byte) (int, error) { return len(p), nil }

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast() // Wake up any blocked readers

	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.TimeoutError != nil {
		return t.TimeoutError
	}
	t.ReadTimeout = timeout
	return nil
}

// ResetInputBuffer implements InputResetter by dropping unread data.
func (t *TestableSerialPort) ResetInputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.InputResets++
	if t.ResetError != nil {
		return t.ResetError
	}
	t.ReadBuffer.Reset()
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Signal() // Wake up a blocked reader
}

// MockSerialPortFactory implements SerialPortFactory for testing.
type MockSerialPortFactory struct {
	mu sync.Mutex

	// Port is the port to return from Open
	Port SerialPorter

	// Error is returned by Open if set
	Error error

	// OpenCalls records all Open calls
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Opts PortOptions
}

// NewMockSerialPortFactory creates a new MockSerialPortFactory.
func NewMockSerialPortFactory(port SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Port: port}
}

// Open returns the configured port or error.
func (f *MockSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{
		Path: path,
		Opts: opts,
	})

	if f.Error != nil {
		return nil, f.Error
	}

	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockSerialPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.OpenCalls) == 0 {
		return nil
	}
	return &f.OpenCalls[len(f.OpenCalls)-1]
}

// Reset clears all recorded calls.
func (f *MockSerialPortFactory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = nil
	f.Error = nil
}

package serialmux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func collect(t *testing.T, mux *SerialMux[*TestableSerialPort]) ([]byte, error) {
	t.Helper()
	var got []byte
	err := mux.Monitor(context.Background(), func(chunk []byte) error {
		got = append(got, chunk...)
		return nil
	})
	return got, err
}

func TestMonitorDeliversChunksUntilEOF(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData([]byte{0xAA, 0xBB, 0x01, 0x02})

	got, err := collect(t, NewSerialMux(port))
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []byte{0xAA, 0xBB, 0x01, 0x02}, got)
}

func TestMonitorRetriesTransientErrors(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData([]byte("abc"))
	port.ReadError = os.ErrDeadlineExceeded
	port.ReadErrors = []error{syscall.EINTR, syscall.EAGAIN}

	mux := NewSerialMux(port)
	mux.SetRetryPolicy(RetryPolicy{MaxConsecutiveErrors: 3})

	got, err := collect(t, mux)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "abc", string(got))
	assert.Equal(t, 5, port.ReadCalls)
}

func TestMonitorTooManyConsecutiveErrors(t *testing.T) {
	port := NewTestableSerialPort()
	port.ReadErrors = []error{
		os.ErrDeadlineExceeded, os.ErrDeadlineExceeded, os.ErrDeadlineExceeded,
	}

	mux := NewSerialMux(port)
	mux.SetRetryPolicy(RetryPolicy{MaxConsecutiveErrors: 2})

	_, err := collect(t, mux)
	require.ErrorIs(t, err, ErrTooManyErrors)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestMonitorPersistentError(t *testing.T) {
	port := NewTestableSerialPort()
	port.ReadError = fmt.Errorf("read: %w", syscall.EIO)

	_, err := collect(t, NewSerialMux(port))
	require.ErrorIs(t, err, syscall.EIO)
	assert.NotErrorIs(t, err, ErrTooManyErrors)
}

func TestMonitorHandlerError(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData([]byte("x"))
	boom := errors.New("boom")

	err := NewSerialMux(port).Monitor(context.Background(), func([]byte) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestMonitorStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewSerialMux(NewTestableSerialPort()).Monitor(ctx, func([]byte) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMonitorReturnsNilAfterClose(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	mux := NewSerialMux(port)

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background(), func([]byte) error { return nil }) }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, mux.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after Close")
	}
	assert.True(t, port.Closed)
}

func TestSubscribeReceivesCopies(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData([]byte("hello"))
	mux := NewSerialMux(port)

	id, ch := mux.Subscribe()
	_, err := collect(t, mux)
	require.ErrorIs(t, err, io.EOF)

	select {
	case chunk := <-ch:
		assert.Equal(t, "hello", string(chunk))
	default:
		t.Fatal("subscriber received nothing")
	}

	mux.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after Unsubscribe")
	mux.Unsubscribe(id)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", os.ErrDeadlineExceeded, true},
		{"eintr", fmt.Errorf("read: %w", syscall.EINTR), true},
		{"eagain", syscall.EAGAIN, true},
		{"eof", io.EOF, false},
		{"closed file", os.ErrClosed, false},
		{"eio", syscall.EIO, false},
		{"unknown", errors.New("boom"), false},
		{"busy port", &serial.PortError{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestMockSerialMuxGeneratesUntilClosed(t *testing.T) {
	mux := NewMockSerialMux(func() []byte { return []byte{0xAA, 0xBB} }, time.Millisecond)

	var got []byte
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := mux.Monitor(ctx, func(chunk []byte) error {
		got = append(got, chunk...)
		if len(got) >= 4 {
			return io.ErrShortBuffer
		}
		return nil
	})
	require.ErrorIs(t, err, io.ErrShortBuffer)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xAA, 0xBB}, got[:4])
	assert.NoError(t, mux.Close())
}

func TestAdminRoutesSerialTail(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	mux := NewSerialMux(port)

	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)
	srv := httptest.NewServer(httpMux)
	defer srv.Close()

	go mux.Monitor(context.Background(), func([]byte) error { return nil })
	defer mux.Close()

	resp, err := http.Get(srv.URL + "/debug/serial-tail")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", line)

	// The subscription is registered before the ping is flushed.
	port.AddReadData([]byte{0xAA, 0xBB})
	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	assert.Equal(t, "data: aabb\n", line)
}

func TestAdminRoutesSerialTailRejectsPost(t *testing.T) {
	httpMux := http.NewServeMux()
	NewSerialMux(NewTestableSerialPort()).AttachAdminRoutes(httpMux)

	req := httptest.NewRequest(http.MethodPost, "/debug/serial-tail", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMockSerialPortFactoryRecordsCalls(t *testing.T) {
	port := NewTestableSerialPort()
	f := NewMockSerialPortFactory(port)

	got, err := f.Open("/dev/ttyHS1", PortOptions{BaudRate: 921600})
	require.NoError(t, err)
	assert.Same(t, port, got)
	require.NotNil(t, f.LastCall())
	assert.Equal(t, "/dev/ttyHS1", f.LastCall().Path)

	f.Error = errors.New("no such device")
	_, err = f.Open("/dev/ttyHS2", PortOptions{})
	assert.Error(t, err)

	f.Reset()
	assert.Nil(t, f.LastCall())

	var opener SerialPortFactory = SerialPortOpener(func(path string, opts PortOptions) (SerialPorter, error) {
		return port, nil
	})
	got, err = opener.Open("x", PortOptions{})
	require.NoError(t, err)
	assert.Same(t, port, got)
}

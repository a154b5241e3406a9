package serialmux

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigurePortAppliesTimeoutAndDropsStaleInput(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData([]byte("bytes buffered before attach"))

	got, err := configurePort("/dev/ttyHS1", port, PortOptions{ReadTimeout: 25 * time.Millisecond})
	require.NoError(t, err)
	assert.Same(t, port, got)
	assert.Equal(t, 25*time.Millisecond, port.ReadTimeout)
	assert.Equal(t, 1, port.InputResets)
	assert.Zero(t, port.ReadBuffer.Len())
	assert.False(t, port.Closed)
}

func TestConfigurePortClosesOnFailure(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*TestableSerialPort)
		want  string
	}{
		{
			name:  "timeout",
			setup: func(p *TestableSerialPort) { p.TimeoutError = errors.New("ioctl failed") },
			want:  "failed to set read timeout on /dev/ttyHS1",
		},
		{
			name:  "reset",
			setup: func(p *TestableSerialPort) { p.ResetError = errors.New("tcflush failed") },
			want:  "failed to reset input buffer on /dev/ttyHS1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := NewTestableSerialPort()
			tt.setup(port)

			got, err := configurePort("/dev/ttyHS1", port, PortOptions{ReadTimeout: time.Second})
			assert.Nil(t, got)
			assert.ErrorContains(t, err, tt.want)
			assert.True(t, port.Closed)
		})
	}
}

type plainPort struct{ SerialPorter }

func TestConfigurePortSkipsUnsupportedControls(t *testing.T) {
	port := plainPort{}
	got, err := configurePort("/dev/null", port, PortOptions{ReadTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, port, got)
}

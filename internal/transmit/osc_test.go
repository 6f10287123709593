package transmit

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/hypebeast/go-osc/osc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openephys-tools/zmq2osc/internal/pipeline"
	"github.com/openephys-tools/zmq2osc/pkg/bus"
	"github.com/openephys-tools/zmq2osc/pkg/config"
	"github.com/openephys-tools/zmq2osc/pkg/errors"
)

func newUDPListener(t *testing.T) (net.PacketConn, int) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, conn.LocalAddr().(*net.UDPAddr).Port
}

func receiveMessage(t *testing.T, conn net.PacketConn) *osc.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 65536)
	n, _, err := conn.ReadFrom(buf)
	require.NoError(t, err)

	pkt, err := osc.ParsePacket(string(buf[:n]))
	require.NoError(t, err)
	msg, ok := pkt.(*osc.Message)
	require.True(t, ok)
	return msg
}

func TestSenderBatchPayload(t *testing.T) {
	conn, port := newUDPListener(t)
	s := NewSender(config.TransmitConfig{
		Host: "127.0.0.1", Port: port, BaseAddress: "/data", Mode: config.ModeBatch,
	}, bus.New(zap.NewNop()), zap.NewNop())
	defer s.Close()

	p := &pipeline.Payload{
		Address:         "/data/batch/2",
		HasChannelCount: true,
		NumChannels:     2,
		Values:          []float32{1, 2, 10, 20},
	}
	require.NoError(t, s.Send(context.Background(), p))

	msg := receiveMessage(t, conn)
	assert.Equal(t, "/data/batch/2", msg.Address)
	require.Len(t, msg.Arguments, 5)
	assert.Equal(t, int32(2), msg.Arguments[0])
	assert.Equal(t, float32(1), msg.Arguments[1])
	assert.Equal(t, float32(20), msg.Arguments[4])
}

func TestSenderSamplePayload(t *testing.T) {
	conn, port := newUDPListener(t)
	s := NewSender(config.TransmitConfig{
		Host: "127.0.0.1", Port: port, BaseAddress: "/data", Mode: config.ModeSample,
	}, bus.New(zap.NewNop()), zap.NewNop())

	p := &pipeline.Payload{
		Address:     "/data/sample",
		NumChannels: 3,
		Values:      []float32{0.5, -1.5, 2.5},
	}
	require.NoError(t, s.Send(context.Background(), p))

	msg := receiveMessage(t, conn)
	assert.Equal(t, "/data/sample", msg.Address)
	// No channel-count prefix in sample mode.
	require.Len(t, msg.Arguments, 3)
	assert.Equal(t, float32(0.5), msg.Arguments[0])
}

func TestSenderCanceledContext(t *testing.T) {
	_, port := newUDPListener(t)
	s := NewSender(config.TransmitConfig{
		Host: "127.0.0.1", Port: port, BaseAddress: "/data", Mode: config.ModeBatch,
	}, bus.New(zap.NewNop()), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Send(ctx, &pipeline.Payload{Address: "/data/sample"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTransmit))
}

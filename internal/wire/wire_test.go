package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lezzidan/compsssqaaas/internal/registry"
)

func pipeCodecs(t *testing.T) (client, server *Codec) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return NewCodec(a), NewCodec(b)
}

func TestCodecSendRecvCommand(t *testing.T) {
	client, server := pipeCodecs(t)

	cmd := Command{
		Action:   ActionPut,
		Messages: []string{"key1", "seg1", "param1", "fn1"},
		Size:     42,
		DType:    registry.DType("float64"),
		Shape:    []int{2, 3},
		Kind:     registry.KindHostArray,
	}

	done := make(chan error, 1)
	go func() {
		done <- client.Send(Frame{Kind: FrameCommand, Command: &cmd})
	}()

	f, err := server.Recv()
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, FrameCommand, f.Kind)
	require.NotNil(t, f.Command)
	assert.Equal(t, cmd, *f.Command)
}

func TestCodecSendRecvDescriptorRoundTrip(t *testing.T) {
	client, server := pipeCodecs(t)

	req := DescriptorRequest{Key: "k1"}
	done := make(chan error, 1)
	go func() {
		done <- client.Send(Frame{Kind: FrameDescriptorRequest, DescriptorRequest: &req})
	}()
	f, err := server.Recv()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, "k1", f.DescriptorRequest.Key)

	reply := DescriptorReply{Found: true, SegmentName: "seg1", Size: 128, Kind: registry.KindSequenceList}
	go func() {
		done <- server.Send(Frame{Kind: FrameDescriptorReply, DescriptorReply: &reply})
	}()
	f2, err := client.Recv()
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.NotNil(t, f2.DescriptorReply)
	assert.Equal(t, reply, *f2.DescriptorReply)
}

func TestCodecRecvErrorOnClosedPipe(t *testing.T) {
	a, b := net.Pipe()
	c1, c2 := NewCodec(a), NewCodec(b)
	a.Close()
	b.Close()
	_, err := c1.Recv()
	assert.Error(t, err)
	_, err = c2.Recv()
	assert.Error(t, err)
}

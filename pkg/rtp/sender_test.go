package rtp

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhgorse/mog/pkg/pairing"
)

// TestSenderWriteSample отправитель штампует SSRC и наращивает sequence number
func TestSenderWriteSample(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	sender, err := NewSender(SenderConfig{
		LocalAddr: "127.0.0.1:0",
		BasePort:  listener.LocalAddr().(*net.UDPAddr).Port,
		VideoSSRC: 111,
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	defer sender.Close()

	assert.Equal(t, uint32(111), sender.SSRC(SessionVideo))
	assert.NotZero(t, sender.SSRC(SessionAudio), "SSRC аудио сгенерирован")

	require.NoError(t, sender.SetDestinations([]string{"127.0.0.1"}))
	require.NoError(t, sender.WriteSample(SessionVideo, []byte("nal-1"), 9000, false))
	require.NoError(t, sender.WriteSample(SessionVideo, []byte("nal-2"), 9000, true))

	read := func() *rtp.Packet {
		buf := make([]byte, MaxPacketSize)
		require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, _, err := listener.ReadFromUDP(buf)
		require.NoError(t, err)
		p := &rtp.Packet{}
		require.NoError(t, p.Unmarshal(buf[:n]))
		return p
	}

	first, second := read(), read()
	assert.Equal(t, uint32(111), first.SSRC)
	assert.Equal(t, PayloadTypeH264, first.PayloadType)
	assert.Equal(t, []byte("nal-1"), first.Payload)
	assert.Equal(t, first.SequenceNumber+1, second.SequenceNumber)
	assert.True(t, second.Marker)

	assert.ErrorIs(t, sender.WriteSample(7, nil, 0, false), ErrUnknownSession)
}

// TestSenderPairs все RTP источники отправителя сопоставляются сразу, RTCP - нет
func TestSenderPairs(t *testing.T) {
	sender, err := NewSender(SenderConfig{LocalAddr: "127.0.0.1:0", Logger: quietLogger()})
	require.NoError(t, err)
	defer sender.Close()

	pairer := pairing.NewPairer(pairing.Config{Logger: quietLogger()})
	defer pairer.Close()
	pairer.Attach(sender, nil)

	assert.Equal(t, []pairing.Pair{
		{Source: "send_rtp_src_0", Sink: "send_rtp_sink_0"},
		{Source: "send_rtp_src_1", Sink: "send_rtp_sink_1"},
	}, pairer.Pairs())
}

// TestSenderClosed после закрытия отправка невозможна
func TestSenderClosed(t *testing.T) {
	sender, err := NewSender(SenderConfig{LocalAddr: "127.0.0.1:0", Logger: quietLogger()})
	require.NoError(t, err)

	require.NoError(t, sender.SendReports())
	require.NoError(t, sender.Close())
	assert.NoError(t, sender.Close())
	assert.ErrorIs(t, sender.WriteSample(SessionVideo, []byte{1}, 0, false), ErrTransportClosed)
}

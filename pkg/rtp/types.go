package rtp

import (
	"fmt"

	"github.com/pion/rtp"
)

// Номера медиа сессий внутри мультиплексированной RTP сессии
const (
	SessionVideo uint32 = 0
	SessionAudio uint32 = 1

	sessionCount = 2
)

// Payload type по умолчанию
const (
	PayloadTypeH264 uint8 = 96
	PayloadTypeL16  uint8 = 97
)

// InactiveReason причина прекращения потока от SSRC
type InactiveReason int

const (
	// InactiveBye получен RTCP BYE
	InactiveBye InactiveReason = iota
	// InactiveStop сессия остановлена
	InactiveStop
	// InactiveTimeout пакеты перестали приходить
	InactiveTimeout
)

func (r InactiveReason) String() string {
	switch r {
	case InactiveBye:
		return "bye"
	case InactiveStop:
		return "stop"
	case InactiveTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// EventHandler получает события активности SSRC.
// Вызывается из горутин сессии.
type EventHandler interface {
	OnSourceActive(session, ssrc uint32)
	OnSourceInactive(session, ssrc uint32, reason InactiveReason)
}

// PacketSink получатель RTP пакетов одного SSRC
type PacketSink interface {
	WriteRTP(packet *rtp.Packet) error
}

// PacketSinkFunc адаптер функции к PacketSink
type PacketSinkFunc func(packet *rtp.Packet) error

// WriteRTP вызывает f(packet)
func (f PacketSinkFunc) WriteRTP(packet *rtp.Packet) error { return f(packet) }

// SessionPorts порты мультиплексированной сессии относительно базового:
// RTP видео, RTCP видео, RTP аудио, RTCP аудио
func SessionPorts(base int) (videoRTP, videoRTCP, audioRTP, audioRTCP int) {
	return base, base + 1, base + 2, base + 3
}

// rtpPort порт RTP медиа сессии. Нулевой базовый порт означает эфемерный.
func rtpPort(base int, session uint32) int {
	if base == 0 {
		return 0
	}
	return base + 2*int(session)
}

// rtcpPort порт RTCP медиа сессии
func rtcpPort(base int, session uint32) int {
	if base == 0 {
		return 0
	}
	return base + 2*int(session) + 1
}

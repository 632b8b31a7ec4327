package pairing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Префиксы имен sub-endpoint мультиплексированной RTP сессии
const (
	PrefixSendRTPSink = "send_rtp_sink_"
	PrefixSendRTPSrc  = "send_rtp_src_"
	PrefixSendRTCPSrc = "send_rtcp_src_"
	PrefixRecvRTPSink = "recv_rtp_sink_"
	PrefixRecvRTPSrc  = "recv_rtp_src_"
)

var (
	// ErrRTCPOnly источник несет только RTCP и не имеет пары в плоскости данных
	ErrRTCPOnly = errors.New("RTCP источник не имеет пары")
	// ErrUnknownPad имя не соответствует соглашению об именовании
	ErrUnknownPad = errors.New("неизвестное имя sub-endpoint")
)

// PadKind класс sub-endpoint
type PadKind int

const (
	PadUnknown PadKind = iota
	PadSendRTPSink
	PadSendRTPSrc
	PadSendRTCPSrc
	PadRecvRTPSink
	PadRecvRTPSrc
)

func (k PadKind) String() string {
	switch k {
	case PadSendRTPSink:
		return "send_rtp_sink"
	case PadSendRTPSrc:
		return "send_rtp_src"
	case PadSendRTCPSrc:
		return "send_rtcp_src"
	case PadRecvRTPSink:
		return "recv_rtp_sink"
	case PadRecvRTPSrc:
		return "recv_rtp_src"
	default:
		return "unknown"
	}
}

// PadName разобранное имя sub-endpoint.
// SSRC и PayloadType заполняются только для recv_rtp_src_<n>_<ssrc>_<pt>.
type PadName struct {
	Kind        PadKind
	Index       uint32
	SSRC        uint32
	PayloadType uint8
}

// SendRTPSinkName возвращает send_rtp_sink_<n>
func SendRTPSinkName(n uint32) string { return PrefixSendRTPSink + strconv.FormatUint(uint64(n), 10) }

// SendRTPSrcName возвращает send_rtp_src_<n>
func SendRTPSrcName(n uint32) string { return PrefixSendRTPSrc + strconv.FormatUint(uint64(n), 10) }

// SendRTCPSrcName возвращает send_rtcp_src_<n>
func SendRTCPSrcName(n uint32) string { return PrefixSendRTCPSrc + strconv.FormatUint(uint64(n), 10) }

// RecvRTPSinkName возвращает recv_rtp_sink_<n>
func RecvRTPSinkName(n uint32) string { return PrefixRecvRTPSink + strconv.FormatUint(uint64(n), 10) }

// RecvRTPSrcName возвращает recv_rtp_src_<n>_<ssrc>_<pt>
func RecvRTPSrcName(n, ssrc uint32, payloadType uint8) string {
	return fmt.Sprintf("%s%d_%d_%d", PrefixRecvRTPSrc, n, ssrc, payloadType)
}

// ParsePadName разбирает имя sub-endpoint по соглашению об именовании
func ParsePadName(name string) (PadName, error) {
	// Префиксы не пересекаются, порядок проверки не важен
	for _, p := range []struct {
		prefix string
		kind   PadKind
	}{
		{PrefixSendRTCPSrc, PadSendRTCPSrc},
		{PrefixSendRTPSrc, PadSendRTPSrc},
		{PrefixSendRTPSink, PadSendRTPSink},
		{PrefixRecvRTPSrc, PadRecvRTPSrc},
		{PrefixRecvRTPSink, PadRecvRTPSink},
	} {
		rest, ok := strings.CutPrefix(name, p.prefix)
		if !ok {
			continue
		}

		if p.kind == PadRecvRTPSrc {
			return parseRecvSource(name, rest)
		}

		index, err := parseUint32(rest)
		if err != nil {
			return PadName{}, fmt.Errorf("%w: %q: %v", ErrUnknownPad, name, err)
		}
		return PadName{Kind: p.kind, Index: index}, nil
	}

	return PadName{}, fmt.Errorf("%w: %q", ErrUnknownPad, name)
}

func parseRecvSource(name, rest string) (PadName, error) {
	parts := strings.Split(rest, "_")
	if len(parts) != 3 {
		return PadName{}, fmt.Errorf("%w: %q: ожидается <n>_<ssrc>_<pt>", ErrUnknownPad, name)
	}

	index, err := parseUint32(parts[0])
	if err != nil {
		return PadName{}, fmt.Errorf("%w: %q: %v", ErrUnknownPad, name, err)
	}
	ssrc, err := parseUint32(parts[1])
	if err != nil {
		return PadName{}, fmt.Errorf("%w: %q: %v", ErrUnknownPad, name, err)
	}
	pt, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return PadName{}, fmt.Errorf("%w: %q: %v", ErrUnknownPad, name, err)
	}

	return PadName{Kind: PadRecvRTPSrc, Index: index, SSRC: ssrc, PayloadType: uint8(pt)}, nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// SinkNameFor синтезирует имя sink для источника того же направления.
// Для RTCP источника возвращает ErrRTCPOnly, для чужих имен ErrUnknownPad.
func SinkNameFor(source string) (string, error) {
	pad, err := ParsePadName(source)
	if err != nil {
		return "", err
	}

	switch pad.Kind {
	case PadSendRTCPSrc:
		return "", ErrRTCPOnly
	case PadSendRTPSrc:
		return SendRTPSinkName(pad.Index), nil
	case PadRecvRTPSrc:
		return RecvRTPSinkName(pad.Index), nil
	default:
		return "", fmt.Errorf("%w: %q не является источником", ErrUnknownPad, source)
	}
}

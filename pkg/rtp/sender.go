package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/jhgorse/mog/pkg/pairing"
)

// SenderConfig конфигурация отправителя
type SenderConfig struct {
	LocalAddr string
	// BasePort базовый порт получателей, 10000 + 4 * индекс отправителя в списке
	BasePort int
	// SSRC потоков, 0 - сгенерировать случайно
	VideoSSRC uint32
	AudioSSRC uint32

	VideoPayloadType uint8
	AudioPayloadType uint8
	// CNAME для RTCP SDES
	CNAME  string
	Logger *logrus.Entry
}

type outStream struct {
	ssrc        uint32
	payloadType uint8
	sequence    uint16
	timestamp   uint32
	packets     uint32
	octets      uint32
}

// Sender отправляет видео и аудио всем участникам
type Sender struct {
	transport *UDPTransport
	basePort  int
	cname     string
	log       *logrus.Entry

	mu           sync.Mutex
	streams      [sessionCount]*outStream
	destinations []net.IP
	closed       bool
}

// NewSender создает отправитель
func NewSender(config SenderConfig) (*Sender, error) {
	if config.Logger == nil {
		config.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if config.VideoPayloadType == 0 {
		config.VideoPayloadType = PayloadTypeH264
	}
	if config.AudioPayloadType == 0 {
		config.AudioPayloadType = PayloadTypeL16
	}

	var err error
	if config.VideoSSRC == 0 {
		if config.VideoSSRC, err = generateSSRC(); err != nil {
			return nil, err
		}
	}
	if config.AudioSSRC == 0 {
		if config.AudioSSRC, err = generateSSRC(); err != nil {
			return nil, err
		}
	}

	transport, err := NewUDPTransport(TransportConfig{LocalAddr: config.LocalAddr})
	if err != nil {
		return nil, err
	}

	s := &Sender{
		transport: transport,
		basePort:  config.BasePort,
		cname:     config.CNAME,
		log:       config.Logger.WithField("component", "rtp_sender"),
	}
	s.streams[SessionVideo] = &outStream{
		ssrc:        config.VideoSSRC,
		payloadType: config.VideoPayloadType,
		sequence:    generateRandomUint16(),
	}
	s.streams[SessionAudio] = &outStream{
		ssrc:        config.AudioSSRC,
		payloadType: config.AudioPayloadType,
		sequence:    generateRandomUint16(),
	}

	s.log.WithFields(logrus.Fields{
		"video_ssrc": config.VideoSSRC,
		"audio_ssrc": config.AudioSSRC,
		"base_port":  config.BasePort,
	}).Info("Отправитель создан")

	return s, nil
}

// SSRC возвращает SSRC медиа сессии
func (s *Sender) SSRC(session uint32) uint32 {
	if session >= sessionCount {
		return 0
	}
	return s.streams[session].ssrc
}

// SetDestinations задает адреса получателей
func (s *Sender) SetDestinations(addresses []string) error {
	ips := make([]net.IP, 0, len(addresses))
	for _, address := range addresses {
		ip := net.ParseIP(address)
		if ip == nil {
			resolved, err := net.ResolveIPAddr("ip", address)
			if err != nil {
				return fmt.Errorf("ошибка разрешения адреса %q: %w", address, err)
			}
			ip = resolved.IP
		}
		ips = append(ips, ip)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.destinations = ips
	return nil
}

// WriteSample отправляет полезную нагрузку одним RTP пакетом всем получателям.
// Ошибки отправки отдельным получателям не прерывают рассылку.
func (s *Sender) WriteSample(session uint32, payload []byte, timestamp uint32, marker bool) error {
	if session >= sessionCount {
		return fmt.Errorf("%w: %d", ErrUnknownSession, session)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrTransportClosed
	}
	stream := s.streams[session]
	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        ExpectedRTPVersion,
			PayloadType:    stream.payloadType,
			SequenceNumber: stream.sequence,
			Timestamp:      timestamp,
			SSRC:           stream.ssrc,
			Marker:         marker,
		},
		Payload: payload,
	}
	stream.sequence++
	stream.timestamp = timestamp
	stream.packets++
	stream.octets += uint32(len(payload))
	destinations := s.destinations
	s.mu.Unlock()

	data, err := packet.Marshal()
	if err != nil {
		return fmt.Errorf("ошибка маршалинга RTP пакета: %w", err)
	}

	s.sendAll(data, destinations, rtpPort(s.basePort, session))
	return nil
}

// SendReports отправляет Sender Report и SDES по обеим медиа сессиям
func (s *Sender) SendReports() error {
	s.mu.Lock()
	destinations := s.destinations
	reports := make([][]rtcp.Packet, sessionCount)
	for id, stream := range s.streams {
		reports[id] = []rtcp.Packet{
			&rtcp.SenderReport{
				SSRC:        stream.ssrc,
				RTPTime:     stream.timestamp,
				PacketCount: stream.packets,
				OctetCount:  stream.octets,
			},
			&rtcp.SourceDescription{Chunks: []rtcp.SourceDescriptionChunk{{
				Source: stream.ssrc,
				Items:  []rtcp.SourceDescriptionItem{{Type: rtcp.SDESCNAME, Text: s.cname}},
			}}},
		}
	}
	s.mu.Unlock()

	for id, packets := range reports {
		data, err := rtcp.Marshal(packets)
		if err != nil {
			return fmt.Errorf("ошибка маршалинга RTCP: %w", err)
		}
		s.sendAll(data, destinations, rtcpPort(s.basePort, uint32(id)))
	}
	return nil
}

// Close отправляет RTCP BYE для обоих SSRC и закрывает сокет
func (s *Sender) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	destinations := s.destinations
	s.mu.Unlock()

	for id, stream := range s.streams {
		bye := &rtcp.Goodbye{Sources: []uint32{stream.ssrc}, Reason: "leave"}
		data, err := bye.Marshal()
		if err != nil {
			s.log.WithError(err).Warn("Ошибка маршалинга RTCP BYE")
			continue
		}
		s.sendAll(data, destinations, rtcpPort(s.basePort, uint32(id)))
	}

	s.log.Info("Отправитель закрыт")
	return s.transport.Close()
}

func (s *Sender) sendAll(data []byte, destinations []net.IP, port int) {
	for _, ip := range destinations {
		addr := &net.UDPAddr{IP: ip, Port: port}
		if err := s.transport.Send(data, addr); err != nil {
			s.log.WithError(err).WithField("to", addr.String()).Debug("Ошибка отправки")
		}
	}
}

// SinkPads возвращает sink отправителя
func (s *Sender) SinkPads() []string {
	return []string{pairing.SendRTPSinkName(SessionVideo), pairing.SendRTPSinkName(SessionAudio)}
}

// SourcePads возвращает источники отправителя
func (s *Sender) SourcePads() []string {
	pads := make([]string, 0, 2*sessionCount)
	for id := uint32(0); id < sessionCount; id++ {
		pads = append(pads, pairing.SendRTPSrcName(id), pairing.SendRTCPSrcName(id))
	}
	return pads
}

// OnSourcePadAdded у отправителя набор источников постоянный
func (s *Sender) OnSourcePadAdded(func(name string)) func() {
	return func() {}
}

// OnSourcePadRemoved источники отправителя не удаляются
func (s *Sender) OnSourcePadRemoved(func(name string)) func() {
	return func() {}
}

// Destinations возвращает адреса RTP видео получателей
func (s *Sender) Destinations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]string, 0, len(s.destinations))
	for _, ip := range s.destinations {
		result = append(result, net.JoinHostPort(ip.String(), strconv.Itoa(s.basePort)))
	}
	return result
}

// generateSSRC генерирует случайный SSRC
func generateSSRC() (uint32, error) {
	var ssrc uint32
	if err := binary.Read(rand.Reader, binary.BigEndian, &ssrc); err != nil {
		return 0, fmt.Errorf("ошибка генерации SSRC: %w", err)
	}
	if ssrc == 0 {
		ssrc = 1
	}
	return ssrc, nil
}

func generateRandomUint16() uint16 {
	var val uint16
	_ = binary.Read(rand.Reader, binary.BigEndian, &val)
	return val
}

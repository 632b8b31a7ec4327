package conference

import (
	"errors"
	"fmt"
	"net"
	"sync"

	pionrtp "github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/sirupsen/logrus"

	"github.com/jhgorse/mog/pkg/coordinator"
	"github.com/jhgorse/mog/pkg/rtp"
)

var (
	ErrNoSession = errors.New("нет RTP сессии участника")
	ErrNoDecoder = errors.New("фабрика декодеров не вернула декодер")
)

// Decoder принимает RTP пакеты одного SSRC
type Decoder interface {
	rtp.PacketSink
	Close() error
}

// DecoderFactory создает декодер для цепочки.
// description описывает поток в формате SDP.
type DecoderFactory interface {
	NewDecoder(chain coordinator.DecodeChain, description *sdp.SessionDescription) (Decoder, error)
}

// DecoderFactoryFunc адаптер функции к DecoderFactory
type DecoderFactoryFunc func(chain coordinator.DecodeChain, description *sdp.SessionDescription) (Decoder, error)

// NewDecoder вызывает f(chain, description)
func (f DecoderFactoryFunc) NewDecoder(chain coordinator.DecodeChain, description *sdp.SessionDescription) (Decoder, error) {
	return f(chain, description)
}

// RouteTarget приемная сессия, в которую направляются цепочки
type RouteTarget interface {
	Route(session, ssrc uint32, sink rtp.PacketSink) error
	Blackhole(session, ssrc uint32)
	LocalAddr(session uint32) net.Addr
}

type chainKey struct {
	media coordinator.MediaType
	ssrc  uint32
}

type wiredChain struct {
	session RouteTarget
	decoder Decoder
}

// Pipeline связывает решения координатора с приемными RTP сессиями
type Pipeline struct {
	decoders DecoderFactory
	log      *logrus.Entry

	mu       sync.Mutex
	sessions map[string]RouteTarget
	chains   map[chainKey]wiredChain
}

// NewPipeline создает конвейер. Без фабрики используется HeadlessDecoders.
func NewPipeline(decoders DecoderFactory, logger *logrus.Entry) *Pipeline {
	if decoders == nil {
		decoders = HeadlessDecoders{}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pipeline{
		decoders: decoders,
		log:      logger.WithField("component", "pipeline"),
		sessions: make(map[string]RouteTarget),
		chains:   make(map[chainKey]wiredChain),
	}
}

// AddSession регистрирует приемную сессию участника
func (p *Pipeline) AddSession(address string, session RouteTarget) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[address] = session
}

// Wire строит цепочку: SDP описание, декодер и маршрут SSRC в приемной сессии
func (p *Pipeline) Wire(chain coordinator.DecodeChain) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	session, ok := p.sessions[chain.Address]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, chain.Address)
	}

	key := chainKey{chain.Media, chain.SSRC}
	if old, ok := p.chains[key]; ok {
		// Повторное построение заменяет прежнюю цепочку
		old.session.Blackhole(mediaSession(chain.Media), chain.SSRC)
		old.decoder.Close()
		delete(p.chains, key)
	}

	port := 0
	if addr, ok := session.LocalAddr(mediaSession(chain.Media)).(*net.UDPAddr); ok {
		port = addr.Port
	}
	description, err := Description(chain, port)
	if err != nil {
		return err
	}

	decoder, err := p.decoders.NewDecoder(chain, description)
	if err != nil {
		return fmt.Errorf("ошибка создания декодера: %w", err)
	}
	if decoder == nil {
		return ErrNoDecoder
	}

	if err := session.Route(mediaSession(chain.Media), chain.SSRC, decoder); err != nil {
		decoder.Close()
		return err
	}
	p.chains[key] = wiredChain{session: session, decoder: decoder}

	p.log.WithFields(logrus.Fields{
		"media":   chain.Media.String(),
		"ssrc":    chain.SSRC,
		"address": chain.Address,
		"name":    chain.Name,
	}).Info("Цепочка декодирования построена")
	return nil
}

// Unwire направляет SSRC в blackhole и закрывает декодер
func (p *Pipeline) Unwire(media coordinator.MediaType, ssrc uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := chainKey{media, ssrc}
	wired, ok := p.chains[key]
	if !ok {
		return nil
	}
	delete(p.chains, key)

	wired.session.Blackhole(mediaSession(media), ssrc)
	if err := wired.decoder.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия декодера: %w", err)
	}

	p.log.WithFields(logrus.Fields{
		"media": media.String(),
		"ssrc":  ssrc,
	}).Info("Цепочка декодирования разобрана")
	return nil
}

// Chains количество построенных цепочек
func (p *Pipeline) Chains() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chains)
}

// Close разбирает все цепочки
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, wired := range p.chains {
		wired.session.Blackhole(mediaSession(key.media), key.ssrc)
		wired.decoder.Close()
	}
	p.chains = make(map[chainKey]wiredChain)
}

// mediaSession номер медиа сессии для типа медиа
func mediaSession(media coordinator.MediaType) uint32 {
	if media == coordinator.MediaAudio {
		return rtp.SessionAudio
	}
	return rtp.SessionVideo
}

// mediaType тип медиа для номера медиа сессии
func mediaType(session uint32) (coordinator.MediaType, bool) {
	switch session {
	case rtp.SessionVideo:
		return coordinator.MediaVideo, true
	case rtp.SessionAudio:
		return coordinator.MediaAudio, true
	default:
		return 0, false
	}
}

// HeadlessDecoders декодеры без вывода: пакеты учитываются в слоте участника
type HeadlessDecoders struct{}

// NewDecoder создает декодер для слота из chain.Surface
func (HeadlessDecoders) NewDecoder(chain coordinator.DecodeChain, _ *sdp.SessionDescription) (Decoder, error) {
	slot, _ := chain.Surface.(*Slot)
	return &headlessDecoder{media: chain.Media, slot: slot}, nil
}

type headlessDecoder struct {
	media coordinator.MediaType
	slot  *Slot
}

func (d *headlessDecoder) WriteRTP(packet *pionrtp.Packet) error {
	if d.slot == nil {
		return nil
	}
	d.slot.packets.Add(1)
	switch d.media {
	case coordinator.MediaVideo:
		if packet.Marker {
			d.slot.frames.Add(1)
		}
	case coordinator.MediaAudio:
		d.slot.samples.Add(1)
	}
	return nil
}

func (d *headlessDecoder) Close() error { return nil }

// Приемная мультиплексированная RTP сессия одного удаленного участника.
//
// Сессия слушает четыре порта от базового: RTP и RTCP видео (медиа сессия 0),
// RTP и RTCP аудио (медиа сессия 1). Для каждого нового SSRC создается
// sub-endpoint recv_rtp_src_<n>_<ssrc>_<pt>, подписчики получают его имя,
// обработчик событий получает сообщение об активности.
//
// Пакеты SSRC передаются в PacketSink, назначенный через Route. Без маршрута
// пакеты отбрасываются (blackhole). BasePort 0 означает эфемерные порты.
package rtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jhgorse/mog/pkg/pairing"
)

var (
	ErrSessionStarted = errors.New("сессия уже запущена")
	ErrSessionStopped = errors.New("сессия остановлена")
	ErrUnknownSession = errors.New("неизвестная медиа сессия")
)

// SessionConfig конфигурация приемной сессии
type SessionConfig struct {
	// ListenIP адрес привязки, пустой - все интерфейсы
	ListenIP string
	BasePort int
	// SourceTimeout таймаут неактивности SSRC
	SourceTimeout time.Duration
	Handler       EventHandler
	Logger        *logrus.Entry
}

type mediaSession struct {
	id      uint32
	rtp     *UDPTransport
	rtcp    *UDPTransport
	sources *SourceManager
}

type routeKey struct {
	session uint32
	ssrc    uint32
}

// Session приемная мультиплексированная RTP сессия
type Session struct {
	basePort int
	handler  EventHandler
	log      *logrus.Entry
	media    [sessionCount]*mediaSession

	mu         sync.Mutex
	sourcePads []string
	// Подписчики на появление и исчезновение источников
	added     map[int]func(string)
	removed   map[int]func(string)
	nextSubID int
	routes    map[routeKey]PacketSink

	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
	stopped bool
}

// NewSession создает сессию и привязывает сокеты
func NewSession(config SessionConfig) (*Session, error) {
	if config.Logger == nil {
		config.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	s := &Session{
		basePort: config.BasePort,
		handler:  config.Handler,
		log:      config.Logger.WithFields(logrus.Fields{"component": "rtp_session", "base_port": config.BasePort}),
		added:    make(map[int]func(string)),
		removed:  make(map[int]func(string)),
		routes:   make(map[routeKey]PacketSink),
	}

	for id := uint32(0); id < sessionCount; id++ {
		m, err := s.bindMedia(config, id)
		if err != nil {
			s.closeTransports()
			return nil, err
		}
		s.media[id] = m
	}

	return s, nil
}

func (s *Session) bindMedia(config SessionConfig, id uint32) (*mediaSession, error) {
	m := &mediaSession{id: id}

	var err error
	m.rtp, err = NewUDPTransport(TransportConfig{
		LocalAddr: net.JoinHostPort(config.ListenIP, strconv.Itoa(rtpPort(config.BasePort, id))),
	})
	if err != nil {
		return nil, fmt.Errorf("RTP сокет медиа сессии %d: %w", id, err)
	}

	m.rtcp, err = NewUDPTransport(TransportConfig{
		LocalAddr: net.JoinHostPort(config.ListenIP, strconv.Itoa(rtcpPort(config.BasePort, id))),
	})
	if err != nil {
		m.rtp.Close()
		return nil, fmt.Errorf("RTCP сокет медиа сессии %d: %w", id, err)
	}

	m.sources = NewSourceManager(SourceManagerConfig{
		SourceTimeout: config.SourceTimeout,
		OnSourceAdded: func(source RemoteSource) {
			s.onSourceAdded(id, source)
		},
		OnSourceRemoved: func(source RemoteSource, reason InactiveReason) {
			s.onSourceRemoved(id, source, reason)
		},
	})

	return m, nil
}

// Start запускает чтение сокетов и проверку таймаутов
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSessionStopped
	}
	if s.started {
		return ErrSessionStarted
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	s.group = group

	for _, m := range s.media {
		m := m
		group.Go(func() error { return s.readLoop(gctx, m.rtp, func(data []byte) { s.handleRTP(m, data) }) })
		group.Go(func() error { return s.readLoop(gctx, m.rtcp, func(data []byte) { s.handleRTCP(m, data) }) })
		group.Go(func() error { return m.sources.Run(gctx) })
	}

	s.log.Info("RTP сессия запущена")
	return nil
}

// Stop останавливает сессию. Все активные SSRC деактивируются с причиной stop.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	group := s.group
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.closeTransports()

	var err error
	if group != nil {
		err = group.Wait()
	}

	for _, m := range s.media {
		if m != nil {
			m.sources.RemoveAll(InactiveStop)
		}
	}

	s.log.Info("RTP сессия остановлена")
	return err
}

func (s *Session) closeTransports() {
	for _, m := range s.media {
		if m == nil {
			continue
		}
		m.rtp.Close()
		m.rtcp.Close()
	}
}

func (s *Session) readLoop(ctx context.Context, t *UDPTransport, handle func([]byte)) error {
	for {
		data, _, err := t.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrTransportClosed) {
				return nil
			}
			if IsTimeout(err) {
				continue
			}
			s.log.WithError(err).Debug("Ошибка чтения")
			continue
		}
		handle(data)
	}
}

func (s *Session) handleRTP(m *mediaSession, data []byte) {
	packet, err := parseRTP(data)
	if err != nil {
		s.log.WithError(err).Debug("Отброшен RTP пакет")
		return
	}

	m.sources.UpdateFromPacket(packet)

	s.mu.Lock()
	sink := s.routes[routeKey{m.id, packet.SSRC}]
	s.mu.Unlock()

	if sink == nil {
		return
	}
	if err := sink.WriteRTP(packet); err != nil {
		s.log.WithError(err).WithField("ssrc", packet.SSRC).Debug("Ошибка передачи пакета получателю")
	}
}

func (s *Session) handleRTCP(m *mediaSession, data []byte) {
	if len(data) < MinRTCPSize {
		return
	}
	packets, err := rtcp.Unmarshal(data)
	if err != nil {
		s.log.WithError(err).Debug("Отброшен RTCP пакет")
		return
	}

	for _, p := range packets {
		switch p := p.(type) {
		case *rtcp.Goodbye:
			for _, ssrc := range p.Sources {
				if m.sources.Bye(ssrc) {
					s.log.WithFields(logrus.Fields{
						"session": m.id,
						"ssrc":    ssrc,
						"reason":  p.Reason,
					}).Debug("Получен RTCP BYE")
				}
			}
		case *rtcp.SenderReport:
			s.log.WithFields(logrus.Fields{
				"session": m.id,
				"ssrc":    p.SSRC,
				"packets": p.PacketCount,
			}).Trace("Получен Sender Report")
		}
	}
}

func (s *Session) onSourceAdded(session uint32, source RemoteSource) {
	name := pairing.RecvRTPSrcName(session, source.SSRC, source.PayloadType)

	s.mu.Lock()
	s.sourcePads = append(s.sourcePads, name)
	subscribers := handlersOf(s.added)
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"session": session,
		"ssrc":    source.SSRC,
		"pad":     name,
	}).Info("Новый SSRC")

	for _, fn := range subscribers {
		fn(name)
	}
	if s.handler != nil {
		s.handler.OnSourceActive(session, source.SSRC)
	}
}

func (s *Session) onSourceRemoved(session uint32, source RemoteSource, reason InactiveReason) {
	name := pairing.RecvRTPSrcName(session, source.SSRC, source.PayloadType)

	s.mu.Lock()
	for i, pad := range s.sourcePads {
		if pad == name {
			s.sourcePads = append(s.sourcePads[:i], s.sourcePads[i+1:]...)
			break
		}
	}
	subscribers := handlersOf(s.removed)
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"session": session,
		"ssrc":    source.SSRC,
		"reason":  reason.String(),
		"packets": source.PacketsReceived,
		"lost":    source.PacketsLost(),
	}).Info("SSRC неактивен")

	for _, fn := range subscribers {
		fn(name)
	}
	if s.handler != nil {
		s.handler.OnSourceInactive(session, source.SSRC, reason)
	}
}

// Route направляет пакеты SSRC медиа сессии в sink
func (s *Session) Route(session, ssrc uint32, sink PacketSink) error {
	if session >= sessionCount {
		return fmt.Errorf("%w: %d", ErrUnknownSession, session)
	}
	if sink == nil {
		return fmt.Errorf("sink не задан")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[routeKey{session, ssrc}] = sink
	return nil
}

// Blackhole снимает маршрут, пакеты SSRC отбрасываются
func (s *Session) Blackhole(session, ssrc uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.routes, routeKey{session, ssrc})
}

// SinkPads возвращает sink приемной сессии
func (s *Session) SinkPads() []string {
	pads := make([]string, 0, sessionCount)
	for id := uint32(0); id < sessionCount; id++ {
		pads = append(pads, pairing.RecvRTPSinkName(id))
	}
	return pads
}

// SourcePads возвращает источники, созданные для активных SSRC
func (s *Session) SourcePads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sourcePads...)
}

// OnSourcePadAdded подписывает на появление новых источников
func (s *Session) OnSourcePadAdded(handler func(name string)) func() {
	return s.subscribe(s.added, handler)
}

// OnSourcePadRemoved подписывает на удаление источников после BYE, таймаута или остановки
func (s *Session) OnSourcePadRemoved(handler func(name string)) func() {
	return s.subscribe(s.removed, handler)
}

func (s *Session) subscribe(set map[int]func(string), handler func(string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	set[id] = handler

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(set, id)
	}
}

func handlersOf(set map[int]func(string)) []func(string) {
	handlers := make([]func(string), 0, len(set))
	for _, fn := range set {
		handlers = append(handlers, fn)
	}
	return handlers
}

// BasePort возвращает базовый порт сессии
func (s *Session) BasePort() int { return s.basePort }

// Sources возвращает активные SSRC медиа сессии
func (s *Session) Sources(session uint32) []RemoteSource {
	if session >= sessionCount {
		return nil
	}
	return s.media[session].sources.Sources()
}

// LocalAddr возвращает адрес RTP сокета медиа сессии
func (s *Session) LocalAddr(session uint32) net.Addr {
	if session >= sessionCount {
		return nil
	}
	return s.media[session].rtp.LocalAddr()
}

// RTCPAddr возвращает адрес RTCP сокета медиа сессии
func (s *Session) RTCPAddr(session uint32) net.Addr {
	if session >= sessionCount {
		return nil
	}
	return s.media[session].rtcp.LocalAddr()
}

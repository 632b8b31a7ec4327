// Package conference управляет участием в конференции.
//
// Инициатор (Start) объявляет список участников сообщением CALL, приглашенный (Join)
// ждет первого CALL. После получения списка поднимается медиа часть: приемная RTP
// сессия для каждого удаленного участника на порту 10000 + 4 * индекс участника,
// отправитель на порту 10000 + 4 * собственный индекс, координатор SSRC,
// связывающий объявленные параметры с активными потоками.
package conference

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jhgorse/mog/pkg/announce"
	"github.com/jhgorse/mog/pkg/coordinator"
	"github.com/jhgorse/mog/pkg/metrics"
	"github.com/jhgorse/mog/pkg/pairing"
	"github.com/jhgorse/mog/pkg/rtp"
)

const (
	// DefaultBasePort базовый RTP порт участника с индексом 0
	DefaultBasePort = 10000

	// portsPerParticipant RTP/RTCP видео и аудио
	portsPerParticipant = 4
)

var (
	ErrAlreadyStarted     = errors.New("конференция уже запущена")
	ErrClosed             = errors.New("конференция завершена")
	ErrUnknownParticipant = errors.New("участник отсутствует в справочнике")
	ErrNotInvited         = errors.New("собственный адрес отсутствует в списке участников")
	ErrEmptyRoster        = errors.New("список участников пуст")
)

// Signaling анонсер конференции
type Signaling interface {
	ConfigureParticipantList(addresses []string) error
	SetParticipantDestinations(addresses []string) error
	SendParameters(pictureParameters string, videoSSRC, audioSSRC uint32) error
	SetCallPacketListener(listener announce.CallPacketListener)
	ClearCallPacketListener()
	SetParameterPacketListener(listener announce.ParameterPacketListener)
	ClearParameterPacketListener()
}

// Directory справочник участников
type Directory interface {
	Me() string
	LookupAddress(name string) (string, bool)
	LookupName(address string) (string, bool)
}

// Config конфигурация конференции
type Config struct {
	Signaling Signaling
	Directory Directory
	// Decoders фабрика декодеров, по умолчанию HeadlessDecoders
	Decoders DecoderFactory
	// Observer получает изменения состояний потоков, необязателен
	Observer coordinator.Observer

	ListenIP string
	BasePort int
	// SenderAddr локальный адрес сокета отправителя, по умолчанию эфемерный порт ListenIP
	SenderAddr     string
	SourceTimeout  time.Duration
	ReportInterval time.Duration
	// PictureParameters собственные параметры декодирования для PARM
	PictureParameters string

	MaxOrphans   int
	OrphanMaxAge time.Duration

	Logger  *logrus.Entry
	Metrics *metrics.Collector
}

// media компоненты медиа части, созданные после получения списка участников
type media struct {
	slots       *DisplaySlots
	pipeline    *Pipeline
	coordinator *coordinator.Coordinator
	pairer      *pairing.Pairer
	sessions    map[string]*rtp.Session
	sender      *rtp.Sender
	cancel      context.CancelFunc
	group       *errgroup.Group
}

// Conference одна конференция от получения списка участников до завершения
type Conference struct {
	id     string
	config Config
	me     string
	log    *logrus.Entry

	mu      sync.Mutex
	roster  Roster
	media   *media
	started bool
	closed  bool
}

// New создает конференцию
func New(config Config) (*Conference, error) {
	if config.Signaling == nil {
		return nil, errors.New("анонсер не задан")
	}
	if config.Directory == nil {
		return nil, errors.New("справочник не задан")
	}
	if config.BasePort == 0 {
		config.BasePort = DefaultBasePort
	}
	if config.ReportInterval <= 0 {
		config.ReportInterval = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	id := uuid.New().String()
	c := &Conference{
		id:     id,
		config: config,
		me:     config.Directory.Me(),
		log:    config.Logger.WithFields(logrus.Fields{"component": "conference", "conference_id": id}),
	}
	return c, nil
}

// ID идентификатор экземпляра конференции для логов
func (c *Conference) ID() string { return c.id }

// Start начинает конференцию как инициатор: список участников из имен приглашенных
// и собственного адреса объявляется сообщением CALL.
func (c *Conference) Start(ctx context.Context, inviteeNames []string) error {
	invitees := make([]string, 0, len(inviteeNames))
	for _, name := range inviteeNames {
		address, ok := c.config.Directory.LookupAddress(name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownParticipant, name)
		}
		invitees = append(invitees, address)
	}

	roster := NewRoster(invitees, c.me)
	if err := c.config.Signaling.ConfigureParticipantList(roster.Addresses()); err != nil {
		return fmt.Errorf("ошибка объявления списка участников: %w", err)
	}

	c.log.WithField("roster", roster.Addresses()).Info("Конференция начата")
	return c.setupMedia(ctx, roster)
}

// Join ждет первого сообщения CALL и присоединяется к конференции.
// Адреса, отсутствующие в справочнике, отбрасываются.
func (c *Conference) Join(ctx context.Context) error {
	calls := make(chan []string, 1)
	c.config.Signaling.SetCallPacketListener(announce.CallPacketListenerFunc(func(addresses []string) {
		select {
		case calls <- addresses:
		default:
		}
	}))

	c.log.Info("Ожидание приглашения")

	var received []string
	select {
	case received = <-calls:
	case <-ctx.Done():
		c.config.Signaling.ClearCallPacketListener()
		return ctx.Err()
	}
	c.config.Signaling.ClearCallPacketListener()

	roster := RosterOf(received).Filter(func(address string) bool {
		if _, ok := c.config.Directory.LookupName(address); ok {
			return true
		}
		c.log.WithField("address", address).Warn("Адрес из CALL отсутствует в справочнике")
		return false
	})
	if roster.Len() == 0 {
		return ErrEmptyRoster
	}
	if !roster.Contains(c.me) {
		return fmt.Errorf("%w: %s", ErrNotInvited, c.me)
	}

	if err := c.config.Signaling.SetParticipantDestinations(roster.Without(c.me)); err != nil {
		return fmt.Errorf("ошибка настройки получателей: %w", err)
	}

	c.log.WithField("roster", roster.Addresses()).Info("Присоединение к конференции")
	return c.setupMedia(ctx, roster)
}

// setupMedia поднимает приемные сессии, координатор и отправителя.
// Компоненты создаются и останавливаются без блокировки конференции.
func (c *Conference) setupMedia(ctx context.Context, roster Roster) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	myIndex := roster.IndexOf(c.me)
	if myIndex < 0 {
		return fmt.Errorf("%w: %s", ErrNotInvited, c.me)
	}

	m, err := c.buildMedia(ctx, roster, myIndex)
	if err != nil {
		if m != nil {
			m.teardown(c.config.Signaling)
		}
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		m.teardown(c.config.Signaling)
		return ErrClosed
	}
	c.roster = roster
	c.media = m
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"index":      myIndex,
		"base_port":  c.participantBasePort(myIndex),
		"video_ssrc": m.sender.SSRC(rtp.SessionVideo),
		"audio_ssrc": m.sender.SSRC(rtp.SessionAudio),
	}).Info("Медиа часть конференции запущена")

	return nil
}

// buildMedia создает компоненты. При ошибке возвращает уже созданные для остановки.
func (c *Conference) buildMedia(ctx context.Context, roster Roster, myIndex int) (*media, error) {
	m := &media{sessions: make(map[string]*rtp.Session)}

	ctx, m.cancel = context.WithCancel(ctx)
	m.group, ctx = errgroup.WithContext(ctx)

	m.slots = NewDisplaySlots(roster, c.me, c.nameOf)
	m.pipeline = NewPipeline(c.config.Decoders, c.config.Logger)
	m.pairer = pairing.NewPairer(pairing.Config{Logger: c.config.Logger, Metrics: c.config.Metrics})

	var err error
	m.coordinator, err = coordinator.New(coordinator.Config{
		LocalAddress: c.me,
		MaxOrphans:   c.config.MaxOrphans,
		OrphanMaxAge: c.config.OrphanMaxAge,
		Pipeline:     m.pipeline,
		Display:      m.slots,
		Directory:    c.config.Directory,
		Observer:     c.config.Observer,
		Logger:       c.config.Logger,
		Metrics:      c.config.Metrics,
	})
	if err != nil {
		return m, err
	}

	for i, address := range roster.Addresses() {
		if address == c.me {
			continue
		}
		session, err := rtp.NewSession(rtp.SessionConfig{
			ListenIP:      c.config.ListenIP,
			BasePort:      c.participantBasePort(i),
			SourceTimeout: c.config.SourceTimeout,
			Handler:       &sourceEvents{coordinator: m.coordinator, log: c.log},
			Logger:        c.config.Logger.WithField("peer", address),
		})
		if err != nil {
			return m, fmt.Errorf("ошибка создания RTP сессии участника %s: %w", address, err)
		}
		m.sessions[address] = session
		m.pipeline.AddSession(address, session)
		m.pairer.Attach(session, nil)

		if err := session.Start(ctx); err != nil {
			return m, err
		}
	}

	senderAddr := c.config.SenderAddr
	if senderAddr == "" {
		senderAddr = net.JoinHostPort(c.config.ListenIP, "0")
	}
	m.sender, err = rtp.NewSender(rtp.SenderConfig{
		LocalAddr: senderAddr,
		BasePort:  c.participantBasePort(myIndex),
		CNAME:     c.nameOf(c.me),
		Logger:    c.config.Logger,
	})
	if err != nil {
		return m, fmt.Errorf("ошибка создания отправителя: %w", err)
	}
	if err := m.sender.SetDestinations(roster.Without(c.me)); err != nil {
		return m, err
	}
	m.pairer.Attach(m.sender, nil)

	c.config.Signaling.SetParameterPacketListener(m.coordinator)
	if err := publishParameters(c.config.Signaling, m.sender, c.config.PictureParameters); err != nil {
		return m, err
	}

	sender := m.sender
	m.group.Go(func() error {
		ticker := time.NewTicker(c.config.ReportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := sender.SendReports(); err != nil {
					c.log.WithError(err).Debug("Ошибка отправки RTCP отчетов")
				}
			}
		}
	})

	return m, nil
}

// PublishParameters объявляет собственные параметры декодирования и SSRC отправителя
func (c *Conference) PublishParameters(pictureParameters string) error {
	c.mu.Lock()
	m := c.media
	c.mu.Unlock()

	if m == nil {
		return errors.New("медиа часть не запущена")
	}
	return publishParameters(c.config.Signaling, m.sender, pictureParameters)
}

func publishParameters(signaling Signaling, sender *rtp.Sender, pictureParameters string) error {
	return signaling.SendParameters(pictureParameters,
		sender.SSRC(rtp.SessionVideo), sender.SSRC(rtp.SessionAudio))
}

// Close завершает конференцию в обратном порядке запуска
func (c *Conference) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	m := c.media
	c.mu.Unlock()

	var err error
	if m != nil {
		err = m.teardown(c.config.Signaling)
	}
	c.log.Info("Конференция завершена")
	return err
}

func (m *media) teardown(signaling Signaling) error {
	var errs []error

	if m.coordinator != nil {
		signaling.ClearParameterPacketListener()
	}
	m.cancel()
	if m.sender != nil {
		errs = append(errs, m.sender.Close())
	}
	m.pairer.Close()
	// Остановка сессии деактивирует ее SSRC через координатор
	for _, session := range m.sessions {
		errs = append(errs, session.Stop())
	}
	errs = append(errs, m.group.Wait())
	m.pipeline.Close()
	return errors.Join(errs...)
}

// Roster возвращает список участников
func (c *Conference) Roster() Roster {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roster
}

// Slots возвращает слоты отображения
func (c *Conference) Slots() []*Slot {
	if m := c.current(); m != nil {
		return m.slots.Slots()
	}
	return nil
}

// Coordinator возвращает координатор SSRC
func (c *Conference) Coordinator() *coordinator.Coordinator {
	if m := c.current(); m != nil {
		return m.coordinator
	}
	return nil
}

// Sender возвращает отправителя
func (c *Conference) Sender() *rtp.Sender {
	if m := c.current(); m != nil {
		return m.sender
	}
	return nil
}

// Session возвращает приемную сессию участника
func (c *Conference) Session(address string) (*rtp.Session, bool) {
	m := c.current()
	if m == nil {
		return nil, false
	}
	session, ok := m.sessions[address]
	return session, ok
}

// Pairs возвращает установленные пары sub-endpoint
func (c *Conference) Pairs() []pairing.Pair {
	if m := c.current(); m != nil {
		return m.pairer.Pairs()
	}
	return nil
}

// Chains количество построенных цепочек декодирования
func (c *Conference) Chains() int {
	if m := c.current(); m != nil {
		return m.pipeline.Chains()
	}
	return 0
}

func (c *Conference) current() *media {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.media
}

func (c *Conference) participantBasePort(index int) int {
	return ParticipantBasePort(c.config.BasePort, index)
}

func (c *Conference) nameOf(address string) string {
	if name, ok := c.config.Directory.LookupName(address); ok {
		return name
	}
	return address
}

// ParticipantBasePort базовый порт участника: base + 4 * index
func ParticipantBasePort(base, index int) int {
	return base + portsPerParticipant*index
}

// sourceEvents передает события RTP сессии координатору
type sourceEvents struct {
	coordinator *coordinator.Coordinator
	log         *logrus.Entry
}

func (e *sourceEvents) OnSourceActive(session, ssrc uint32) {
	media, ok := mediaType(session)
	if !ok {
		e.log.WithField("session", session).Warn("Событие неизвестной медиа сессии")
		return
	}
	e.coordinator.OnSsrcActivate(media, ssrc)
}

func (e *sourceEvents) OnSourceInactive(session, ssrc uint32, reason rtp.InactiveReason) {
	media, ok := mediaType(session)
	if !ok {
		e.log.WithField("session", session).Warn("Событие неизвестной медиа сессии")
		return
	}
	e.coordinator.OnSsrcDeactivate(media, ssrc, deactivateReason(reason))
}

func deactivateReason(reason rtp.InactiveReason) coordinator.DeactivateReason {
	switch reason {
	case rtp.InactiveBye:
		return coordinator.ReasonBye
	case rtp.InactiveStop:
		return coordinator.ReasonStop
	case rtp.InactiveTimeout:
		return coordinator.ReasonTimeout
	default:
		return coordinator.ReasonNone
	}
}

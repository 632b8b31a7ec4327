// Package announce реализует анонсер конференции - UDP "gossip" протокол,
// периодически рассылающий список участников (CALL) и параметры отправителя (PARM).
//
// Доставка не гарантируется: ошибки отправки игнорируются, так как каждое сообщение
// повторяется каждый интервал передачи. Входящие датаграммы разбираются и передаются
// зарегистрированным слушателям из фоновой горутины.
//
// Жизненный цикл:
//
//	a, err := announce.New(announce.DefaultConfig())
//	a.SetParameterPacketListener(listener)
//	a.Start(ctx)
//	defer a.Stop()
package announce

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jhgorse/mog/pkg/metrics"
	"github.com/jhgorse/mog/pkg/wire"
)

const (
	// DefaultPort хорошо известный порт сигнализации
	DefaultPort = 9999

	// DefaultInterval период повторной передачи сообщений
	DefaultInterval = 2 * time.Second
)

var (
	ErrAlreadyStarted = errors.New("анонсер уже запущен")
	ErrStopped        = errors.New("анонсер остановлен")
)

// Config конфигурация анонсера
type Config struct {
	// ListenAddr адрес привязки сокета, по умолчанию ":9999"
	ListenAddr string
	// DestinationPort общий порт всех получателей, по умолчанию 9999
	DestinationPort int
	// Interval период передачи, по умолчанию 2с
	Interval time.Duration

	Logger  *logrus.Entry
	Metrics *metrics.Collector
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":" + strconv.Itoa(DefaultPort),
		DestinationPort: DefaultPort,
		Interval:        DefaultInterval,
	}
}

// Announcer владеет UDP сокетом сигнализации
type Announcer struct {
	conn     *net.UDPConn
	interval time.Duration
	port     int
	log      *logrus.Entry
	metrics  *metrics.Collector

	// Состояние, разделяемое фоновой горутиной и публичными методами
	mu                sync.Mutex
	destinations      []*net.UDPAddr
	callPacket        []byte
	parameterPacket   []byte
	nextTransmit      time.Time
	callListener      CallPacketListener
	parameterListener ParameterPacketListener

	// Управление жизненным циклом
	cancel    context.CancelFunc
	stopAfter func() bool
	done      chan struct{}
	started   bool
	stopped   bool
}

// New создает анонсер и привязывает сокет.
// Ошибка создания сокета - единственная фатальная ошибка анонсера.
func New(config Config) (*Announcer, error) {
	defaults := DefaultConfig()
	if config.ListenAddr == "" {
		config.ListenAddr = defaults.ListenAddr
	}
	if config.DestinationPort == 0 {
		config.DestinationPort = defaults.DestinationPort
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Logger == nil {
		config.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	lc := net.ListenConfig{Control: controlSocket}
	pc, err := lc.ListenPacket(context.Background(), "udp", config.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP сокета сигнализации %s: %w", config.ListenAddr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("неожиданный тип соединения %T", pc)
	}

	a := &Announcer{
		conn:     conn,
		interval: config.Interval,
		port:     config.DestinationPort,
		log:      config.Logger.WithField("component", "announcer"),
		metrics:  config.Metrics,
		// Первая передача сразу после запуска
		nextTransmit: time.Now(),
		done:         make(chan struct{}),
	}

	a.log.WithFields(logrus.Fields{
		"local_addr": conn.LocalAddr().String(),
		"interval":   config.Interval,
	}).Info("Сокет сигнализации создан")

	return a, nil
}

// LocalAddr возвращает локальный адрес сокета
func (a *Announcer) LocalAddr() *net.UDPAddr {
	return a.conn.LocalAddr().(*net.UDPAddr)
}

// Start запускает фоновую горутину приема и периодической передачи
func (a *Announcer) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return ErrStopped
	}
	if a.started {
		return ErrAlreadyStarted
	}

	ctx, a.cancel = context.WithCancel(ctx)
	// Отмена контекста прерывает ожидание чтения, не дожидаясь срока передачи
	a.stopAfter = context.AfterFunc(ctx, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		_ = a.conn.SetReadDeadline(time.Now())
	})
	a.started = true
	go a.run(ctx)
	return nil
}

// Stop останавливает фоновую горутину и закрывает сокет.
// Неотправленное состояние просто отбрасывается.
func (a *Announcer) Stop() error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	started := a.started
	cancel := a.cancel
	stopAfter := a.stopAfter
	a.mu.Unlock()

	if stopAfter != nil {
		stopAfter()
	}
	if cancel != nil {
		cancel()
	}
	err := a.conn.Close()
	if started {
		<-a.done
	}

	a.log.Info("Анонсер остановлен")
	return err
}

// ConfigureParticipantList кодирует и сохраняет CALL сообщение.
// Эти же адреса становятся текущим списком получателей (инициатор звонка).
func (a *Announcer) ConfigureParticipantList(addresses []string) error {
	packet, err := wire.EncodeCall(addresses)
	if err != nil {
		return fmt.Errorf("ошибка кодирования списка участников: %w", err)
	}
	destinations, err := a.resolve(addresses)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.callPacket = packet
	a.destinations = destinations
	a.mu.Unlock()

	a.log.WithFields(logrus.Fields{
		"participants": len(addresses),
		"bytes":        len(packet),
	}).Info("Список участников сконфигурирован")
	return nil
}

// SetParticipantDestinations задает получателей без отправки CALL
func (a *Announcer) SetParticipantDestinations(addresses []string) error {
	destinations, err := a.resolve(addresses)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.destinations = destinations
	a.mu.Unlock()

	a.log.WithField("destinations", len(destinations)).Info("Получатели сигнализации заданы")
	return nil
}

// SendParameters кодирует и сохраняет PARM сообщение для периодической отправки
func (a *Announcer) SendParameters(pictureParameters string, videoSSRC, audioSSRC uint32) error {
	packet, err := wire.EncodeParameters(pictureParameters, videoSSRC, audioSSRC)
	if err != nil {
		return fmt.Errorf("ошибка кодирования параметров: %w", err)
	}

	a.mu.Lock()
	a.parameterPacket = packet
	a.mu.Unlock()

	a.log.WithFields(logrus.Fields{
		"video_ssrc": videoSSRC,
		"audio_ssrc": audioSSRC,
		"bytes":      len(packet),
	}).Info("Пакет параметров сконфигурирован")
	return nil
}

// SetCallPacketListener устанавливает слушателя приглашений; nil очищает слот
func (a *Announcer) SetCallPacketListener(listener CallPacketListener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callListener = listener
}

// ClearCallPacketListener очищает слушателя приглашений
func (a *Announcer) ClearCallPacketListener() {
	a.SetCallPacketListener(nil)
}

// SetParameterPacketListener устанавливает слушателя параметров; nil очищает слот
func (a *Announcer) SetParameterPacketListener(listener ParameterPacketListener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.parameterListener = listener
}

// ClearParameterPacketListener очищает слушателя параметров
func (a *Announcer) ClearParameterPacketListener() {
	a.SetParameterPacketListener(nil)
}

// Flush планирует передачу на ближайшее пробуждение фоновой горутины
func (a *Announcer) Flush() {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextTransmit = now
	// Прерываем текущее ожидание чтения
	_ = a.conn.SetReadDeadline(now)
}

// Destinations возвращает копию текущего списка получателей
func (a *Announcer) Destinations() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]string, len(a.destinations))
	for i, d := range a.destinations {
		result[i] = d.String()
	}
	return result
}

func (a *Announcer) resolve(addresses []string) ([]*net.UDPAddr, error) {
	destinations := make([]*net.UDPAddr, 0, len(addresses))
	for _, addr := range addresses {
		udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(addr, strconv.Itoa(a.port)))
		if err != nil {
			return nil, fmt.Errorf("ошибка разрешения адреса участника %q: %w", addr, err)
		}
		destinations = append(destinations, udpAddr)
	}
	return destinations, nil
}

// run фоновый цикл: ожидание датаграмм ограничено сроком следующей передачи
func (a *Announcer) run(ctx context.Context) {
	defer close(a.done)

	// Буфер вмещает любое сообщение, которое допускает кодер
	buffer := make([]byte, wire.MaxDatagramSize+1)
	for {
		// Проверка под блокировкой не дает перезаписать срок, выставленный при отмене
		a.mu.Lock()
		if ctx.Err() != nil {
			a.mu.Unlock()
			return
		}
		err := a.conn.SetReadDeadline(a.nextTransmit)
		a.mu.Unlock()
		if err != nil {
			return
		}

		n, addr, err := a.conn.ReadFromUDP(buffer)
		if err == nil {
			// Вычитываем все ожидающие датаграммы до проверки срока передачи
			a.dispatch(buffer[:n], addr)
			continue
		}

		if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
			return
		}
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			a.log.WithError(err).Debug("Ошибка чтения сокета сигнализации")
		}

		a.transmitIfDue(time.Now())
	}
}

// transmitIfDue отправляет сохраненные сообщения, если срок наступил,
// и сдвигает срок на целое число интервалов в будущее
func (a *Announcer) transmitIfDue(now time.Time) {
	a.mu.Lock()
	if now.Before(a.nextTransmit) {
		a.mu.Unlock()
		return
	}
	destinations := a.destinations
	callPacket := a.callPacket
	parameterPacket := a.parameterPacket
	a.nextTransmit = advanceDeadline(a.nextTransmit, now, a.interval)
	a.mu.Unlock()

	if len(destinations) == 0 {
		return
	}

	a.metrics.TransmitRound()
	a.send(wire.TagCall, callPacket, destinations)
	a.send(wire.TagParameters, parameterPacket, destinations)
}

func (a *Announcer) send(tag wire.Tag, packet []byte, destinations []*net.UDPAddr) {
	if len(packet) == 0 {
		return
	}

	for _, dst := range destinations {
		// Ошибки игнорируются: следующий интервал повторит передачу
		if _, err := a.conn.WriteToUDP(packet, dst); err != nil {
			a.log.WithError(err).WithField("destination", dst.String()).Debug("Датаграмма не отправлена")
			continue
		}
		a.metrics.Datagram(string(tag), metrics.DirectionSent)
	}

	a.log.WithFields(logrus.Fields{
		"tag":          string(tag),
		"destinations": len(destinations),
	}).Trace("Передача выполнена")
}

// dispatch разбирает датаграмму и передает ее слушателю.
// Слушатели вызываются вне блокировки, чтобы они могли перенастраивать анонсер.
func (a *Announcer) dispatch(datagram []byte, from *net.UDPAddr) {
	msg, err := wire.Decode(datagram)
	if err != nil {
		tag, _ := wire.PeekTag(datagram)
		a.metrics.Datagram(string(tag), metrics.DirectionDropped)
		a.log.WithError(err).WithField("from", from.String()).Debug("Датаграмма отброшена")
		return
	}

	a.mu.Lock()
	callListener := a.callListener
	parameterListener := a.parameterListener
	a.mu.Unlock()

	switch m := msg.(type) {
	case *wire.CallMessage:
		if callListener == nil {
			a.metrics.Datagram(string(wire.TagCall), metrics.DirectionDropped)
			return
		}
		a.metrics.Datagram(string(wire.TagCall), metrics.DirectionReceived)
		callListener.OnCallPacket(m.Addresses)

	case *wire.ParameterMessage:
		if parameterListener == nil {
			a.metrics.Datagram(string(wire.TagParameters), metrics.DirectionDropped)
			return
		}
		a.metrics.Datagram(string(wire.TagParameters), metrics.DirectionReceived)
		parameterListener.OnParameterPacket(from.IP.String(), m.PictureParameters, m.VideoSSRC, m.AudioSSRC)
	}
}

// advanceDeadline сдвигает срок на целое число интервалов, пока он не окажется в будущем.
// Дрейф не накапливается: срок остается кратным интервалу от исходной точки.
func advanceDeadline(deadline, now time.Time, interval time.Duration) time.Time {
	for !deadline.After(now) {
		deadline = deadline.Add(interval)
	}
	return deadline
}

// Package coordinator сопоставляет SSRC, о которых сообщает транспорт, с параметрами
// декодирования, объявленными участниками, и управляет цепочками декодирования.
//
// SSRC, ставший активным раньше прихода параметров, считается осиротевшим и
// активируется сразу после получения PARM с этим SSRC. Порядок событий транспорта
// и сигнализации произвольный, результат от него не зависит.
package coordinator

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jhgorse/mog/pkg/metrics"
)

const (
	// DefaultMaxOrphans предел осиротевших SSRC на тип медиа
	DefaultMaxOrphans = 64
	// DefaultOrphanMaxAge время жизни осиротевшего SSRC
	DefaultOrphanMaxAge = 30 * time.Second
)

var (
	ErrNoPipeline = errors.New("не задан медиа конвейер")
	ErrNoDisplay  = errors.New("не задан поставщик поверхностей отображения")
)

// Config конфигурация координатора
type Config struct {
	// LocalAddress собственный адрес, параметры с него игнорируются
	LocalAddress string
	MaxOrphans   int
	OrphanMaxAge time.Duration

	Pipeline  Pipeline
	Display   DisplayProvider
	Directory Directory
	Observer  Observer

	Logger  *logrus.Entry
	Metrics *metrics.Collector
	// Now источник времени, по умолчанию time.Now
	Now func() time.Time
}

type orphanEntry struct {
	ssrc uint32
	at   time.Time
}

// Coordinator владеет хранилищем параметров, списками сирот и автоматами потоков.
// Все методы безопасны для вызова из разных горутин.
type Coordinator struct {
	local        string
	maxOrphans   int
	orphanMaxAge time.Duration
	pipeline     Pipeline
	display      DisplayProvider
	directory    Directory
	observer     Observer
	log          *logrus.Entry
	metrics      *metrics.Collector
	now          func() time.Time

	mu        sync.Mutex
	byVideo   map[uint32]*ParameterRecord
	byAudio   map[uint32]*ParameterRecord
	byAddress map[string]*ParameterRecord
	streams   map[streamKey]*stream
	orphans   [len(mediaTypes)][]orphanEntry
	// pending изменения, накопленные под блокировкой для наблюдателя
	pending []StateChange
}

// New создает координатор
func New(config Config) (*Coordinator, error) {
	if config.Pipeline == nil {
		return nil, ErrNoPipeline
	}
	if config.Display == nil {
		return nil, ErrNoDisplay
	}
	if config.MaxOrphans <= 0 {
		config.MaxOrphans = DefaultMaxOrphans
	}
	if config.OrphanMaxAge <= 0 {
		config.OrphanMaxAge = DefaultOrphanMaxAge
	}
	if config.Logger == nil {
		config.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Coordinator{
		local:        config.LocalAddress,
		maxOrphans:   config.MaxOrphans,
		orphanMaxAge: config.OrphanMaxAge,
		pipeline:     config.Pipeline,
		display:      config.Display,
		directory:    config.Directory,
		observer:     config.Observer,
		log:          config.Logger.WithField("component", "coordinator"),
		metrics:      config.Metrics,
		now:          config.Now,
		byVideo:      make(map[uint32]*ParameterRecord),
		byAudio:      make(map[uint32]*ParameterRecord),
		byAddress:    make(map[string]*ParameterRecord),
		streams:      make(map[streamKey]*stream),
	}, nil
}

// OnParameterPacket обрабатывает параметры, полученные от участника
func (c *Coordinator) OnParameterPacket(address, pictureParameters string, videoSSRC, audioSSRC uint32) {
	c.mu.Lock()
	c.parameterArrivedLocked(address, pictureParameters, videoSSRC, audioSSRC)
	changes := c.takePendingLocked()
	c.mu.Unlock()

	c.notify(changes)
}

// OnSsrcActivate обрабатывает сообщение транспорта о новом активном SSRC
func (c *Coordinator) OnSsrcActivate(media MediaType, ssrc uint32) {
	c.mu.Lock()
	c.evictExpiredLocked()
	c.activateLocked(media, ssrc)
	changes := c.takePendingLocked()
	c.mu.Unlock()

	c.notify(changes)
}

// OnSsrcDeactivate обрабатывает сообщение транспорта о прекращении потока
func (c *Coordinator) OnSsrcDeactivate(media MediaType, ssrc uint32, reason DeactivateReason) {
	c.mu.Lock()
	c.evictExpiredLocked()
	c.deactivateLocked(media, ssrc, reason)
	changes := c.takePendingLocked()
	c.mu.Unlock()

	c.notify(changes)
}

// State возвращает состояние потока
func (c *Coordinator) State(media MediaType, ssrc uint32) StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.streams[streamKey{media, ssrc}]; ok {
		return s.state()
	}
	return StateUnknown
}

// Record возвращает запись параметров, проиндексированную по SSRC данного типа медиа
func (c *Coordinator) Record(media MediaType, ssrc uint32) (ParameterRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec := c.recordLocked(media, ssrc); rec != nil {
		return *rec, true
	}
	return ParameterRecord{}, false
}

// Records возвращает все записи параметров
func (c *Coordinator) Records() []ParameterRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]ParameterRecord, 0, len(c.byVideo))
	for _, rec := range c.byVideo {
		result = append(result, *rec)
	}
	return result
}

// Orphans возвращает осиротевшие SSRC в порядке появления
func (c *Coordinator) Orphans(media MediaType) []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpiredLocked()
	result := make([]uint32, 0, len(c.orphans[media]))
	for _, o := range c.orphans[media] {
		result = append(result, o.ssrc)
	}
	return result
}

// ActiveCount возвращает число активных цепочек декодирования
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeCountLocked(MediaVideo) + c.activeCountLocked(MediaAudio)
}

func (c *Coordinator) parameterArrivedLocked(address, params string, videoSSRC, audioSSRC uint32) {
	c.evictExpiredLocked()

	log := c.log.WithFields(logrus.Fields{
		"address":    address,
		"video_ssrc": videoSSRC,
		"audio_ssrc": audioSSRC,
	})

	if address == c.local {
		return
	}

	if existing, ok := c.byVideo[videoSSRC]; ok {
		// Повтор PARM. Запись не меняется, но сироты этой записи, не
		// активированные из-за промаха поверхности, получают еще одну попытку
		c.retryOrphansLocked(existing)
		return
	}

	rec := &ParameterRecord{
		Address:           address,
		PictureParameters: params,
		VideoSSRC:         videoSSRC,
		AudioSSRC:         audioSSRC,
	}

	old, restarted := c.byAddress[address]
	if restarted {
		log.WithField("old_video_ssrc", old.VideoSSRC).Info("Участник перезапущен, старая запись заменена")
		c.supersedeLocked(old, rec)
	}

	c.byVideo[videoSSRC] = rec
	c.byAudio[audioSSRC] = rec
	c.byAddress[address] = rec
	if restarted {
		c.removeRecordLocked(old)
	}
	c.metrics.SetParameterRecords(len(c.byVideo))

	log.Info("Получены параметры участника")

	c.retryOrphansLocked(rec)
}

// retryOrphansLocked активирует осиротевшие SSRC записи
func (c *Coordinator) retryOrphansLocked(rec *ParameterRecord) {
	for _, media := range mediaTypes {
		ssrc := rec.SSRC(media)
		s, ok := c.streams[streamKey{media, ssrc}]
		if !ok || s.state() != StateOrphaned {
			continue
		}
		c.wireLocked(s, rec)
	}
}

func (c *Coordinator) activateLocked(media MediaType, ssrc uint32) {
	key := streamKey{media, ssrc}
	s, ok := c.streams[key]
	if ok {
		switch s.state() {
		case StateActive, StateOrphaned:
			// Повторная активация ничего не меняет
			return
		}
	} else {
		s = c.newStreamLocked(key)
	}

	rec := c.recordLocked(media, ssrc)
	if rec == nil {
		c.orphanLocked(s)
		return
	}
	c.wireLocked(s, rec)
}

// wireLocked строит цепочку декодирования. При неудаче поток остается осиротевшим.
func (c *Coordinator) wireLocked(s *stream, rec *ParameterRecord) {
	log := c.log.WithFields(logrus.Fields{
		"media":   s.key.media.String(),
		"ssrc":    s.key.ssrc,
		"address": rec.Address,
	})

	chain := DecodeChain{
		Media:             s.key.media,
		SSRC:              s.key.ssrc,
		Address:           rec.Address,
		PictureParameters: rec.PictureParameters,
	}

	if c.directory != nil {
		name, ok := c.directory.LookupName(rec.Address)
		if !ok {
			log.Warn("Адрес отсутствует в справочнике, активация отложена")
			c.orphanLocked(s)
			return
		}
		chain.Name = name
	}

	surface, ok := c.display.DisplaySurfaceFor(rec.Address)
	if !ok {
		log.Warn("Нет поверхности отображения, активация отложена")
		c.orphanLocked(s)
		return
	}
	chain.Surface = surface

	if err := c.pipeline.Wire(chain); err != nil {
		log.WithError(err).Error("Ошибка построения цепочки декодирования")
		c.orphanLocked(s)
		return
	}

	c.removeOrphanLocked(s.key)
	s.address = rec.Address
	if err := s.fire(eventActivate); err != nil {
		log.WithError(err).Error("Ошибка перехода в active")
		return
	}
	log.WithField("name", chain.Name).Info("Поток активирован")
}

func (c *Coordinator) deactivateLocked(media MediaType, ssrc uint32, reason DeactivateReason) {
	key := streamKey{media, ssrc}
	s, ok := c.streams[key]
	if !ok {
		return
	}

	log := c.log.WithFields(logrus.Fields{
		"media":  media.String(),
		"ssrc":   ssrc,
		"reason": reason.String(),
	})

	switch s.state() {
	case StateOrphaned:
		c.removeOrphanLocked(key)
		c.forgetLocked(s, reason)
		log.Debug("Осиротевший SSRC забыт")

	case StateActive:
		if err := c.pipeline.Unwire(media, ssrc); err != nil {
			log.WithError(err).Warn("Ошибка разбора цепочки декодирования")
		}
		if err := s.fire(eventDeactivate, reason); err != nil {
			log.WithError(err).Error("Ошибка перехода в deactivated")
			return
		}
		log.WithField("address", s.address).Info("Поток деактивирован")

		if reason == ReasonBye || reason == ReasonStop {
			c.purgeIfIdleLocked(media, ssrc)
		}
	}
}

// purgeIfIdleLocked удаляет запись, у которой не осталось активных потоков
func (c *Coordinator) purgeIfIdleLocked(media MediaType, ssrc uint32) {
	rec := c.recordLocked(media, ssrc)
	if rec == nil {
		return
	}
	for _, m := range mediaTypes {
		if s, ok := c.streams[streamKey{m, rec.SSRC(m)}]; ok && s.state() == StateActive {
			return
		}
	}

	c.removeRecordLocked(rec)
	c.log.WithFields(logrus.Fields{
		"address":    rec.Address,
		"video_ssrc": rec.VideoSSRC,
	}).Debug("Запись параметров удалена")
}

// supersedeLocked снимает потоки старой записи перезапущенного участника.
// SSRC, который новая запись сохранила, остается с прежней цепочкой.
// Индексы старой записи удаляет вызывающий после вставки новой.
func (c *Coordinator) supersedeLocked(old, rec *ParameterRecord) {
	for _, media := range mediaTypes {
		key := streamKey{media, old.SSRC(media)}
		if key.ssrc == rec.SSRC(media) {
			continue
		}
		s, ok := c.streams[key]
		if !ok {
			continue
		}
		if s.state() == StateActive {
			if err := c.pipeline.Unwire(media, key.ssrc); err != nil {
				c.log.WithError(err).WithField("ssrc", key.ssrc).Warn("Ошибка разбора цепочки декодирования")
			}
			_ = s.fire(eventDeactivate, ReasonStop)
		}
		c.removeOrphanLocked(key)
		c.forgetLocked(s, ReasonStop)
	}
}

// removeRecordLocked удаляет запись из индексов вместе с ее
// деактивированными потоками, которые больше не описаны ни одной записью
func (c *Coordinator) removeRecordLocked(rec *ParameterRecord) {
	if c.byVideo[rec.VideoSSRC] == rec {
		delete(c.byVideo, rec.VideoSSRC)
	}
	if c.byAudio[rec.AudioSSRC] == rec {
		delete(c.byAudio, rec.AudioSSRC)
	}
	if c.byAddress[rec.Address] == rec {
		delete(c.byAddress, rec.Address)
	}
	c.metrics.SetParameterRecords(len(c.byVideo))

	for _, media := range mediaTypes {
		key := streamKey{media, rec.SSRC(media)}
		if s, ok := c.streams[key]; ok && s.state() == StateDeactivated && c.recordLocked(media, key.ssrc) == nil {
			// Переход в unknown наблюдателю не сообщается: deactivated для него конечное состояние
			delete(c.streams, key)
		}
	}
}

func (c *Coordinator) recordLocked(media MediaType, ssrc uint32) *ParameterRecord {
	if media == MediaAudio {
		return c.byAudio[ssrc]
	}
	return c.byVideo[ssrc]
}

func (c *Coordinator) newStreamLocked(key streamKey) *stream {
	s := newStream(key, c.onTransitionLocked)
	c.streams[key] = s
	return s
}

// onTransitionLocked вызывается автоматом потока под блокировкой координатора
func (c *Coordinator) onTransitionLocked(s *stream, from, to StreamState, reason DeactivateReason) {
	media := s.key.media
	c.metrics.SSRCEvent(media.String(), to.String())

	c.pending = append(c.pending, StateChange{
		Media:   media,
		SSRC:    s.key.ssrc,
		Address: s.address,
		From:    from,
		To:      to,
		Reason:  reason,
	})
}

// orphanLocked переводит поток в orphaned и ставит его в очередь сирот
func (c *Coordinator) orphanLocked(s *stream) {
	if s.state() == StateOrphaned {
		return
	}
	media := s.key.media

	if len(c.orphans[media]) >= c.maxOrphans {
		c.evictOldestLocked(media, "capacity")
	}

	if err := s.fire(eventOrphan); err != nil {
		c.log.WithError(err).WithField("ssrc", s.key.ssrc).Error("Ошибка перехода в orphaned")
		return
	}
	s.orphanedAt = c.now()
	c.orphans[media] = append(c.orphans[media], orphanEntry{ssrc: s.key.ssrc, at: s.orphanedAt})
	c.metrics.SetOrphans(media.String(), len(c.orphans[media]))

	c.log.WithFields(logrus.Fields{
		"media": media.String(),
		"ssrc":  s.key.ssrc,
	}).Debug("SSRC активен раньше параметров")
}

func (c *Coordinator) removeOrphanLocked(key streamKey) {
	list := c.orphans[key.media]
	for i, o := range list {
		if o.ssrc == key.ssrc {
			c.orphans[key.media] = append(list[:i], list[i+1:]...)
			c.metrics.SetOrphans(key.media.String(), len(c.orphans[key.media]))
			return
		}
	}
}

func (c *Coordinator) evictOldestLocked(media MediaType, cause string) {
	list := c.orphans[media]
	if len(list) == 0 {
		return
	}
	oldest := list[0]
	c.orphans[media] = list[1:]
	c.metrics.SetOrphans(media.String(), len(c.orphans[media]))
	c.metrics.OrphanEvicted(media.String(), cause)

	if s, ok := c.streams[streamKey{media, oldest.ssrc}]; ok {
		c.forgetLocked(s, ReasonNone)
	}

	c.log.WithFields(logrus.Fields{
		"media": media.String(),
		"ssrc":  oldest.ssrc,
		"cause": cause,
	}).Debug("Осиротевший SSRC вытеснен")
}

// evictExpiredLocked вытесняет сирот старше orphanMaxAge
func (c *Coordinator) evictExpiredLocked() {
	now := c.now()
	for _, media := range mediaTypes {
		for len(c.orphans[media]) > 0 && now.Sub(c.orphans[media][0].at) > c.orphanMaxAge {
			c.evictOldestLocked(media, "age")
		}
	}
}

// forgetLocked возвращает поток в unknown и удаляет его
func (c *Coordinator) forgetLocked(s *stream, reason DeactivateReason) {
	if s.machine.Can(eventForget) {
		_ = s.fire(eventForget, reason)
	}
	delete(c.streams, s.key)
}

func (c *Coordinator) activeCountLocked(media MediaType) int {
	n := 0
	for key, s := range c.streams {
		if key.media == media && s.state() == StateActive {
			n++
		}
	}
	return n
}

func (c *Coordinator) takePendingLocked() []StateChange {
	if len(c.pending) > 0 {
		for _, media := range mediaTypes {
			c.metrics.SetActiveStreams(media.String(), c.activeCountLocked(media))
		}
	}
	changes := c.pending
	c.pending = nil
	return changes
}

func (c *Coordinator) notify(changes []StateChange) {
	if c.observer == nil {
		return
	}
	for _, change := range changes {
		c.observer.OnStreamStateChanged(change)
	}
}

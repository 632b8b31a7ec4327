// Менеджер источников RTP одной медиа сессии.
//
// SourceManager отслеживает удаленные SSRC и сообщает о переходах активности:
//   - первый пакет от SSRC делает его активным
//   - RTCP BYE, таймаут неактивности или остановка сессии делают его неактивным
//
// Обработчики вызываются синхронно вне блокировки состояния, строго по одному,
// и не должны вызывать изменяющие методы менеджера.
// Источник, снова приславший пакет после таймаута или BYE, становится активным заново.
package rtp

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// RemoteSource состояние удаленного источника
type RemoteSource struct {
	SSRC        uint32
	PayloadType uint8

	// Отслеживание sequence number
	BaseSeqNum   uint16
	LastSeqNum   uint16
	SeqNumCycles uint16

	PacketsReceived uint64
	BytesReceived   uint64

	FirstSeen time.Time
	LastSeen  time.Time
}

// ExpectedPackets число пакетов по диапазону sequence number
func (s *RemoteSource) ExpectedPackets() uint64 {
	extended := uint64(s.SeqNumCycles)<<16 + uint64(s.LastSeqNum)
	return extended - uint64(s.BaseSeqNum) + 1
}

// PacketsLost оценка потерь по RFC 3550 A.3
func (s *RemoteSource) PacketsLost() uint64 {
	expected := s.ExpectedPackets()
	if expected <= s.PacketsReceived {
		return 0
	}
	return expected - s.PacketsReceived
}

// SourceManagerConfig конфигурация менеджера источников
type SourceManagerConfig struct {
	SourceTimeout   time.Duration // Таймаут неактивности (по умолчанию 5с)
	CleanupInterval time.Duration // Интервал проверки таймаутов (по умолчанию 1с)

	OnSourceAdded   func(source RemoteSource)
	OnSourceRemoved func(source RemoteSource, reason InactiveReason)

	// Now источник времени, по умолчанию time.Now
	Now func() time.Time
}

// SourceManager управляет удаленными источниками медиа сессии
type SourceManager struct {
	sources map[uint32]*RemoteSource
	mutex   sync.Mutex
	// eventMutex упорядочивает изменения вместе с вызовом обработчиков
	eventMutex sync.Mutex

	sourceTimeout   time.Duration
	cleanupInterval time.Duration
	now             func() time.Time

	onSourceAdded   func(RemoteSource)
	onSourceRemoved func(RemoteSource, InactiveReason)
}

// NewSourceManager создает менеджер источников.
// Проверка таймаутов выполняется в Run.
func NewSourceManager(config SourceManagerConfig) *SourceManager {
	if config.SourceTimeout <= 0 {
		config.SourceTimeout = 5 * time.Second
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &SourceManager{
		sources:         make(map[uint32]*RemoteSource),
		sourceTimeout:   config.SourceTimeout,
		cleanupInterval: config.CleanupInterval,
		now:             config.Now,
		onSourceAdded:   config.OnSourceAdded,
		onSourceRemoved: config.OnSourceRemoved,
	}
}

// UpdateFromPacket учитывает RTP пакет. Возвращает true, если источник новый.
func (sm *SourceManager) UpdateFromPacket(packet *rtp.Packet) bool {
	now := sm.now()
	ssrc := packet.Header.SSRC
	seq := packet.Header.SequenceNumber

	sm.eventMutex.Lock()
	defer sm.eventMutex.Unlock()

	sm.mutex.Lock()
	source, exists := sm.sources[ssrc]
	if !exists {
		source = &RemoteSource{
			SSRC:        ssrc,
			PayloadType: packet.Header.PayloadType,
			BaseSeqNum:  seq,
			LastSeqNum:  seq,
			FirstSeen:   now,
		}
		sm.sources[ssrc] = source
	} else {
		// Переход через 0
		if seq < source.LastSeqNum && source.LastSeqNum-seq > 32768 {
			source.SeqNumCycles++
		}
		if seqAfter(seq, source.LastSeqNum) {
			source.LastSeqNum = seq
		}
	}
	source.PacketsReceived++
	source.BytesReceived += uint64(len(packet.Payload))
	source.LastSeen = now
	added := *source
	sm.mutex.Unlock()

	if !exists && sm.onSourceAdded != nil {
		sm.onSourceAdded(added)
	}
	return !exists
}

// seqAfter сравнение sequence number с учетом переполнения
func seqAfter(a, b uint16) bool {
	return a != b && a-b < 32768
}

// Bye удаляет источник по RTCP BYE
func (sm *SourceManager) Bye(ssrc uint32) bool {
	return sm.remove(ssrc, InactiveBye)
}

func (sm *SourceManager) remove(ssrc uint32, reason InactiveReason) bool {
	sm.eventMutex.Lock()
	defer sm.eventMutex.Unlock()

	sm.mutex.Lock()
	source, exists := sm.sources[ssrc]
	if exists {
		delete(sm.sources, ssrc)
	}
	sm.mutex.Unlock()

	if !exists {
		return false
	}
	if sm.onSourceRemoved != nil {
		sm.onSourceRemoved(*source, reason)
	}
	return true
}

// RemoveAll удаляет все источники с указанной причиной
func (sm *SourceManager) RemoveAll(reason InactiveReason) {
	sm.eventMutex.Lock()
	defer sm.eventMutex.Unlock()

	sm.mutex.Lock()
	removed := sm.sortedLocked()
	sm.sources = make(map[uint32]*RemoteSource)
	sm.mutex.Unlock()

	if sm.onSourceRemoved == nil {
		return
	}
	for _, source := range removed {
		sm.onSourceRemoved(source, reason)
	}
}

// Expire удаляет источники без пакетов дольше таймаута
func (sm *SourceManager) Expire() {
	sm.eventMutex.Lock()
	defer sm.eventMutex.Unlock()

	now := sm.now()
	sm.mutex.Lock()
	var expired []RemoteSource
	for _, source := range sm.sortedLocked() {
		if now.Sub(source.LastSeen) > sm.sourceTimeout {
			expired = append(expired, source)
			delete(sm.sources, source.SSRC)
		}
	}
	sm.mutex.Unlock()

	if sm.onSourceRemoved == nil {
		return
	}
	for _, source := range expired {
		sm.onSourceRemoved(source, InactiveTimeout)
	}
}

// Run периодически проверяет таймауты до отмены контекста
func (sm *SourceManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(sm.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sm.Expire()
		}
	}
}

// GetSource возвращает копию состояния источника
func (sm *SourceManager) GetSource(ssrc uint32) (RemoteSource, bool) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	source, exists := sm.sources[ssrc]
	if !exists {
		return RemoteSource{}, false
	}
	return *source, true
}

// Sources возвращает копии всех источников, упорядоченные по SSRC
func (sm *SourceManager) Sources() []RemoteSource {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	return sm.sortedLocked()
}

func (sm *SourceManager) sortedLocked() []RemoteSource {
	result := make([]RemoteSource, 0, len(sm.sources))
	for _, source := range sm.sources {
		result = append(result, *source)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SSRC < result[j].SSRC })
	return result
}

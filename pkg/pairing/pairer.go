package pairing

import (
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jhgorse/mog/pkg/metrics"
)

// PadSource мультиплексированная RTP сессия с именованными sub-endpoint
type PadSource interface {
	// SinkPads возвращает текущие sink
	SinkPads() []string
	// SourcePads возвращает текущие источники
	SourcePads() []string
	// OnSourcePadAdded подписывает на появление новых источников.
	// Возвращает функцию отписки.
	OnSourcePadAdded(handler func(name string)) (unsubscribe func())
	// OnSourcePadRemoved подписывает на удаление источников
	OnSourcePadRemoved(handler func(name string)) (unsubscribe func())
}

// Pair установленная пара источник -> sink
type Pair struct {
	Source string
	Sink   string
}

// FindPair ищет sink для источника среди текущих sink сессии.
// Отсутствие sink означает "нет пары", а не ошибку.
func FindPair(sess PadSource, source string) (Pair, bool) {
	sink, err := SinkNameFor(source)
	if err != nil {
		return Pair{}, false
	}

	for _, name := range sess.SinkPads() {
		if name == sink {
			return Pair{Source: source, Sink: sink}, true
		}
	}
	return Pair{}, false
}

// Config конфигурация Pairer
type Config struct {
	Logger  *logrus.Entry
	Metrics *metrics.Collector
}

// Pairer сопоставляет источники сессии с sink того же направления
type Pairer struct {
	log     *logrus.Entry
	metrics *metrics.Collector

	mu          sync.Mutex
	pairs       map[string]Pair
	unsubscribe []func()
	closed      bool
}

// NewPairer создает Pairer
func NewPairer(config Config) *Pairer {
	if config.Logger == nil {
		config.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pairer{
		log:     config.Logger.WithField("component", "pairing"),
		metrics: config.Metrics,
		pairs:   make(map[string]Pair),
	}
}

// Attach проходит по уже существующим источникам сессии и подписывается на новые.
// Подписка действует до Close. onPair вызывается не более одного раза на имя источника,
// пока источник существует; для поздних источников из горутины транспорта.
func (p *Pairer) Attach(sess PadSource, onPair func(Pair)) {
	// Подписка до перечисления, чтобы не потерять источник, появившийся между ними.
	// Повторы отсекает дедупликация по имени.
	unsubscribeAdded := sess.OnSourcePadAdded(func(name string) {
		p.resolve(sess, name, onPair)
	})
	unsubscribeRemoved := sess.OnSourcePadRemoved(p.release)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		unsubscribeAdded()
		unsubscribeRemoved()
		return
	}
	p.unsubscribe = append(p.unsubscribe, unsubscribeAdded, unsubscribeRemoved)
	p.mu.Unlock()

	sources := sess.SourcePads()
	if len(sources) == 0 {
		p.log.Debug("Источников нет, ожидаем появления")
		return
	}

	p.log.WithField("sources", len(sources)).Debug("Сопоставление существующих источников")
	for _, name := range sources {
		p.resolve(sess, name, onPair)
	}
}

func (p *Pairer) resolve(sess PadSource, source string, onPair func(Pair)) {
	if _, err := SinkNameFor(source); err != nil {
		if !errors.Is(err, ErrRTCPOnly) {
			p.log.WithField("pad", source).Warn("Неизвестное имя источника, пара не создана")
		}
		return
	}

	pair, ok := FindPair(sess, source)
	if !ok {
		p.log.WithField("pad", source).Debug("Sink для источника не найден")
		return
	}

	p.mu.Lock()
	if _, seen := p.pairs[source]; seen || p.closed {
		p.mu.Unlock()
		return
	}
	p.pairs[source] = pair
	p.mu.Unlock()

	p.metrics.PairEstablished()
	p.log.WithFields(logrus.Fields{
		"source": pair.Source,
		"sink":   pair.Sink,
	}).Info("Пара установлена")

	if onPair != nil {
		onPair(pair)
	}
}

// release удаляет пару исчезнувшего источника
func (p *Pairer) release(source string) {
	p.mu.Lock()
	pair, ok := p.pairs[source]
	delete(p.pairs, source)
	p.mu.Unlock()

	if ok {
		p.log.WithFields(logrus.Fields{
			"source": pair.Source,
			"sink":   pair.Sink,
		}).Debug("Пара снята")
	}
}

// Pairs возвращает установленные пары, упорядоченные по имени источника
func (p *Pairer) Pairs() []Pair {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make([]Pair, 0, len(p.pairs))
	for _, pair := range p.pairs {
		result = append(result, pair)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Source < result[j].Source })
	return result
}

// Close снимает все подписки и забывает пары
func (p *Pairer) Close() {
	p.mu.Lock()
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.pairs = make(map[string]Pair)
	p.closed = true
	p.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
}

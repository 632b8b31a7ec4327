// Package metrics собирает Prometheus метрики сигнализации и жизненного цикла SSRC.
//
// Collector создается один раз при старте приложения и передается компонентам
// через их конфигурацию. Nil *Collector допустим: все методы в этом случае ничего не делают,
// что упрощает тесты и встраивание без мониторинга.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Значения меток направления датаграмм
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
	DirectionDropped  = "dropped"
)

// Collector набор метрик конференции
type Collector struct {
	datagrams      *prometheus.CounterVec
	transmits      prometheus.Counter
	ssrcEvents     *prometheus.CounterVec
	activeStreams  *prometheus.GaugeVec
	orphans        *prometheus.GaugeVec
	orphanEvicted  *prometheus.CounterVec
	parameterStore prometheus.Gauge
	pairs          prometheus.Counter
}

// Config конфигурация метрик
type Config struct {
	Namespace string
	// Registerer куда регистрировать метрики, по умолчанию prometheus.DefaultRegisterer
	Registerer prometheus.Registerer
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Namespace:  "mog",
		Registerer: prometheus.DefaultRegisterer,
	}
}

// NewCollector создает и регистрирует метрики
func NewCollector(config Config) (*Collector, error) {
	if config.Namespace == "" {
		config.Namespace = "mog"
	}
	if config.Registerer == nil {
		config.Registerer = prometheus.DefaultRegisterer
	}

	c := &Collector{
		datagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: "announce",
			Name:      "datagrams_total",
			Help:      "Датаграммы сигнализации по тегу и направлению",
		}, []string{"tag", "direction"}),
		transmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: "announce",
			Name:      "transmit_rounds_total",
			Help:      "Периодические раунды отправки",
		}),
		ssrcEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: "coordinator",
			Name:      "ssrc_events_total",
			Help:      "События жизненного цикла SSRC",
		}, []string{"media", "event"}),
		activeStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: "coordinator",
			Name:      "active_streams",
			Help:      "Активные цепочки декодирования",
		}, []string{"media"}),
		orphans: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: "coordinator",
			Name:      "orphaned_ssrcs",
			Help:      "SSRC, активные без полученных параметров",
		}, []string{"media"}),
		orphanEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: "coordinator",
			Name:      "orphans_evicted_total",
			Help:      "Вытесненные осиротевшие SSRC",
		}, []string{"media", "cause"}),
		parameterStore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: "coordinator",
			Name:      "parameter_records",
			Help:      "Записи параметров удаленных участников",
		}),
		pairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: "pairing",
			Name:      "pairs_total",
			Help:      "Установленные пары sink/src",
		}),
	}

	for _, collector := range []prometheus.Collector{
		c.datagrams, c.transmits, c.ssrcEvents, c.activeStreams,
		c.orphans, c.orphanEvicted, c.parameterStore, c.pairs,
	} {
		if err := config.Registerer.Register(collector); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Datagram учитывает датаграмму сигнализации
func (c *Collector) Datagram(tag, direction string) {
	if c == nil {
		return
	}
	c.datagrams.WithLabelValues(tag, direction).Inc()
}

// TransmitRound учитывает раунд периодической отправки
func (c *Collector) TransmitRound() {
	if c == nil {
		return
	}
	c.transmits.Inc()
}

// SSRCEvent учитывает событие SSRC (activate, orphan, deactivate, ...)
func (c *Collector) SSRCEvent(media, event string) {
	if c == nil {
		return
	}
	c.ssrcEvents.WithLabelValues(media, event).Inc()
}

// SetActiveStreams обновляет число активных цепочек
func (c *Collector) SetActiveStreams(media string, n int) {
	if c == nil {
		return
	}
	c.activeStreams.WithLabelValues(media).Set(float64(n))
}

// SetOrphans обновляет число осиротевших SSRC
func (c *Collector) SetOrphans(media string, n int) {
	if c == nil {
		return
	}
	c.orphans.WithLabelValues(media).Set(float64(n))
}

// OrphanEvicted учитывает вытеснение осиротевшего SSRC
func (c *Collector) OrphanEvicted(media, cause string) {
	if c == nil {
		return
	}
	c.orphanEvicted.WithLabelValues(media, cause).Inc()
}

// SetParameterRecords обновляет число записей параметров
func (c *Collector) SetParameterRecords(n int) {
	if c == nil {
		return
	}
	c.parameterStore.Set(float64(n))
}

// PairEstablished учитывает новую пару sub-endpoint
func (c *Collector) PairEstablished() {
	if c == nil {
		return
	}
	c.pairs.Inc()
}

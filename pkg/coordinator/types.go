package coordinator

import "fmt"

// MediaType тип медиа потока
type MediaType int

const (
	MediaVideo MediaType = iota
	MediaAudio
)

// mediaTypes порядок обхода типов медиа
var mediaTypes = [...]MediaType{MediaVideo, MediaAudio}

func (m MediaType) String() string {
	switch m {
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	default:
		return fmt.Sprintf("media(%d)", int(m))
	}
}

// DeactivateReason причина деактивации SSRC, сообщаемая транспортом.
// На переход не влияет, кроме очистки записей параметров.
type DeactivateReason int

const (
	ReasonNone DeactivateReason = iota
	// ReasonBye участник явно покинул сессию (RTCP BYE)
	ReasonBye
	// ReasonStop поток остановлен
	ReasonStop
	// ReasonTimeout пакеты перестали приходить
	ReasonTimeout
)

func (r DeactivateReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonBye:
		return "bye"
	case ReasonStop:
		return "stop"
	case ReasonTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// StreamState состояние потока (участник, тип медиа)
type StreamState int

const (
	StateUnknown StreamState = iota
	StateOrphaned
	StateActive
	StateDeactivated
)

func (s StreamState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateOrphaned:
		return "orphaned"
	case StateActive:
		return "active"
	case StateDeactivated:
		return "deactivated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// parseStreamState обратное преобразование имени состояния автомата
func parseStreamState(name string) StreamState {
	switch name {
	case "orphaned":
		return StateOrphaned
	case "active":
		return StateActive
	case "deactivated":
		return StateDeactivated
	default:
		return StateUnknown
	}
}

// ParameterRecord объявленные участником параметры декодирования
type ParameterRecord struct {
	Address           string
	PictureParameters string
	VideoSSRC         uint32
	AudioSSRC         uint32
}

// SSRC возвращает SSRC записи для типа медиа
func (r ParameterRecord) SSRC(media MediaType) uint32 {
	if media == MediaAudio {
		return r.AudioSSRC
	}
	return r.VideoSSRC
}

// Surface непрозрачный дескриптор поверхности отображения
type Surface any

// DecodeChain инструкция конвейеру на построение цепочки декодирования
type DecodeChain struct {
	Media             MediaType
	SSRC              uint32
	Address           string
	Name              string
	PictureParameters string
	Surface           Surface
}

// StateChange изменение состояния потока для наблюдателя
type StateChange struct {
	Media   MediaType
	SSRC    uint32
	Address string
	From    StreamState
	To      StreamState
	Reason  DeactivateReason
}

// Pipeline внешний медиа конвейер.
// Вызывается под блокировкой координатора и не должен вызывать его методы.
type Pipeline interface {
	// Wire строит цепочку декодирования для SSRC
	Wire(chain DecodeChain) error
	// Unwire разбирает цепочку и направляет поток в blackhole
	Unwire(media MediaType, ssrc uint32) error
}

// DisplayProvider выдает поверхности отображения участников
type DisplayProvider interface {
	DisplaySurfaceFor(address string) (Surface, bool)
}

// Directory справочник имен участников
type Directory interface {
	LookupName(address string) (string, bool)
}

// Observer получает изменения состояний потоков.
// Вызывается вне блокировки координатора.
type Observer interface {
	OnStreamStateChanged(change StateChange)
}

// ObserverFunc адаптер функции к Observer
type ObserverFunc func(change StateChange)

// OnStreamStateChanged вызывает f(change)
func (f ObserverFunc) OnStreamStateChanged(change StateChange) { f(change) }

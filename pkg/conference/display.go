package conference

import (
	"sync/atomic"

	"github.com/jhgorse/mog/pkg/coordinator"
)

// MaxSlots количество окон отображения, слот 0 - собственное видео
const MaxSlots = 6

// Slot окно отображения участника.
// Без графического вывода слот считает принятые пакеты и кадры.
type Slot struct {
	Index   int
	Address string
	Name    string

	packets atomic.Uint64
	frames  atomic.Uint64
	samples atomic.Uint64
}

// Packets количество принятых RTP пакетов
func (s *Slot) Packets() uint64 { return s.packets.Load() }

// Frames количество собранных видео кадров (пакеты с marker)
func (s *Slot) Frames() uint64 { return s.frames.Load() }

// AudioPackets количество принятых аудио пакетов
func (s *Slot) AudioPackets() uint64 { return s.samples.Load() }

// DisplaySlots раскладка участников по окнам
type DisplaySlots struct {
	slots     []*Slot
	byAddress map[string]*Slot
}

// NewDisplaySlots раскладывает участников: слот 0 - свой, далее удаленные
// в порядке списка. Участники сверх MaxSlots слота не получают.
func NewDisplaySlots(roster Roster, me string, nameOf func(address string) string) *DisplaySlots {
	if nameOf == nil {
		nameOf = func(address string) string { return address }
	}

	d := &DisplaySlots{byAddress: make(map[string]*Slot)}
	d.add(me, nameOf(me))
	for _, address := range roster.Without(me) {
		if len(d.slots) == MaxSlots {
			break
		}
		d.add(address, nameOf(address))
	}
	return d
}

func (d *DisplaySlots) add(address, name string) {
	slot := &Slot{Index: len(d.slots), Address: address, Name: name}
	d.slots = append(d.slots, slot)
	d.byAddress[address] = slot
}

// DisplaySurfaceFor возвращает слот участника
func (d *DisplaySlots) DisplaySurfaceFor(address string) (coordinator.Surface, bool) {
	slot, ok := d.byAddress[address]
	if !ok {
		return nil, false
	}
	return slot, true
}

// Slot возвращает слот по адресу
func (d *DisplaySlots) Slot(address string) (*Slot, bool) {
	slot, ok := d.byAddress[address]
	return slot, ok
}

// Slots возвращает слоты по порядку
func (d *DisplaySlots) Slots() []*Slot {
	return append([]*Slot(nil), d.slots...)
}

package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/looplab/fsm"
)

// События автомата потока
const (
	eventOrphan     = "orphan"
	eventActivate   = "activate"
	eventDeactivate = "deactivate"
	eventForget     = "forget"
)

type streamKey struct {
	media MediaType
	ssrc  uint32
}

// stream состояние одного SSRC
type stream struct {
	key        streamKey
	machine    *fsm.FSM
	orphanedAt time.Time
	// address участника, за которым закреплен активный поток
	address string
}

// newStream создает поток в состоянии unknown.
// onChange вызывается после каждого перехода.
func newStream(key streamKey, onChange func(s *stream, from, to StreamState, reason DeactivateReason)) *stream {
	s := &stream{key: key}
	s.machine = fsm.NewFSM(
		StateUnknown.String(),
		fsm.Events{
			// SSRC активен, параметров еще нет
			{Name: eventOrphan, Src: []string{StateUnknown.String(), StateDeactivated.String()}, Dst: StateOrphaned.String()},
			// Цепочка декодирования построена
			{Name: eventActivate, Src: []string{StateUnknown.String(), StateOrphaned.String(), StateDeactivated.String()}, Dst: StateActive.String()},
			// Цепочка разобрана
			{Name: eventDeactivate, Src: []string{StateActive.String()}, Dst: StateDeactivated.String()},
			// Поток забыт (вытеснение сироты, замена записи)
			{Name: eventForget, Src: []string{StateOrphaned.String(), StateDeactivated.String()}, Dst: StateUnknown.String()},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				reason := ReasonNone
				if len(e.Args) > 0 {
					if r, ok := e.Args[0].(DeactivateReason); ok {
						reason = r
					}
				}
				onChange(s, parseStreamState(e.Src), parseStreamState(e.Dst), reason)
			},
		},
	)
	return s
}

func (s *stream) state() StreamState {
	return parseStreamState(s.machine.Current())
}

// fire выполняет событие, если оно допустимо в текущем состоянии
func (s *stream) fire(event string, args ...interface{}) error {
	if !s.machine.Can(event) {
		return fmt.Errorf("событие %s недопустимо в состоянии %s", event, s.machine.Current())
	}
	return s.machine.Event(context.Background(), event, args...)
}

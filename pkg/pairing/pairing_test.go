package pairing

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession сессия с управляемым набором sub-endpoint
type fakeSession struct {
	mu       sync.Mutex
	sinks    []string
	sources  []string
	handlers map[int]func(string)
	removed  map[int]func(string)
	nextID   int
}

func newFakeSession(sinks, sources []string) *fakeSession {
	return &fakeSession{
		sinks:    sinks,
		sources:  sources,
		handlers: make(map[int]func(string)),
		removed:  make(map[int]func(string)),
	}
}

func (s *fakeSession) SinkPads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sinks...)
}

func (s *fakeSession) SourcePads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sources...)
}

func (s *fakeSession) OnSourcePadAdded(handler func(string)) func() {
	return s.subscribe(s.handlers, handler)
}

func (s *fakeSession) OnSourcePadRemoved(handler func(string)) func() {
	return s.subscribe(s.removed, handler)
}

func (s *fakeSession) subscribe(set map[int]func(string), handler func(string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	set[id] = handler
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(set, id)
	}
}

func (s *fakeSession) addSource(name string) {
	s.mu.Lock()
	s.sources = append(s.sources, name)
	handlers := make([]func(string), 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(name)
	}
}

func (s *fakeSession) removeSource(name string) {
	s.mu.Lock()
	for i, source := range s.sources {
		if source == name {
			s.sources = append(s.sources[:i], s.sources[i+1:]...)
			break
		}
	}
	handlers := make([]func(string), 0, len(s.removed))
	for _, h := range s.removed {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(name)
	}
}

func (s *fakeSession) subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers) + len(s.removed)
}

func quietPairer() *Pairer {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return NewPairer(Config{Logger: logrus.NewEntry(l)})
}

// TestSinkNameFor проверяет синтез имени sink
func TestSinkNameFor(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		expected string
		err      error
	}{
		{name: "Отправка", source: "send_rtp_src_0", expected: "send_rtp_sink_0"},
		{name: "Отправка с многозначным индексом", source: "send_rtp_src_12", expected: "send_rtp_sink_12"},
		{name: "Прием", source: "recv_rtp_src_0_12345_96", expected: "recv_rtp_sink_0"},
		{name: "Прием аудио", source: "recv_rtp_src_1_4294967295_10", expected: "recv_rtp_sink_1"},
		{name: "Только RTCP", source: "send_rtcp_src_0", err: ErrRTCPOnly},
		{name: "Неизвестный префикс", source: "foo_src_0", err: ErrUnknownPad},
		{name: "Нечисловой индекс", source: "send_rtp_src_x", err: ErrUnknownPad},
		{name: "Неполное имя приема", source: "recv_rtp_src_0_12345", err: ErrUnknownPad},
		{name: "Sink не является источником", source: "send_rtp_sink_0", err: ErrUnknownPad},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SinkNameFor(tt.source)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				assert.Empty(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

// TestParsePadName проверяет разбор имени источника приема
func TestParsePadName(t *testing.T) {
	pad, err := ParsePadName(RecvRTPSrcName(2, 12345, 96))
	require.NoError(t, err)
	assert.Equal(t, PadName{Kind: PadRecvRTPSrc, Index: 2, SSRC: 12345, PayloadType: 96}, pad)

	pad, err = ParsePadName(SendRTCPSrcName(3))
	require.NoError(t, err)
	assert.Equal(t, PadSendRTCPSrc, pad.Kind)
	assert.Equal(t, uint32(3), pad.Index)
}

// TestFindPairMissingSink проверяет, что отсутствие sink не является ошибкой
func TestFindPairMissingSink(t *testing.T) {
	sess := newFakeSession([]string{"send_rtp_sink_1"}, []string{"send_rtp_src_0"})

	_, ok := FindPair(sess, "send_rtp_src_0")
	assert.False(t, ok)

	pair, ok := FindPair(sess, "send_rtp_src_1")
	assert.True(t, ok)
	assert.Equal(t, Pair{Source: "send_rtp_src_1", Sink: "send_rtp_sink_1"}, pair)
}

// TestAttachEager проверяет немедленное сопоставление существующих источников
func TestAttachEager(t *testing.T) {
	sess := newFakeSession(
		[]string{"send_rtp_sink_0"},
		[]string{"send_rtp_src_0", "send_rtcp_src_0"},
	)
	p := quietPairer()
	defer p.Close()

	var got []Pair
	p.Attach(sess, func(pair Pair) { got = append(got, pair) })

	assert.Equal(t, []Pair{{Source: "send_rtp_src_0", Sink: "send_rtp_sink_0"}}, got)
	assert.Equal(t, got, p.Pairs())
}

// TestAttachDeferred проверяет сопоставление источника, появившегося позже
func TestAttachDeferred(t *testing.T) {
	sess := newFakeSession([]string{"recv_rtp_sink_0"}, nil)
	p := quietPairer()
	defer p.Close()

	pairs := make(chan Pair, 4)
	p.Attach(sess, func(pair Pair) { pairs <- pair })
	assert.Empty(t, p.Pairs())

	sess.addSource("recv_rtp_src_0_12345_96")

	require.Len(t, pairs, 1)
	assert.Equal(t, Pair{Source: "recv_rtp_src_0_12345_96", Sink: "recv_rtp_sink_0"}, <-pairs)
}

// TestAttachDeduplicates проверяет, что источник сопоставляется не более одного раза
func TestAttachDeduplicates(t *testing.T) {
	sess := newFakeSession([]string{"send_rtp_sink_0"}, []string{"send_rtp_src_0"})
	p := quietPairer()
	defer p.Close()

	count := 0
	p.Attach(sess, func(Pair) { count++ })
	sess.addSource("send_rtp_src_0")

	assert.Equal(t, 1, count)
	assert.Len(t, p.Pairs(), 1)
}

// TestAttachSubscribesAfterEager проверяет, что подписка сохраняется и после немедленного прохода
func TestAttachSubscribesAfterEager(t *testing.T) {
	sess := newFakeSession(
		[]string{"send_rtp_sink_0", "recv_rtp_sink_0"},
		[]string{"send_rtp_src_0"},
	)
	p := quietPairer()

	p.Attach(sess, nil)
	sess.addSource("recv_rtp_src_0_7_96")

	assert.Equal(t, []Pair{
		{Source: "recv_rtp_src_0_7_96", Sink: "recv_rtp_sink_0"},
		{Source: "send_rtp_src_0", Sink: "send_rtp_sink_0"},
	}, p.Pairs())

	p.Close()
	assert.Zero(t, sess.subscribers(), "Close снимает подписку")

	sess.addSource("recv_rtp_src_0_8_96")
	assert.Empty(t, p.Pairs(), "Close забывает пары")
}

// TestPairReleasedWithSource проверяет, что пара снимается вместе с источником
func TestPairReleasedWithSource(t *testing.T) {
	sess := newFakeSession([]string{"recv_rtp_sink_0"}, nil)
	p := quietPairer()
	defer p.Close()

	count := 0
	p.Attach(sess, func(Pair) { count++ })

	sess.addSource("recv_rtp_src_0_7_96")
	require.Len(t, p.Pairs(), 1)

	sess.removeSource("recv_rtp_src_0_7_96")
	assert.Empty(t, p.Pairs())

	// После таймаута тот же SSRC может вернуться и снова получить пару
	sess.addSource("recv_rtp_src_0_7_96")
	assert.Len(t, p.Pairs(), 1)
	assert.Equal(t, 2, count)

	sess.removeSource("recv_rtp_src_0_unknown")
	assert.Len(t, p.Pairs(), 1)
}

// TestAttachUnknownSource проверяет, что чужие имена не создают пар
func TestAttachUnknownSource(t *testing.T) {
	sess := newFakeSession([]string{"send_rtp_sink_0"}, []string{"video_src", "send_rtp_src_zero"})
	p := quietPairer()
	defer p.Close()

	p.Attach(sess, func(pair Pair) { t.Fatalf("неожиданная пара %+v", pair) })
	assert.Empty(t, p.Pairs())
}

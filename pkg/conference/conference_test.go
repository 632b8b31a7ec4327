package conference

import (
	"context"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhgorse/mog/pkg/announce"
	"github.com/jhgorse/mog/pkg/coordinator"
	"github.com/jhgorse/mog/pkg/directory"
	"github.com/jhgorse/mog/pkg/rtp"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return logrus.NewEntry(l)
}

// fakeSignaling записывает вызовы анонсера и пересылает PARM в шину
type fakeSignaling struct {
	address string
	bus     *signalingBus

	mu                sync.Mutex
	roster            []string
	destinations      []string
	params            []string
	callListener      announce.CallPacketListener
	parameterListener announce.ParameterPacketListener
}

func (f *fakeSignaling) ConfigureParticipantList(addresses []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roster = append([]string(nil), addresses...)
	f.destinations = append([]string(nil), addresses...)
	return nil
}

func (f *fakeSignaling) SetParticipantDestinations(addresses []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destinations = append([]string(nil), addresses...)
	return nil
}

func (f *fakeSignaling) SendParameters(params string, video, audio uint32) error {
	f.mu.Lock()
	f.params = append(f.params, params)
	f.mu.Unlock()

	if f.bus != nil {
		f.bus.publish(f.address, params, video, audio)
	}
	return nil
}

func (f *fakeSignaling) SetCallPacketListener(l announce.CallPacketListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callListener = l
}

func (f *fakeSignaling) ClearCallPacketListener() { f.SetCallPacketListener(nil) }

func (f *fakeSignaling) SetParameterPacketListener(l announce.ParameterPacketListener) {
	f.mu.Lock()
	listener := l
	f.parameterListener = l
	f.mu.Unlock()

	// Параметры, объявленные до подписки, повторяются как при периодической рассылке
	if listener != nil && f.bus != nil {
		f.bus.replay(f.address, listener)
	}
}

func (f *fakeSignaling) ClearParameterPacketListener() { f.SetParameterPacketListener(nil) }

func (f *fakeSignaling) call(addresses []string) bool {
	f.mu.Lock()
	l := f.callListener
	f.mu.Unlock()
	if l == nil {
		return false
	}
	l.OnCallPacket(addresses)
	return true
}

func (f *fakeSignaling) snapshot() (roster, destinations, params []string, listener announce.ParameterPacketListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roster, f.destinations, f.params, f.parameterListener
}

// signalingBus доставляет PARM между фейковыми анонсерами
type signalingBus struct {
	mu      sync.Mutex
	members []*fakeSignaling
	last    map[string][3]any
}

func (b *signalingBus) join(address string) *fakeSignaling {
	b.mu.Lock()
	defer b.mu.Unlock()
	f := &fakeSignaling{address: address, bus: b}
	b.members = append(b.members, f)
	return f
}

func (b *signalingBus) publish(from, params string, video, audio uint32) {
	b.mu.Lock()
	if b.last == nil {
		b.last = make(map[string][3]any)
	}
	b.last[from] = [3]any{params, video, audio}
	members := append([]*fakeSignaling(nil), b.members...)
	b.mu.Unlock()

	for _, m := range members {
		if m.address == from {
			continue
		}
		m.mu.Lock()
		l := m.parameterListener
		m.mu.Unlock()
		if l != nil {
			l.OnParameterPacket(from, params, video, audio)
		}
	}
}

func (b *signalingBus) replay(to string, l announce.ParameterPacketListener) {
	b.mu.Lock()
	last := make(map[string][3]any, len(b.last))
	for k, v := range b.last {
		last[k] = v
	}
	b.mu.Unlock()

	for from, v := range last {
		if from != to {
			l.OnParameterPacket(from, v[0].(string), v[1].(uint32), v[2].(uint32))
		}
	}
}

func testDirectory(t *testing.T, me string) *directory.Directory {
	t.Helper()
	d, err := directory.New(me, []directory.Entry{
		{Name: "alice", Address: "127.0.0.1"},
		{Name: "bob", Address: "127.0.0.2"},
		{Name: "carol", Address: "127.0.0.3"},
	})
	require.NoError(t, err)
	return d
}

// freeBasePort ищет базовый порт, для которого свободны порты всех участников
func freeBasePort(t *testing.T, ips []string, participants int) int {
	t.Helper()

	for attempt := 0; attempt < 50; attempt++ {
		base := 20000 + 4*rand.Intn(8000)
		var conns []*net.UDPConn
		ok := true
	bind:
		for _, ip := range ips {
			for port := base; port < base+4*participants; port++ {
				conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(ip), Port: port})
				if err != nil {
					ok = false
					break bind
				}
				conns = append(conns, conn)
			}
		}
		for _, conn := range conns {
			conn.Close()
		}
		if ok {
			return base
		}
	}
	t.Skip("не найден свободный диапазон портов")
	return 0
}

// TestRoster проверяет порядок списка участников
func TestRoster(t *testing.T) {
	r := NewRoster([]string{"A", "B", "A"}, "C")
	assert.Equal(t, []string{"A", "B", "C"}, r.Addresses())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 2, r.IndexOf("C"))
	assert.Equal(t, -1, r.IndexOf("Z"))

	t.Run("Без себя с сохранением порядка", func(t *testing.T) {
		assert.Equal(t, []string{"A", "C"}, r.Without("B"))
		assert.Equal(t, []string{"A", "B", "C"}, r.Without("Z"))
	})

	t.Run("Фильтр", func(t *testing.T) {
		filtered := RosterOf([]string{"A", "X", "B"}).Filter(func(a string) bool { return a != "X" })
		assert.Equal(t, []string{"A", "B"}, filtered.Addresses())
	})
}

// TestParticipantBasePort проверяет раскладку портов участников
func TestParticipantBasePort(t *testing.T) {
	assert.Equal(t, 10000, ParticipantBasePort(DefaultBasePort, 0))
	assert.Equal(t, 10004, ParticipantBasePort(DefaultBasePort, 1))
	assert.Equal(t, 10008, ParticipantBasePort(DefaultBasePort, 2))
}

// TestDisplaySlots слот 0 - свой, остальные по порядку списка, не более MaxSlots
func TestDisplaySlots(t *testing.T) {
	roster := RosterOf([]string{"A", "B", "C", "D", "E", "F", "G"})
	slots := NewDisplaySlots(roster, "C", strings.ToLower)

	var order []string
	for _, s := range slots.Slots() {
		order = append(order, s.Address)
	}
	assert.Equal(t, []string{"C", "A", "B", "D", "E", "F"}, order)

	surface, ok := slots.DisplaySurfaceFor("B")
	require.True(t, ok)
	assert.Equal(t, 2, surface.(*Slot).Index)
	assert.Equal(t, "b", surface.(*Slot).Name)

	_, ok = slots.DisplaySurfaceFor("G")
	assert.False(t, ok, "участнику сверх лимита слот не выделяется")
}

// TestDescription проверяет SDP описание цепочек
func TestDescription(t *testing.T) {
	t.Run("Видео с параметрами", func(t *testing.T) {
		desc, err := Description(coordinator.DecodeChain{
			Media:             coordinator.MediaVideo,
			SSRC:              1234,
			Address:           "127.0.0.2",
			Name:              "bob",
			PictureParameters: "Z0LAHtkD,aMuMsg==",
		}, 10004)
		require.NoError(t, err)

		raw, err := desc.Marshal()
		require.NoError(t, err)
		text := string(raw)
		assert.Contains(t, text, "m=video 10004 RTP/AVP 96")
		assert.Contains(t, text, "a=rtpmap:96 H264/90000")
		assert.Contains(t, text, "a=fmtp:96 packetization-mode=1;sprop-parameter-sets=Z0LAHtkD,aMuMsg==")
		assert.Contains(t, text, "a=ssrc:1234 cname:bob")

		parsed := &sdp.SessionDescription{}
		require.NoError(t, parsed.Unmarshal(raw))
		require.Len(t, parsed.MediaDescriptions, 1)
		_, ok := parsed.MediaDescriptions[0].Attribute("recvonly")
		assert.True(t, ok)
	})

	t.Run("Аудио", func(t *testing.T) {
		desc, err := Description(coordinator.DecodeChain{Media: coordinator.MediaAudio, SSRC: 5, Address: "::1"}, 10006)
		require.NoError(t, err)
		raw, err := desc.Marshal()
		require.NoError(t, err)
		assert.Contains(t, string(raw), "a=rtpmap:97 L16/48000/1")
		assert.Contains(t, string(raw), "IN IP6 ::1")
	})

	t.Run("Неизвестный тип медиа", func(t *testing.T) {
		_, err := Description(coordinator.DecodeChain{Media: coordinator.MediaType(9)}, 1)
		assert.Error(t, err)
	})
}

type fakeRoute struct {
	routes    map[[2]uint32]rtp.PacketSink
	blackhole [][2]uint32
}

func (r *fakeRoute) Route(session, ssrc uint32, sink rtp.PacketSink) error {
	r.routes[[2]uint32{session, ssrc}] = sink
	return nil
}

func (r *fakeRoute) Blackhole(session, ssrc uint32) {
	delete(r.routes, [2]uint32{session, ssrc})
	r.blackhole = append(r.blackhole, [2]uint32{session, ssrc})
}

func (r *fakeRoute) LocalAddr(uint32) net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 10004}
}

type recordingDecoder struct {
	packets int
	closed  bool
}

func (d *recordingDecoder) WriteRTP(*pionrtp.Packet) error { d.packets++; return nil }
func (d *recordingDecoder) Close() error                    { d.closed = true; return nil }

// TestPipeline проверяет построение и разбор цепочек
func TestPipeline(t *testing.T) {
	route := &fakeRoute{routes: make(map[[2]uint32]rtp.PacketSink)}
	var decoders []*recordingDecoder
	var descriptions []*sdp.SessionDescription

	p := NewPipeline(DecoderFactoryFunc(func(chain coordinator.DecodeChain, d *sdp.SessionDescription) (Decoder, error) {
		dec := &recordingDecoder{}
		decoders = append(decoders, dec)
		descriptions = append(descriptions, d)
		return dec, nil
	}), quietLogger())
	p.AddSession("127.0.0.2", route)

	chain := coordinator.DecodeChain{Media: coordinator.MediaAudio, SSRC: 77, Address: "127.0.0.2"}
	require.NoError(t, p.Wire(chain))
	require.Len(t, decoders, 1)
	assert.Equal(t, 10004, descriptions[0].MediaDescriptions[0].MediaName.Port.Value)
	assert.Equal(t, 1, p.Chains())

	sink, ok := route.routes[[2]uint32{rtp.SessionAudio, 77}]
	require.True(t, ok, "аудио маршрутизируется в медиа сессию 1")
	require.NoError(t, sink.WriteRTP(&pionrtp.Packet{}))
	assert.Equal(t, 1, decoders[0].packets)

	require.NoError(t, p.Unwire(coordinator.MediaAudio, 77))
	assert.True(t, decoders[0].closed)
	assert.Equal(t, [][2]uint32{{rtp.SessionAudio, 77}}, route.blackhole)
	assert.Zero(t, p.Chains())

	t.Run("Повторный Unwire ничего не делает", func(t *testing.T) {
		assert.NoError(t, p.Unwire(coordinator.MediaAudio, 77))
	})

	t.Run("Нет сессии участника", func(t *testing.T) {
		err := p.Wire(coordinator.DecodeChain{Media: coordinator.MediaVideo, SSRC: 1, Address: "10.9.9.9"})
		assert.ErrorIs(t, err, ErrNoSession)
	})
}

// TestHeadlessDecoder пакеты учитываются в слоте
func TestHeadlessDecoder(t *testing.T) {
	slot := &Slot{Index: 1}

	video, err := HeadlessDecoders{}.NewDecoder(coordinator.DecodeChain{Media: coordinator.MediaVideo, Surface: slot}, nil)
	require.NoError(t, err)
	require.NoError(t, video.WriteRTP(&pionrtp.Packet{}))
	require.NoError(t, video.WriteRTP(&pionrtp.Packet{Header: pionrtp.Header{Marker: true}}))

	audio, err := HeadlessDecoders{}.NewDecoder(coordinator.DecodeChain{Media: coordinator.MediaAudio, Surface: slot}, nil)
	require.NoError(t, err)
	require.NoError(t, audio.WriteRTP(&pionrtp.Packet{}))

	assert.Equal(t, uint64(3), slot.Packets())
	assert.Equal(t, uint64(1), slot.Frames())
	assert.Equal(t, uint64(1), slot.AudioPackets())
}

// TestStartAnnouncesRoster инициатор объявляет приглашенных и себя
func TestStartAnnouncesRoster(t *testing.T) {
	base := freeBasePort(t, []string{"127.0.0.1"}, 3)
	signaling := &fakeSignaling{address: "127.0.0.1"}

	c, err := New(Config{
		Signaling:         signaling,
		Directory:         testDirectory(t, "127.0.0.1"),
		ListenIP:          "127.0.0.1",
		BasePort:          base,
		PictureParameters: "sps,pps",
		Logger:            quietLogger(),
	})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Start(context.Background(), []string{"bob", "carol"}))

	roster, destinations, params, listener := signaling.snapshot()
	assert.Equal(t, []string{"127.0.0.2", "127.0.0.3", "127.0.0.1"}, roster)
	assert.Equal(t, roster, destinations)
	assert.Equal(t, []string{"sps,pps"}, params)
	assert.Same(t, c.Coordinator(), listener, "координатор получает PARM")

	session, ok := c.Session("127.0.0.3")
	require.True(t, ok)
	assert.Equal(t, base+4, session.BasePort())
	_, ok = c.Session("127.0.0.1")
	assert.False(t, ok, "для себя приемная сессия не создается")

	assert.Equal(t, []string{"127.0.0.2:" + strconv.Itoa(base+8), "127.0.0.3:" + strconv.Itoa(base+8)}, c.Sender().Destinations())
	assert.Len(t, c.Slots(), 3)
	assert.Equal(t, "127.0.0.1", c.Slots()[0].Address)

	assert.ErrorIs(t, c.Start(context.Background(), nil), ErrAlreadyStarted)

	require.NoError(t, c.Close())
	_, _, _, listener = signaling.snapshot()
	assert.Nil(t, listener)
}

// TestStartUnknownInvitee приглашенный должен быть в справочнике
func TestStartUnknownInvitee(t *testing.T) {
	c, err := New(Config{Signaling: &fakeSignaling{}, Directory: testDirectory(t, "127.0.0.1"), Logger: quietLogger()})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Start(context.Background(), []string{"mallory"}), ErrUnknownParticipant)
}

// TestJoin приглашенный ждет CALL и настраивает получателей
func TestJoin(t *testing.T) {
	base := freeBasePort(t, []string{"127.0.0.2"}, 3)
	signaling := &fakeSignaling{address: "127.0.0.2"}

	c, err := New(Config{
		Signaling: signaling,
		Directory: testDirectory(t, "127.0.0.2"),
		ListenIP:  "127.0.0.2",
		BasePort:  base,
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	defer c.Close()

	done := make(chan error, 1)
	go func() { done <- c.Join(context.Background()) }()

	require.Eventually(t, func() bool {
		return signaling.call([]string{"127.0.0.3", "10.66.66.66", "127.0.0.2", "127.0.0.1"})
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Join не завершился")
	}

	_, destinations, params, _ := signaling.snapshot()
	assert.Equal(t, []string{"127.0.0.3", "127.0.0.1"}, destinations, "неизвестный адрес отброшен, порядок сохранен")
	assert.Len(t, params, 1)
	assert.Equal(t, []string{"127.0.0.3", "127.0.0.2", "127.0.0.1"}, c.Roster().Addresses())

	session, ok := c.Session("127.0.0.1")
	require.True(t, ok)
	assert.Equal(t, base+8, session.BasePort())
	assert.False(t, signaling.call([]string{"x"}), "слушатель CALL снят")
}

// TestJoinCancelled отмена контекста прерывает ожидание
func TestJoinCancelled(t *testing.T) {
	signaling := &fakeSignaling{}
	c, err := New(Config{Signaling: signaling, Directory: testDirectory(t, "127.0.0.2"), Logger: quietLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Join(ctx), context.DeadlineExceeded)
	assert.False(t, signaling.call([]string{"127.0.0.2"}))
}

// TestJoinNotInvited собственного адреса нет в CALL
func TestJoinNotInvited(t *testing.T) {
	signaling := &fakeSignaling{}
	c, err := New(Config{Signaling: signaling, Directory: testDirectory(t, "127.0.0.2"), Logger: quietLogger()})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Join(context.Background()) }()
	require.Eventually(t, func() bool { return signaling.call([]string{"127.0.0.1", "127.0.0.3"}) },
		2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, <-done, ErrNotInvited)
}

// TestTwoParticipantsMedia видео одного участника доходит до слота другого
func TestTwoParticipantsMedia(t *testing.T) {
	base := freeBasePort(t, []string{"127.0.0.1", "127.0.0.2"}, 2)
	bus := &signalingBus{}

	changes := make(chan coordinator.StateChange, 16)
	newParticipant := func(me string, observer coordinator.Observer) *Conference {
		c, err := New(Config{
			Signaling:         bus.join(me),
			Directory:         testDirectory(t, me),
			Observer:          observer,
			ListenIP:          me,
			BasePort:          base,
			PictureParameters: "params-of-" + me,
			Logger:            quietLogger(),
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		return c
	}

	alice := newParticipant("127.0.0.1", nil)
	bob := newParticipant("127.0.0.2", coordinator.ObserverFunc(func(change coordinator.StateChange) {
		changes <- change
	}))

	// Оба участника получают одинаковый список [bob, alice]
	require.NoError(t, alice.Start(context.Background(), []string{"bob"}))
	joined := make(chan error, 1)
	go func() { joined <- bob.Join(context.Background()) }()
	require.Eventually(t, func() bool {
		return bob.config.Signaling.(*fakeSignaling).call([]string{"127.0.0.2", "127.0.0.1"})
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, <-joined)

	videoSSRC := alice.Sender().SSRC(rtp.SessionVideo)
	record, ok := bob.Coordinator().Record(coordinator.MediaVideo, videoSSRC)
	require.True(t, ok, "PARM alice получен")
	assert.Equal(t, "params-of-127.0.0.1", record.PictureParameters)

	require.NoError(t, alice.Sender().WriteSample(rtp.SessionVideo, []byte("frame"), 3000, true))

	select {
	case change := <-changes:
		assert.Equal(t, coordinator.StateActive, change.To)
		assert.Equal(t, videoSSRC, change.SSRC)
		assert.Equal(t, "127.0.0.1", change.Address)
	case <-time.After(3 * time.Second):
		t.Fatal("поток alice не активирован")
	}

	slot, ok := slotFor(bob, "127.0.0.1")
	require.True(t, ok)
	require.NoError(t, alice.Sender().WriteSample(rtp.SessionVideo, []byte("frame-2"), 6000, true))
	assert.Eventually(t, func() bool { return slot.Frames() >= 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, bob.Chains())

	// Закрытие alice отправляет BYE, поток деактивируется
	require.NoError(t, alice.Close())
	select {
	case change := <-changes:
		assert.Equal(t, coordinator.StateDeactivated, change.To)
		assert.Equal(t, coordinator.ReasonBye, change.Reason)
	case <-time.After(3 * time.Second):
		t.Fatal("поток alice не деактивирован")
	}
	assert.Zero(t, bob.Chains())
}

func slotFor(c *Conference, address string) (*Slot, bool) {
	for _, s := range c.Slots() {
		if s.Address == address {
			return s, true
		}
	}
	return nil, false
}

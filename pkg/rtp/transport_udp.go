package rtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/pion/rtp"
)

// Ограничения размеров пакетов
const (
	MinRTPPacketSize = 12   // Минимальный размер RTP заголовка
	MinRTCPSize      = 4    // Минимальный размер RTCP заголовка
	MaxPacketSize    = 1500 // MTU

	ExpectedRTPVersion = 2
)

var (
	ErrTransportClosed = errors.New("транспорт не активен")
)

// UDPTransport реализует Transport поверх UDP сокета
type UDPTransport struct {
	conn   *net.UDPConn
	config TransportConfig

	active bool
	mutex  sync.RWMutex
}

var _ Transport = (*UDPTransport)(nil)

// NewUDPTransport создает UDP транспорт
func NewUDPTransport(config TransportConfig) (*UDPTransport, error) {
	defaults := DefaultTransportConfig()
	if config.LocalAddr == "" {
		config.LocalAddr = defaults.LocalAddr
	}
	if config.BufferSize == 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.ReceiveTimeout == 0 {
		config.ReceiveTimeout = defaults.ReceiveTimeout
	}

	localAddr, err := net.ResolveUDPAddr("udp", config.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения локального адреса: %w", err)
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP соединения %s: %w", config.LocalAddr, err)
	}

	if err := setSockOptForMedia(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка настройки сокета: %w", err)
	}

	return &UDPTransport{
		conn:   conn,
		config: config,
		active: true,
	}, nil
}

// Send отправляет датаграмму
func (t *UDPTransport) Send(data []byte, to *net.UDPAddr) error {
	t.mutex.RLock()
	active := t.active
	conn := t.conn
	t.mutex.RUnlock()

	if !active {
		return ErrTransportClosed
	}
	if to == nil {
		return fmt.Errorf("адрес получателя не задан")
	}
	if len(data) > MaxPacketSize {
		return fmt.Errorf("пакет слишком велик: %d байт (максимум %d)", len(data), MaxPacketSize)
	}

	if _, err := conn.WriteToUDP(data, to); err != nil {
		return classifyNetworkError("UDP write", err)
	}
	return nil
}

// Receive читает одну датаграмму. Ожидание ограничено ReceiveTimeout,
// по истечении возвращается ClassifiedError с типом ErrorTypeTimeout.
func (t *UDPTransport) Receive(ctx context.Context) ([]byte, *net.UDPAddr, error) {
	t.mutex.RLock()
	active := t.active
	conn := t.conn
	t.mutex.RUnlock()

	if !active {
		return nil, nil, ErrTransportClosed
	}

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	default:
	}

	buffer := make([]byte, t.config.BufferSize)
	conn.SetReadDeadline(time.Now().Add(t.config.ReceiveTimeout))

	n, addr, err := conn.ReadFromUDP(buffer)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}
		if !t.IsActive() {
			return nil, nil, ErrTransportClosed
		}
		return nil, nil, classifyNetworkError("UDP read", err)
	}

	return buffer[:n], addr, nil
}

// LocalAddr возвращает локальный адрес
func (t *UDPTransport) LocalAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// Port возвращает локальный порт
func (t *UDPTransport) Port() int {
	if addr, ok := t.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// Close закрывает транспорт
func (t *UDPTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.active {
		return nil
	}
	t.active = false

	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

// IsActive проверяет активность транспорта
func (t *UDPTransport) IsActive() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.active
}

// parseRTP разбирает и проверяет RTP пакет
func parseRTP(data []byte) (*rtp.Packet, error) {
	if len(data) < MinRTPPacketSize {
		return nil, fmt.Errorf("пакет слишком мал: %d байт (минимум %d)", len(data), MinRTPPacketSize)
	}

	packet := &rtp.Packet{}
	if err := packet.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("ошибка демаршалинга RTP пакета: %w", err)
	}
	if err := validateRTPHeader(&packet.Header); err != nil {
		return nil, err
	}
	return packet, nil
}

// validateRTPHeader проверяет корректность RTP заголовка согласно RFC 3550
func validateRTPHeader(header *rtp.Header) error {
	if header.Version != ExpectedRTPVersion {
		return fmt.Errorf("неподдерживаемая версия RTP: %d (ожидается %d)", header.Version, ExpectedRTPVersion)
	}
	if header.PayloadType > 127 {
		return fmt.Errorf("невалидный payload type: %d (максимум 127)", header.PayloadType)
	}
	return nil
}

// NetworkErrorType определяет типы сетевых ошибок
type NetworkErrorType int

const (
	ErrorTypeTemporary  NetworkErrorType = iota // Временная ошибка (retry возможен)
	ErrorTypePermanent                          // Постоянная ошибка (retry бессмыслен)
	ErrorTypeTimeout                            // Таймаут (нормальное поведение)
	ErrorTypeConnection                         // Проблемы соединения
	ErrorTypeUnknown                            // Неклассифицированная ошибка
)

// ClassifiedError обертка для сетевых ошибок с дополнительной информацией
type ClassifiedError struct {
	Type      NetworkErrorType
	Operation string
	Err       error
	Retryable bool
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s (type: %s, retryable: %t)",
		e.Operation, e.Err.Error(), e.typeString(), e.Retryable)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

func (e *ClassifiedError) typeString() string {
	switch e.Type {
	case ErrorTypeTemporary:
		return "temporary"
	case ErrorTypePermanent:
		return "permanent"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// IsTimeout проверяет, что ошибка - истечение периода опроса
func IsTimeout(err error) bool {
	var classified *ClassifiedError
	return errors.As(err, &classified) && classified.Type == ErrorTypeTimeout
}

// classifyNetworkError анализирует сетевую ошибку и возвращает классифицированную версию
func classifyNetworkError(operation string, err error) error {
	if err == nil {
		return nil
	}

	classified := &ClassifiedError{
		Operation: operation,
		Err:       err,
		Type:      ErrorTypeUnknown,
	}

	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		classified.Type = ErrorTypeTimeout
		classified.Retryable = true
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EHOSTUNREACH):
		classified.Type = ErrorTypeConnection
		classified.Retryable = true
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.ENOBUFS):
		classified.Type = ErrorTypeTemporary
		classified.Retryable = true
	case errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.EINVAL),
		errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EAFNOSUPPORT):
		classified.Type = ErrorTypePermanent
	}

	return classified
}

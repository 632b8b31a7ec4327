package rtp

import (
	"context"
	"net"
	"time"
)

// Transport определяет интерфейс для транспортировки RTP и RTCP датаграмм.
// Используется сессией и отправителем.
type Transport interface {
	// Send отправляет датаграмму на адрес
	Send(data []byte, to *net.UDPAddr) error

	// Receive получает датаграмму с указанием источника
	Receive(ctx context.Context) ([]byte, *net.UDPAddr, error)

	// LocalAddr возвращает локальный адрес транспорта
	LocalAddr() net.Addr

	// Close закрывает транспорт
	Close() error

	// IsActive проверяет активность транспорта
	IsActive() bool
}

// TransportConfig базовая конфигурация для транспорта
type TransportConfig struct {
	LocalAddr      string        // Локальный адрес для привязки
	BufferSize     int           // Размер буфера для чтения
	ReceiveTimeout time.Duration // Период опроса при чтении
}

// DefaultTransportConfig возвращает конфигурацию по умолчанию
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		LocalAddr:      ":0",
		BufferSize:     MaxPacketSize,
		ReceiveTimeout: 100 * time.Millisecond,
	}
}

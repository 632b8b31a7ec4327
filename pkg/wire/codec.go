// Package wire реализует кодек сообщений сигнализации конференции.
//
// Формат датаграммы: 4-байтовый ASCII тег и полезная нагрузка без префикса длины,
// граница UDP датаграммы является границей сообщения.
//
//	CALL <addr>\x00 <addr>\x00 ...
//	PARM <picture-parameters>\x00 <video ssrc:4 BE> <audio ssrc:4 BE>
//
// Байты после полного PARM сообщения считаются выравниванием и игнорируются,
// что позволяет будущим версиям протокола дописывать поля в конец.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Tag тег сообщения сигнализации
type Tag string

const (
	TagCall       Tag = "CALL"
	TagParameters Tag = "PARM"
)

const (
	tagLength  = 4
	ssrcLength = 4

	// MaxDatagramSize наибольшая полезная нагрузка UDP датаграммы по IPv4
	MaxDatagramSize = 65507
)

// Message декодированное сообщение сигнализации
type Message interface {
	Tag() Tag
}

// CallMessage список участников звонка (приглашение)
type CallMessage struct {
	Addresses []string
}

// Tag возвращает тег CALL
func (m *CallMessage) Tag() Tag { return TagCall }

// ParameterMessage параметры декодирования медиа отправителя
type ParameterMessage struct {
	PictureParameters string
	VideoSSRC         uint32
	AudioSSRC         uint32
}

// Tag возвращает тег PARM
func (m *ParameterMessage) Tag() Tag { return TagParameters }

// ValidateString проверяет, что строку можно передать как NUL-терминированное поле
func ValidateString(s string) error {
	if i := strings.IndexByte(s, 0); i >= 0 {
		return newError(ErrorCodeInvalidString, "", i, "строка содержит NUL на позиции %d", i)
	}
	if !utf8.ValidString(s) {
		return newError(ErrorCodeInvalidString, "", 0, "строка не является корректной UTF-8")
	}
	return nil
}

// EncodeCall кодирует список участников в CALL датаграмму.
// Буфер выделяется один раз точно под размер содержимого.
func EncodeCall(addresses []string) ([]byte, error) {
	size := tagLength
	for _, addr := range addresses {
		if err := ValidateString(addr); err != nil {
			return nil, fmt.Errorf("адрес %q: %w", addr, err)
		}
		size += len(addr) + 1
	}
	if size > MaxDatagramSize {
		return nil, tooLarge(TagCall, size)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, TagCall...)
	for _, addr := range addresses {
		buf = append(buf, addr...)
		buf = append(buf, 0)
	}
	return buf, nil
}

// EncodeParameters кодирует параметры отправителя в PARM датаграмму
func EncodeParameters(pictureParameters string, videoSSRC, audioSSRC uint32) ([]byte, error) {
	if err := ValidateString(pictureParameters); err != nil {
		return nil, fmt.Errorf("параметры изображения: %w", err)
	}

	size := tagLength + len(pictureParameters) + 1 + 2*ssrcLength
	if size > MaxDatagramSize {
		return nil, tooLarge(TagParameters, size)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, TagParameters...)
	buf = append(buf, pictureParameters...)
	buf = append(buf, 0)
	buf = binary.BigEndian.AppendUint32(buf, videoSSRC)
	buf = binary.BigEndian.AppendUint32(buf, audioSSRC)
	return buf, nil
}

func tooLarge(tag Tag, size int) error {
	return newError(ErrorCodeTooLarge, string(tag), MaxDatagramSize, "%d байт при пределе %d", size, MaxDatagramSize)
}

// Encode кодирует сообщение любого поддерживаемого типа
func Encode(m Message) ([]byte, error) {
	switch msg := m.(type) {
	case *CallMessage:
		return EncodeCall(msg.Addresses)
	case *ParameterMessage:
		return EncodeParameters(msg.PictureParameters, msg.VideoSSRC, msg.AudioSSRC)
	default:
		return nil, fmt.Errorf("неподдерживаемый тип сообщения %T", m)
	}
}

// PeekTag возвращает тег датаграммы без разбора полезной нагрузки
func PeekTag(datagram []byte) (Tag, error) {
	if len(datagram) < tagLength {
		return "", newError(ErrorCodeTooShort, "", len(datagram), "получено %d байт, нужно минимум %d", len(datagram), tagLength)
	}
	return Tag(datagram[:tagLength]), nil
}

// Decode разбирает датаграмму в сообщение.
// Никогда не читает за пределами буфера: обрезанные поля возвращают ErrTruncated.
func Decode(datagram []byte) (Message, error) {
	tag, err := PeekTag(datagram)
	if err != nil {
		return nil, err
	}

	payload := datagram[tagLength:]
	switch tag {
	case TagCall:
		return decodeCall(payload)
	case TagParameters:
		return decodeParameters(payload)
	default:
		return nil, newError(ErrorCodeUnknownTag, string(tag), 0, "тег %q не поддерживается", string(tag))
	}
}

func decodeCall(payload []byte) (*CallMessage, error) {
	msg := &CallMessage{Addresses: make([]string, 0, bytes.Count(payload, []byte{0}))}

	offset := 0
	for offset < len(payload) {
		field, next, err := readCString(payload, offset, TagCall)
		if err != nil {
			return nil, err
		}
		msg.Addresses = append(msg.Addresses, field)
		offset = next
	}
	return msg, nil
}

func decodeParameters(payload []byte) (*ParameterMessage, error) {
	params, offset, err := readCString(payload, 0, TagParameters)
	if err != nil {
		return nil, err
	}

	if len(payload)-offset < 2*ssrcLength {
		return nil, newError(ErrorCodeTruncated, string(TagParameters), tagLength+offset,
			"нужно %d байт SSRC, осталось %d", 2*ssrcLength, len(payload)-offset)
	}

	return &ParameterMessage{
		PictureParameters: params,
		VideoSSRC:         binary.BigEndian.Uint32(payload[offset:]),
		AudioSSRC:         binary.BigEndian.Uint32(payload[offset+ssrcLength:]),
	}, nil
}

// readCString читает NUL-терминированную строку начиная с offset.
// Возвращает строку и смещение первого байта после терминатора.
func readCString(payload []byte, offset int, tag Tag) (string, int, error) {
	end := bytes.IndexByte(payload[offset:], 0)
	if end < 0 {
		return "", 0, newError(ErrorCodeTruncated, string(tag), tagLength+offset, "строка без NUL терминатора")
	}

	field := payload[offset : offset+end]
	if !utf8.Valid(field) {
		return "", 0, newError(ErrorCodeInvalidString, string(tag), tagLength+offset, "строка не является корректной UTF-8")
	}
	return string(field), offset + end + 1, nil
}

package wire

import "fmt"

// ErrorCode классифицирует ошибки разбора датаграмм сигнализации.
type ErrorCode int

const (
	ErrorCodeTooShort ErrorCode = iota + 2000
	ErrorCodeUnknownTag
	ErrorCodeTruncated
	ErrorCodeInvalidString
	ErrorCodeTooLarge
)

// String возвращает строковое представление кода ошибки
func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeTooShort:
		return "TooShort"
	case ErrorCodeUnknownTag:
		return "UnknownTag"
	case ErrorCodeTruncated:
		return "Truncated"
	case ErrorCodeInvalidString:
		return "InvalidString"
	case ErrorCodeTooLarge:
		return "TooLarge"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// Эталонные ошибки для сравнения через errors.Is
var (
	ErrTooShort      = &Error{Code: ErrorCodeTooShort, Message: "датаграмма короче тега"}
	ErrUnknownTag    = &Error{Code: ErrorCodeUnknownTag, Message: "неизвестный тег"}
	ErrTruncated     = &Error{Code: ErrorCodeTruncated, Message: "датаграмма обрезана"}
	ErrInvalidString = &Error{Code: ErrorCodeInvalidString, Message: "некорректная строка"}
	ErrTooLarge      = &Error{Code: ErrorCodeTooLarge, Message: "сообщение не помещается в датаграмму"}
)

// Error ошибка кодека сигнализации.
// Offset указывает позицию в датаграмме, на которой разбор был прерван.
type Error struct {
	Code    ErrorCode
	Message string
	Tag     string
	Offset  int
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	if e.Tag != "" {
		return fmt.Sprintf("[wire:%s] %s: %s (смещение %d)", e.Code, e.Tag, e.Message, e.Offset)
	}
	return fmt.Sprintf("[wire:%s] %s", e.Code, e.Message)
}

// Is сравнивает ошибки по коду
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func newError(code ErrorCode, tag string, offset int, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Tag:     tag,
		Offset:  offset,
	}
}

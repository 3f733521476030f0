package convert

import "fmt"

// エラーコード。HTTPレイヤーがステータスコードへの対応付けに使用します。
const (
	CodeInvalidInput        = "INVALID_INPUT"
	CodeUnsupportedFiletype = "UNSUPPORTED_FILETYPE"
	CodeEPSGNotFound        = "EPSG_NOT_FOUND"
	CodeConversionFailed    = "CONVERSION_FAILED"
	CodeStorageError        = "STORAGE_ERROR"
)

// Error は呼び出し元へ返す分類済みエラーです。
type Error struct {
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

package txerror

import (
	"errors"
	"fmt"
)

const (
	TX_CONFIGURATION         = "TXCFG"
	TX_CONNECTION            = "TXCON"
	TX_CONCURRENCY_CONFLICT  = "TXCAS"
	TX_CONCURRENCY_EXHAUSTED = "TXEXH"
	TX_STORE_EXECUTION       = "TXEXE"
	TX_ILLEGAL_STATE         = "TXSTA"
	TX_UNEXPECTED            = "TXUNX"
)

var existingErrorCodeMap = map[string]string{
	TX_CONFIGURATION:         "ConfigurationError",
	TX_CONNECTION:            "ConnectionError",
	TX_CONCURRENCY_CONFLICT:  "ConcurrencyConflict",
	TX_CONCURRENCY_EXHAUSTED: "ConcurrencyExhausted",
	TX_STORE_EXECUTION:       "StoreExecutionError",
	TX_ILLEGAL_STATE:         "IllegalState",
}

// Sentinels for errors.Is. Matching is done by code only.
var (
	ErrConfiguration        = &TxError{ErrorCode: TX_CONFIGURATION}
	ErrConnection           = &TxError{ErrorCode: TX_CONNECTION}
	ErrConcurrencyConflict  = &TxError{ErrorCode: TX_CONCURRENCY_CONFLICT}
	ErrConcurrencyExhausted = &TxError{ErrorCode: TX_CONCURRENCY_EXHAUSTED}
	ErrStoreExecution       = &TxError{ErrorCode: TX_STORE_EXECUTION}
	ErrIllegalState         = &TxError{ErrorCode: TX_ILLEGAL_STATE}
)

// GetMessageByCode returns the human readable kind name for the code.
func GetMessageByCode(errorCode string) string {
	rep, ok := existingErrorCodeMap[errorCode]
	if ok {
		return rep
	}
	return "Unexpected error"
}

var _ error = &TxError{}

type TxError struct {
	Err error

	ErrorCode string
}

// New creates a TxError with the given code and message.
func New(errorCode string, msg string) *TxError {
	return &TxError{
		Err:       errors.New(msg),
		ErrorCode: errorCode,
	}
}

// Newf creates a TxError with the given code and formatted message.
func Newf(errorCode string, format string, a ...any) *TxError {
	return &TxError{
		Err:       fmt.Errorf(format, a...),
		ErrorCode: errorCode,
	}
}

// Wrap classifies err under errorCode. A nil err yields nil, and an err
// that already carries a code is returned unchanged.
func Wrap(errorCode string, err error) error {
	if err == nil {
		return nil
	}
	var te *TxError
	if errors.As(err, &te) {
		return err
	}
	return &TxError{
		Err:       err,
		ErrorCode: errorCode,
	}
}

// Code returns the code carried by err, or TX_UNEXPECTED.
func Code(err error) string {
	var te *TxError
	if errors.As(err, &te) {
		return te.ErrorCode
	}
	return TX_UNEXPECTED
}

func (er *TxError) Error() string {
	return fmt.Sprintf("Code: %s. Name: %s. Description: %s.",
		er.ErrorCode, GetMessageByCode(er.ErrorCode), er.Err)
}

func (er *TxError) Unwrap() error {
	return er.Err
}

func (er *TxError) Is(target error) bool {
	t, ok := target.(*TxError)
	if !ok {
		return false
	}
	return t.ErrorCode == er.ErrorCode
}

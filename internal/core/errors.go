package core

import (
	"errors"
	"fmt"

	"github.com/ebfe/scard"
)

// ErrCardInReader is returned when a card is inserted into a reader that
// already holds one. PC/SC has no code for this, so it lives in the vendor range.
const ErrCardInReader scard.Error = 0x80100101

// IsWarning reports whether err is one of the informational outcomes that
// accompany an otherwise completed operation.
func IsWarning(err error) bool {
	var code scard.Error
	if !errors.As(err, &code) {
		return false
	}
	return code == scard.ErrRemovedCard || code == scard.ErrResetCard
}

// Code extracts the PC/SC return code carried by err. A nil error is
// SCARD_S_SUCCESS; anything that is not a scard.Error maps to SCARD_F_INTERNAL_ERROR.
func Code(err error) scard.Error {
	if err == nil {
		return scard.ErrSuccess
	}
	var code scard.Error
	if errors.As(err, &code) {
		return code
	}
	return scard.ErrInternalError
}

// FromCode turns a PC/SC return code back into an error value, nil for success.
func FromCode(code scard.Error) error {
	if code == scard.ErrSuccess {
		return nil
	}
	return code
}

// CodeString formats a return code the way PC/SC tooling prints it.
func CodeString(code scard.Error) string {
	return fmt.Sprintf("0x%08X", uint32(code))
}

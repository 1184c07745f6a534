package tftpwire

import "errors"

type ErrorCode uint16

const (
	ErrCodeNotDefined ErrorCode = iota
	ErrCodeFileNotFound
	ErrCodeAccessViolation
	ErrCodeDiskFull
	ErrCodeIllegalOperation
	ErrCodeUnknownTID
	ErrCodeFileExists
	ErrCodeNoSuchUser
)

const (
	MsgFileNotFound     = "File not found."
	MsgAccessViolation  = "Access violation."
	MsgDiskFull         = "Disk full or allocation exceeded."
	MsgIllegalOperation = "Illegal TFTP operation."
	MsgUnknownTID       = "Unknown transfer ID."
	MsgFileExists       = "File already exists."
	MsgNoSuchUser       = "No such user."
)

var (
	ErrFileNotFound     = errors.New(MsgFileNotFound)
	ErrAccessViolation  = errors.New(MsgAccessViolation)
	ErrDiskFull         = errors.New(MsgDiskFull)
	ErrIllegalOperation = errors.New(MsgIllegalOperation)
	ErrUnknownTID       = errors.New(MsgUnknownTID)
	ErrFileExists       = errors.New(MsgFileExists)
	ErrNoSuchUser       = errors.New(MsgNoSuchUser)
)

var standardErrors = []struct {
	err  error
	code ErrorCode
}{
	{ErrFileNotFound, ErrCodeFileNotFound},
	{ErrAccessViolation, ErrCodeAccessViolation},
	{ErrDiskFull, ErrCodeDiskFull},
	{ErrIllegalOperation, ErrCodeIllegalOperation},
	{ErrUnknownTID, ErrCodeUnknownTID},
	{ErrFileExists, ErrCodeFileExists},
	{ErrNoSuchUser, ErrCodeNoSuchUser},
}

// ErrorCodeFor maps an error onto one of the eight standard TFTP codes. Sentinel
// errors (wrapped or not) and errors whose text equals a standard message get
// their code; everything else is ErrCodeNotDefined.
func ErrorCodeFor(err error) ErrorCode {
	if err == nil {
		return ErrCodeNotDefined
	}
	msg := err.Error()
	for _, se := range standardErrors {
		if errors.Is(err, se.err) || msg == se.err.Error() {
			return se.code
		}
	}
	return ErrCodeNotDefined
}

// BuildErrorFor builds the ERROR packet the peer receives for err.
func BuildErrorFor(err error) []byte {
	return BuildError(ErrorCodeFor(err), err.Error())
}

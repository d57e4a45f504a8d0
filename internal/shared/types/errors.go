package types

import "fmt"

// Code is a stable numeric kernel result code, carried unchanged across
// the syscall surface. Zero is success.
type Code uint32

const (
	CodeOK Code = 0

	// Capability errors.
	CodeNotFound           Code = 0x101
	CodeInsufficientRights Code = 0x102
	CodeRevoked            Code = 0x103
	CodeTableFull          Code = 0x104

	// IPC errors.
	CodeWouldBlock      Code = 0x201
	CodeTimeout         Code = 0x202
	CodeAborted         Code = 0x203
	CodeInvalidEndpoint Code = 0x204

	// Scheduling errors.
	CodeInvalidThread  Code = 0x301
	CodeAlreadyRunning Code = 0x302

	// Memory errors.
	CodeOutOfUntyped  Code = 0x401
	CodeAlreadyMapped Code = 0x402
	CodeMisaligned    Code = 0x403

	// Spawn errors.
	CodeInvalidImage Code = 0x501
)

// KernelError is a recoverable kernel result. Every failure in the
// taxonomy is returned to the caller as one of these; the kernel never
// terminates a process on their account.
type KernelError struct {
	Code Code
	Op   string

	// Detail is optional human-readable context. It never participates
	// in error matching.
	Detail string
}

func (e *KernelError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code.String(), e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code.String())
}

// Is matches on code, so errors.Is(err, ErrRevoked) works regardless of
// which operation produced the error.
func (e *KernelError) Is(target error) bool {
	t, ok := target.(*KernelError)
	return ok && t.Code == e.Code
}

// Errf builds a KernelError for op with the given code.
func Errf(code Code, op string) *KernelError {
	return &KernelError{Code: code, Op: op}
}

// Detailf is Errf with formatted context attached.
func Detailf(code Code, op, format string, args ...interface{}) *KernelError {
	return &KernelError{Code: code, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Sentinel errors for errors.Is matching. The Op field of a sentinel is
// empty; real errors carry the failing operation.
var (
	ErrNotFound           = &KernelError{Code: CodeNotFound}
	ErrInsufficientRights = &KernelError{Code: CodeInsufficientRights}
	ErrRevoked            = &KernelError{Code: CodeRevoked}
	ErrTableFull          = &KernelError{Code: CodeTableFull}

	ErrWouldBlock      = &KernelError{Code: CodeWouldBlock}
	ErrTimeout         = &KernelError{Code: CodeTimeout}
	ErrAborted         = &KernelError{Code: CodeAborted}
	ErrInvalidEndpoint = &KernelError{Code: CodeInvalidEndpoint}

	ErrInvalidThread  = &KernelError{Code: CodeInvalidThread}
	ErrAlreadyRunning = &KernelError{Code: CodeAlreadyRunning}

	ErrOutOfUntyped  = &KernelError{Code: CodeOutOfUntyped}
	ErrAlreadyMapped = &KernelError{Code: CodeAlreadyMapped}
	ErrMisaligned    = &KernelError{Code: CodeMisaligned}

	ErrInvalidImage = &KernelError{Code: CodeInvalidImage}
)

// String returns the canonical name for a code.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeNotFound:
		return "not_found"
	case CodeInsufficientRights:
		return "insufficient_rights"
	case CodeRevoked:
		return "revoked"
	case CodeTableFull:
		return "table_full"
	case CodeWouldBlock:
		return "would_block"
	case CodeTimeout:
		return "timeout"
	case CodeAborted:
		return "aborted"
	case CodeInvalidEndpoint:
		return "invalid_endpoint"
	case CodeInvalidThread:
		return "invalid_thread"
	case CodeAlreadyRunning:
		return "already_running"
	case CodeOutOfUntyped:
		return "out_of_untyped"
	case CodeAlreadyMapped:
		return "already_mapped"
	case CodeMisaligned:
		return "misaligned"
	case CodeInvalidImage:
		return "invalid_image"
	default:
		return fmt.Sprintf("code_%#x", uint32(c))
	}
}

// CodeOf extracts the kernel code from err, or CodeOK for nil. Non-kernel
// errors report CodeAborted; nothing else should cross the syscall surface.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	if ke, ok := err.(*KernelError); ok {
		return ke.Code
	}
	return CodeAborted
}

package packet

// MaxDatagramSize is the largest UDP payload a transfer can produce:
// a DATA header plus the largest negotiable block size (RFC 2348).
const (
	DataHeaderSize  = 4
	MaxDatagramSize = DataHeaderSize + 65464
)

type Opcode uint16

const (
	OpRRQ   Opcode = 0x0001
	OpWRQ   Opcode = 0x0002
	OpDATA  Opcode = 0x0003
	OpACK   Opcode = 0x0004
	OpERROR Opcode = 0x0005
	OpOACK  Opcode = 0x0006
)

func (o Opcode) String() string {
	switch o {
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpDATA:
		return "DATA"
	case OpACK:
		return "ACK"
	case OpERROR:
		return "ERROR"
	case OpOACK:
		return "OACK"
	default:
		return "UNKNOWN"
	}
}

type ErrorCode uint16

const (
	ErrUndefined         ErrorCode = 0x0000
	ErrFileNotFound      ErrorCode = 0x0001
	ErrAccessViolation   ErrorCode = 0x0002
	ErrDiskFull          ErrorCode = 0x0003
	ErrIllegalOperation  ErrorCode = 0x0004
	ErrUnknownTransferID ErrorCode = 0x0005
	ErrFileExists        ErrorCode = 0x0006
	ErrNoSuchUser        ErrorCode = 0x0007
	ErrOptionNegotiation ErrorCode = 0x0008
)

func (e ErrorCode) String() string {
	switch e {
	case ErrUndefined:
		return "UNDEFINED"
	case ErrFileNotFound:
		return "FILE_NOT_FOUND"
	case ErrAccessViolation:
		return "ACCESS_VIOLATION"
	case ErrDiskFull:
		return "DISK_FULL"
	case ErrIllegalOperation:
		return "ILLEGAL_OPERATION"
	case ErrUnknownTransferID:
		return "UNKNOWN_TRANSFER_ID"
	case ErrFileExists:
		return "FILE_EXISTS"
	case ErrNoSuchUser:
		return "NO_SUCH_USER"
	case ErrOptionNegotiation:
		return "OPTION_NEGOTIATION_FAILED"
	default:
		return "UNKNOWN"
	}
}

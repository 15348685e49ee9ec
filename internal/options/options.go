// Package options negotiates the TFTP extensions of RFC 2347/2348/2349/7440:
// blksize, timeout, tsize and windowsize.
package options

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rudransh-shrivastava/tftp-it/internal/packet"
)

const (
	OptBlockSize    = "blksize"
	OptTimeout      = "timeout"
	OptTransferSize = "tsize"
	OptWindowSize   = "windowsize"
)

const (
	DefaultBlockSize = 512
	MinBlockSize     = 8
	MaxBlockSize     = 65464

	DefaultWindowSize = 1
	MinWindowSize     = 1
	MaxWindowSize     = 65535

	DefaultTimeout = 5 * time.Second
	MinTimeout     = 1 * time.Second
	MaxTimeout     = 255 * time.Second
)

// ErrNegotiation marks a request whose option values cannot be parsed.
// The session answers with ERROR code 8 and terminates.
var ErrNegotiation = errors.New("option negotiation failed")

// Params holds the parameters a transfer runs with. Once the OACK (or the
// optionless ACK/DATA) has gone out, they are immutable for the session.
type Params struct {
	BlockSize  int
	WindowSize int
	Timeout    time.Duration

	// TransferSize is the tsize value exchanged during negotiation,
	// -1 when the peer never declared one. Informational only.
	TransferSize int64
}

func Defaults() Params {
	return Params{
		BlockSize:    DefaultBlockSize,
		WindowSize:   DefaultWindowSize,
		Timeout:      DefaultTimeout,
		TransferSize: -1,
	}
}

// Limits is the server-side acceptance policy.
type Limits struct {
	MaxBlockSize  int
	MaxWindowSize int
}

func DefaultLimits() Limits {
	return Limits{
		MaxBlockSize:  MaxBlockSize,
		MaxWindowSize: MaxWindowSize,
	}
}

// Negotiate applies the server policy to a client's requested options.
//
// fileSize is the size to report back for tsize: the actual file size on a
// read request, or -1 on a write request (the client's declared size is
// echoed and recorded instead). The returned option list preserves request
// order and contains exactly the options to put in the OACK; an empty list
// means the session proceeds with plain RFC 1350 defaults.
func Negotiate(req packet.Options, limits Limits, fileSize int64) (Params, packet.Options, error) {
	params := Defaults()
	var reply packet.Options

	for _, opt := range req {
		switch strings.ToLower(opt.Name) {
		case OptBlockSize:
			v, err := parseValue(opt)
			if err != nil {
				return Params{}, nil, err
			}
			if v < MinBlockSize {
				return Params{}, nil, fmt.Errorf("%w: blksize %d below minimum", ErrNegotiation, v)
			}
			if v > int64(limits.MaxBlockSize) {
				v = int64(limits.MaxBlockSize)
			}
			params.BlockSize = int(v)
			reply = append(reply, packet.Option{Name: OptBlockSize, Value: strconv.FormatInt(v, 10)})

		case OptTimeout:
			v, err := parseValue(opt)
			if err != nil {
				return Params{}, nil, err
			}
			// Out-of-range timeouts are not an error, the option is
			// simply not acknowledged (RFC 2349).
			if v >= 1 && v <= 255 {
				params.Timeout = time.Duration(v) * time.Second
				reply = append(reply, packet.Option{Name: OptTimeout, Value: strconv.FormatInt(v, 10)})
			}

		case OptTransferSize:
			v, err := parseValue(opt)
			if err != nil {
				return Params{}, nil, err
			}
			if fileSize >= 0 {
				v = fileSize
			}
			params.TransferSize = v
			reply = append(reply, packet.Option{Name: OptTransferSize, Value: strconv.FormatInt(v, 10)})

		case OptWindowSize:
			v, err := parseValue(opt)
			if err != nil {
				return Params{}, nil, err
			}
			if v < MinWindowSize {
				return Params{}, nil, fmt.Errorf("%w: windowsize %d below minimum", ErrNegotiation, v)
			}
			if v > int64(limits.MaxWindowSize) {
				v = int64(limits.MaxWindowSize)
			}
			params.WindowSize = int(v)
			reply = append(reply, packet.Option{Name: OptWindowSize, Value: strconv.FormatInt(v, 10)})

		default:
			// Unrecognized options are ignored, not echoed (RFC 2347).
		}
	}

	return params, reply, nil
}

// Apply adopts the options a server acknowledged in its OACK. The receiver
// should start from Defaults: an option the server did not echo stays at
// its RFC 1350 default, never at the requested value.
func (p *Params) Apply(opts packet.Options) error {
	for _, opt := range opts {
		v, err := parseValue(opt)
		if err != nil {
			return err
		}
		switch strings.ToLower(opt.Name) {
		case OptBlockSize:
			if v < MinBlockSize || v > MaxBlockSize {
				return fmt.Errorf("%w: blksize %d out of range", ErrNegotiation, v)
			}
			p.BlockSize = int(v)
		case OptTimeout:
			if v < 1 || v > 255 {
				return fmt.Errorf("%w: timeout %d out of range", ErrNegotiation, v)
			}
			p.Timeout = time.Duration(v) * time.Second
		case OptTransferSize:
			p.TransferSize = v
		case OptWindowSize:
			if v < MinWindowSize || v > MaxWindowSize {
				return fmt.Errorf("%w: windowsize %d out of range", ErrNegotiation, v)
			}
			p.WindowSize = int(v)
		default:
			return fmt.Errorf("%w: server acknowledged unrequested option %q", ErrNegotiation, opt.Name)
		}
	}
	return nil
}

// Prepare builds the option list for an outgoing request: every parameter
// that differs from its default, plus tsize when transferSize >= 0 (zero on
// a read request asks the server for the size, RFC 2349).
func Prepare(p Params, transferSize int64) packet.Options {
	var opts packet.Options
	if p.BlockSize != DefaultBlockSize {
		opts = append(opts, packet.Option{Name: OptBlockSize, Value: strconv.Itoa(p.BlockSize)})
	}
	if p.Timeout != DefaultTimeout {
		secs := int64(p.Timeout / time.Second)
		opts = append(opts, packet.Option{Name: OptTimeout, Value: strconv.FormatInt(secs, 10)})
	}
	if p.WindowSize != DefaultWindowSize {
		opts = append(opts, packet.Option{Name: OptWindowSize, Value: strconv.Itoa(p.WindowSize)})
	}
	if transferSize >= 0 {
		opts = append(opts, packet.Option{Name: OptTransferSize, Value: strconv.FormatInt(transferSize, 10)})
	}
	return opts
}

func parseValue(opt packet.Option) (int64, error) {
	v, err := strconv.ParseInt(opt.Value, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: option %s=%q is not a number", ErrNegotiation, opt.Name, opt.Value)
	}
	return v, nil
}

// Package packet implements the TFTP wire format: the six packet types of
// RFC 1350 plus the OACK packet of RFC 2347.
package packet

import "strings"

type Packet interface {
	Op() Opcode
}

// Option is a single negotiation option from a request or an OACK.
// Wire order is preserved; names compare case-insensitively.
type Option struct {
	Name  string
	Value string
}

type Options []Option

func (o Options) Get(name string) (string, bool) {
	for _, opt := range o {
		if strings.EqualFold(opt.Name, name) {
			return opt.Value, true
		}
	}
	return "", false
}

type ReadReq struct {
	Filename string
	Mode     string
	Options  Options
}

func (ReadReq) Op() Opcode { return OpRRQ }

type WriteReq struct {
	Filename string
	Mode     string
	Options  Options
}

func (WriteReq) Op() Opcode { return OpWRQ }

type Data struct {
	Block   uint16
	Payload []byte
}

func (Data) Op() Opcode { return OpDATA }

type Ack struct {
	Block uint16
}

func (Ack) Op() Opcode { return OpACK }

type Error struct {
	Code    ErrorCode
	Message string
}

func (Error) Op() Opcode { return OpERROR }

type OAck struct {
	Options Options
}

func (OAck) Op() Opcode { return OpOACK }

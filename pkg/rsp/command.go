package rsp

import (
	"encoding/hex"
	"errors"
	"strconv"
	"strings"

	"github.com/Manu343726/gdbridge/pkg/utils"
)

// ErrMalformedCommand is returned for payloads whose command letter is
// recognized but whose arguments do not parse. The dispatcher answers with
// a protocol error reply without touching machine or breakpoint state.
var ErrMalformedCommand = errors.New("malformed command")

// CommandKind enumerates the closed set of command variants. The payload is
// parsed into a variant exactly once; the dispatcher switches exhaustively
// over this set.
type CommandKind int

const (
	// CmdUnknown is any unrecognized command; the protocol's negotiation
	// convention is to answer it with an empty payload, never an error
	CmdUnknown CommandKind = iota
	// CmdQueryStopReason is '?'
	CmdQueryStopReason
	// CmdReadRegisters is 'g'
	CmdReadRegisters
	// CmdWriteRegisters is 'G<hex regs>'
	CmdWriteRegisters
	// CmdReadRegister is 'p<n>'
	CmdReadRegister
	// CmdWriteRegister is 'P<n>=<hex>'
	CmdWriteRegister
	// CmdReadMemory is 'm<addr>,<len>'
	CmdReadMemory
	// CmdWriteMemory is 'M<addr>,<len>:<hex>'
	CmdWriteMemory
	// CmdInsertBreakpoint is 'Z0,<addr>,<kind>'
	CmdInsertBreakpoint
	// CmdRemoveBreakpoint is 'z0,<addr>,<kind>'
	CmdRemoveBreakpoint
	// CmdContinue is 'c' with an optional resume address
	CmdContinue
	// CmdStep is 's' with an optional resume address
	CmdStep
	// CmdRangeStep is 'vCont;r<start>,<end>': run while the program counter
	// stays inside [start, end)
	CmdRangeStep
	// CmdQueryVCont is 'vCont?': report the supported resume actions
	CmdQueryVCont
	// CmdQuerySupported is 'qSupported[:feature;...]'
	CmdQuerySupported
	// CmdQueryAttached is 'qAttached'
	CmdQueryAttached
	// CmdXferFeatures is 'qXfer:features:read:target.xml:<off>,<len>'
	CmdXferFeatures
	// CmdStartNoAckMode is 'QStartNoAckMode'
	CmdStartNoAckMode
	// CmdSetThread is the 'H' family; the stub has a single thread and
	// acknowledges all of them
	CmdSetThread
	// CmdDetach is 'D': restore breakpoints and end the session
	CmdDetach
	// CmdKill is 'k': end the session without a reply
	CmdKill
)

// Command is a decoded request, immutable once parsed
type Command struct {
	Kind CommandKind

	// Addr is set for memory and breakpoint commands, for continue/step
	// when HasAddr is true, and holds the range start for a range step
	Addr    uint64
	HasAddr bool
	// End is the exclusive upper bound of a range step
	End uint64
	// Length is the memory length or breakpoint kind argument
	Length uint64
	// Register is the register number for p/P
	Register int
	// Data holds hex-decoded payload bytes for G/M/P writes
	Data []byte
	// Offset and ChunkLength slice the annex for qXfer reads
	Offset      uint64
	ChunkLength uint64
	// Features carries the debugger's qSupported feature list
	Features []string
}

// ParseCommand decodes a packet payload into a Command. Unrecognized
// commands parse successfully as CmdUnknown; ErrMalformedCommand is
// reserved for recognized commands with undecodable arguments.
func ParseCommand(payload []byte) (Command, error) {
	if len(payload) == 0 {
		return Command{Kind: CmdUnknown}, nil
	}
	body := string(payload[1:])

	switch payload[0] {
	case '?':
		return Command{Kind: CmdQueryStopReason}, nil

	case 'g':
		return Command{Kind: CmdReadRegisters}, nil

	case 'G':
		data, err := hex.DecodeString(body)
		if err != nil {
			return Command{}, utils.MakeError(ErrMalformedCommand, "register snapshot: %v", err)
		}
		return Command{Kind: CmdWriteRegisters, Data: data}, nil

	case 'p':
		reg, err := parseHex(body)
		if err != nil {
			return Command{}, utils.MakeError(ErrMalformedCommand, "register number: %v", err)
		}
		return Command{Kind: CmdReadRegister, Register: int(reg)}, nil

	case 'P':
		regStr, valStr, ok := strings.Cut(body, "=")
		if !ok {
			return Command{}, utils.MakeError(ErrMalformedCommand, "register write without value")
		}
		reg, err := parseHex(regStr)
		if err != nil {
			return Command{}, utils.MakeError(ErrMalformedCommand, "register number: %v", err)
		}
		data, err := hex.DecodeString(valStr)
		if err != nil {
			return Command{}, utils.MakeError(ErrMalformedCommand, "register value: %v", err)
		}
		return Command{Kind: CmdWriteRegister, Register: int(reg), Data: data}, nil

	case 'm':
		addr, length, err := parseAddrLen(body)
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: CmdReadMemory, Addr: addr, Length: length}, nil

	case 'M':
		args, hexData, ok := strings.Cut(body, ":")
		if !ok {
			return Command{}, utils.MakeError(ErrMalformedCommand, "memory write without data")
		}
		addr, length, err := parseAddrLen(args)
		if err != nil {
			return Command{}, err
		}
		data, err := hex.DecodeString(hexData)
		if err != nil {
			return Command{}, utils.MakeError(ErrMalformedCommand, "memory write data: %v", err)
		}
		if uint64(len(data)) != length {
			return Command{}, utils.MakeError(ErrMalformedCommand,
				"memory write length %d does not match %d data bytes", length, len(data))
		}
		return Command{Kind: CmdWriteMemory, Addr: addr, Length: length, Data: data}, nil

	case 'Z', 'z':
		kind := CmdInsertBreakpoint
		if payload[0] == 'z' {
			kind = CmdRemoveBreakpoint
		}
		parts := strings.Split(body, ",")
		if len(parts) != 3 {
			return Command{}, utils.MakeError(ErrMalformedCommand, "breakpoint arguments %q", body)
		}
		if parts[0] != "0" {
			// only software breakpoints are implemented; other types are
			// reported as unsupported, not as errors
			return Command{Kind: CmdUnknown}, nil
		}
		addr, err := parseHex(parts[1])
		if err != nil {
			return Command{}, utils.MakeError(ErrMalformedCommand, "breakpoint address: %v", err)
		}
		bpKind, err := parseHex(parts[2])
		if err != nil {
			return Command{}, utils.MakeError(ErrMalformedCommand, "breakpoint kind: %v", err)
		}
		return Command{Kind: kind, Addr: addr, Length: bpKind}, nil

	case 'c', 's':
		kind := CmdContinue
		if payload[0] == 's' {
			kind = CmdStep
		}
		cmd := Command{Kind: kind}
		if body != "" {
			addr, err := parseHex(body)
			if err != nil {
				return Command{}, utils.MakeError(ErrMalformedCommand, "resume address: %v", err)
			}
			cmd.Addr = addr
			cmd.HasAddr = true
		}
		return cmd, nil

	case 'H':
		return Command{Kind: CmdSetThread}, nil

	case 'D':
		return Command{Kind: CmdDetach}, nil

	case 'k':
		return Command{Kind: CmdKill}, nil

	case 'v':
		if body == "Cont?" {
			return Command{Kind: CmdQueryVCont}, nil
		}
		if actions, ok := strings.CutPrefix(body, "Cont;"); ok {
			return parseVContAction(actions)
		}
		return Command{Kind: CmdUnknown}, nil

	case 'q':
		return parseQuery(body)

	case 'Q':
		if body == "StartNoAckMode" {
			return Command{Kind: CmdStartNoAckMode}, nil
		}
		return Command{Kind: CmdUnknown}, nil

	default:
		return Command{Kind: CmdUnknown}, nil
	}
}

// parseVContAction decodes the first action of a vCont packet. The target
// is single threaded, so only the first action matters: thread suffixes are
// discarded and later actions never apply.
func parseVContAction(actions string) (Command, error) {
	first, _, _ := strings.Cut(actions, ";")
	action, _, _ := strings.Cut(first, ":")
	if action == "" {
		return Command{}, utils.MakeError(ErrMalformedCommand, "empty vCont action")
	}

	switch action[0] {
	case 'c', 'C':
		// the signal attached to a C action is not deliverable to the
		// guest and is dropped
		return Command{Kind: CmdContinue}, nil

	case 's', 'S':
		return Command{Kind: CmdStep}, nil

	case 'r':
		startStr, endStr, ok := strings.Cut(action[1:], ",")
		if !ok {
			return Command{}, utils.MakeError(ErrMalformedCommand, "step range %q", action)
		}
		start, err := parseHex(startStr)
		if err != nil {
			return Command{}, utils.MakeError(ErrMalformedCommand, "range start: %v", err)
		}
		end, err := parseHex(endStr)
		if err != nil {
			return Command{}, utils.MakeError(ErrMalformedCommand, "range end: %v", err)
		}
		return Command{Kind: CmdRangeStep, Addr: start, End: end}, nil

	default:
		return Command{Kind: CmdUnknown}, nil
	}
}

func parseQuery(body string) (Command, error) {
	name, args, _ := strings.Cut(body, ":")
	switch name {
	case "Supported":
		cmd := Command{Kind: CmdQuerySupported}
		if args != "" {
			cmd.Features = strings.Split(args, ";")
		}
		return cmd, nil

	case "Attached":
		return Command{Kind: CmdQueryAttached}, nil

	case "Xfer":
		parts := strings.Split(args, ":")
		if len(parts) != 4 || parts[0] != "features" || parts[1] != "read" {
			return Command{Kind: CmdUnknown}, nil
		}
		if parts[2] != "target.xml" {
			return Command{Kind: CmdUnknown}, nil
		}
		offStr, lenStr, ok := strings.Cut(parts[3], ",")
		if !ok {
			return Command{}, utils.MakeError(ErrMalformedCommand, "qXfer region %q", parts[3])
		}
		off, err := parseHex(offStr)
		if err != nil {
			return Command{}, utils.MakeError(ErrMalformedCommand, "qXfer offset: %v", err)
		}
		length, err := parseHex(lenStr)
		if err != nil {
			return Command{}, utils.MakeError(ErrMalformedCommand, "qXfer length: %v", err)
		}
		return Command{Kind: CmdXferFeatures, Offset: off, ChunkLength: length}, nil

	default:
		return Command{Kind: CmdUnknown}, nil
	}
}

func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(s, 16, 64)
}

func parseAddrLen(s string) (uint64, uint64, error) {
	addrStr, lenStr, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, utils.MakeError(ErrMalformedCommand, "expected <addr>,<len>, got %q", s)
	}
	addr, err := parseHex(addrStr)
	if err != nil {
		return 0, 0, utils.MakeError(ErrMalformedCommand, "address: %v", err)
	}
	length, err := parseHex(lenStr)
	if err != nil {
		return 0, 0, utils.MakeError(ErrMalformedCommand, "length: %v", err)
	}
	return addr, length, nil
}

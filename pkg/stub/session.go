package stub

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Manu343726/gdbridge/pkg/rsp"
	"github.com/Manu343726/gdbridge/pkg/vm"
	"github.com/google/uuid"
)

// SupportedFeatures is the feature list answered to qSupported
const SupportedFeatures = "PacketSize=4096;qXfer:features:read+;swbreak+;QStartNoAckMode+"

// SupportedVContActions is the resume action list answered to vCont?
const SupportedVContActions = "vCont;c;C;s;S;r"

// Session serves one debugger connection. It owns the VM, the breakpoint
// table and the controller for the connection's lifetime, reads packets
// from a dedicated goroutine and is the transport's only writer.
type Session struct {
	id          uuid.UUID
	conn        io.ReadWriteCloser
	machine     vm.Machine
	target      *rsp.TargetDescription
	breakpoints *BreakpointTable
	bridge      *Bridge
	ctrl        *Controller
	in          *rsp.Reader
	out         *rsp.Writer
	log         *slog.Logger

	// noAck is set once QStartNoAckMode was acknowledged
	noAck bool
	// lastReply is retransmitted verbatim when the peer sends a '-';
	// sentReply distinguishes "no reply yet" from an empty reply
	lastReply []byte
	sentReply bool

	packets chan rsp.Packet
	readErr error
}

// NewSession wires a debugger connection to a machine using the given wire
// register layout
func NewSession(conn io.ReadWriteCloser, machine vm.Machine, target *rsp.TargetDescription, log *slog.Logger) (*Session, error) {
	id := uuid.New()
	log = log.With("session", id.String())

	breakpoints := NewBreakpointTable(machine, trapInstruction(), log)
	bridge, err := NewBridge(machine, breakpoints, target)
	if err != nil {
		return nil, err
	}

	return &Session{
		id:          id,
		conn:        conn,
		machine:     machine,
		target:      target,
		breakpoints: breakpoints,
		bridge:      bridge,
		ctrl:        NewController(machine, breakpoints, log),
		in:          rsp.NewReader(conn),
		out:         rsp.NewWriter(conn),
		log:         log,
		packets:     make(chan rsp.Packet, 1),
	}, nil
}

// ID returns the session identifier
func (s *Session) ID() uuid.UUID {
	return s.id
}

// readLoop drains the transport into the packet channel. Interrupt bytes
// never enter the channel: they raise the controller's flag right here, so
// a running program stops even while the main loop is blocked inside a
// resume. The channel is closed when the transport dies.
func (s *Session) readLoop() {
	defer close(s.packets)
	for {
		pkt, err := s.in.ReadPacket()
		if err != nil {
			s.readErr = err
			return
		}
		if pkt.Kind == rsp.PacketInterrupt {
			s.log.Debug("interrupt requested")
			s.ctrl.Interrupt()
			continue
		}
		s.packets <- pkt
	}
}

// Run serves the connection until the debugger detaches, kills the target
// or the transport dies. A dead transport abandons breakpoint state instead
// of restoring it; the VM does not outlive the session.
func (s *Session) Run() error {
	s.log.Info("session started", "pc", s.machine.PC())
	go s.readLoop()

	for pkt := range s.packets {
		switch pkt.Kind {
		case rsp.PacketBadChecksum:
			if err := s.out.WriteNack(); err != nil {
				return s.teardown(err)
			}

		case rsp.PacketNack:
			if !s.sentReply {
				continue
			}
			s.log.Debug("retransmitting last reply")
			if err := s.out.WritePacket(s.lastReply); err != nil {
				return s.teardown(err)
			}

		case rsp.PacketCommand:
			if !s.noAck {
				if err := s.out.WriteAck(); err != nil {
					return s.teardown(err)
				}
			}
			done, err := s.dispatch(pkt.Payload)
			if err != nil {
				return s.teardown(err)
			}
			if done {
				s.log.Info("session ended")
				return nil
			}
		}
	}

	return s.teardown(s.readErr)
}

// teardown handles a dead transport: breakpoint state is abandoned, not
// restored, since the VM's lifetime ends here anyway
func (s *Session) teardown(err error) error {
	s.breakpoints.Abandon()
	if err == nil || errors.Is(err, io.EOF) {
		s.log.Info("connection closed")
		return nil
	}
	s.log.Error("connection failed", "error", err)
	return err
}

// dispatch decodes one command payload, executes it and sends the reply.
// The returned bool signals an orderly session end. The returned error is
// transport-level only: command failures become protocol error replies.
func (s *Session) dispatch(payload []byte) (bool, error) {
	cmd, err := rsp.ParseCommand(payload)
	if err != nil {
		s.log.Warn("malformed command", "payload", string(payload), "error", err)
		return false, s.send(errorReply(errCodeMalformed))
	}

	if s.ctrl.State() == StateExited {
		if reply, rejected := s.rejectAfterExit(cmd.Kind); rejected {
			return false, s.send(reply)
		}
	}

	switch cmd.Kind {
	case rsp.CmdQueryStopReason:
		event, err := s.ctrl.LastStop()
		if err != nil {
			return false, s.send(errorReply(errCodeStopReason))
		}
		return false, s.send(s.stopReply(event))

	case rsp.CmdReadRegisters:
		snapshot, err := s.bridge.ReadSnapshot()
		if err != nil {
			s.log.Warn("register read failed", "error", err)
			return false, s.send(errorReply(errCodeRegisterRead))
		}
		return false, s.send(hexReply(snapshot))

	case rsp.CmdWriteRegisters:
		if err := s.bridge.WriteSnapshot(cmd.Data); err != nil {
			s.log.Warn("register write failed", "error", err)
			return false, s.send(errorReply(errCodeRegisterWrite))
		}
		return false, s.sendOK()

	case rsp.CmdReadRegister:
		value, err := s.bridge.ReadRegister(cmd.Register)
		if err != nil {
			s.log.Warn("register read failed", "register", cmd.Register, "error", err)
			return false, s.send(errorReply(errCodeRegisterRead))
		}
		return false, s.send(hexReply(value))

	case rsp.CmdWriteRegister:
		if err := s.bridge.WriteRegister(cmd.Register, cmd.Data); err != nil {
			s.log.Warn("register write failed", "register", cmd.Register, "error", err)
			return false, s.send(errorReply(errCodeRegisterWrite))
		}
		return false, s.sendOK()

	case rsp.CmdReadMemory:
		data, err := s.bridge.ReadMemory(cmd.Addr, cmd.Length)
		if err != nil {
			s.log.Warn("memory read failed", "addr", cmd.Addr, "len", cmd.Length, "error", err)
			return false, s.send(errorReply(errCodeMemoryRead))
		}
		return false, s.send(hexReply(data))

	case rsp.CmdWriteMemory:
		if err := s.bridge.WriteMemory(cmd.Addr, cmd.Data); err != nil {
			s.log.Warn("memory write failed", "addr", cmd.Addr, "len", len(cmd.Data), "error", err)
			return false, s.send(errorReply(errCodeMemoryWrite))
		}
		return false, s.sendOK()

	case rsp.CmdInsertBreakpoint:
		if cmd.Length != uint64(len(trapInstruction())) {
			s.log.Warn("breakpoint kind mismatch", "addr", cmd.Addr, "kind", cmd.Length)
			return false, s.send(errorReply(errCodeBreakpoint))
		}
		if err := s.breakpoints.Insert(cmd.Addr); err != nil {
			s.log.Warn("breakpoint insert failed", "addr", cmd.Addr, "error", err)
			return false, s.send(errorReply(errCodeBreakpoint))
		}
		return false, s.sendOK()

	case rsp.CmdRemoveBreakpoint:
		if err := s.breakpoints.Remove(cmd.Addr); err != nil {
			s.log.Warn("breakpoint remove failed", "addr", cmd.Addr, "error", err)
			return false, s.send(errorReply(errCodeBreakpoint))
		}
		return false, s.sendOK()

	case rsp.CmdContinue:
		event, err := s.ctrl.Continue(resumeAddr(cmd))
		if err != nil {
			s.log.Warn("continue failed", "error", err)
			return false, s.send(errorReply(errCodeResume))
		}
		return false, s.send(s.stopReply(event))

	case rsp.CmdStep:
		event, err := s.ctrl.Step(resumeAddr(cmd))
		if err != nil {
			s.log.Warn("step failed", "error", err)
			return false, s.send(errorReply(errCodeResume))
		}
		return false, s.send(s.stopReply(event))

	case rsp.CmdRangeStep:
		event, err := s.ctrl.RangeStep(cmd.Addr, cmd.End)
		if err != nil {
			s.log.Warn("range step failed", "start", cmd.Addr, "end", cmd.End, "error", err)
			return false, s.send(errorReply(errCodeResume))
		}
		return false, s.send(s.stopReply(event))

	case rsp.CmdQueryVCont:
		return false, s.send([]byte(SupportedVContActions))

	case rsp.CmdQuerySupported:
		s.log.Debug("feature negotiation", "debugger", cmd.Features)
		return false, s.send([]byte(SupportedFeatures))

	case rsp.CmdQueryAttached:
		return false, s.send([]byte("1"))

	case rsp.CmdXferFeatures:
		return false, s.send(s.featuresChunk(cmd.Offset, cmd.ChunkLength))

	case rsp.CmdStartNoAckMode:
		if err := s.sendOK(); err != nil {
			return false, err
		}
		s.noAck = true
		return false, nil

	case rsp.CmdSetThread:
		return false, s.sendOK()

	case rsp.CmdDetach:
		if err := s.breakpoints.RestoreAll(); err != nil {
			s.log.Warn("restoring breakpoints on detach failed", "error", err)
		}
		s.log.Info("debugger detached")
		return true, s.sendOK()

	case rsp.CmdKill:
		s.log.Info("kill requested")
		return true, nil

	default:
		// unsupported commands get the empty reply the protocol reserves
		// for feature negotiation
		return false, s.send(nil)
	}
}

// rejectAfterExit gates commands once the program exited: execution and
// VM-state commands fail, queries and session management still work
func (s *Session) rejectAfterExit(kind rsp.CommandKind) ([]byte, bool) {
	switch kind {
	case rsp.CmdReadRegisters, rsp.CmdReadRegister:
		return errorReply(errCodeRegisterRead), true
	case rsp.CmdWriteRegisters, rsp.CmdWriteRegister:
		return errorReply(errCodeRegisterWrite), true
	case rsp.CmdReadMemory:
		return errorReply(errCodeMemoryRead), true
	case rsp.CmdWriteMemory:
		return errorReply(errCodeMemoryWrite), true
	case rsp.CmdInsertBreakpoint, rsp.CmdRemoveBreakpoint:
		return errorReply(errCodeBreakpoint), true
	case rsp.CmdContinue, rsp.CmdStep, rsp.CmdRangeStep:
		return errorReply(errCodeResume), true
	default:
		return nil, false
	}
}

// send frames and transmits a reply, remembering it for retransmission
func (s *Session) send(reply []byte) error {
	s.lastReply = reply
	s.sentReply = true
	return s.out.WritePacket(reply)
}

func (s *Session) sendOK() error {
	return s.send([]byte("OK"))
}

// stopReply renders a stop event as the protocol's stop notification
func (s *Session) stopReply(event StopEvent) []byte {
	switch event.Reason {
	case StopExited:
		return []byte(fmt.Sprintf("W%02x", event.ExitCode))
	case StopBreakpointHit:
		pc := appendLittleEndian(nil, event.PC, s.target.RegisterBytes(s.target.PCIndex()))
		return []byte(fmt.Sprintf("T%02xswbreak:;%02x:%s;",
			event.Signal, s.target.PCIndex(), hex.EncodeToString(pc)))
	default:
		return []byte(fmt.Sprintf("S%02x", event.Signal))
	}
}

// featuresChunk slices the target.xml annex for a qXfer read. The reply is
// prefixed with 'm' when more data remains and 'l' on the final chunk.
func (s *Session) featuresChunk(offset, length uint64) []byte {
	annex := s.target.TargetXML()
	if offset >= uint64(len(annex)) {
		return []byte("l")
	}
	chunk := annex[offset:]
	if uint64(len(chunk)) > length {
		return append([]byte("m"), chunk[:length]...)
	}
	return append([]byte("l"), chunk...)
}

func resumeAddr(cmd rsp.Command) *uint64 {
	if !cmd.HasAddr {
		return nil
	}
	addr := cmd.Addr
	return &addr
}

func errorReply(code int) []byte {
	return []byte(fmt.Sprintf("E%02x", code))
}

func hexReply(data []byte) []byte {
	out := make([]byte, hex.EncodedLen(len(data)))
	hex.Encode(out, data)
	return out
}

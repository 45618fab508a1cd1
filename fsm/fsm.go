// Package fsm implements the RFC1661 control protocol state machine shared by PPP network control protocols,
// option negotiation is delegated to a Protocol implementation like IPCP or IPXCP.
//
// FSM is not safe for concurrent use: all methods and timer callbacks must run on a single goroutine,
// see package link for an event loop that does this.
package fsm

import (
	"runtime"
	"time"

	"github.com/hujun-open/zouncp/ci"
	"go.uber.org/zap"
)

// Protocol is the protocol specific part of a control protocol, FSM calls it at defined points of negotiation
type Protocol interface {
	// Name returns the protocol name, e.g. "IPCP"
	Name() string
	// ResetCI is called before building the first Conf-Req of a new negotiation
	ResetCI(f *FSM)
	// CILen returns the length of options in the next Conf-Req
	CILen(f *FSM) int
	// AddCI adds options of the next Conf-Req into b, in the canonical order
	AddCI(f *FSM, b *ci.Builder)
	// AckCI returns true if p is exactly the options of last Conf-Req
	AckCI(f *FSM, p []byte) bool
	// NakCI processes a Conf-Nak, return false if it is bad;
	// treatAsReject is true when too many Conf-Naks have been received
	NakCI(f *FSM, p []byte, treatAsReject bool) bool
	// RejCI processes a Conf-Reject, return false if it is bad
	RejCI(f *FSM, p []byte) bool
	// ReqCI processes peer's Conf-Req, return the reply code and options;
	// rejectIfDisagree is true when too many Conf-Naks have been sent
	ReqCI(f *FSM, p []byte, rejectIfDisagree bool) (MsgCode, []byte)
	// Up is called after entering Opened (this-layer-up)
	Up(f *FSM)
	// Down is called when leaving Opened (this-layer-down)
	Down(f *FSM)
	// Starting is called when entering Starting (this-layer-started)
	Starting(f *FSM)
	// Finished is called when entering Closed or Stopped after negotiation (this-layer-finished)
	Finished(f *FSM)
}

// Printer is optionally implemented by a Protocol to print options for debug logging
type Printer interface {
	Print(p []byte) string
}

// PhaseNotifier is told when a network protocol comes up, goes down or finishes,
// so the link could track how many network protocols are running
type PhaseNotifier interface {
	NPUp(unit int, proto ProtocolNumber)
	NPDown(unit int, proto ProtocolNumber)
	NPFinished(unit int, proto ProtocolNumber)
}

// Output sends a control packet over the link
type Output interface {
	Output(unit int, proto ProtocolNumber, pkt []byte) error
}

// OutputFunc is an adapter to use a function as Output
type OutputFunc func(unit int, proto ProtocolNumber, pkt []byte) error

// Output implements Output interface
func (of OutputFunc) Output(unit int, proto ProtocolNumber, pkt []byte) error {
	return of(unit, proto, pkt)
}

// Timer schedules fn to be called after d, the returned stop function cancels it
type Timer interface {
	AfterFunc(d time.Duration, fn func()) (stop func())
}

type stdTimer struct{}

func (stdTimer) AfterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// Observer gets notified about FSM activities, e.g. for metrics
type Observer interface {
	Transition(f *FSM, from, to State)
	Sent(f *FSM, code MsgCode)
	Received(f *FSM, code MsgCode)
	Discarded(f *FSM, code MsgCode, reason string)
}

type nopObserver struct{}

func (nopObserver) Transition(*FSM, State, State)   {}
func (nopObserver) Sent(*FSM, MsgCode)              {}
func (nopObserver) Received(*FSM, MsgCode)          {}
func (nopObserver) Discarded(*FSM, MsgCode, string) {}

const (
	// DefaultTimeout is the default restart timer
	DefaultTimeout = 3 * time.Second
	// DefaultMaxConfReq is the default max number of Conf-Req transmissions
	DefaultMaxConfReq = 10
	// DefaultMaxTerm is the default max number of Term-Req transmissions
	DefaultMaxTerm = 2
	// DefaultMaxNakLoops is the default number of Conf-Nak before converting to Conf-Reject
	DefaultMaxNakLoops = 5
	// DefaultPeerMRU is the default peer MRU
	DefaultPeerMRU = 1500
	// MinPeerMRU is the smallest MRU a PPP peer could negotiate
	MinPeerMRU = 128
)

// discard reasons reported to Observer
const (
	DiscardMalformed  = "malformed"
	DiscardState      = "state"
	DiscardUnexpected = "unexpected-id"
	DiscardBadAck     = "bad-ack"
	DiscardBadNak     = "bad-nak"
	DiscardBadRej     = "bad-reject"
)

// FSM is the RFC1661 control protocol state machine
type FSM struct {
	proto       ProtocolNumber
	unit        int
	state       State
	id          uint8
	reqID       uint8
	seenAck     bool
	retransmits int
	nakLoops    int
	rNakLoops   int
	timeout     time.Duration
	maxConfReq  int
	maxTerm     int
	maxNakLoops int
	passive     bool
	silent      bool
	restart     bool
	termReason  string
	peerMRU     int
	protocol    Protocol
	out         Output
	timer       Timer
	stopTimer   func()
	timerGen    uint64
	observer    Observer
	logger      *zap.Logger
}

// New creates a new FSM in Initial state for protocol p with PPP protocol number proto, sends packets via out;
// optionally, Modifier(s) could be specified to change default config
func New(proto ProtocolNumber, p Protocol, out Output, mods ...Modifier) *FSM {
	f := &FSM{
		proto:       proto,
		state:       StateInitial,
		timeout:     DefaultTimeout,
		maxConfReq:  DefaultMaxConfReq,
		maxTerm:     DefaultMaxTerm,
		maxNakLoops: DefaultMaxNakLoops,
		peerMRU:     DefaultPeerMRU,
		protocol:    p,
		out:         out,
		timer:       stdTimer{},
		observer:    nopObserver{},
		logger:      zap.NewNop(),
	}
	for _, mod := range mods {
		mod(f)
	}
	return f
}

// Modifier provides custom configuration for New()
type Modifier func(f *FSM)

// WithLogger specifies the logger, it is named with the protocol name
func WithLogger(l *zap.Logger) Modifier {
	return func(f *FSM) {
		if l != nil {
			f.logger = l.Named(f.protocol.Name())
		}
	}
}

// WithUnit specifies the PPP unit number
func WithUnit(unit int) Modifier {
	return func(f *FSM) {
		f.unit = unit
	}
}

// WithTimer specifies the Timer used for restart timer
func WithTimer(t Timer) Modifier {
	return func(f *FSM) {
		f.timer = t
	}
}

// WithTimeout specifies the restart timer duration
func WithTimeout(d time.Duration) Modifier {
	return func(f *FSM) {
		f.timeout = d
	}
}

// WithMaxConfReq specifies max number of Conf-Req transmissions
func WithMaxConfReq(n int) Modifier {
	return func(f *FSM) {
		f.maxConfReq = n
	}
}

// WithMaxTerm specifies max number of Term-Req transmissions
func WithMaxTerm(n int) Modifier {
	return func(f *FSM) {
		f.maxTerm = n
	}
}

// WithMaxNakLoops specifies number of Conf-Nak before converting to Conf-Reject
func WithMaxNakLoops(n int) Modifier {
	return func(f *FSM) {
		f.maxNakLoops = n
	}
}

// WithPassive makes the FSM stay in Stopped after Conf-Req retransmissions run out, waiting for peer
func WithPassive(passive bool) Modifier {
	return func(f *FSM) {
		f.passive = passive
	}
}

// WithSilent makes the FSM wait for peer's Conf-Req before sending one
func WithSilent(silent bool) Modifier {
	return func(f *FSM) {
		f.silent = silent
	}
}

// WithRestart makes Open in Opened or Stopped restart the negotiation
func WithRestart(restart bool) Modifier {
	return func(f *FSM) {
		f.restart = restart
	}
}

// WithPeerMRU specifies peer's MRU, outgoing packets are truncated to it;
// a mru less than HeaderLen leaves room for the header only
func WithPeerMRU(mru int) Modifier {
	return func(f *FSM) {
		if mru < HeaderLen {
			mru = HeaderLen
		}
		f.peerMRU = mru
	}
}

// WithObserver specifies an Observer
func WithObserver(o Observer) Modifier {
	return func(f *FSM) {
		if o != nil {
			f.observer = o
		}
	}
}

// State returns current state
func (f *FSM) State() State {
	return f.state
}

// Proto returns the PPP protocol number
func (f *FSM) Proto() ProtocolNumber {
	return f.proto
}

// Unit returns the PPP unit number
func (f *FSM) Unit() int {
	return f.unit
}

// Name returns the protocol name
func (f *FSM) Name() string {
	return f.protocol.Name()
}

// TermReason returns the reason of last Close
func (f *FSM) TermReason() string {
	return f.termReason
}

func getCallerName() (fname, callername string, linenum int) {
	fpcs := make([]uintptr, 1)
	// skip runtime.Callers, getCallerName and setState
	n := runtime.Callers(3, fpcs)
	if n == 0 {
		return
	}
	caller := runtime.FuncForPC(fpcs[0] - 1)
	if caller == nil {
		return
	}
	fname, linenum = caller.FileLine(fpcs[0] - 1)
	callername = caller.Name()
	return
}

func (f *FSM) setState(s State) {
	old := f.state
	f.state = s
	if old == s {
		return
	}
	if ce := f.logger.Check(zap.DebugLevel, ""); ce != nil {
		_, callername, linenum := getCallerName()
		f.logger.Sugar().Debugf("%v:%v state transit %v -> %v", callername, linenum, old, s)
	}
	f.observer.Transition(f, old, s)
}

func (f *FSM) startTimer() {
	f.cancelTimer()
	gen := f.timerGen
	f.stopTimer = f.timer.AfterFunc(f.timeout, func() {
		if gen != f.timerGen {
			return
		}
		f.onTimeout()
	})
}

func (f *FSM) cancelTimer() {
	f.timerGen++
	if f.stopTimer != nil {
		f.stopTimer()
		f.stopTimer = nil
	}
}

// LowerUp is the lower layer Up event
func (f *FSM) LowerUp() {
	switch f.state {
	case StateInitial:
		f.setState(StateClosed)
	case StateStarting:
		if f.silent {
			f.setState(StateStopped)
		} else {
			f.sconfreq(false)
			f.setState(StateReqSent)
		}
	default:
		f.logger.Sugar().Debugf("lower up event in state %v", f.state)
	}
}

// LowerDown is the lower layer Down event, it cancels any ongoing negotiation
func (f *FSM) LowerDown() {
	switch f.state {
	case StateClosed:
		f.setState(StateInitial)
	case StateStopped:
		f.setState(StateStarting)
		f.protocol.Starting(f)
	case StateClosing:
		f.cancelTimer()
		f.setState(StateInitial)
	case StateStopping, StateReqSent, StateAckRcvd, StateAckSent:
		f.cancelTimer()
		f.setState(StateStarting)
	case StateOpened:
		f.protocol.Down(f)
		f.setState(StateStarting)
	default:
		f.logger.Sugar().Debugf("lower down event in state %v", f.state)
	}
}

// Open is the administrative Open event
func (f *FSM) Open() {
	switch f.state {
	case StateInitial:
		f.setState(StateStarting)
		f.protocol.Starting(f)
	case StateClosed:
		if f.silent {
			f.setState(StateStopped)
		} else {
			f.sconfreq(false)
			f.setState(StateReqSent)
		}
	case StateClosing:
		f.setState(StateStopping)
		fallthrough
	case StateStopped, StateOpened:
		if f.restart {
			f.LowerDown()
			f.LowerUp()
		}
	}
}

// Close is the administrative Close event, reason is carried in Term-Req
func (f *FSM) Close(reason string) {
	f.termReason = reason
	switch f.state {
	case StateStarting:
		f.setState(StateInitial)
	case StateStopped:
		f.setState(StateClosed)
	case StateStopping:
		f.setState(StateClosing)
	case StateReqSent, StateAckRcvd, StateAckSent, StateOpened:
		f.terminateLayer(StateClosing)
	}
}

// ProtReject is called when peer sends a LCP Protocol-Reject for this protocol
func (f *FSM) ProtReject() {
	switch f.state {
	case StateClosing:
		f.cancelTimer()
		fallthrough
	case StateClosed:
		f.setState(StateClosed)
		f.protocol.Finished(f)
	case StateStopping, StateReqSent, StateAckRcvd, StateAckSent:
		f.cancelTimer()
		fallthrough
	case StateStopped:
		f.setState(StateStopped)
		f.protocol.Finished(f)
	case StateOpened:
		f.terminateLayer(StateStopping)
	default:
		f.logger.Sugar().Debugf("protocol reject in state %v", f.state)
	}
}

func (f *FSM) terminateLayer(next State) {
	if f.state != StateOpened {
		f.cancelTimer()
	} else {
		f.protocol.Down(f)
	}
	f.retransmits = f.maxTerm
	f.id++
	f.reqID = f.id
	f.sdata(CodeTerminateRequest, f.reqID, []byte(f.termReason))
	if f.retransmits <= 0 {
		if next == StateClosing {
			f.setState(StateClosed)
		} else {
			f.setState(StateStopped)
		}
		f.protocol.Finished(f)
		return
	}
	f.startTimer()
	f.retransmits--
	f.setState(next)
}

func (f *FSM) onTimeout() {
	f.stopTimer = nil
	switch f.state {
	case StateClosing, StateStopping:
		if f.retransmits <= 0 {
			if f.state == StateClosing {
				f.setState(StateClosed)
			} else {
				f.setState(StateStopped)
			}
			f.protocol.Finished(f)
			return
		}
		f.id++
		f.reqID = f.id
		f.sdata(CodeTerminateRequest, f.reqID, []byte(f.termReason))
		f.startTimer()
		f.retransmits--
	case StateReqSent, StateAckRcvd, StateAckSent:
		if f.retransmits <= 0 {
			f.logger.Sugar().Warnf("timeout sending Config-Requests")
			f.setState(StateStopped)
			if !f.passive {
				f.protocol.Finished(f)
			}
			return
		}
		f.sconfreq(true)
		if f.state == StateAckRcvd {
			f.setState(StateReqSent)
		}
	default:
		f.logger.Sugar().Debugf("timeout event in state %v", f.state)
	}
}

// Input processes a received control packet, buf starts with the code field
func (f *FSM) Input(buf []byte) {
	var pkt Pkt
	if err := pkt.Parse(buf); err != nil {
		f.logger.Sugar().Debugf("dropped invalid pkt, %v", err)
		f.observer.Discarded(f, 0, DiscardMalformed)
		return
	}
	if f.state == StateInitial || f.state == StateStarting {
		f.logger.Sugar().Debugf("dropped %v pkt in state %v", pkt.Code, f.state)
		f.observer.Discarded(f, pkt.Code, DiscardState)
		return
	}
	f.logger.Sugar().Infof("got a %v pkt", pkt.Code)
	if ce := f.logger.Check(zap.DebugLevel, ""); ce != nil {
		f.logger.Debug(f.format(pkt))
	}
	f.observer.Received(f, pkt.Code)
	switch pkt.Code {
	case CodeConfigureRequest:
		f.rconfreq(pkt.ID, pkt.Data)
	case CodeConfigureAck:
		f.rconfack(pkt.ID, pkt.Data)
	case CodeConfigureNak, CodeConfigureReject:
		f.rconfnakrej(pkt.Code, pkt.ID, pkt.Data)
	case CodeTerminateRequest:
		f.rtermreq(pkt.ID, pkt.Data)
	case CodeTerminateAck:
		f.rtermack()
	case CodeCodeReject:
		f.rcoderej(pkt.Data)
	default:
		f.id++
		f.sdata(CodeCodeReject, f.id, buf[:pkt.Len])
	}
}

func (f *FSM) rconfreq(id uint8, data []byte) {
	switch f.state {
	case StateClosed:
		f.sdata(CodeTerminateAck, id, nil)
		return
	case StateClosing, StateStopping:
		return
	case StateOpened:
		f.protocol.Down(f)
		f.sconfreq(false)
		f.setState(StateReqSent)
	case StateStopped:
		f.sconfreq(false)
		f.setState(StateReqSent)
	}
	code, reply := f.protocol.ReqCI(f, data, f.nakLoops >= f.maxNakLoops)
	f.sdata(code, id, reply)
	if code == CodeConfigureAck {
		if f.state == StateAckRcvd {
			f.cancelTimer()
			f.setState(StateOpened)
			f.protocol.Up(f)
		} else {
			f.setState(StateAckSent)
		}
		f.nakLoops = 0
		return
	}
	if f.state != StateAckRcvd {
		f.setState(StateReqSent)
	}
	if code == CodeConfigureNak {
		f.nakLoops++
	}
}

func (f *FSM) rconfack(id uint8, data []byte) {
	if id != f.reqID || f.seenAck {
		f.logger.Sugar().Debugf("dropped ConfACK with id %d, expecting %d", id, f.reqID)
		f.observer.Discarded(f, CodeConfigureAck, DiscardUnexpected)
		return
	}
	if !f.protocol.AckCI(f, data) {
		f.logger.Sugar().Warnf("received bad ConfACK: %x", data)
		f.observer.Discarded(f, CodeConfigureAck, DiscardBadAck)
		return
	}
	f.seenAck = true
	f.rNakLoops = 0
	switch f.state {
	case StateClosed, StateStopped:
		f.sdata(CodeTerminateAck, id, nil)
	case StateReqSent:
		f.setState(StateAckRcvd)
		f.retransmits = f.maxConfReq
	case StateAckRcvd:
		f.cancelTimer()
		f.sconfreq(false)
		f.setState(StateReqSent)
	case StateAckSent:
		f.cancelTimer()
		f.setState(StateOpened)
		f.retransmits = f.maxConfReq
		f.protocol.Up(f)
	case StateOpened:
		f.protocol.Down(f)
		f.sconfreq(false)
		f.setState(StateReqSent)
	}
}

func (f *FSM) rconfnakrej(code MsgCode, id uint8, data []byte) {
	if id != f.reqID || f.seenAck {
		f.logger.Sugar().Debugf("dropped %v with id %d, expecting %d", code, id, f.reqID)
		f.observer.Discarded(f, code, DiscardUnexpected)
		return
	}
	if code == CodeConfigureNak {
		f.rNakLoops++
		treatAsReject := f.rNakLoops >= f.maxNakLoops
		if !f.protocol.NakCI(f, data, treatAsReject) {
			f.logger.Sugar().Warnf("received bad ConfNak: %x", data)
			f.observer.Discarded(f, code, DiscardBadNak)
			return
		}
	} else {
		f.rNakLoops = 0
		if !f.protocol.RejCI(f, data) {
			f.logger.Sugar().Warnf("received bad ConfReject: %x", data)
			f.observer.Discarded(f, code, DiscardBadRej)
			return
		}
	}
	f.seenAck = true
	switch f.state {
	case StateClosed, StateStopped:
		f.sdata(CodeTerminateAck, id, nil)
	case StateReqSent, StateAckSent:
		f.cancelTimer()
		f.sconfreq(false)
	case StateAckRcvd:
		f.cancelTimer()
		f.sconfreq(false)
		f.setState(StateReqSent)
	case StateOpened:
		f.protocol.Down(f)
		f.sconfreq(false)
		f.setState(StateReqSent)
	}
}

func (f *FSM) rtermreq(id uint8, data []byte) {
	switch f.state {
	case StateAckRcvd, StateAckSent:
		f.setState(StateReqSent)
	case StateOpened:
		if len(data) > 0 {
			f.logger.Sugar().Infof("terminated by peer (%s)", string(data))
		} else {
			f.logger.Info("terminated by peer")
		}
		f.retransmits = 0
		f.setState(StateStopping)
		f.protocol.Down(f)
		f.startTimer()
	}
	f.sdata(CodeTerminateAck, id, nil)
}

func (f *FSM) rtermack() {
	switch f.state {
	case StateClosing:
		f.cancelTimer()
		f.setState(StateClosed)
		f.protocol.Finished(f)
	case StateStopping:
		f.cancelTimer()
		f.setState(StateStopped)
		f.protocol.Finished(f)
	case StateAckRcvd:
		f.setState(StateReqSent)
	case StateOpened:
		f.protocol.Down(f)
		f.sconfreq(false)
		f.setState(StateReqSent)
	}
}

func (f *FSM) rcoderej(data []byte) {
	if len(data) < HeaderLen {
		f.logger.Debug("received short CodeReject")
		f.observer.Discarded(f, CodeCodeReject, DiscardMalformed)
		return
	}
	f.logger.Sugar().Warnf("received CodeReject for code %d, id %d", data[0], data[1])
	if f.state == StateAckRcvd {
		f.setState(StateReqSent)
	}
}

func (f *FSM) sconfreq(retransmit bool) {
	if !f.state.negotiating() {
		f.protocol.ResetCI(f)
		f.nakLoops = 0
		f.rNakLoops = 0
	}
	if !retransmit {
		f.retransmits = f.maxConfReq
		f.id++
		f.reqID = f.id
	}
	f.seenAck = false
	cilen := f.protocol.CILen(f)
	if max := f.peerMRU - HeaderLen; cilen > max {
		cilen = max
	}
	b := ci.NewBuilder(cilen)
	f.protocol.AddCI(f, b)
	f.sdata(CodeConfigureRequest, f.reqID, b.Bytes())
	f.retransmits--
	f.startTimer()
}

func (f *FSM) sdata(code MsgCode, id uint8, data []byte) {
	if max := f.peerMRU - HeaderLen; len(data) > max {
		data = data[:max]
	}
	pkt := Pkt{Code: code, ID: id, Data: data}
	f.logger.Sugar().Infof("sending %v", code)
	if ce := f.logger.Check(zap.DebugLevel, ""); ce != nil {
		f.logger.Debug(f.format(pkt))
	}
	f.observer.Sent(f, code)
	if err := f.out.Output(f.unit, f.proto, pkt.Serialize()); err != nil {
		f.logger.Sugar().Errorf("failed to send %v, %v", code, err)
	}
}

func (f *FSM) format(pkt Pkt) string {
	if pr, ok := f.protocol.(Printer); ok {
		return pkt.Format(pr.Print)
	}
	return pkt.String()
}

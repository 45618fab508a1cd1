// Package ipxcp implements the IPX Control Protocol (RFC1552) option negotiation.
// IPXCP implements fsm.Protocol, it is driven by a fsm.FSM.
package ipxcp

import (
	"fmt"
	"os"
	"strconv"

	"github.com/hujun-open/zouncp/ci"
	"github.com/hujun-open/zouncp/fsm"
	"github.com/hujun-open/zouncp/script"
	"go.uber.org/zap"
)

// Interface configures the network interface when IPXCP goes up or down
type Interface interface {
	Up(unit int) error
	Down(unit int) error
	SetIPXAddr(unit int, network uint32, node Node) error
	ClearIPXAddr(unit int) error
	SetNPMode(unit int, proto fsm.ProtocolNumber, mode fsm.NPMode) error
}

type nopInterface struct{}

func (nopInterface) Up(int) error                                        { return nil }
func (nopInterface) Down(int) error                                      { return nil }
func (nopInterface) SetIPXAddr(int, uint32, Node) error                  { return nil }
func (nopInterface) ClearIPXAddr(int) error                              { return nil }
func (nopInterface) SetNPMode(int, fsm.ProtocolNumber, fsm.NPMode) error { return nil }

// Config is IPXCP config not part of negotiated options
type Config struct {
	IfName  string
	DevName string
	Speed   int
	IPParam string
	// UpScript and DownScript are paths of ipx-up and ipx-down scripts, empty means none
	UpScript   string
	DownScript string
}

// IPXCP is an IPXCP instance of a link
type IPXCP struct {
	Want  Options
	Allow Options
	Got   Options
	His   Options

	cfg    Config
	iface  Interface
	env    *script.Env
	runner script.Runner
	phase  fsm.PhaseNotifier
	logger *zap.Logger
	isUp   bool
}

// Modifier is a function to provide custom configuration when creating new IPXCP instance
type Modifier func(p *IPXCP)

// WithInterface specifies the interface to configure
func WithInterface(i Interface) Modifier {
	return func(p *IPXCP) {
		p.iface = i
	}
}

// WithEnv specifies the script environment
func WithEnv(env *script.Env) Modifier {
	return func(p *IPXCP) {
		p.env = env
	}
}

// WithRunner specifies the runner of ipx-up and ipx-down scripts
func WithRunner(r script.Runner) Modifier {
	return func(p *IPXCP) {
		p.runner = r
	}
}

// WithPhase specifies the PhaseNotifier
func WithPhase(ph fsm.PhaseNotifier) Modifier {
	return func(p *IPXCP) {
		p.phase = ph
	}
}

// WithLogger specifies the logger
func WithLogger(l *zap.Logger) Modifier {
	return func(p *IPXCP) {
		if l != nil {
			p.logger = l.Named("IPXCP")
		}
	}
}

// New returns a new IPXCP instance with want and allow options
func New(cfg Config, want, allow Options, mods ...Modifier) *IPXCP {
	p := &IPXCP{
		Want:   want,
		Allow:  allow,
		cfg:    cfg,
		iface:  nopInterface{},
		env:    script.NewEnv(),
		logger: zap.NewNop(),
	}
	for _, mod := range mods {
		mod(p)
	}
	return p
}

// Name implements fsm.Protocol interface
func (p *IPXCP) Name() string {
	return "IPXCP"
}

// Print implements fsm.Printer interface
func (p *IPXCP) Print(buf []byte) string {
	return Print(buf)
}

// IsUp returns true if the interface has been configured for IPX
func (p *IPXCP) IsUp() bool {
	return p.isUp
}

// ResetCI implements fsm.Protocol interface
func (p *IPXCP) ResetCI(f *fsm.FSM) {
	w, a := &p.Want, &p.Allow
	w.ReqNN = w.NegNN && a.NegNN
	if w.OurNetwork == 0 {
		w.NegNode = true
		a.AcceptNetwork = true
	}
	if w.OurNode.IsZero() {
		w.OurNode = randomNode()
		a.AcceptLocal = true
		w.NegNode = true
	}
	if w.HisNode.IsZero() {
		w.HisNode = randomNode()
		a.AcceptRemote = true
	}
	// RIP/SAP is the default routing protocol
	if a.Router == 0 {
		a.Router |= RoutingRIPSAP.Bit()
		w.Router |= RoutingRIPSAP.Bit()
	}
	w.NegRouter = true
	p.Got = *w
	p.His = Options{}
}

type reqOption struct {
	opt  ci.Option
	drop func(o *Options)
}

// request returns options of next Conf-Req derived from Got, in the order they must be sent;
// Configuration-Complete is never sent and Routing-Protocol is only sent when it isn't the default
func (p *IPXCP) request() []reqOption {
	g := p.Got
	var r []reqOption
	if g.NegNN {
		r = append(r, reqOption{
			opt:  ci.Uint32(uint8(OpNetworkNumber), g.OurNetwork),
			drop: func(o *Options) { o.NegNN = false },
		})
	}
	if g.NegNode {
		r = append(r, reqOption{
			opt:  ci.New(uint8(OpNodeNumber), append([]byte(nil), g.OurNode[:]...)),
			drop: func(o *Options) { o.NegNode = false },
		})
	}
	if g.NegName && g.Name != "" {
		r = append(r, reqOption{
			opt:  ci.New(uint8(OpRouterName), []byte(g.Name)),
			drop: func(o *Options) { o.NegName = false },
		})
	}
	if g.NegRouter {
		if ext := g.Router.external(); ext != RoutingRIPSAP {
			r = append(r, reqOption{
				opt:  ci.Uint16(uint8(OpRoutingProtocol), uint16(ext)),
				drop: func(o *Options) { o.NegRouter = false },
			})
		}
	}
	return r
}

func (p *IPXCP) requestBytes() []byte {
	var r []byte
	for _, req := range p.request() {
		buf, _ := req.opt.Serialize()
		r = append(r, buf...)
	}
	return r
}

// CILen implements fsm.Protocol interface
func (p *IPXCP) CILen(f *fsm.FSM) int {
	n := 0
	for _, req := range p.request() {
		n += req.opt.Len()
	}
	return n
}

// AddCI implements fsm.Protocol interface, an option doesn't fit is no longer negotiated
func (p *IPXCP) AddCI(f *fsm.FSM, b *ci.Builder) {
	for _, req := range p.request() {
		if b.Fits(req.opt) {
			b.Add(req.opt)
		} else {
			req.drop(&p.Got)
		}
	}
}

// AckCI implements fsm.Protocol interface
func (p *IPXCP) AckCI(f *fsm.FSM, buf []byte) bool {
	if string(buf) != string(p.requestBytes()) {
		p.logger.Debug("received bad ConfACK, options don't match the request")
		return false
	}
	return true
}

// nakOrder returns the position of option type t in a Conf-Req, 0 for unknown types
func nakOrder(t OptionType) int {
	switch t {
	case OpNetworkNumber:
		return 1
	case OpNodeNumber:
		return 2
	case OpRouterName:
		return 3
	case OpRoutingProtocol:
		return 4
	}
	return 0
}

// NakCI implements fsm.Protocol interface
func (p *IPXCP) NakCI(f *fsm.FSM, buf []byte, treatAsReject bool) bool {
	rcvd, err := ci.Parse(buf)
	if err != nil {
		p.logger.Sugar().Debugf("bad ConfNak, %v", err)
		return false
	}
	g := p.Got
	try := g
	var seenNN, seenNode bool
	var seenRouter RoutingSet
	sent := make(map[uint8]bool)
	for _, req := range p.request() {
		sent[req.opt.Type] = true
	}
	last := 0
	bad := func(format string, args ...interface{}) bool {
		p.logger.Sugar().Debugf("bad ConfNak, "+format, args...)
		return false
	}
	for _, o := range rcvd {
		t := OptionType(o.Type)
		// Naks of options we sent must keep the order of the request
		if pos := nakOrder(t); pos > 0 && sent[o.Type] {
			if pos < last {
				return bad("%v out of order", t)
			}
			last = pos
		}
		switch t {
		case OpNetworkNumber:
			if !g.NegNN || seenNN || o.Len() != lenNetwork {
				return bad("unexpected %v", o)
			}
			seenNN = true
			if treatAsReject {
				try.NegNN = false
			} else if n := o.Uint32At(0); n != 0 && p.Allow.AcceptNetwork && n > g.OurNetwork {
				try.OurNetwork = n
			}
		case OpNodeNumber:
			// a Nak of node number we didn't send means peer wants it
			if seenNode || o.Len() != lenNode {
				return bad("unexpected %v", o)
			}
			seenNode = true
			if treatAsReject {
				try.NegNode = false
				continue
			}
			try.NegNode = true
			if n := NodeFrom(o.Value); !n.IsZero() && p.Allow.AcceptLocal && n != p.His.HisNode {
				try.OurNode = n
			}
		case OpCompressionProtocol, OpRouterName, OpConfigurationComplete:
			return bad("%v must never be Nak'd", t)
		case OpRoutingProtocol:
			if !g.NegRouter || o.Len() < lenProtocol {
				return bad("unexpected %v", o)
			}
			bit := RoutingProtocol(o.Uint16At(0)).Bit()
			if bit == 0 {
				continue
			}
			if seenRouter&bit != 0 {
				return bad("duplicate %v", o)
			}
			if seenRouter == 0 {
				try.Router = 0
			}
			seenRouter |= bit
			try.Router |= bit
			try.NegRouter = !treatAsReject
		}
	}
	if f.State() != fsm.StateOpened {
		if seenRouter != 0 && try.NegRouter {
			// only the protocols we support
			try.Router &= p.Allow.Router | RoutingNone.Bit()
			if try.Router == 0 && p.Allow.Router != 0 {
				try.Router = RoutingNone.Bit()
			}
		} else if seenRouter != 0 {
			try.Router = g.Router
		}
		p.Got = try
	}
	return true
}

// RejCI implements fsm.Protocol interface;
// rejected options must be a subset of last request, in same order and with same values
func (p *IPXCP) RejCI(f *fsm.FSM, buf []byte) bool {
	rcvd, err := ci.Parse(buf)
	if err != nil {
		p.logger.Sugar().Debugf("bad ConfReject, %v", err)
		return false
	}
	try := p.Got
	reqs := p.request()
	i := 0
	for _, o := range rcvd {
		for i < len(reqs) && reqs[i].opt.Type != o.Type {
			i++
		}
		if i == len(reqs) || !reqs[i].opt.Equal(o) {
			p.logger.Sugar().Debugf("bad ConfReject, unexpected option %v", o)
			return false
		}
		reqs[i].drop(&try)
		i++
	}
	if f.State() != fsm.StateOpened {
		p.Got = try
	}
	return true
}

type reply struct {
	code fsm.MsgCode
	buf  []byte
}

// ReqCI implements fsm.Protocol interface
func (p *IPXCP) ReqCI(f *fsm.FSM, buf []byte, rejectIfDisagree bool) (fsm.MsgCode, []byte) {
	p.His = Options{}
	var replies []reply
	rest := buf
	for len(rest) > 0 {
		o, r, err := ci.Decode(rest)
		if err != nil {
			p.logger.Sugar().Debugf("ReqCI: %v", err)
			replies = append(replies, reply{code: fsm.CodeConfigureReject, buf: rest})
			break
		}
		orig := rest[:o.Len()]
		rest = r
		code, nak := p.reqOption(o)
		p.logger.Sugar().Debugf("ReqCI: %v %x -> %v", OptionType(o.Type), o.Value, code)
		switch {
		case code == fsm.CodeConfigureNak && rejectIfDisagree:
			replies = append(replies, reply{code: fsm.CodeConfigureReject, buf: orig})
		case code == fsm.CodeConfigureNak:
			replies = append(replies, reply{code: code, buf: nak})
		default:
			replies = append(replies, reply{code: code, buf: orig})
		}
	}
	rc := fsm.CodeConfigureAck
	for _, r := range replies {
		if r.code == fsm.CodeConfigureReject ||
			(r.code == fsm.CodeConfigureNak && rc == fsm.CodeConfigureAck) {
			rc = r.code
		}
	}
	var out []byte
	for _, r := range replies {
		if r.code == rc {
			out = append(out, r.buf...)
		}
	}
	// ask peer for its node number if it didn't send one
	if rc != fsm.CodeConfigureReject && !p.His.NegNode && p.Want.ReqNN && !rejectIfDisagree {
		if rc == fsm.CodeConfigureAck {
			rc = fsm.CodeConfigureNak
			out = nil
			p.Want.ReqNN = false
		}
		nak, _ := ci.Encode(uint8(OpNodeNumber), p.Want.HisNode[:])
		out = append(out, nak...)
	}
	p.logger.Sugar().Debugf("ReqCI: returning %v", rc)
	return rc, out
}

// reqOption returns the verdict of a single option in peer's Conf-Req;
// for Conf-Nak, nak is the option with our suggested value
func (p *IPXCP) reqOption(o ci.Option) (fsm.MsgCode, []byte) {
	w, a, h := &p.Want, &p.Allow, &p.His
	nakWith := func(v []byte) (fsm.MsgCode, []byte) {
		buf, _ := ci.Encode(o.Type, v)
		return fsm.CodeConfigureNak, buf
	}
	switch OptionType(o.Type) {
	case OpNetworkNumber:
		if !a.NegNN || o.Len() != lenNetwork {
			return fsm.CodeConfigureReject, nil
		}
		n := o.Uint32At(0)
		if n != 0 {
			h.HisNetwork = n
			h.NegNN = true
			if n != w.OurNetwork && (!a.AcceptNetwork || n < w.OurNetwork) {
				return nakWith(ci.Uint32(0, w.OurNetwork).Value)
			}
			return fsm.CodeConfigureAck, nil
		}
		// peer doesn't know, give it ours if there is one
		if p.Got.OurNetwork != 0 {
			return nakWith(ci.Uint32(0, w.OurNetwork).Value)
		}
		return fsm.CodeConfigureReject, nil
	case OpNodeNumber:
		if !a.NegNode || o.Len() != lenNode {
			return fsm.CodeConfigureReject, nil
		}
		his := NodeFrom(o.Value)
		h.HisNode = his
		h.NegNode = true
		switch {
		case his.IsZero():
			return nakWith(w.HisNode[:])
		case his == w.HisNode:
			return fsm.CodeConfigureAck, nil
		case his == p.Got.OurNode:
			next, err := nextNode(his)
			if err != nil {
				p.logger.Sugar().Debugf("failed to increase node %v, %v", his, err)
				next = randomNode()
			}
			h.HisNode = next
			return nakWith(next[:])
		case !a.AcceptRemote:
			return nakWith(w.HisNode[:])
		}
		return fsm.CodeConfigureAck, nil
	case OpRoutingProtocol:
		if !a.NegRouter || o.Len() < lenProtocol {
			return fsm.CodeConfigureReject, nil
		}
		proto := RoutingProtocol(o.Uint16At(0))
		if !w.NegRouter {
			w.NegRouter = true
			w.Router = RoutingNone.Bit()
		}
		// NONE excludes any other protocol
		if (proto == RoutingNone && h.Router != 0) || h.Router.Has(RoutingNone) {
			return fsm.CodeConfigureReject, nil
		}
		bit := proto.Bit()
		if h.Router&bit != 0 {
			return fsm.CodeConfigureReject, nil
		}
		h.Router |= bit
		h.NegRouter = true
		if bit&(a.Router|RoutingNone.Bit()) == 0 {
			suggest := RoutingNone
			if proto == RoutingNLSP && a.Router.Has(RoutingRIPSAP) && !w.TriedRIP {
				suggest = RoutingRIPSAP
				w.TriedRIP = true
			}
			return nakWith(ci.Uint16(0, uint16(suggest)).Value)
		}
		return fsm.CodeConfigureAck, nil
	case OpRouterName:
		if o.Len() < lenName {
			return fsm.CodeConfigureReject, nil
		}
		name := o.Value
		if len(name) > MaxNameLen {
			name = name[:MaxNameLen]
		}
		h.Name = string(name)
		h.NegName = true
		return fsm.CodeConfigureAck, nil
	case OpConfigurationComplete:
		if o.Len() != lenComplete {
			return fsm.CodeConfigureReject, nil
		}
		h.NegComplete = true
		return fsm.CodeConfigureAck, nil
	}
	// including Compression-Protocol, no compression is supported
	return fsm.CodeConfigureReject, nil
}

// Starting implements fsm.Protocol interface
func (p *IPXCP) Starting(f *fsm.FSM) {
	p.logger.Debug("starting")
}

// Up implements fsm.Protocol interface, it configures the interface and runs the ipx-up script
func (p *IPXCP) Up(f *fsm.FSM) {
	g, h, w := &p.Got, &p.His, &p.Want
	unit := f.Unit()
	p.logger.Debug("up")
	if h.Router == 0 {
		h.Router = RoutingRIPSAP.Bit()
	}
	if g.Router == 0 {
		g.Router = RoutingRIPSAP.Bit()
	}
	if !h.NegNN {
		h.HisNetwork = w.HisNetwork
	}
	if !h.NegNode {
		h.HisNode = w.HisNode
	}
	if !w.NegNode && !g.NegNode {
		g.OurNode = w.OurNode
	}
	if g.OurNode.IsZero() {
		p.logger.Error("could not determine local IPX node address")
		f.Close("Could not determine local IPX node address")
		return
	}
	g.Network = g.OurNetwork
	if h.HisNetwork > g.Network {
		g.Network = h.HisNetwork
	}
	if g.Network == 0 {
		p.logger.Error("can not determine network number")
		f.Close("Can not determine network number")
		return
	}
	if err := p.iface.Up(unit); err != nil {
		p.logger.Sugar().Warnf("interface failed to come up, %v", err)
		f.Close("Interface configuration failed")
		return
	}
	p.isUp = true
	if err := p.iface.SetIPXAddr(unit, g.Network, g.OurNode); err != nil {
		p.logger.Sugar().Warnf("failed to set IPX address, %v", err)
		f.Close("Interface configuration failed")
		return
	}
	if err := p.iface.SetNPMode(unit, fsm.ProtoNovellIPX, fsm.NPModePass); err != nil {
		p.logger.Sugar().Warnf("failed to set NP mode, %v", err)
	}
	p.logger.Sugar().Infof("network %08x local node %v remote node %v", g.Network, g.OurNode, h.HisNode)
	if p.phase != nil {
		p.phase.NPUp(unit, fsm.ProtoNovellIPX)
	}
	p.runScript(p.cfg.UpScript)
}

// Down implements fsm.Protocol interface, it restores the interface and runs the ipx-down script
func (p *IPXCP) Down(f *fsm.FSM) {
	unit := f.Unit()
	p.logger.Debug("down")
	if !p.isUp {
		return
	}
	p.isUp = false
	if p.phase != nil {
		p.phase.NPDown(unit, fsm.ProtoNovellIPX)
	}
	if err := p.iface.ClearIPXAddr(unit); err != nil {
		p.logger.Sugar().Debugf("failed to clear IPX address, %v", err)
	}
	if err := p.iface.SetNPMode(unit, fsm.ProtoNovellIPX, fsm.NPModeDrop); err != nil {
		p.logger.Sugar().Debugf("failed to set NP mode, %v", err)
	}
	if err := p.iface.Down(unit); err != nil {
		p.logger.Sugar().Debugf("failed to bring interface down, %v", err)
	}
	p.runScript(p.cfg.DownScript)
}

// Finished implements fsm.Protocol interface
func (p *IPXCP) Finished(f *fsm.FSM) {
	p.logger.Debug("finished")
	if p.phase != nil {
		p.phase.NPFinished(f.Unit(), fsm.ProtoNovellIPX)
	}
}

// scriptArgs returns arguments of ipx-up and ipx-down scripts
func (p *IPXCP) scriptArgs() []string {
	return []string{
		p.cfg.IfName,
		p.cfg.DevName,
		strconv.Itoa(p.cfg.Speed),
		fmt.Sprintf("%08x", p.Got.Network),
		p.Got.OurNode.String(),
		p.His.HisNode.String(),
		p.Got.Router.scriptString(p.Got.NegRouter),
		p.His.Router.scriptString(p.His.NegRouter),
		p.Got.Name,
		p.His.Name,
		p.cfg.IPParam,
		strconv.Itoa(os.Getpid()),
	}
}

func (p *IPXCP) runScript(path string) {
	if path == "" || p.runner == nil {
		return
	}
	if err := p.runner.Run(path, p.scriptArgs(), p.env.Environ()); err != nil {
		p.logger.Sugar().Warnf("failed to run %v, %v", path, err)
	}
}

// String returns a summary of negotiated result
func (p *IPXCP) String() string {
	return fmt.Sprintf("network %08x local %v remote %v routing %v/%v", p.Got.Network,
		p.Got.OurNode, p.His.HisNode,
		p.Got.Router.scriptString(p.Got.NegRouter), p.His.Router.scriptString(p.His.NegRouter))
}

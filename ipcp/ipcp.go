// Package ipcp implements the IP Control Protocol (RFC1332) option negotiation,
// including the DNS and NBNS server address options (RFC1877).
// IPCP implements fsm.Protocol, it is driven by a fsm.FSM.
package ipcp

import (
	"fmt"
	"strconv"

	"github.com/hujun-open/zouncp/ci"
	"github.com/hujun-open/zouncp/fsm"
	"github.com/hujun-open/zouncp/notify"
	"github.com/hujun-open/zouncp/script"
	"go.uber.org/zap"
	"inet.af/netaddr"
)

// Interface configures the network interface when IPCP goes up or down
type Interface interface {
	SetVJComp(unit int, on, cidComp bool, maxSlotIndex uint8) error
	SetAddr(unit int, our, his, mask IPv4) error
	ClearAddr(unit int, our, his IPv4) error
	Up(unit int) error
	Down(unit int) error
	SetNPMode(unit int, proto fsm.ProtocolNumber, mode fsm.NPMode) error
	SetDefaultRoute(unit int, our, his IPv4) error
	ClearDefaultRoute(unit int, our, his IPv4) error
	SetProxyARP(unit int, his IPv4) error
	ClearProxyARP(unit int, his IPv4) error
}

type nopInterface struct{}

func (nopInterface) SetVJComp(int, bool, bool, uint8) error              { return nil }
func (nopInterface) SetAddr(int, IPv4, IPv4, IPv4) error                 { return nil }
func (nopInterface) ClearAddr(int, IPv4, IPv4) error                     { return nil }
func (nopInterface) Up(int) error                                        { return nil }
func (nopInterface) Down(int) error                                      { return nil }
func (nopInterface) SetNPMode(int, fsm.ProtocolNumber, fsm.NPMode) error { return nil }
func (nopInterface) SetDefaultRoute(int, IPv4, IPv4) error               { return nil }
func (nopInterface) ClearDefaultRoute(int, IPv4, IPv4) error             { return nil }
func (nopInterface) SetProxyARP(int, IPv4) error                         { return nil }
func (nopInterface) ClearProxyARP(int, IPv4) error                       { return nil }

// Config is IPCP config not part of negotiated options
type Config struct {
	// UsePeerDNS asks peer for DNS server addresses
	UsePeerDNS bool
	// UsePeerWINS asks peer for NBNS server addresses
	UsePeerWINS bool
	// NoRemoteIP doesn't require peer to have an address
	NoRemoteIP bool
	// AskForLocal includes our address in Conf-Req, otherwise 0.0.0.0 is sent
	AskForLocal bool
	// AllowedRemote lists prefixes peer's address must be in, empty means any
	AllowedRemote []netaddr.IPPrefix
	IfName        string
	DevName       string
	Speed         int
	IPParam       string
	// UpScript and DownScript are paths of ip-up and ip-down scripts, empty means none
	UpScript   string
	DownScript string
}

// IPCP is an IPCP instance of a link
type IPCP struct {
	Want  Options
	Allow Options
	Got   Options
	His   Options

	cfg             Config
	iface           Interface
	env             *script.Env
	runner          script.Runner
	upNotifier      *notify.List
	downNotifier    *notify.List
	phase           fsm.PhaseNotifier
	logger          *zap.Logger
	isUp            bool
	defaultRouteSet bool
	proxyARPSet     bool
	scriptUp        bool
}

// Modifier is a function to provide custom configuration when creating new IPCP instance
type Modifier func(p *IPCP)

// WithInterface specifies the interface to configure
func WithInterface(i Interface) Modifier {
	return func(p *IPCP) {
		p.iface = i
	}
}

// WithEnv specifies the script environment
func WithEnv(env *script.Env) Modifier {
	return func(p *IPCP) {
		p.env = env
	}
}

// WithRunner specifies the runner of ip-up and ip-down scripts
func WithRunner(r script.Runner) Modifier {
	return func(p *IPCP) {
		p.runner = r
	}
}

// WithNotifiers specifies the ip_up and ip_down notifier lists
func WithNotifiers(up, down *notify.List) Modifier {
	return func(p *IPCP) {
		p.upNotifier = up
		p.downNotifier = down
	}
}

// WithPhase specifies the PhaseNotifier
func WithPhase(ph fsm.PhaseNotifier) Modifier {
	return func(p *IPCP) {
		p.phase = ph
	}
}

// WithLogger specifies the logger
func WithLogger(l *zap.Logger) Modifier {
	return func(p *IPCP) {
		if l != nil {
			p.logger = l.Named("IPCP")
		}
	}
}

// New returns a new IPCP instance with want and allow options
func New(cfg Config, want, allow Options, mods ...Modifier) *IPCP {
	p := &IPCP{
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
func (p *IPCP) Name() string {
	return "IPCP"
}

// Print implements fsm.Printer interface
func (p *IPCP) Print(buf []byte) string {
	return Print(buf)
}

// IsUp returns true if the interface has been configured for IP
func (p *IPCP) IsUp() bool {
	return p.isUp
}

// ResetCI implements fsm.Protocol interface
func (p *IPCP) ResetCI(f *fsm.FSM) {
	w := &p.Want
	w.ReqAddr = (w.NegAddr || w.OldAddrs) && (p.Allow.NegAddr || p.Allow.OldAddrs)
	if w.OurAddr.IsZero() {
		w.AcceptLocal = true
	}
	if w.HisAddr.IsZero() {
		w.AcceptRemote = true
	}
	w.ReqDNS1 = p.cfg.UsePeerDNS
	w.ReqDNS2 = p.cfg.UsePeerDNS
	w.ReqWINS1 = p.cfg.UsePeerWINS
	w.ReqWINS2 = p.cfg.UsePeerWINS
	p.Got = *w
	if !p.cfg.AskForLocal {
		p.Got.OurAddr = IPv4{}
	}
	p.His = Options{}
}

type reqOption struct {
	opt  ci.Option
	drop func(o *Options)
}

func addrValue(addrs ...IPv4) []byte {
	r := make([]byte, 0, 4*len(addrs))
	for _, a := range addrs {
		r = append(r, a[:]...)
	}
	return r
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func vjOption(o Options) ci.Option {
	if o.OldVJ {
		return ci.Uint16(uint8(OpIPCompressionProtocol), o.VJProtocol)
	}
	return ci.New(uint8(OpIPCompressionProtocol),
		[]byte{byte(o.VJProtocol >> 8), byte(o.VJProtocol), o.MaxSlotIndex, boolByte(o.CFlag)})
}

// request returns options of next Conf-Req derived from Got, in the order they must be sent
func (p *IPCP) request() []reqOption {
	g := p.Got
	var r []reqOption
	if g.OldAddrs && !g.NegAddr {
		r = append(r, reqOption{
			opt:  ci.New(uint8(OpIPAddresses), addrValue(g.OurAddr, g.HisAddr)),
			drop: func(o *Options) { o.OldAddrs = false },
		})
	}
	if g.NegVJ {
		r = append(r, reqOption{
			opt:  vjOption(g),
			drop: func(o *Options) { o.NegVJ = false },
		})
	}
	if g.NegAddr {
		r = append(r, reqOption{
			opt:  ci.New(uint8(OpIPAddress), addrValue(g.OurAddr)),
			drop: func(o *Options) { o.NegAddr = false },
		})
	}
	if g.ReqDNS1 {
		r = append(r, reqOption{
			opt:  ci.New(uint8(OpPrimaryDNSServerAddress), addrValue(g.DNS[0])),
			drop: func(o *Options) { o.ReqDNS1 = false },
		})
	}
	if g.ReqDNS2 {
		r = append(r, reqOption{
			opt:  ci.New(uint8(OpSecondaryDNSServerAddress), addrValue(g.DNS[1])),
			drop: func(o *Options) { o.ReqDNS2 = false },
		})
	}
	if g.ReqWINS1 {
		r = append(r, reqOption{
			opt:  ci.New(uint8(OpPrimaryNBNSServerAddress), addrValue(g.WINS[0])),
			drop: func(o *Options) { o.ReqWINS1 = false },
		})
	}
	if g.ReqWINS2 {
		r = append(r, reqOption{
			opt:  ci.New(uint8(OpSecondaryNBNSServerAddress), addrValue(g.WINS[1])),
			drop: func(o *Options) { o.ReqWINS2 = false },
		})
	}
	return r
}

func (p *IPCP) requestBytes() []byte {
	var r []byte
	for _, req := range p.request() {
		buf, _ := req.opt.Serialize()
		r = append(r, buf...)
	}
	return r
}

// CILen implements fsm.Protocol interface;
// it falls back to old style address and VJ options if peer uses them
func (p *IPCP) CILen(f *fsm.FSM) int {
	g, h := &p.Got, &p.His
	if g.NegAddr && g.OldAddrs && !h.NegAddr && h.OldAddrs {
		g.NegAddr = false
	}
	if p.Want.NegVJ && !g.NegVJ && !g.OldVJ && h.NegVJ && h.OldVJ {
		g.NegVJ = true
		g.OldVJ = true
		g.VJProtocol = h.VJProtocol
	}
	n := 0
	for _, req := range p.request() {
		n += req.opt.Len()
	}
	return n
}

// AddCI implements fsm.Protocol interface, an option doesn't fit is no longer negotiated
func (p *IPCP) AddCI(f *fsm.FSM, b *ci.Builder) {
	for _, req := range p.request() {
		if b.Fits(req.opt) {
			b.Add(req.opt)
		} else {
			req.drop(&p.Got)
		}
	}
}

// AckCI implements fsm.Protocol interface
func (p *IPCP) AckCI(f *fsm.FSM, buf []byte) bool {
	if string(buf) != string(p.requestBytes()) {
		p.logger.Debug("received bad ConfACK, options don't match the request")
		return false
	}
	return true
}

// NakCI implements fsm.Protocol interface
func (p *IPCP) NakCI(f *fsm.FSM, buf []byte, treatAsReject bool) bool {
	rcvd, err := ci.Parse(buf)
	if err != nil {
		p.logger.Sugar().Debugf("bad ConfNak, %v", err)
		return false
	}
	g := p.Got
	try := g
	var seenAddrs, seenVJ, seenAddr, seenDNS1, seenDNS2 bool
	// Naks of options we sent come first and in the order we sent them
	i := 0
	next := func(t OptionType) (ci.Option, bool) {
		if i < len(rcvd) && rcvd[i].Type == uint8(t) {
			i++
			return rcvd[i-1], true
		}
		return ci.Option{}, false
	}
	if g.OldAddrs && !g.NegAddr {
		if o, ok := next(OpIPAddresses); ok {
			if o.Len() != lenAddresses {
				return false
			}
			seenAddrs = true
			if treatAsReject {
				try.OldAddrs = false
			} else {
				if ours := IPv4From(o.Value[0:4]); g.AcceptLocal && !ours.IsZero() {
					try.OurAddr = ours
				}
				if his := IPv4From(o.Value[4:8]); g.AcceptRemote && !his.IsZero() {
					try.HisAddr = his
				}
			}
		}
	}
	if g.NegVJ {
		if o, ok := next(OpIPCompressionProtocol); ok {
			if o.Len() != lenVJ && o.Len() != lenOldVJ {
				return false
			}
			seenVJ = true
			proto := o.Uint16At(0)
			switch {
			case treatAsReject:
				try.NegVJ = false
			case o.Len() == lenVJ:
				if proto == VJProtocol {
					try.OldVJ = false
					if o.Value[2] < g.MaxSlotIndex {
						try.MaxSlotIndex = o.Value[2]
					}
					if o.Value[3] == 0 {
						try.CFlag = false
					}
				} else {
					try.NegVJ = false
				}
			default:
				if proto == VJProtocol || proto == OldVJProtocol {
					try.OldVJ = true
					try.VJProtocol = proto
				} else {
					try.NegVJ = false
				}
			}
		}
	}
	if g.NegAddr {
		if o, ok := next(OpIPAddress); ok {
			if o.Len() != lenAddr {
				return false
			}
			seenAddr = true
			if treatAsReject {
				try.NegAddr = false
				try.OldAddrs = false
			} else if ours := IPv4From(o.Value); g.AcceptLocal && !ours.IsZero() {
				try.OurAddr = ours
			}
		}
	}
	type nakServer struct {
		t    OptionType
		req  bool
		seen *bool
		set  func(o *Options, a IPv4)
		drop func(o *Options)
	}
	for _, s := range []nakServer{
		{OpPrimaryDNSServerAddress, g.ReqDNS1, &seenDNS1,
			func(o *Options, a IPv4) { o.DNS[0] = a }, func(o *Options) { o.ReqDNS1 = false }},
		{OpSecondaryDNSServerAddress, g.ReqDNS2, &seenDNS2,
			func(o *Options, a IPv4) { o.DNS[1] = a }, func(o *Options) { o.ReqDNS2 = false }},
		{OpPrimaryNBNSServerAddress, g.ReqWINS1, nil,
			func(o *Options, a IPv4) { o.WINS[0] = a }, func(o *Options) { o.ReqWINS1 = false }},
		{OpSecondaryNBNSServerAddress, g.ReqWINS2, nil,
			func(o *Options, a IPv4) { o.WINS[1] = a }, func(o *Options) { o.ReqWINS2 = false }},
	} {
		if !s.req {
			continue
		}
		o, ok := next(s.t)
		if !ok {
			continue
		}
		if o.Len() != lenAddr {
			return false
		}
		if s.seen != nil {
			*s.seen = true
		}
		if treatAsReject {
			s.drop(&try)
		} else {
			s.set(&try, IPv4From(o.Value))
		}
	}

	// the rest are options we didn't send, or sent but peer reordered
	for _, o := range rcvd[i:] {
		switch OptionType(o.Type) {
		case OpIPCompressionProtocol:
			if g.NegVJ || seenVJ || (o.Len() != lenVJ && o.Len() != lenOldVJ) {
				return false
			}
			seenVJ = true
		case OpIPAddresses:
			if (!g.NegAddr && g.OldAddrs) || seenAddrs || o.Len() != lenAddresses {
				return false
			}
			try.NegAddr = false
			if ours := IPv4From(o.Value[0:4]); !ours.IsZero() && g.AcceptLocal {
				try.OurAddr = ours
			}
			if his := IPv4From(o.Value[4:8]); !his.IsZero() && g.AcceptRemote {
				try.HisAddr = his
			}
			seenAddrs = true
		case OpIPAddress:
			if g.NegAddr || seenAddr || o.Len() != lenAddr {
				return false
			}
			try.OldAddrs = false
			if ours := IPv4From(o.Value); !ours.IsZero() && g.AcceptLocal {
				try.OurAddr = ours
			}
			if !try.OurAddr.IsZero() {
				try.NegAddr = true
			}
			seenAddr = true
		case OpPrimaryDNSServerAddress:
			if g.ReqDNS1 || seenDNS1 || o.Len() != lenAddr {
				return false
			}
			try.DNS[0] = IPv4From(o.Value)
			try.ReqDNS1 = true
			seenDNS1 = true
		case OpSecondaryDNSServerAddress:
			if g.ReqDNS2 || seenDNS2 || o.Len() != lenAddr {
				return false
			}
			try.DNS[1] = IPv4From(o.Value)
			try.ReqDNS2 = true
			seenDNS2 = true
		case OpPrimaryNBNSServerAddress, OpSecondaryNBNSServerAddress:
			if o.Len() != lenAddr {
				return false
			}
			if a := IPv4From(o.Value); !a.IsZero() {
				if OptionType(o.Type) == OpPrimaryNBNSServerAddress {
					try.WINS[0] = a
				} else {
					try.WINS[1] = a
				}
			}
		}
	}
	if f.State() != fsm.StateOpened {
		p.Got = try
	}
	return true
}

// RejCI implements fsm.Protocol interface;
// rejected options must be a subset of last request, in same order and with same values
func (p *IPCP) RejCI(f *fsm.FSM, buf []byte) bool {
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
func (p *IPCP) ReqCI(f *fsm.FSM, buf []byte, rejectIfDisagree bool) (fsm.MsgCode, []byte) {
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
		code, nak := p.reqOption(o, rejectIfDisagree)
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
	// ask peer for its address if it didn't send one
	if rc != fsm.CodeConfigureReject && !p.His.NegAddr && !p.His.OldAddrs &&
		p.Want.ReqAddr && !rejectIfDisagree && !p.cfg.NoRemoteIP {
		if rc == fsm.CodeConfigureAck {
			rc = fsm.CodeConfigureNak
			out = nil
			p.Want.ReqAddr = false
		}
		nak, _ := ci.Encode(uint8(OpIPAddress), addrValue(p.Want.HisAddr))
		out = append(out, nak...)
	}
	p.logger.Sugar().Debugf("ReqCI: returning %v", rc)
	return rc, out
}

// reqOption returns the verdict of a single option in peer's Conf-Req;
// for Conf-Nak, nak is the option with our suggested value
func (p *IPCP) reqOption(o ci.Option, rejectIfDisagree bool) (code fsm.MsgCode, nak []byte) {
	w, a, h := &p.Want, &p.Allow, &p.His
	code = fsm.CodeConfigureAck
	val := append([]byte(nil), o.Value...)
	encode := func() []byte {
		buf, _ := ci.Encode(o.Type, val)
		return buf
	}
	switch OptionType(o.Type) {
	case OpIPAddresses:
		if !a.OldAddrs || h.NegAddr || o.Len() != lenAddresses {
			return fsm.CodeConfigureReject, nil
		}
		his := IPv4From(o.Value[0:4])
		if his != w.HisAddr && (his.IsZero() || !w.AcceptRemote) {
			code = fsm.CodeConfigureNak
			copy(val[0:4], w.HisAddr[:])
		} else if his.IsZero() && w.HisAddr.IsZero() {
			w.ReqAddr = false
			return fsm.CodeConfigureReject, nil
		}
		ours := IPv4From(o.Value[4:8])
		if ours != w.OurAddr {
			if ours.IsZero() || !w.AcceptLocal {
				code = fsm.CodeConfigureNak
				copy(val[4:8], w.OurAddr[:])
			} else {
				w.OurAddr = ours
			}
		}
		h.OldAddrs = true
		h.HisAddr = his
		h.OurAddr = ours
	case OpIPAddress:
		if !a.NegAddr || h.OldAddrs || o.Len() != lenAddr {
			return fsm.CodeConfigureReject, nil
		}
		his := IPv4From(o.Value)
		if his != w.HisAddr && (his.IsZero() || !w.AcceptRemote) {
			code = fsm.CodeConfigureNak
			copy(val, w.HisAddr[:])
		} else if his.IsZero() && w.HisAddr.IsZero() {
			w.ReqAddr = false
			return fsm.CodeConfigureReject, nil
		}
		h.NegAddr = true
		h.HisAddr = his
	case OpPrimaryDNSServerAddress, OpSecondaryDNSServerAddress,
		OpPrimaryNBNSServerAddress, OpSecondaryNBNSServerAddress:
		var ours IPv4
		switch OptionType(o.Type) {
		case OpPrimaryDNSServerAddress:
			ours = a.DNS[0]
		case OpSecondaryDNSServerAddress:
			ours = a.DNS[1]
		case OpPrimaryNBNSServerAddress:
			ours = a.WINS[0]
		default:
			ours = a.WINS[1]
		}
		if ours.IsZero() || o.Len() != lenAddr {
			return fsm.CodeConfigureReject, nil
		}
		if IPv4From(o.Value) != ours {
			code = fsm.CodeConfigureNak
			copy(val, ours[:])
		}
	case OpIPCompressionProtocol:
		if !a.NegVJ || (o.Len() != lenVJ && o.Len() != lenOldVJ) {
			return fsm.CodeConfigureReject, nil
		}
		proto := o.Uint16At(0)
		if !(proto == VJProtocol || (proto == OldVJProtocol && o.Len() == lenOldVJ)) {
			return fsm.CodeConfigureReject, nil
		}
		h.NegVJ = true
		h.VJProtocol = proto
		if o.Len() == lenVJ {
			maxSlot, cflag := o.Value[2], o.Value[3]
			if maxSlot > a.MaxSlotIndex {
				code = fsm.CodeConfigureNak
				val[2] = a.MaxSlotIndex
			}
			if cflag != 0 && !a.CFlag {
				code = fsm.CodeConfigureNak
				val[3] = boolByte(w.CFlag)
			}
			h.MaxSlotIndex = maxSlot
			h.CFlag = cflag != 0
		} else {
			h.OldVJ = true
			h.MaxSlotIndex = MaxStates - 1
			h.CFlag = true
		}
	default:
		return fsm.CodeConfigureReject, nil
	}
	if code == fsm.CodeConfigureNak && !rejectIfDisagree {
		nak = encode()
	}
	return
}

// Starting implements fsm.Protocol interface
func (p *IPCP) Starting(f *fsm.FSM) {
	p.logger.Debug("starting")
}

// Up implements fsm.Protocol interface, it configures the interface and runs the ip-up script
func (p *IPCP) Up(f *fsm.FSM) {
	g, h, w := &p.Got, &p.His, &p.Want
	unit := f.Unit()
	p.logger.Debug("up")
	if !h.NegAddr && !h.OldAddrs {
		h.HisAddr = w.HisAddr
	}
	if !(g.NegAddr || g.OldAddrs) && (w.NegAddr || w.OldAddrs) && !w.OurAddr.IsZero() {
		p.logger.Error("peer refused to agree to our IP address")
		f.Close("Refused our IP address")
		return
	}
	if g.OurAddr.IsZero() {
		p.logger.Error("could not determine local IP address")
		f.Close("Could not determine local IP address")
		return
	}
	if h.HisAddr.IsZero() && !p.cfg.NoRemoteIP {
		h.HisAddr = IPv4FromUint32(0x0a404040 + uint32(unit))
		p.logger.Sugar().Warnf("could not determine remote IP address: defaulting to %v", h.HisAddr)
	}
	p.env.Set("IPLOCAL", g.OurAddr.String(), false)
	if !h.HisAddr.IsZero() {
		p.env.Set("IPREMOTE", h.HisAddr.String(), true)
	}
	if !g.ReqDNS1 {
		g.DNS[0] = IPv4{}
	}
	if !g.ReqDNS2 {
		g.DNS[1] = IPv4{}
	}
	for i, key := range []string{"DNS1", "DNS2"} {
		if g.DNS[i].IsZero() {
			p.env.Unset(key)
		} else {
			p.env.Set(key, g.DNS[i].String(), false)
		}
	}
	if p.cfg.UsePeerDNS && (!g.DNS[0].IsZero() || !g.DNS[1].IsZero()) {
		p.env.Set("USEPEERDNS", "1", false)
	} else {
		p.env.Unset("USEPEERDNS")
	}
	if !h.HisAddr.IsZero() && !p.remoteAllowed(h.HisAddr) {
		p.logger.Sugar().Errorf("peer is not authorized to use remote address %v", h.HisAddr)
		f.Close("Unauthorized remote IP address")
		return
	}

	if err := p.iface.SetVJComp(unit, h.NegVJ, h.CFlag, h.MaxSlotIndex); err != nil {
		p.logger.Sugar().Warnf("failed to set VJ compression, %v", err)
	}
	if err := p.iface.SetAddr(unit, g.OurAddr, h.HisAddr, naturalMask(g.OurAddr)); err != nil {
		p.logger.Sugar().Warnf("interface configuration failed, %v", err)
		f.Close("Interface configuration failed")
		return
	}
	if err := p.iface.Up(unit); err != nil {
		p.logger.Sugar().Warnf("interface failed to come up, %v", err)
		f.Close("Interface configuration failed")
		return
	}
	if err := p.iface.SetNPMode(unit, fsm.ProtoIPv4, fsm.NPModePass); err != nil {
		p.logger.Sugar().Warnf("failed to set NP mode, %v", err)
	}
	if w.DefaultRoute {
		if err := p.iface.SetDefaultRoute(unit, g.OurAddr, h.HisAddr); err != nil {
			p.logger.Sugar().Warnf("failed to set default route, %v", err)
		} else {
			p.defaultRouteSet = true
		}
	}
	if !h.HisAddr.IsZero() && w.ProxyARP {
		if err := p.iface.SetProxyARP(unit, h.HisAddr); err != nil {
			p.logger.Sugar().Warnf("failed to set proxy ARP, %v", err)
		} else {
			p.proxyARPSet = true
		}
	}
	p.logger.Sugar().Infof("local  IP address %v", g.OurAddr)
	if !h.HisAddr.IsZero() {
		p.logger.Sugar().Infof("remote IP address %v", h.HisAddr)
	}
	if !g.DNS[0].IsZero() {
		p.logger.Sugar().Infof("primary   DNS address %v", g.DNS[0])
	}
	if !g.DNS[1].IsZero() {
		p.logger.Sugar().Infof("secondary DNS address %v", g.DNS[1])
	}

	if p.phase != nil {
		p.phase.NPUp(unit, fsm.ProtoIPv4)
	}
	p.isUp = true
	p.upNotifier.Notify(unit)
	if !p.scriptUp {
		p.scriptUp = true
		p.runScript(p.cfg.UpScript)
	}
}

// Down implements fsm.Protocol interface, it restores the interface and runs the ip-down script
func (p *IPCP) Down(f *fsm.FSM) {
	unit := f.Unit()
	p.logger.Debug("down")
	p.downNotifier.Notify(unit)
	if p.isUp {
		p.isUp = false
		if p.phase != nil {
			p.phase.NPDown(unit, fsm.ProtoIPv4)
		}
	}
	if err := p.iface.SetVJComp(unit, false, false, 0); err != nil {
		p.logger.Sugar().Debugf("failed to clear VJ compression, %v", err)
	}
	if err := p.iface.SetNPMode(unit, fsm.ProtoIPv4, fsm.NPModeDrop); err != nil {
		p.logger.Sugar().Debugf("failed to set NP mode, %v", err)
	}
	if err := p.iface.Down(unit); err != nil {
		p.logger.Sugar().Debugf("failed to bring interface down, %v", err)
	}
	p.clearAddrs(unit, p.Got.OurAddr, p.His.HisAddr)
	if p.scriptUp {
		p.scriptUp = false
		p.runScript(p.cfg.DownScript)
	}
}

func (p *IPCP) clearAddrs(unit int, our, his IPv4) {
	if p.proxyARPSet {
		if err := p.iface.ClearProxyARP(unit, his); err != nil {
			p.logger.Sugar().Debugf("failed to clear proxy ARP, %v", err)
		}
		p.proxyARPSet = false
	}
	if p.defaultRouteSet {
		if err := p.iface.ClearDefaultRoute(unit, our, his); err != nil {
			p.logger.Sugar().Debugf("failed to clear default route, %v", err)
		}
		p.defaultRouteSet = false
	}
	if err := p.iface.ClearAddr(unit, our, his); err != nil {
		p.logger.Sugar().Debugf("failed to clear address, %v", err)
	}
}

// Finished implements fsm.Protocol interface
func (p *IPCP) Finished(f *fsm.FSM) {
	p.logger.Debug("finished")
	if p.phase != nil {
		p.phase.NPFinished(f.Unit(), fsm.ProtoIPv4)
	}
}

// remoteAllowed returns true if peer could use his as its address
func (p *IPCP) remoteAllowed(his IPv4) bool {
	ip := his.Netaddr()
	if ip.IsLoopback() || ip.IsMulticast() || his == (IPv4{255, 255, 255, 255}) {
		return false
	}
	if len(p.cfg.AllowedRemote) == 0 {
		return true
	}
	for _, prefix := range p.cfg.AllowedRemote {
		if prefix.Contains(ip) {
			return true
		}
	}
	return false
}

func (p *IPCP) runScript(path string) {
	if path == "" || p.runner == nil {
		return
	}
	args := []string{
		p.cfg.IfName,
		p.cfg.DevName,
		strconv.Itoa(p.cfg.Speed),
		p.Got.OurAddr.String(),
		p.His.HisAddr.String(),
		p.cfg.IPParam,
	}
	if err := p.runner.Run(path, args, p.env.Environ()); err != nil {
		p.logger.Sugar().Warnf("failed to run %v, %v", path, err)
	}
}

// String returns a summary of negotiated result
func (p *IPCP) String() string {
	return fmt.Sprintf("local %v remote %v dns %v/%v vj %v", p.Got.OurAddr, p.His.HisAddr,
		p.Got.DNS[0], p.Got.DNS[1], p.His.NegVJ)
}

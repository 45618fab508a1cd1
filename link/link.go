// Package link runs the network control protocols of one PPP link;
// a Link demuxes received PPP frames to NCP FSMs, answers unknown protocols with LCP Protocol-Reject,
// and passes data frames of opened NCPs to a datapath.DataHandler.
// All FSM events of a Link are processed by the single goroutine running Link.Run.
package link

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hujun-open/etherconn"
	"github.com/hujun-open/mywg"
	"github.com/hujun-open/zouncp/datapath"
	"github.com/hujun-open/zouncp/fsm"
	"go.uber.org/zap"
)

var (
	// ErrStopped is returned when the Link is no longer running
	ErrStopped = errors.New("link stopped")
	// ErrNotOpened is returned when sending data of a NCP that is not opened
	ErrNotOpened = errors.New("network protocol not opened")
	// ErrNoNetworkProtocol is returned by Run when all NCPs finished
	ErrNoNetworkProtocol = errors.New("no network protocols running")
)

const (
	eventChanDepth = 128
	readTimeout    = time.Second
	// MaxFrameSize is the max size of a received PPP frame
	MaxFrameSize = 1504
)

// VJ compressed frames belong to IPv4
var dataAliases = map[fsm.ProtocolNumber]fsm.ProtocolNumber{
	fsm.ProtoVJCompressed:    fsm.ProtoIPv4,
	fsm.ProtoVJUncompressed:  fsm.ProtoIPv4,
	fsm.ProtoOldVJCompressed: fsm.ProtoIPv4,
}

type ncp struct {
	ctrl     fsm.ProtocolNumber
	data     fsm.ProtocolNumber
	fsm      *fsm.FSM
	opened   bool
	everUp   bool
	finished bool
}

// Link is a PPP link running one or more NCPs over conn
type Link struct {
	id        uuid.UUID
	unit      int
	conn      net.PacketConn
	logger    *zap.Logger
	events    chan func()
	stopped   chan struct{}
	stopOnce  *sync.Once
	err       error
	ncps      []*ncp
	byCtrl    map[fsm.ProtocolNumber]*ncp
	byData    map[fsm.ProtocolNumber]*ncp
	mux       *sync.RWMutex // guards opened of ncps, read by SendData
	handler   datapath.DataHandler
	observer  fsm.Observer
	fsmMods   []fsm.Modifier
	peerMRU   int
	reqID     uint8
	ncpWG     *mywg.MyWG
	upN       int // number of NCPs ever reported NPUp, counted by ncpWG
	allOpened chan struct{}
	watchDone chan struct{}
	running   bool
	exiting   bool
}

// Modifier is a function to provide custom configuration when creating new Link
type Modifier func(l *Link)

// WithUnit specifies the PPP unit number
func WithUnit(unit int) Modifier {
	return func(l *Link) {
		l.unit = unit
	}
}

// WithLogger specifies the logger, it is named with the link id
func WithLogger(logger *zap.Logger) Modifier {
	return func(l *Link) {
		if logger != nil {
			l.logger = logger.Named(l.id.String())
		}
	}
}

// WithDataHandler specifies the handler of data frames received for opened NCPs
func WithDataHandler(h datapath.DataHandler) Modifier {
	return func(l *Link) {
		l.handler = h
	}
}

// WithObserver specifies the fsm.Observer of all NCP FSMs
func WithObserver(o fsm.Observer) Modifier {
	return func(l *Link) {
		l.observer = o
	}
}

// WithObserverFunc is like WithObserver, the observer is created from the link id
func WithObserverFunc(f func(id string) fsm.Observer) Modifier {
	return func(l *Link) {
		l.observer = f(l.id.String())
	}
}

// WithFSMModifiers specifies fsm.Modifier(s) applied to every NCP FSM
func WithFSMModifiers(mods ...fsm.Modifier) Modifier {
	return func(l *Link) {
		l.fsmMods = append(l.fsmMods, mods...)
	}
}

// WithPeerMRU specifies peer's MRU, Protocol-Reject is truncated to it
func WithPeerMRU(mru int) Modifier {
	return func(l *Link) {
		if mru < fsm.HeaderLen {
			mru = fsm.HeaderLen
		}
		l.peerMRU = mru
	}
}

// New creates a new Link over conn
func New(conn net.PacketConn, mods ...Modifier) *Link {
	l := &Link{
		id:        uuid.New(),
		conn:      conn,
		logger:    zap.NewNop(),
		events:    make(chan func(), eventChanDepth),
		stopped:   make(chan struct{}),
		stopOnce:  new(sync.Once),
		byCtrl:    make(map[fsm.ProtocolNumber]*ncp),
		byData:    make(map[fsm.ProtocolNumber]*ncp),
		mux:       new(sync.RWMutex),
		peerMRU:   fsm.DefaultPeerMRU,
		ncpWG:     mywg.NewMyWG(),
		allOpened: make(chan struct{}),
		watchDone: make(chan struct{}),
	}
	for _, mod := range mods {
		mod(l)
	}
	return l
}

// ID returns the link id
func (l *Link) ID() string {
	return l.id.String()
}

// Unit returns the PPP unit number
func (l *Link) Unit() int {
	return l.unit
}

// Register adds NCP p with control protocol number ctrl and data protocol number data,
// it must be called before Run; p should report NPUp/NPDown/NPFinished with data to the Link (see fsm.PhaseNotifier).
// mods are applied after the link wide fsm.Modifier(s).
func (l *Link) Register(ctrl fsm.ProtocolNumber, p fsm.Protocol, data fsm.ProtocolNumber, mods ...fsm.Modifier) (*fsm.FSM, error) {
	if l.running {
		return nil, fmt.Errorf("can't register %v to a running link", ctrl)
	}
	if _, ok := l.byCtrl[ctrl]; ok {
		return nil, fmt.Errorf("%v is already registered", ctrl)
	}
	if _, ok := l.byData[data]; ok {
		return nil, fmt.Errorf("data protocol %v is already registered", data)
	}
	fmods := []fsm.Modifier{
		fsm.WithUnit(l.unit),
		fsm.WithTimer(l),
		fsm.WithLogger(l.logger),
		fsm.WithObserver(l.observer),
	}
	fmods = append(fmods, l.fsmMods...)
	fmods = append(fmods, mods...)
	n := &ncp{
		ctrl: ctrl,
		data: data,
		fsm:  fsm.New(ctrl, p, fsm.OutputFunc(l.Output), fmods...),
	}
	l.ncps = append(l.ncps, n)
	l.byCtrl[ctrl] = n
	l.byData[data] = n
	l.ncpWG.Add(1)
	return n.fsm, nil
}

// AfterFunc implements fsm.Timer interface, fn is called by the event loop
func (l *Link) AfterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, func() {
		l.post(fn)
	})
	return func() { t.Stop() }
}

func (l *Link) post(fn func()) error {
	select {
	case <-l.stopped:
		return ErrStopped
	default:
	}
	select {
	case l.events <- fn:
		return nil
	case <-l.stopped:
		return ErrStopped
	}
}

// Do runs fn in the event loop and waits for it to return
func (l *Link) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := l.post(func() {
		fn()
		close(done)
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Link) forEach(fn func(n *ncp)) error {
	return l.post(func() {
		for _, n := range l.ncps {
			fn(n)
		}
	})
}

// Open sends the administrative Open event to all NCPs
func (l *Link) Open() error {
	return l.forEach(func(n *ncp) {
		n.finished = false
		n.fsm.Open()
	})
}

// Close sends the administrative Close event with reason to all NCPs
func (l *Link) Close(reason string) error {
	return l.forEach(func(n *ncp) { n.fsm.Close(reason) })
}

// LowerUp tells all NCPs the link layer is up
func (l *Link) LowerUp() error {
	return l.forEach(func(n *ncp) { n.fsm.LowerUp() })
}

// LowerDown tells all NCPs the link layer is down
func (l *Link) LowerDown() error {
	return l.forEach(func(n *ncp) { n.fsm.LowerDown() })
}

// State returns FSM state of control protocol ctrl
func (l *Link) State(ctx context.Context, ctrl fsm.ProtocolNumber) (fsm.State, error) {
	n, ok := l.byCtrl[ctrl]
	if !ok {
		return fsm.StateInitial, fmt.Errorf("%w %v", ErrUnknownProtocol, ctrl)
	}
	var s fsm.State
	err := l.Do(ctx, func() { s = n.fsm.State() })
	return s, err
}

// Wait returns nil once every NCP has been opened, or an error if ctx is cancelled or the link stopped before that;
// it could be called any number of times.
func (l *Link) Wait(ctx context.Context) error {
	select {
	case <-l.allOpened:
		return nil
	default:
	}
	select {
	case <-l.allOpened:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		// allOpened is closed before stopped if all NCPs were opened
		select {
		case <-l.allOpened:
			return nil
		default:
		}
		if l.err != nil {
			return l.err
		}
		return ErrStopped
	}
}

// watchNCPs closes allOpened once ncpWG finishes with all NCPs up;
// ncpWG finishes without them only when Run cancels it on exit.
func (l *Link) watchNCPs() {
	defer close(l.watchDone)
	<-l.ncpWG.FinishChan
	if l.upN == len(l.ncps) {
		close(l.allOpened)
	}
}

// Stopped returns a channel closed when Run returns
func (l *Link) Stopped() <-chan struct{} {
	return l.stopped
}

// Run processes events until ctx is cancelled, the connection fails or all NCPs finished;
// all NCPs get a LowerDown event before it returns.
func (l *Link) Run(ctx context.Context) error {
	if len(l.ncps) == 0 {
		return fmt.Errorf("no NCP registered")
	}
	if l.running {
		return fmt.Errorf("link %v is already running", l.id)
	}
	l.running = true
	go l.watchNCPs()
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	recvErr := make(chan error, 1)
	go l.recv(rctx, recvErr)
	l.logger.Sugar().Infof("link %v unit %d started with %d NCP(s)", l.id, l.unit, len(l.ncps))
	var err error
L:
	for {
		select {
		case <-ctx.Done():
			break L
		case err = <-recvErr:
			break L
		case fn := <-l.events:
			fn()
			if l.err != nil {
				err = l.err
				break L
			}
		}
	}
	l.exiting = true
	for _, n := range l.ncps {
		n.fsm.LowerDown()
	}
	// no more Done after exiting is set, release the watcher
	if l.upN < len(l.ncps) {
		l.ncpWG.Cancel()
	}
	<-l.watchDone
	l.stop(err)
	l.logger.Sugar().Infof("link stopped, %v", err)
	return err
}

func (l *Link) stop(err error) {
	l.stopOnce.Do(func() {
		l.err = err
		close(l.stopped)
	})
}

func isTimeout(err error) bool {
	if errors.Is(err, etherconn.ErrTimeOut) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func (l *Link) recv(ctx context.Context, errCh chan<- error) {
	for {
		buf := make([]byte, MaxFrameSize)
		l.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := l.conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				select {
				case <-ctx.Done():
					l.logger.Debug("recv routine stopped")
					return
				default:
				}
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			errCh <- fmt.Errorf("failed to recv, %w", err)
			return
		}
		frame := buf[:n]
		if l.post(func() { l.input(frame) }) != nil {
			return
		}
	}
}

// Output implements fsm.Output interface
func (l *Link) Output(unit int, proto fsm.ProtocolNumber, pkt []byte) error {
	frame, err := EncodeFrame(proto, pkt)
	if err != nil {
		return err
	}
	_, err = l.conn.WriteTo(frame, nil)
	return err
}

// SendData sends a data frame of proto, it could be called from any goroutine
func (l *Link) SendData(proto fsm.ProtocolNumber, payload []byte) error {
	n, ok := l.dataNCP(proto)
	if !ok {
		return fmt.Errorf("%w %v", ErrUnknownProtocol, proto)
	}
	l.mux.RLock()
	opened := n.opened
	l.mux.RUnlock()
	if !opened {
		return fmt.Errorf("%w, %v", ErrNotOpened, n.ctrl)
	}
	return l.Output(l.unit, proto, payload)
}

func (l *Link) dataNCP(proto fsm.ProtocolNumber) (*ncp, bool) {
	if alias, ok := dataAliases[proto]; ok {
		proto = alias
	}
	n, ok := l.byData[proto]
	return n, ok
}

func (l *Link) input(frame []byte) {
	proto, payload, err := DecodeFrame(frame)
	if err != nil {
		l.logger.Sugar().Debugf("dropped invalid frame, %v", err)
		return
	}
	if proto == fsm.ProtoLCP {
		l.inputLCP(payload)
		return
	}
	if n, ok := l.byCtrl[proto]; ok {
		n.fsm.Input(payload)
		return
	}
	if n, ok := l.dataNCP(proto); ok {
		l.mux.RLock()
		opened := n.opened
		l.mux.RUnlock()
		if !opened || l.handler == nil {
			l.logger.Sugar().Debugf("dropped %v frame, %v is not opened", proto, n.ctrl)
			return
		}
		l.handler.Deliver(proto, payload)
		return
	}
	l.sendProtocolReject(proto, payload)
}

// inputLCP handles LCP packets, only Protocol-Reject is processed
func (l *Link) inputLCP(buf []byte) {
	var pkt fsm.Pkt
	if err := pkt.Parse(buf); err != nil {
		l.logger.Sugar().Debugf("dropped invalid LCP pkt, %v", err)
		return
	}
	if pkt.Code != fsm.CodeProtocolReject {
		l.logger.Sugar().Debugf("ignored LCP %v", pkt.Code)
		return
	}
	if len(pkt.Data) < 2 {
		l.logger.Debug("dropped short LCP ProtoReject")
		return
	}
	proto := fsm.ProtocolNumber(binary.BigEndian.Uint16(pkt.Data[:2]))
	l.logger.Sugar().Infof("got LCP ProtoReject for %v", proto)
	if n, ok := l.byCtrl[proto]; ok {
		n.fsm.ProtReject()
		return
	}
	l.logger.Sugar().Debugf("ProtoReject for %v ignored, not a NCP", proto)
}

// sendProtocolReject sends a LCP Protocol-Reject carrying the rejected protocol and payload
func (l *Link) sendProtocolReject(proto fsm.ProtocolNumber, payload []byte) {
	data := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(data, uint16(proto))
	copy(data[2:], payload)
	if max := l.peerMRU - fsm.HeaderLen; len(data) > max {
		data = data[:max]
	}
	l.reqID++
	pkt := fsm.Pkt{Code: fsm.CodeProtocolReject, ID: l.reqID, Data: data}
	l.logger.Sugar().Debugf("send protocol reject for %v", proto)
	if err := l.Output(l.unit, fsm.ProtoLCP, pkt.Serialize()); err != nil {
		l.logger.Sugar().Errorf("failed to send ProtoReject, %v", err)
	}
}

// NPUp implements fsm.PhaseNotifier interface
func (l *Link) NPUp(unit int, proto fsm.ProtocolNumber) {
	n, ok := l.byData[proto]
	if !ok {
		return
	}
	l.mux.Lock()
	n.opened = true
	l.mux.Unlock()
	l.logger.Sugar().Infof("%v is up", n.ctrl)
	if !n.everUp && !l.exiting {
		n.everUp = true
		l.upN++
		l.ncpWG.Done()
	}
}

// NPDown implements fsm.PhaseNotifier interface
func (l *Link) NPDown(unit int, proto fsm.ProtocolNumber) {
	n, ok := l.byData[proto]
	if !ok {
		return
	}
	l.mux.Lock()
	n.opened = false
	l.mux.Unlock()
	l.logger.Sugar().Infof("%v is down", n.ctrl)
}

// NPFinished implements fsm.PhaseNotifier interface, the link stops after all NCPs finished
func (l *Link) NPFinished(unit int, proto fsm.ProtocolNumber) {
	n, ok := l.byData[proto]
	if !ok || n.finished {
		return
	}
	n.finished = true
	for _, n := range l.ncps {
		if !n.finished {
			return
		}
	}
	if l.running {
		l.logger.Info(ErrNoNetworkProtocol.Error())
		l.err = ErrNoNetworkProtocol
	}
}

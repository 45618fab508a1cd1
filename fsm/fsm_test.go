package fsm_test

import (
	"bytes"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hujun-open/zouncp/ci"
	"github.com/hujun-open/zouncp/fsm"
)

type testProto struct {
	opt        ci.Option
	reqCode    fsm.MsgCode
	nakOK      bool
	rejOK      bool
	lastReject bool
	lastTreat  bool
	calls      []string
}

func (p *testProto) Name() string { return "TEST" }

func (p *testProto) ResetCI(f *fsm.FSM) { p.calls = append(p.calls, "reset") }

func (p *testProto) CILen(f *fsm.FSM) int { return p.opt.Len() }

func (p *testProto) AddCI(f *fsm.FSM, b *ci.Builder) {
	if b.Fits(p.opt) {
		b.Add(p.opt)
	}
}

func (p *testProto) AckCI(f *fsm.FSM, buf []byte) bool {
	exp, _ := p.opt.Serialize()
	return bytes.Equal(exp, buf)
}

func (p *testProto) NakCI(f *fsm.FSM, buf []byte, treatAsReject bool) bool {
	p.lastTreat = treatAsReject
	return p.nakOK
}

func (p *testProto) RejCI(f *fsm.FSM, buf []byte) bool { return p.rejOK }

func (p *testProto) ReqCI(f *fsm.FSM, buf []byte, rejectIfDisagree bool) (fsm.MsgCode, []byte) {
	p.lastReject = rejectIfDisagree
	code := p.reqCode
	if rejectIfDisagree && code == fsm.CodeConfigureNak {
		code = fsm.CodeConfigureReject
	}
	return code, buf
}

func (p *testProto) Up(f *fsm.FSM)       { p.calls = append(p.calls, "up") }
func (p *testProto) Down(f *fsm.FSM)     { p.calls = append(p.calls, "down") }
func (p *testProto) Starting(f *fsm.FSM) { p.calls = append(p.calls, "starting") }
func (p *testProto) Finished(f *fsm.FSM) { p.calls = append(p.calls, "finished") }

func (p *testProto) count(name string) (n int) {
	for _, c := range p.calls {
		if c == name {
			n++
		}
	}
	return
}

type wire struct {
	pkts []fsm.Pkt
}

func (w *wire) Output(unit int, proto fsm.ProtocolNumber, buf []byte) error {
	var p fsm.Pkt
	Expect(p.Parse(buf)).To(Succeed())
	w.pkts = append(w.pkts, p)
	return nil
}

func (w *wire) last() fsm.Pkt {
	Expect(w.pkts).NotTo(BeEmpty())
	return w.pkts[len(w.pkts)-1]
}

func (w *wire) count(code fsm.MsgCode) (n int) {
	for _, p := range w.pkts {
		if p.Code == code {
			n++
		}
	}
	return
}

type manualTimer struct {
	fn func()
	d  time.Duration
}

func (t *manualTimer) AfterFunc(d time.Duration, fn func()) func() {
	t.fn = fn
	t.d = d
	return func() { t.fn = nil }
}

func (t *manualTimer) fire() {
	fn := t.fn
	t.fn = nil
	if fn != nil {
		fn()
	}
}

func pkt(code fsm.MsgCode, id uint8, data []byte) []byte {
	p := fsm.Pkt{Code: code, ID: id, Data: data}
	return p.Serialize()
}

var _ = Describe("FSM", func() {
	var (
		proto *testProto
		w     *wire
		timer *manualTimer
		optB  []byte
	)

	newFSM := func(mods ...fsm.Modifier) *fsm.FSM {
		mods = append([]fsm.Modifier{fsm.WithTimer(timer)}, mods...)
		return fsm.New(fsm.ProtoIPCP, proto, w, mods...)
	}

	// open drives a new FSM into ReqSent
	open := func(mods ...fsm.Modifier) *fsm.FSM {
		f := newFSM(mods...)
		f.Open()
		f.LowerUp()
		Expect(f.State()).To(Equal(fsm.StateReqSent))
		return f
	}

	// opened drives a new FSM into Opened
	opened := func(mods ...fsm.Modifier) *fsm.FSM {
		f := open(mods...)
		f.Input(pkt(fsm.CodeConfigureRequest, 7, optB))
		f.Input(pkt(fsm.CodeConfigureAck, 1, optB))
		Expect(f.State()).To(Equal(fsm.StateOpened))
		return f
	}

	BeforeEach(func() {
		proto = &testProto{
			opt:     ci.Uint32(3, 0x0a000001),
			reqCode: fsm.CodeConfigureAck,
			nakOK:   true,
			rejOK:   true,
		}
		w = new(wire)
		timer = new(manualTimer)
		var err error
		optB, err = proto.opt.Serialize()
		Expect(err).NotTo(HaveOccurred())
	})

	Context("when opened and the lower layer comes up", func() {
		It("should send a ConfReq and start the restart timer", func() {
			f := newFSM(fsm.WithTimeout(time.Second))
			Expect(f.State()).To(Equal(fsm.StateInitial))
			f.Open()
			Expect(f.State()).To(Equal(fsm.StateStarting))
			Expect(proto.calls).To(Equal([]string{"starting"}))
			f.LowerUp()
			Expect(f.State()).To(Equal(fsm.StateReqSent))
			Expect(w.pkts).To(HaveLen(1))
			Expect(w.last().Code).To(Equal(fsm.CodeConfigureRequest))
			Expect(w.last().ID).To(Equal(uint8(1)))
			Expect(w.last().Data).To(Equal(optB))
			Expect(timer.fn).NotTo(BeNil())
			Expect(timer.d).To(Equal(time.Second))
		})

		It("should stay in Stopped when silent", func() {
			f := newFSM(fsm.WithSilent(true))
			f.Open()
			f.LowerUp()
			Expect(f.State()).To(Equal(fsm.StateStopped))
			Expect(w.pkts).To(BeEmpty())
			f.Input(pkt(fsm.CodeConfigureRequest, 2, optB))
			Expect(f.State()).To(Equal(fsm.StateAckSent))
			Expect(w.pkts).To(HaveLen(2))
			Expect(w.pkts[0].Code).To(Equal(fsm.CodeConfigureRequest))
			Expect(w.pkts[1].Code).To(Equal(fsm.CodeConfigureAck))
		})
	})

	Context("when negotiating", func() {
		It("should reach Opened and call Up exactly once", func() {
			f := open()
			f.Input(pkt(fsm.CodeConfigureRequest, 7, optB))
			Expect(f.State()).To(Equal(fsm.StateAckSent))
			Expect(w.last().Code).To(Equal(fsm.CodeConfigureAck))
			Expect(w.last().ID).To(Equal(uint8(7)))
			f.Input(pkt(fsm.CodeConfigureAck, 1, optB))
			Expect(f.State()).To(Equal(fsm.StateOpened))
			Expect(proto.count("up")).To(Equal(1))
			Expect(timer.fn).To(BeNil())
		})

		It("should reach Opened when the peer Acks first", func() {
			f := open()
			f.Input(pkt(fsm.CodeConfigureAck, 1, optB))
			Expect(f.State()).To(Equal(fsm.StateAckRcvd))
			f.Input(pkt(fsm.CodeConfigureRequest, 3, optB))
			Expect(f.State()).To(Equal(fsm.StateOpened))
			Expect(proto.count("up")).To(Equal(1))
		})

		It("should ignore a ConfAck with an unexpected id", func() {
			f := open()
			f.Input(pkt(fsm.CodeConfigureAck, 9, optB))
			Expect(f.State()).To(Equal(fsm.StateReqSent))
		})

		It("should ignore a duplicated ConfAck", func() {
			f := open()
			f.Input(pkt(fsm.CodeConfigureAck, 1, optB))
			Expect(f.State()).To(Equal(fsm.StateAckRcvd))
			f.Input(pkt(fsm.CodeConfigureAck, 1, optB))
			Expect(f.State()).To(Equal(fsm.StateAckRcvd))
			Expect(w.pkts).To(HaveLen(1))
		})

		It("should discard a ConfAck not matching the request", func() {
			f := open()
			f.Input(pkt(fsm.CodeConfigureAck, 1, []byte{3, 6, 1, 2, 3, 4}))
			Expect(f.State()).To(Equal(fsm.StateReqSent))
		})

		It("should send a new ConfReq after a ConfNak", func() {
			f := open()
			f.Input(pkt(fsm.CodeConfigureNak, 1, optB))
			Expect(f.State()).To(Equal(fsm.StateReqSent))
			Expect(w.pkts).To(HaveLen(2))
			Expect(w.last().Code).To(Equal(fsm.CodeConfigureRequest))
			Expect(w.last().ID).To(Equal(uint8(2)))
		})

		It("should discard a bad ConfReject", func() {
			proto.rejOK = false
			f := open()
			f.Input(pkt(fsm.CodeConfigureReject, 1, optB))
			Expect(w.pkts).To(HaveLen(1))
			// the id is still outstanding
			proto.rejOK = true
			f.Input(pkt(fsm.CodeConfigureReject, 1, optB))
			Expect(w.pkts).To(HaveLen(2))
		})

		It("should switch to reject after max Nak loops", func() {
			proto.reqCode = fsm.CodeConfigureNak
			f := open(fsm.WithMaxNakLoops(5))
			for i := 0; i < 5; i++ {
				f.Input(pkt(fsm.CodeConfigureRequest, uint8(10+i), optB))
				Expect(proto.lastReject).To(BeFalse())
				Expect(w.last().Code).To(Equal(fsm.CodeConfigureNak))
			}
			f.Input(pkt(fsm.CodeConfigureRequest, 20, optB))
			Expect(proto.lastReject).To(BeTrue())
			Expect(w.last().Code).To(Equal(fsm.CodeConfigureReject))
			Expect(f.State()).To(Equal(fsm.StateReqSent))
		})

		It("should treat Naks as Rejects after max Nak loops", func() {
			f := open(fsm.WithMaxNakLoops(3))
			for id := uint8(1); id <= 2; id++ {
				f.Input(pkt(fsm.CodeConfigureNak, id, optB))
				Expect(proto.lastTreat).To(BeFalse())
			}
			f.Input(pkt(fsm.CodeConfigureNak, 3, optB))
			Expect(proto.lastTreat).To(BeTrue())
		})

		It("should answer a ConfReq in Closed with TermAck", func() {
			f := newFSM()
			f.LowerUp()
			Expect(f.State()).To(Equal(fsm.StateClosed))
			f.Input(pkt(fsm.CodeConfigureRequest, 4, optB))
			Expect(w.last().Code).To(Equal(fsm.CodeTerminateAck))
			Expect(w.last().ID).To(Equal(uint8(4)))
			Expect(f.State()).To(Equal(fsm.StateClosed))
		})

		It("should renegotiate on a ConfReq in Opened", func() {
			f := opened()
			f.Input(pkt(fsm.CodeConfigureRequest, 8, optB))
			Expect(proto.count("down")).To(Equal(1))
			Expect(f.State()).To(Equal(fsm.StateAckSent))
			Expect(w.count(fsm.CodeConfigureRequest)).To(Equal(2))
		})
	})

	Context("when the restart timer expires", func() {
		It("should retransmit with the same id then give up", func() {
			f := open(fsm.WithMaxConfReq(3))
			timer.fire()
			timer.fire()
			Expect(f.State()).To(Equal(fsm.StateReqSent))
			Expect(w.pkts).To(HaveLen(3))
			for _, p := range w.pkts {
				Expect(p.ID).To(Equal(uint8(1)))
			}
			timer.fire()
			Expect(f.State()).To(Equal(fsm.StateStopped))
			Expect(proto.count("finished")).To(Equal(1))
			Expect(w.pkts).To(HaveLen(3))
		})

		It("should not call Finished when passive", func() {
			f := open(fsm.WithMaxConfReq(1), fsm.WithPassive(true))
			timer.fire()
			Expect(f.State()).To(Equal(fsm.StateStopped))
			Expect(proto.count("finished")).To(BeZero())
		})

		It("should go back to ReqSent from AckRcvd", func() {
			f := open()
			f.Input(pkt(fsm.CodeConfigureAck, 1, optB))
			timer.fire()
			Expect(f.State()).To(Equal(fsm.StateReqSent))
			Expect(w.last().Code).To(Equal(fsm.CodeConfigureRequest))
		})
	})

	Context("when closing", func() {
		It("should terminate the layer and finish on TermAck", func() {
			f := opened()
			f.Close("bye")
			Expect(f.State()).To(Equal(fsm.StateClosing))
			Expect(proto.count("down")).To(Equal(1))
			Expect(w.last().Code).To(Equal(fsm.CodeTerminateRequest))
			Expect(string(w.last().Data)).To(Equal("bye"))
			Expect(f.TermReason()).To(Equal("bye"))
			f.Input(pkt(fsm.CodeTerminateAck, w.last().ID, nil))
			Expect(f.State()).To(Equal(fsm.StateClosed))
			Expect(proto.count("finished")).To(Equal(1))
			Expect(timer.fn).To(BeNil())
		})

		It("should give up after max TermReq", func() {
			f := opened(fsm.WithMaxTerm(2))
			f.Close("bye")
			timer.fire()
			Expect(f.State()).To(Equal(fsm.StateClosing))
			timer.fire()
			Expect(f.State()).To(Equal(fsm.StateClosed))
			Expect(w.count(fsm.CodeTerminateRequest)).To(Equal(2))
			Expect(proto.count("finished")).To(Equal(1))
		})

		It("should go back to Initial from Starting", func() {
			f := newFSM()
			f.Open()
			f.Close("admin")
			Expect(f.State()).To(Equal(fsm.StateInitial))
			Expect(w.pkts).To(BeEmpty())
		})
	})

	Context("when the peer terminates", func() {
		It("should Ack and go to Stopping then Stopped", func() {
			f := opened()
			f.Input(pkt(fsm.CodeTerminateRequest, 3, []byte("peer gone")))
			Expect(f.State()).To(Equal(fsm.StateStopping))
			Expect(proto.count("down")).To(Equal(1))
			Expect(w.last().Code).To(Equal(fsm.CodeTerminateAck))
			Expect(w.last().ID).To(Equal(uint8(3)))
			timer.fire()
			Expect(f.State()).To(Equal(fsm.StateStopped))
			Expect(proto.count("finished")).To(Equal(1))
		})
	})

	Context("when the lower layer goes down", func() {
		It("should call Down and restart negotiation on next LowerUp", func() {
			f := opened()
			f.LowerDown()
			Expect(f.State()).To(Equal(fsm.StateStarting))
			Expect(proto.count("down")).To(Equal(1))
			f.LowerUp()
			Expect(f.State()).To(Equal(fsm.StateReqSent))
			Expect(proto.count("reset")).To(Equal(2))
		})

		It("should cancel the restart timer", func() {
			f := open()
			f.LowerDown()
			Expect(f.State()).To(Equal(fsm.StateStarting))
			Expect(timer.fn).To(BeNil())
		})
	})

	Context("when receiving unexpected packets", func() {
		It("should drop everything in Initial", func() {
			f := newFSM()
			f.Input(pkt(fsm.CodeConfigureRequest, 1, optB))
			Expect(w.pkts).To(BeEmpty())
			Expect(f.State()).To(Equal(fsm.StateInitial))
		})

		It("should drop malformed packets", func() {
			f := open()
			f.Input([]byte{1, 2, 0})
			f.Input([]byte{1, 2, 0, 3})
			f.Input([]byte{1, 2, 0, 20, 3, 6})
			Expect(w.pkts).To(HaveLen(1))
		})

		It("should CodeReject an unknown code", func() {
			f := open()
			unknown := pkt(12, 5, []byte("ab"))
			f.Input(unknown)
			Expect(w.last().Code).To(Equal(fsm.CodeCodeReject))
			Expect(w.last().ID).To(Equal(uint8(2)))
			Expect(w.last().Data).To(Equal(unknown))
		})

		It("should go back to ReqSent on CodeReject in AckRcvd", func() {
			f := open()
			f.Input(pkt(fsm.CodeConfigureAck, 1, optB))
			f.Input(pkt(fsm.CodeCodeReject, 2, pkt(12, 1, nil)))
			Expect(f.State()).To(Equal(fsm.StateReqSent))
		})
	})

	Context("when the protocol is rejected", func() {
		It("should stop negotiating", func() {
			f := open()
			f.ProtReject()
			Expect(f.State()).To(Equal(fsm.StateStopped))
			Expect(proto.count("finished")).To(Equal(1))
			Expect(timer.fn).To(BeNil())
		})

		It("should terminate an opened layer", func() {
			f := opened()
			f.ProtReject()
			Expect(f.State()).To(Equal(fsm.StateStopping))
			Expect(proto.count("down")).To(Equal(1))
			Expect(w.last().Code).To(Equal(fsm.CodeTerminateRequest))
		})
	})

	Context("with restart", func() {
		It("should renegotiate when opened again", func() {
			f := opened(fsm.WithRestart(true))
			f.Open()
			Expect(proto.count("down")).To(Equal(1))
			Expect(f.State()).To(Equal(fsm.StateReqSent))
		})
	})

	Context("with a small peer MRU", func() {
		It("should leave out options that don't fit and truncate data", func() {
			f := open(fsm.WithPeerMRU(8))
			Expect(w.last().Data).To(BeEmpty())
			f.Close("a long reason")
			Expect(w.last().Code).To(Equal(fsm.CodeTerminateRequest))
			Expect(string(w.last().Data)).To(Equal("a lo"))
		})
		It("should send bare headers when peer MRU is below header length", func() {
			f := open(fsm.WithPeerMRU(2))
			Expect(w.last().Code).To(Equal(fsm.CodeConfigureRequest))
			Expect(w.last().Data).To(BeEmpty())
			f.Close("bye")
			Expect(w.last().Code).To(Equal(fsm.CodeTerminateRequest))
			Expect(w.last().Data).To(BeEmpty())
		})
	})
})

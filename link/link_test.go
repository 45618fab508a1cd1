package link_test

import (
	"context"
	"encoding/hex"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hujun-open/etherconn"
	"github.com/hujun-open/zouncp/datapath"
	"github.com/hujun-open/zouncp/fsm"
	"github.com/hujun-open/zouncp/ipcp"
	"github.com/hujun-open/zouncp/ipxcp"
	"github.com/hujun-open/zouncp/link"
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	Expect(err).NotTo(HaveOccurred())
	return b
}

// readFrame reads a frame from conn, skipping frames of skip protocol
func readFrame(conn net.PacketConn, skip fsm.ProtocolNumber) (fsm.ProtocolNumber, []byte) {
	buf := make([]byte, link.MaxFrameSize)
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := conn.ReadFrom(buf)
		Expect(err).NotTo(HaveOccurred())
		proto, payload, err := link.DecodeFrame(buf[:n])
		Expect(err).NotTo(HaveOccurred())
		if proto != skip {
			return proto, append([]byte(nil), payload...)
		}
	}
}

type side struct {
	link  *link.Link
	rec   *datapath.Recorder
	ipcp  *ipcp.IPCP
	ipxcp *ipxcp.IPXCP
}

func newSide(conn net.PacketConn, want ipcp.Options, withIPX bool, xwant ipxcp.Options) *side {
	s := &side{rec: datapath.NewRecorder()}
	s.link = link.New(conn, link.WithDataHandler(s.rec),
		link.WithFSMModifiers(fsm.WithTimeout(100*time.Millisecond)))
	s.ipcp = ipcp.New(ipcp.Config{AskForLocal: true}, want, ipcp.DefaultAllow(),
		ipcp.WithInterface(s.rec), ipcp.WithPhase(s.link))
	_, err := s.link.Register(fsm.ProtoIPCP, s.ipcp, fsm.ProtoIPv4)
	Expect(err).NotTo(HaveOccurred())
	if withIPX {
		s.ipxcp = ipxcp.New(ipxcp.Config{}, xwant, ipxcp.DefaultAllow(),
			ipxcp.WithInterface(s.rec), ipxcp.WithPhase(s.link))
		_, err = s.link.Register(fsm.ProtoIPXCP, s.ipxcp, fsm.ProtoNovellIPX)
		Expect(err).NotTo(HaveOccurred())
	}
	return s
}

func (s *side) start(ctx context.Context) chan error {
	runErr := make(chan error, 1)
	go func() { runErr <- s.link.Run(ctx) }()
	Expect(s.link.Open()).To(Succeed())
	Expect(s.link.LowerUp()).To(Succeed())
	return runErr
}

func serverWant() ipcp.Options {
	want := ipcp.DefaultWant()
	want.OurAddr = ipcp.IPv4{10, 0, 0, 1}
	want.HisAddr = ipcp.IPv4{10, 0, 0, 2}
	return want
}

func serverIPXWant() ipxcp.Options {
	want := ipxcp.DefaultWant()
	want.OurNetwork = 0x10
	want.OurNode = ipxcp.Node{0, 0, 0, 0, 0, 0x0a}
	want.NegNode = true
	return want
}

var _ = Describe("Frame", func() {
	It("encodes the protocol field in front of payload", func() {
		frame, err := link.EncodeFrame(fsm.ProtoIPCP, mustHex("01010004"))
		Expect(err).NotTo(HaveOccurred())
		Expect(frame).To(Equal(mustHex("802101010004")))
	})
	It("decodes frames with or without address and control field", func() {
		for _, s := range []string{"802101010004", "ff03802101010004"} {
			proto, payload, err := link.DecodeFrame(mustHex(s))
			Expect(err).NotTo(HaveOccurred())
			Expect(proto).To(Equal(fsm.ProtoIPCP))
			Expect(payload).To(Equal(mustHex("01010004")))
		}
	})
	It("rejects short frames", func() {
		_, _, err := link.DecodeFrame(mustHex("8021"))
		Expect(err).To(MatchError(link.ErrShortFrame))
	})
})

var _ = Describe("Pipe", func() {
	It("delivers frames to the other end", func() {
		a, b := link.NewPipe("a", "b")
		_, err := a.WriteTo([]byte{1, 2, 3}, nil)
		Expect(err).NotTo(HaveOccurred())
		buf := make([]byte, 16)
		n, addr, err := b.ReadFrom(buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(buf[:n]).To(Equal([]byte{1, 2, 3}))
		Expect(addr.String()).To(Equal("a"))
		Expect(a.Sent()).To(Equal(uint64(1)))
	})
	It("times out with etherconn.ErrTimeOut", func() {
		a, _ := link.NewPipe("a", "b")
		a.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
		_, _, err := a.ReadFrom(make([]byte, 16))
		Expect(err).To(MatchError(etherconn.ErrTimeOut))
	})
	It("drops frames selected by drop func", func() {
		a, b := link.NewPipe("a", "b")
		a.SetDropFunc(func(frame []byte) bool { return frame[0] == 0 })
		_, err := a.WriteTo([]byte{0}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(a.Sent()).To(BeZero())
		b.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
		_, _, err = b.ReadFrom(make([]byte, 16))
		Expect(err).To(MatchError(etherconn.ErrTimeOut))
	})
	It("fails after close", func() {
		a, b := link.NewPipe("a", "b")
		Expect(b.Close()).To(Succeed())
		_, err := a.WriteTo([]byte{0}, nil)
		Expect(err).To(MatchError(net.ErrClosed))
		_, _, err = b.ReadFrom(make([]byte, 16))
		Expect(err).To(MatchError(net.ErrClosed))
	})
})

var _ = Describe("Link", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	})
	AfterEach(func() {
		cancel()
	})

	It("negotiates IPCP and IPXCP with peer", func() {
		ca, cb := link.NewPipe("client", "server")
		client := newSide(ca, ipcp.DefaultWant(), true, ipxcp.DefaultWant())
		server := newSide(cb, serverWant(), true, serverIPXWant())
		server.start(ctx)
		client.start(ctx)
		Expect(client.link.Wait(ctx)).To(Succeed())
		Expect(server.link.Wait(ctx)).To(Succeed())

		our, his := client.rec.Addr(0)
		Expect(our).To(Equal(ipcp.IPv4{10, 0, 0, 2}))
		Expect(his).To(Equal(ipcp.IPv4{10, 0, 0, 1}))
		network, _ := client.rec.IPXAddr()
		Expect(network).To(Equal(uint32(0x10)))
		Expect(client.rec.NPMode(fsm.ProtoIPv4)).To(Equal(fsm.NPModePass))

		state, err := client.link.State(ctx, fsm.ProtoIPXCP)
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(fsm.StateOpened))
		var got ipcp.Options
		Expect(client.link.Do(ctx, func() { got = client.ipcp.Got })).To(Succeed())
		Expect(got.OurAddr).To(Equal(ipcp.IPv4{10, 0, 0, 2}))

		Expect(client.link.SendData(fsm.ProtoIPv4, mustHex("4500001400000000400100000a0000020a000001"))).To(Succeed())
		Expect(client.link.SendData(fsm.ProtoNovellIPX, mustHex("ffff001e0000"))).To(Succeed())
		Eventually(func() int { return server.rec.Delivered(fsm.ProtoIPv4) }).Should(Equal(1))
		Eventually(func() int { return server.rec.Delivered(fsm.ProtoNovellIPX) }).Should(Equal(1))
	})

	It("stops both ends after Close", func() {
		ca, cb := link.NewPipe("client", "server")
		client := newSide(ca, ipcp.DefaultWant(), false, ipxcp.Options{})
		server := newSide(cb, serverWant(), false, ipxcp.Options{})
		serverErr := server.start(ctx)
		clientErr := client.start(ctx)
		Expect(client.link.Wait(ctx)).To(Succeed())
		Expect(client.rec.IsUp()).To(BeTrue())

		Expect(client.link.Close("bye")).To(Succeed())
		Eventually(clientErr, 5*time.Second).Should(Receive(MatchError(link.ErrNoNetworkProtocol)))
		Eventually(serverErr, 5*time.Second).Should(Receive(MatchError(link.ErrNoNetworkProtocol)))
		Expect(client.rec.IsUp()).To(BeFalse())
		Expect(server.rec.IsUp()).To(BeFalse())
		Expect(client.link.Open()).To(MatchError(link.ErrStopped))
	})

	It("answers unknown protocols with Protocol-Reject", func() {
		ca, cb := link.NewPipe("link", "raw")
		s := newSide(ca, ipcp.DefaultWant(), false, ipxcp.Options{})
		go s.link.Run(ctx)
		frame, err := link.EncodeFrame(fsm.ProtoIPv6CP, mustHex("01010004"))
		Expect(err).NotTo(HaveOccurred())
		_, err = cb.WriteTo(frame, nil)
		Expect(err).NotTo(HaveOccurred())

		proto, payload := readFrame(cb, fsm.ProtoNone)
		Expect(proto).To(Equal(fsm.ProtoLCP))
		var pkt fsm.Pkt
		Expect(pkt.Parse(payload)).To(Succeed())
		Expect(pkt.Code).To(Equal(fsm.CodeProtocolReject))
		Expect(pkt.Data).To(Equal(mustHex("805701010004")))
	})

	It("drops data frames of a NCP not opened", func() {
		ca, cb := link.NewPipe("link", "raw")
		s := newSide(ca, ipcp.DefaultWant(), false, ipxcp.Options{})
		go s.link.Run(ctx)
		frame, err := link.EncodeFrame(fsm.ProtoIPv4, mustHex("4500001400000000400100000a0000020a000001"))
		Expect(err).NotTo(HaveOccurred())
		_, err = cb.WriteTo(frame, nil)
		Expect(err).NotTo(HaveOccurred())
		Consistently(func() int { return s.rec.Delivered(fsm.ProtoIPv4) }, 200*time.Millisecond).Should(BeZero())

		Expect(s.link.SendData(fsm.ProtoIPv4, []byte{0x45})).To(MatchError(link.ErrNotOpened))
		Expect(s.link.SendData(fsm.ProtoIPv6, []byte{0x60})).To(MatchError(link.ErrUnknownProtocol))
	})

	It("finishes the NCP rejected by peer", func() {
		ca, cb := link.NewPipe("link", "raw")
		s := newSide(ca, ipcp.DefaultWant(), false, ipxcp.Options{})
		runErr := s.start(ctx)
		proto, _ := readFrame(cb, fsm.ProtoNone)
		Expect(proto).To(Equal(fsm.ProtoIPCP))

		rej := fsm.Pkt{Code: fsm.CodeProtocolReject, ID: 1, Data: mustHex("802101010004")}
		frame, err := link.EncodeFrame(fsm.ProtoLCP, rej.Serialize())
		Expect(err).NotTo(HaveOccurred())
		_, err = cb.WriteTo(frame, nil)
		Expect(err).NotTo(HaveOccurred())
		Eventually(runErr).Should(Receive(MatchError(link.ErrNoNetworkProtocol)))
		Expect(s.link.Wait(ctx)).To(MatchError(link.ErrNoNetworkProtocol))
	})

	It("waits again after a timed out Wait", func() {
		ca, cb := link.NewPipe("client", "server")
		client := newSide(ca, ipcp.DefaultWant(), false, ipxcp.Options{})
		server := newSide(cb, serverWant(), false, ipxcp.Options{})
		clientErr := client.start(ctx)
		shortCtx, shortCancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer shortCancel()
		Expect(client.link.Wait(shortCtx)).To(MatchError(context.DeadlineExceeded))

		server.start(ctx)
		Expect(client.link.Wait(ctx)).To(Succeed())
		Expect(server.link.Wait(ctx)).To(Succeed())
		Expect(client.link.Wait(shortCtx)).To(Succeed())

		Expect(client.link.Close("bye")).To(Succeed())
		Eventually(clientErr, 5*time.Second).Should(Receive(MatchError(link.ErrNoNetworkProtocol)))
		Expect(client.link.Wait(ctx)).To(Succeed())
	})

	It("stops waiting when the link stops before NCPs are opened", func() {
		ca, _ := link.NewPipe("link", "raw")
		s := newSide(ca, ipcp.DefaultWant(), false, ipxcp.Options{})
		runCtx, runCancel := context.WithCancel(ctx)
		runErr := s.start(runCtx)
		runCancel()
		Eventually(runErr).Should(Receive(BeNil()))
		Expect(s.link.Wait(ctx)).To(MatchError(link.ErrStopped))
		Expect(s.link.Wait(ctx)).To(MatchError(link.ErrStopped))
	})

	It("truncates Protocol-Reject to a tiny peer MRU", func() {
		ca, cb := link.NewPipe("link", "raw")
		l := link.New(ca, link.WithPeerMRU(2))
		_, err := l.Register(fsm.ProtoIPCP, ipcp.New(ipcp.Config{}, ipcp.DefaultWant(), ipcp.DefaultAllow()), fsm.ProtoIPv4)
		Expect(err).NotTo(HaveOccurred())
		go l.Run(ctx)
		frame, err := link.EncodeFrame(fsm.ProtoIPv6CP, mustHex("01010004"))
		Expect(err).NotTo(HaveOccurred())
		_, err = cb.WriteTo(frame, nil)
		Expect(err).NotTo(HaveOccurred())

		proto, payload := readFrame(cb, fsm.ProtoNone)
		Expect(proto).To(Equal(fsm.ProtoLCP))
		var pkt fsm.Pkt
		Expect(pkt.Parse(payload)).To(Succeed())
		Expect(pkt.Code).To(Equal(fsm.CodeProtocolReject))
		Expect(pkt.Data).To(BeEmpty())
	})

	It("rejects registration of a duplicated protocol", func() {
		ca, _ := link.NewPipe("a", "b")
		s := newSide(ca, ipcp.DefaultWant(), false, ipxcp.Options{})
		_, err := s.link.Register(fsm.ProtoIPCP, ipcp.New(ipcp.Config{}, ipcp.DefaultWant(), ipcp.DefaultAllow()), fsm.ProtoIPv4)
		Expect(err).To(HaveOccurred())
	})
})

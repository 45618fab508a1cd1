package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hujun-open/zouncp/fsm"
	"github.com/hujun-open/zouncp/ipcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noTimer struct{}

func (noTimer) AfterFunc(time.Duration, func()) func() { return func() {} }

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()
	require.NoError(t, m.Register(reg))
	// registering again is a no-op
	require.NoError(t, m.Register(reg))
	// collectors already in the registry are not an error
	assert.NoError(t, New().Register(reg))
}

func TestObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()
	require.NoError(t, m.Register(reg))

	var sent [][]byte
	out := fsm.OutputFunc(func(unit int, proto fsm.ProtocolNumber, pkt []byte) error {
		sent = append(sent, pkt)
		return nil
	})
	p := ipcp.New(ipcp.Config{}, ipcp.DefaultWant(), ipcp.DefaultAllow())
	f := fsm.New(fsm.ProtoIPCP, p, out, fsm.WithTimer(noTimer{}), fsm.WithObserver(m.Observer("link1")))
	f.Open()
	f.LowerUp()
	require.Len(t, sent, 1)
	f.Input([]byte{1})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("link1", "IPCP", "Initial", "Starting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("link1", "IPCP", "Starting", "ReqSent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.packets.WithLabelValues("link1", "IPCP", "tx", "ConfReq")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.discarded.WithLabelValues("link1", "IPCP", fsm.DiscardMalformed)))

	o := m.Observer("link1")
	o.Transition(f, fsm.StateAckSent, fsm.StateOpened)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.opened.WithLabelValues("link1", "IPCP")))
	o.Received(f, fsm.CodeTerminateRequest)
	o.Transition(f, fsm.StateOpened, fsm.StateStopping)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.opened.WithLabelValues("link1", "IPCP")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.packets.WithLabelValues("link1", "IPCP", "rx", "TermReq")))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()
	require.NoError(t, m.Register(reg))
	m.opened.WithLabelValues("link1", "IPXCP").Set(1)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `zouncp_ncp_opened{link="link1",protocol="IPXCP"} 1`))
}

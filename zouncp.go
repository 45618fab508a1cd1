/*zouncp is a set of GO modules implements PPP network control protocol negotiation:

 * zouncp/fsm: RFC1661 option negotiation automaton

 * zouncp/ci: configuration option codec

 * zouncp/ipcp: IPCP RFC1332, RFC1877

 * zouncp/ipxcp: IPXCP RFC1552

 * zouncp/link: PPP link running NCPs over a net.PacketConn

 * zouncp/datapath: linux TUN datapath

The main module runs two links negotiating with each other over an in-memory pipe, and decodes control packets.
*/
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hujun-open/zouncp/config"
	"github.com/hujun-open/zouncp/datapath"
	"github.com/hujun-open/zouncp/fsm"
	"github.com/hujun-open/zouncp/ipcp"
	"github.com/hujun-open/zouncp/ipxcp"
	"github.com/hujun-open/zouncp/link"
	"github.com/hujun-open/zouncp/metrics"
	"github.com/hujun-open/zouncp/script"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "zouncp",
	Short: "PPP network control protocol negotiation",
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Negotiate IPCP/IPXCP between two links over an in-memory pipe",
	RunE:  runSimulate,
}

var decodeCmd = &cobra.Command{
	Use:   "decode <hex>",
	Short: "Decode a control packet",
	Args:  cobra.ExactArgs(1),
	RunE:  runDecode,
}

var (
	configFile     string
	peerConfigFile string
	metricsAddr    string
	simTimeout     time.Duration
	hold           bool
	decodeProto    string
)

func init() {
	simulateCmd.Flags().StringVarP(&configFile, "config", "c", "", "config file of the local link, default config if empty")
	simulateCmd.Flags().StringVar(&peerConfigFile, "peer-config", "", "config file of the peer link, a server like config if empty")
	simulateCmd.Flags().StringVar(&metricsAddr, "metrics", "", "listening address of Prometheus metrics, overrides metrics_listen of config")
	simulateCmd.Flags().DurationVar(&simTimeout, "timeout", 30*time.Second, "negotiation timeout")
	simulateCmd.Flags().BoolVar(&hold, "hold", false, "keep links open until interrupted")
	decodeCmd.Flags().StringVar(&decodeProto, "proto", "ipcp", "control protocol: ipcp or ipxcp")
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(decodeCmd)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// peerDefault returns the config of a peer able to negotiate with local
func peerDefault(local *config.Config) *config.Config {
	c := config.Default()
	c.IfName = "ppp1"
	c.IPCP.Enabled = local.IPCP.Enabled
	c.IPCP.Local = "10.0.0.1"
	c.IPCP.Remote = "10.0.0.2"
	c.IPCP.DNS = []string{"1.1.1.1", "8.8.8.8"}
	c.IPXCP.Enabled = local.IPXCP.Enabled
	c.IPXCP.Network = 1
	c.IPXCP.LocalNode = "000000000001"
	return c
}

func runSimulate(cmd *cobra.Command, args []string) error {
	local, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	var peer *config.Config
	if peerConfigFile != "" {
		if peer, err = config.Load(peerConfigFile); err != nil {
			return err
		}
	} else {
		peer = peerDefault(local)
	}
	logger, err := local.Logger()
	if err != nil {
		return fmt.Errorf("failed to create logger, %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Println("stopping...")
			cancel()
		case <-ctx.Done():
		}
	}()

	reg := prometheus.NewRegistry()
	addr := local.MetricsListen
	if metricsAddr != "" {
		addr = metricsAddr
	}
	if addr != "" {
		srv := &http.Server{Addr: addr, Handler: metrics.Handler(reg)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Sugar().Errorf("metrics server failed, %v", err)
			}
		}()
		defer srv.Close()
	}
	sim, err := newSimulation(ctx, local, peer, logger, reg)
	if err != nil {
		return err
	}
	return sim.run(ctx, os.Stdout, simTimeout, hold)
}

type dataIf interface {
	ipcp.Interface
	ipxcp.Interface
	datapath.DataHandler
}

// endpoint is one end of a simulation
type endpoint struct {
	name   string
	link   *link.Link
	ipcp   *ipcp.IPCP
	ipxcp  *ipxcp.IPXCP
	env    *script.Env
	runner *script.Exec
	runErr chan error
}

func newEndpoint(ctx context.Context, name string, cfg *config.Config, conn *link.PipeConn,
	logger *zap.Logger, m *metrics.NCPMetrics) (*endpoint, error) {
	ep := &endpoint{
		name:   name,
		env:    script.NewEnv(),
		runner: script.NewExec(logger),
		runErr: make(chan error, 1),
	}
	var iface dataIf
	if cfg.TUN {
		tun, err := newTUN(ctx, cfg.IfName, func(proto fsm.ProtocolNumber, payload []byte) error {
			return ep.link.SendData(proto, payload)
		}, logger)
		if err != nil {
			return nil, err
		}
		iface = tun
	} else {
		iface = datapath.NewRecorder()
	}
	ep.link = link.New(conn,
		link.WithLogger(logger.Named(name)),
		link.WithDataHandler(iface),
		link.WithObserverFunc(m.Observer),
		link.WithFSMModifiers(cfg.FSM.Modifiers()...),
		link.WithPeerMRU(cfg.FSM.PeerMRU))
	if cfg.IPCP.Enabled {
		icfg, want, allow, err := cfg.IPCP.Build(cfg.Scripts, cfg.IfName)
		if err != nil {
			return nil, err
		}
		icfg.IPParam = cfg.IPParam
		icfg.DevName = conn.LocalAddr().String()
		ep.ipcp = ipcp.New(icfg, want, allow,
			ipcp.WithInterface(iface), ipcp.WithEnv(ep.env), ipcp.WithRunner(ep.runner),
			ipcp.WithPhase(ep.link), ipcp.WithLogger(logger.Named(name)))
		if _, err = ep.link.Register(fsm.ProtoIPCP, ep.ipcp, fsm.ProtoIPv4); err != nil {
			return nil, err
		}
	}
	if cfg.IPXCP.Enabled {
		xcfg, want, allow, err := cfg.IPXCP.Build(cfg.Scripts, cfg.IfName)
		if err != nil {
			return nil, err
		}
		xcfg.IPParam = cfg.IPParam
		xcfg.DevName = conn.LocalAddr().String()
		ep.ipxcp = ipxcp.New(xcfg, want, allow,
			ipxcp.WithInterface(iface), ipxcp.WithEnv(ep.env), ipxcp.WithRunner(ep.runner),
			ipxcp.WithPhase(ep.link), ipxcp.WithLogger(logger.Named(name)))
		if _, err = ep.link.Register(fsm.ProtoIPXCP, ep.ipxcp, fsm.ProtoNovellIPX); err != nil {
			return nil, err
		}
	}
	return ep, nil
}

func (ep *endpoint) start(ctx context.Context) error {
	go func() { ep.runErr <- ep.link.Run(ctx) }()
	if err := ep.link.Open(); err != nil {
		return err
	}
	return ep.link.LowerUp()
}

// summary returns negotiated result of each NCP
func (ep *endpoint) summary(ctx context.Context) ([]string, error) {
	var r []string
	err := ep.link.Do(ctx, func() {
		if ep.ipcp != nil {
			r = append(r, fmt.Sprintf("%v IPCP: %v", ep.name, ep.ipcp))
		}
		if ep.ipxcp != nil {
			r = append(r, fmt.Sprintf("%v IPXCP: %v", ep.name, ep.ipxcp))
		}
	})
	return r, err
}

type simulation struct {
	local, peer *endpoint
}

func newSimulation(ctx context.Context, local, peer *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*simulation, error) {
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		return nil, err
	}
	a, b := link.NewPipe("local", "peer")
	sim := new(simulation)
	var err error
	if sim.local, err = newEndpoint(ctx, "local", local, a, logger, m); err != nil {
		return nil, fmt.Errorf("local: %w", err)
	}
	if sim.peer, err = newEndpoint(ctx, "peer", peer, b, logger, m); err != nil {
		return nil, fmt.Errorf("peer: %w", err)
	}
	return sim, nil
}

// run negotiates until both ends are opened and prints the result to out;
// unless hold, both ends are closed afterwards.
func (sim *simulation) run(ctx context.Context, out io.Writer, timeout time.Duration, hold bool) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, ep := range []*endpoint{sim.peer, sim.local} {
		if err := ep.start(runCtx); err != nil {
			return err
		}
	}
	waitCtx, waitCancel := context.WithTimeout(runCtx, timeout)
	defer waitCancel()
	for _, ep := range []*endpoint{sim.local, sim.peer} {
		if err := ep.link.Wait(waitCtx); err != nil {
			return fmt.Errorf("%v failed to negotiate, %w", ep.name, err)
		}
	}
	for _, ep := range []*endpoint{sim.local, sim.peer} {
		lines, err := ep.summary(runCtx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, strings.Join(lines, "\n"))
	}
	if hold {
		<-ctx.Done()
	} else {
		sim.local.link.Close("simulation done")
	}
	for _, ep := range []*endpoint{sim.local, sim.peer} {
		select {
		case <-ep.runErr:
		case <-time.After(timeout):
			cancel()
			<-ep.runErr
		}
		ep.runner.Wait()
		// only persistent variables outlive the link
		ep.env.Reset()
	}
	return nil
}

func runDecode(cmd *cobra.Command, args []string) error {
	buf, err := hex.DecodeString(strings.ReplaceAll(args[0], " ", ""))
	if err != nil {
		return fmt.Errorf("invalid hex string, %w", err)
	}
	s, err := decode(decodeProto, buf)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), s)
	return nil
}

// decode returns the string representation of a control packet of proto
func decode(proto string, buf []byte) (string, error) {
	var printer func([]byte) string
	switch strings.ToLower(proto) {
	case "ipcp":
		printer = ipcp.Print
	case "ipxcp":
		printer = ipxcp.Print
	default:
		return "", fmt.Errorf("unknown protocol %q", proto)
	}
	var pkt fsm.Pkt
	if err := pkt.Parse(buf); err != nil {
		return "", err
	}
	return pkt.Format(printer), nil
}

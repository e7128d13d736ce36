// Package bootstrap implements the executive's startup sequence (§4.J): a
// fixed, ordered list of steps, each one fatal on failure with its own
// exit code, ending with the reactor handed control of the process.
package bootstrap

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/opencluster/execd/config"
	"github.com/opencluster/execd/internal/diagnostics"
	"github.com/opencluster/execd/internal/ipc"
	"github.com/opencluster/execd/internal/reactor"
	"github.com/opencluster/execd/internal/registry"
	"github.com/opencluster/execd/internal/services/amf"
	"github.com/opencluster/execd/internal/services/ckpt"
	"github.com/opencluster/execd/internal/services/clm"
	"github.com/opencluster/execd/internal/services/evs"
	"github.com/opencluster/execd/internal/services/evt"
	"github.com/opencluster/execd/internal/syncbarrier"
	"github.com/opencluster/execd/internal/transport"
	"github.com/opencluster/execd/internal/transport/watermillgroup"
)

// SecretKeySize is the fixed length of the shared group-transport secret
// (§4.J step 7).
const SecretKeySize = 128

// Executive owns every long-lived component built during Bootstrap. Run
// blocks until a shutdown signal or a fatal reactor error; Shutdown tears
// everything down in reverse dependency order.
type Executive struct {
	cfg    *config.Config
	logger *slog.Logger

	identity identity
	reactor  *reactor.Reactor
	signals  *signalBridge
	ticker   *ticker

	table      *registry.Table
	dispatcher *registry.Dispatcher
	syncOrch   *syncbarrier.Orchestrator

	transport transport.GroupTransport

	sender     *ipc.Sender
	conns      *ipc.ConnRegistry
	deliverer  *ipc.Deliverer
	acceptor   *ipc.Acceptor

	promRegistry *prometheus.Registry
	metrics      *diagnostics.Metrics
	debugSrv     *diagnostics.Server
}

// Bootstrap runs every step of §4.J in order and returns a ready-to-Run
// Executive, or the first *FatalError encountered.
func Bootstrap(configPath string) (*Executive, error) {
	e := &Executive{}

	id, err := resolveIdentity()
	if err != nil {
		return nil, fatal(StageResolveIdentity, err)
	}
	e.identity = id

	r, err := reactor.New(slog.Default())
	if err != nil {
		return nil, fatal(StageCreateReactor, err)
	}
	e.reactor = r

	// Signals are wired before logging exists; the bridge itself only
	// latches flags, so it has nothing worth logging until step 5 hands it
	// a real logger (installSignals is called again, with intent, nowhere
	// else — bootstrap just needs the reactor registration done early so a
	// signal delivered mid-bootstrap is never silently dropped).
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	bridge, err := installSignals(r, nil, nil, bootLogger)
	if err != nil {
		return nil, fatal(StageInstallSignals, err)
	}
	e.signals = bridge

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fatal(StageReadConfig, err)
	}
	e.cfg = cfg

	logger := setupLogging(cfg)
	e.logger = logger
	e.signals.logger = logger

	if err := raiseScheduler(); err != nil {
		return nil, fatal(StageRaiseScheduler, err)
	}

	secret, err := readSecretKey(cfg.SecretKeyPath)
	if err != nil {
		return nil, fatal(StageReadSecretKey, err)
	}

	groupTransport := watermillgroup.New(cfg.AMQPURI, logger)

	sender := ipc.NewSender(nil, r, logger)
	e.sender = sender
	conns := ipc.NewConnRegistry(sender)
	e.conns = conns

	clmService := clm.New(serviceSelectors)
	evtService := evt.New(serviceIndices["evt"], groupTransport, conns, logger)
	ckptService := ckpt.New(serviceIndices["ckpt"])
	amfService := amf.New(serviceIndices["amf"], cfg.AMFConfigPath)
	evsService := evs.New(serviceIndices["evs"])

	table := registry.NewTable(
		clmService.Descriptor(),
		evtService.Descriptor(),
		ckptService.Descriptor(),
		amfService.Descriptor(),
		evsService.Descriptor(),
	)
	e.table = table

	reg := prometheus.NewRegistry()
	metrics := diagnostics.NewMetrics(reg)
	e.promRegistry = reg
	e.metrics = metrics
	conns.OnCountChange = func(count int) { metrics.ActiveConnections.Set(float64(count)) }

	syncOrch := syncbarrier.New(table, logger)
	e.syncOrch = syncOrch
	syncOrch.OnActivated = func(d time.Duration) { metrics.SyncDuration.Observe(d.Seconds()) }

	dispatcher := registry.NewDispatcher(table, syncOrch.WireHandler(), logger)
	e.dispatcher = dispatcher

	confchg := func(cc registry.ConfChg) {
		syncOrch.OnConfChg(cc)
	}
	if err := groupTransport.Initialize(transport.Config{
		MulticastAddr: cfg.McastAddr,
		Interfaces:    cfg.Interfaces,
		Secret:        secret,
	}, dispatcher.Deliver, confchg); err != nil {
		return nil, fatal(StageInitTransport, err)
	}
	e.transport = groupTransport

	if err := dropPrivileges(id); err != nil {
		return nil, fatal(StageDropPrivileges, err)
	}

	// step 10 (build flat wire table) already happened above, alongside
	// table construction: registry.NewDispatcher *is* "build the flat
	// wire handler table and sync callback list" for this implementation
	// (§4.H, §4.I) — there's no separate data structure left to build.

	pool := newRecvBufPool(cfg.RecvBufCapacity)

	// step 12 (read AMF config) is folded into step 13 below: amf.Service
	// owns its own config read inside ExecInit, so there is nothing
	// further to do here except let step 13 call it like every other
	// service.
	for _, svc := range table.All() {
		if svc.ExecInit == nil {
			continue
		}
		if err := svc.ExecInit(); err != nil {
			return nil, fatal(StageExecInitServices, fmt.Errorf("%s: %w", svc.Name, err))
		}
	}

	deliverer := ipc.NewDeliverer(table, sender, nil, groupTransport, syncOrch, cfg.ExpectedGID, logger, conns)
	deliverer.SetFlowControlRejectHook(metrics.FlowControlRejections.Inc)
	e.deliverer = deliverer

	acceptor, err := ipc.NewAcceptor(cfg.BindName, r, deliverer, cfg.RecvBufCapacity, cfg.QueueCapacity, pool, logger)
	if err != nil {
		return nil, fatal(StageBindAcceptor, err)
	}
	if err := acceptor.Register(); err != nil {
		return nil, fatal(StageBindAcceptor, err)
	}
	e.acceptor = acceptor

	debugSrv := diagnostics.NewServer(cfg.DebugAddr, reg, e.dumpAllServices, logger)
	debugSrv.Start()
	e.debugSrv = debugSrv

	e.signals.onDump = e.handleDumpSignal
	e.signals.onShutdown = e.handleShutdownSignal

	// The executive tick drains the sync barrier (§4.I) and refreshes the
	// diagnostics snapshot (§4.M); nothing else calls either one, since the
	// stand-in transport never emits a wire message on the reserved sync
	// opcode. Registering one more reactor fd belongs to the same step as
	// binding the acceptor: both are "finish wiring the reactor before Run."
	t, err := installTicker(r, tickInterval, e.onTick, logger)
	if err != nil {
		return nil, fatal(StageBindAcceptor, err)
	}
	e.ticker = t

	return e, nil
}

// onTick runs on the reactor thread every tickInterval. It is the sole
// driver of Orchestrator.Tick() outside of a wire message on the reserved
// sync opcode (§4.I), publishes the live connection count, per-connection
// queue depths and sync-in-process flag the /debug/stats handler serves
// (§4.M), and is the one natural, single call site to sample every
// connection's outq depth into the OutqDepth histogram.
func (e *Executive) onTick() {
	e.syncOrch.Tick()

	depths := e.conns.QueueDepths()
	for _, d := range depths {
		e.metrics.OutqDepth.Observe(float64(d))
	}

	e.debugSrv.PublishSnapshot(diagnostics.Snapshot{
		ConnectionCount: e.conns.Count(),
		QueueDepths:     depths,
		SyncInProcess:   e.syncOrch.InProcess(),
	})
}

// serviceIndices fixes the registration order table.NewTable is built
// with; every service's constructor needs its own 1-based index up front
// to bind connections to the right slot (§3).
var serviceIndices = map[string]int{
	"clm":  1,
	"evt":  2,
	"ckpt": 3,
	"amf":  4,
	"evs":  5,
}

// serviceSelectors is the inverse of serviceIndices, keyed by the on-wire
// selector id a bare connection's first request names (CLM's INIT
// resolver, §4.O).
var serviceSelectors = map[uint32]string{
	1: "clm",
	2: "evt",
	3: "ckpt",
	4: "amf",
	5: "evs",
}

func readSecretKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secret key %s: %w", path, err)
	}
	if len(raw) != SecretKeySize {
		return nil, fmt.Errorf("secret key %s: expected %d bytes, got %d", path, SecretKeySize, len(raw))
	}
	return raw, nil
}

func (e *Executive) dumpAllServices() []diagnostics.ServiceDump {
	dumps := make([]diagnostics.ServiceDump, 0, e.table.Len())
	for _, svc := range e.table.All() {
		if svc.ExecDump == nil {
			continue
		}
		dumps = append(dumps, diagnostics.ServiceDump{Service: svc.Name, Data: svc.ExecDump()})
	}
	return dumps
}

func (e *Executive) handleDumpSignal() {
	for _, d := range e.dumpAllServices() {
		e.logger.Info("bootstrap: service dump", "service", d.Service, "data", d.Data)
	}
}

func (e *Executive) handleShutdownSignal() {
	e.logger.Info("bootstrap: sync barrier in process", "in_process", e.syncOrch.InProcess())
	e.reactor.Stop()
}

// Run implements §4.J step 15: it blocks until the reactor stops, which
// happens either from a shutdown signal (handleShutdownSignal) or a fatal
// reactor error.
func (e *Executive) Run() error {
	return fatal(StageRunReactor, e.reactor.Run())
}

// Shutdown releases every resource Bootstrap acquired. The debug server,
// transport and signal bridge are independent of one another, so they are
// closed concurrently via errgroup and their errors aggregated; the
// reactor is torn down last and separately, since everything above depends
// on it having already stopped running.
func (e *Executive) Shutdown() error {
	var g errgroup.Group
	if e.ticker != nil {
		g.Go(func() error {
			if err := e.ticker.Close(); err != nil {
				return fmt.Errorf("ticker: %w", err)
			}
			return nil
		})
	}
	if e.debugSrv != nil {
		g.Go(func() error {
			if err := e.debugSrv.Stop(); err != nil {
				return fmt.Errorf("diagnostics server: %w", err)
			}
			return nil
		})
	}
	if e.transport != nil {
		g.Go(func() error {
			if err := e.transport.Close(); err != nil {
				return fmt.Errorf("transport: %w", err)
			}
			return nil
		})
	}
	if e.signals != nil {
		g.Go(func() error {
			if err := e.signals.Close(); err != nil {
				return fmt.Errorf("signal bridge: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Warn("bootstrap: shutdown encountered errors", "err", err)
	}

	return e.reactor.Destroy()
}

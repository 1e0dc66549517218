// Command ledgersyncd wires together the whole sync stack — config,
// metrics, transport, user communicator — the way the teacher's cmd/wg
// assembles a Device around its own config and log. It has no option to
// dial remote peers; it always runs a self-contained local demo: two
// in-process devices sharing one mesh and one namespace, where device-a
// seeds one object and one commit and the demo reports whether the commit
// reached device-b, so the whole chain (p2p, usercomm, nscomm, pagecomm,
// pagestore) runs at least once outside its unit tests.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vsrinivas/ledgersync/config"
	"github.com/vsrinivas/ledgersync/idspace"
	"github.com/vsrinivas/ledgersync/mesh/meshtest"
	"github.com/vsrinivas/ledgersync/metrics"
	"github.com/vsrinivas/ledgersync/pagecomm"
	"github.com/vsrinivas/ledgersync/pagestore"
	"github.com/vsrinivas/ledgersync/usercomm"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (defaults applied if empty)")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "building logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg := config.Default()
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatal("loading config", zap.Error(err))
		}
	}

	reg := metrics.NewRegistry()
	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, reg, log)
	}

	runLocalDemo(cfg, reg, log)
}

func serveMetrics(addr string, reg *metrics.Registry, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
	log.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", zap.Error(err))
	}
}

// staticUserId pins both demo devices to the same user so the handshake
// in p2p.Provider establishes rather than rejecting them as a user
// mismatch (spec §4.3).
type staticUserId struct{ id idspace.UserId }

func (s staticUserId) GetUserId() (idspace.UserId, error) { return s.id, nil }

const demoNamespace idspace.NamespaceId = "notes"

func runLocalDemo(cfg config.Config, reg *metrics.Registry, log *zap.Logger) {
	network := meshtest.NewNetwork()
	userId := idspace.UserId("demo-user")

	deviceA := idspace.DeviceId("device-a")
	deviceB := idspace.DeviceId("device-b")

	opts := pagecomm.Options{
		BatchMaxOutstandingRequests: cfg.BatchMaxOutstandingRequests,
		BatchParentTimeout:          cfg.BatchParentTimeout,
	}

	ucA := usercomm.New(deviceA, staticUserId{userId}, network.AddHost(deviceA), cfg.ProtocolVersion,
		cfg.HandshakeRateLimiterInterval, cfg.HandshakeRateLimiterBurst, reg, opts, log.Named("device-a"))
	ucB := usercomm.New(deviceB, staticUserId{userId}, network.AddHost(deviceB), cfg.ProtocolVersion,
		cfg.HandshakeRateLimiterInterval, cfg.HandshakeRateLimiterBurst, reg, opts, log.Named("device-b"))

	// Starting each user communicator resolves its local user id and
	// registers with the mesh; neither depends on the other, so they run
	// concurrently with errgroup.
	var g errgroup.Group
	g.Go(ucA.Start)
	g.Go(ucB.Start)
	if err := g.Wait(); err != nil {
		log.Fatal("starting devices", zap.Error(err))
	}
	defer ucA.Close()
	defer ucB.Close()

	storeA := pagestore.NewStore(idspace.PageId("page-1"))
	storeB := pagestore.NewStore(idspace.PageId("page-1"))

	pcA := ucA.GetLedgerCommunicator(demoNamespace).GetPageCommunicator(storeA, &pagestore.SyncClient{})
	pcB := ucB.GetLedgerCommunicator(demoNamespace).GetPageCommunicator(storeB, &pagestore.SyncClient{})
	pcA.Start()
	pcB.Start()

	obj := storeA.AddLocalObject([]byte("hello from device-a"))
	commit, err := storeA.AddLocalCommit(1, []byte("root"))
	if err != nil {
		log.Fatal("seeding local commit", zap.Error(err))
	}
	log.Info("seeded commit on device-a", zap.String("commit", string(commit.Id)), zap.String("object", string(obj)))

	time.Sleep(500 * time.Millisecond)

	if c, ok := storeB.GetCommit(commit.Id); ok {
		log.Info("commit synced to device-b", zap.String("commit", string(c.Id)), zap.Uint64("generation", c.Generation))
	} else {
		log.Warn("commit did not sync to device-b within the demo window")
	}
}

package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/lodestardb/lodestar/config"
	"github.com/lodestardb/lodestar/internal/clock"
	"github.com/lodestardb/lodestar/internal/cluster"
	"github.com/lodestardb/lodestar/internal/index"
	"github.com/lodestardb/lodestar/internal/logger"
	"github.com/lodestardb/lodestar/internal/masterless"
	"github.com/lodestardb/lodestar/internal/observability"
	"github.com/lodestardb/lodestar/internal/raft"
	srv "github.com/lodestardb/lodestar/internal/server"
	"github.com/lodestardb/lodestar/internal/storage"
	"github.com/lodestardb/lodestar/internal/wal"
	"github.com/lodestardb/lodestar/internal/wire"
)

func printBanner() {
	fmt.Print(`

██╗      ██████╗ ██████╗ ███████╗███████╗████████╗ █████╗ ██████╗
██║     ██╔═══██╗██╔══██╗██╔════╝██╔════╝╚══██╔══╝██╔══██╗██╔══██╗
██║     ██║   ██║██║  ██║█████╗  ███████╗   ██║   ███████║██████╔╝
██║     ██║   ██║██║  ██║██╔══╝  ╚════██║   ██║   ██╔══██║██╔══██╗
███████╗╚██████╔╝██████╔╝███████╗███████║   ██║   ██║  ██║██║  ██║
╚══════╝ ╚═════╝ ╚═════╝ ╚══════╝╚══════╝   ╚═╝   ╚═╝  ╚═╝╚═╝  ╚═╝

`)
}

func printConfiguration() {
	slog.Info("starting lodestar", slog.String("version", config.LodestarVersion))
	slog.Info("running with", slog.String("mode", config.Config.Mode))
	slog.Info("running with", slog.String("node_id", config.Config.NodeID))
	slog.Info("running with", slog.Int("port", config.Config.Port))
	slog.Info("running on", slog.Int("cores", runtime.NumCPU()))
}

const tickInterval = 25 * time.Millisecond

// Start boots the node per the loaded configuration and blocks until SIGTERM
// or SIGINT. Unrecoverable startup state (notably WAL corruption) exits 1.
func Start() {
	logger.Init(config.Config.LogLevel)
	printBanner()
	printConfiguration()

	clk := clock.WallClock{}
	dir := config.Config.NodeDir()

	engine, err := storage.Open(dir, time.Duration(config.Config.GroupCommitWindowMicros)*time.Microsecond, clk)
	if err != nil {
		if errors.Is(err, wal.ErrCorrupt) {
			slog.Error("refusing to start on a corrupt log; repair or remove the data directory",
				slog.String("dir", dir), slog.Any("error", err))
		} else {
			slog.Error("storage engine failed to open", slog.Any("error", err))
		}
		os.Exit(1)
	}
	index.Attach(engine, index.Noop{})

	if config.Config.MetricsAddr != "" {
		go observability.Serve(config.Config.MetricsAddr)
	}

	stopSnapshots := startSnapshotLoop(engine)

	var (
		svc        srv.Service
		clusterSrv *cluster.Server
		raftNode   *raft.Node
		gossipNode *masterless.Node
		stopStatus func()
	)
	fatalAbort := func(msg string, err error) {
		slog.Error(msg, slog.Any("error", err))
		stopSnapshots()
		engine.Close()
		os.Exit(1)
	}

	switch config.Config.Mode {
	case config.ModeStandalone:
		svc = &srv.StandaloneService{Engine: engine}

	case config.ModeRaft:
		roster, rerr := cluster.ParsePeerSpecs(config.Config.Peers, config.Config.NodeID)
		if rerr != nil {
			fatalAbort("invalid peer roster", rerr)
		}
		applyFn := func(ops []wal.Op) error {
			_, aerr := engine.ApplyReplicated(ops)
			return aerr
		}
		raftNode, err = raft.NewNode(dir, roster, raft.NewClusterTransport(roster), clk, raft.Options{
			ElectionTimeoutMin: time.Duration(config.Config.ElectionTimeoutMinMillis) * time.Millisecond,
			ElectionTimeoutMax: time.Duration(config.Config.ElectionTimeoutMaxMillis) * time.Millisecond,
			HeartbeatInterval:  time.Duration(config.Config.HeartbeatMillis) * time.Millisecond,
		}, applyFn)
		if err != nil {
			fatalAbort("raft node failed to start", err)
		}
		clusterSrv = cluster.NewServer(config.Config.InternodeAddr)
		raft.RegisterHandlers(clusterSrv, raftNode)
		if err := clusterSrv.Start(); err != nil {
			fatalAbort("inter-node server failed to start", err)
		}
		raftNode.Start(tickInterval)
		stopStatus = startStatusWriter(engine, raftNode)
		svc = &srv.RaftService{
			Engine:         engine,
			Node:           raftNode,
			ProposeTimeout: time.Duration(config.Config.ProposeTimeoutMillis) * time.Millisecond,
		}

	case config.ModeMasterless:
		roster, rerr := cluster.ParsePeerSpecs(config.Config.Peers, config.Config.NodeID)
		if rerr != nil {
			fatalAbort("invalid peer roster", rerr)
		}
		gossipNode = masterless.NewNode(roster, engine, clk, masterless.Options{
			Interval:        time.Duration(config.Config.GossipIntervalMillis) * time.Millisecond,
			Fanout:          config.Config.GossipFanout,
			FullSyncEvery:   config.Config.GossipFullSyncEvery,
			TombstoneRetain: time.Duration(config.Config.TombstoneRetainSec) * time.Second,
		})
		clusterSrv = cluster.NewServer(config.Config.InternodeAddr)
		masterless.RegisterHandlers(clusterSrv, gossipNode)
		if err := clusterSrv.Start(); err != nil {
			fatalAbort("inter-node server failed to start", err)
		}
		gossipNode.Start()
		svc = &srv.MasterlessService{Node: gossipNode}

	default:
		fatalAbort("unknown mode", fmt.Errorf("mode '%s' is not one of standalone, raft, masterless", config.Config.Mode))
	}

	clientSrv := srv.New(fmt.Sprintf("%s:%d", config.Config.Host, config.Config.Port), svc)
	if err := clientSrv.Start(); err != nil {
		fatalAbort("client server failed to start", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigs
	slog.Info("shutting down", slog.String("signal", sig.String()))

	clientSrv.Close()
	if gossipNode != nil {
		gossipNode.Stop()
	}
	if raftNode != nil {
		raftNode.Stop()
	}
	if clusterSrv != nil {
		clusterSrv.Close()
	}
	if stopStatus != nil {
		stopStatus()
	}
	stopSnapshots()
	if err := engine.Close(); err != nil {
		slog.Warn("engine close failed", slog.Any("error", err))
	}
	slog.Info("shutdown complete")
	os.Exit(0)
}

// startSnapshotLoop snapshots on the configured interval and whenever enough
// records pile up between intervals. Returns a stopper.
func startSnapshotLoop(engine *storage.Engine) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		interval := time.Duration(config.Config.SnapshotIntervalSec) * time.Second
		lastSnap := time.Now()
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if interval > 0 && time.Since(lastSnap) >= interval && engine.RecordsSinceSnapshot() > 0 {
					if err := engine.Snapshot(); err != nil {
						slog.Warn("interval snapshot failed", slog.Any("error", err))
					}
					lastSnap = time.Now()
					continue
				}
				if taken, err := engine.MaybeSnapshot(config.Config.SnapshotThresholdRecs); err != nil {
					slog.Warn("threshold snapshot failed", slog.Any("error", err))
				} else if taken {
					lastSnap = time.Now()
				}
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop); <-done }
}

// nodeStatus is the shape written to status.json for operators and the status
// subcommand.
type nodeStatus struct {
	Mode       string      `json:"mode"`
	NodeID     string      `json:"node_id"`
	Keys       int         `json:"keys"`
	AppliedSeq uint64      `json:"applied_seq"`
	Raft       raft.Status `json:"raft"`
	UpdatedAt  int64       `json:"updated_at"`
}

// startStatusWriter periodically dumps node state to the status file.
func startStatusWriter(engine *storage.Engine, node *raft.Node) func() {
	path := config.Config.StatusFilePath
	if path == "" {
		path = filepath.Join(config.Config.NodeDir(), "status.json")
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				st := nodeStatus{
					Mode:       config.Config.Mode,
					NodeID:     config.Config.NodeID,
					Keys:       engine.Len(),
					AppliedSeq: engine.AppliedSeq(),
					Raft:       node.Status(),
					UpdatedAt:  time.Now().UnixNano(),
				}
				b, err := wire.Marshal(st)
				if err != nil {
					continue
				}
				tmp := path + ".tmp"
				if err := os.WriteFile(tmp, b, 0o644); err != nil {
					continue
				}
				_ = os.Rename(tmp, path)
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop); <-done }
}

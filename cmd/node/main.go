// Command node is the Process Supervisor (spec.md §4.E): it loads an
// authority's keys/committee/parameters files, opens its store, and wires
// Primary, Consensus, and the Output Pipeline together over bounded
// channels, or generates a fresh keypair.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	log "github.com/sirupsen/logrus"

	core "github.com/sailfish-node/node/core"
	"github.com/sailfish-node/node/internal/nodeconfig"
	"github.com/sailfish-node/node/pkg/utils"
)

// channelCapacity bounds every inter-task queue the supervisor wires, the
// "supervisor wiring: 1,000" figure from spec.md §5.
const channelCapacity = 1000

func main() {
	root := rootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var verbosity int
	var configFile string

	cmd := &cobra.Command{
		Use:   "node",
		Short: "A DAG mempool/consensus node (research implementation).",
	}
	cmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "verbosity (repeatable, up to 4)")
	cmd.PersistentFlags().StringVar(&configFile, "config", utils.EnvOrDefault("SAILFISH_CONFIG", ""),
		"optional ambient node config file (logging/metrics); defaults to $SAILFISH_CONFIG")

	cmd.AddCommand(generateKeysCmd())
	cmd.AddCommand(runCmd(&verbosity, &configFile))
	return cmd
}

func generateKeysCmd() *cobra.Command {
	var filename string
	cmd := &cobra.Command{
		Use:   "generate_keys",
		Short: "Print a fresh key pair to file",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := core.GenerateKeyPair()
			if err != nil {
				return utils.Wrap(err, "generate key pair")
			}
			if err := core.ExportKeyFile(kp, filename); err != nil {
				return utils.Wrap(err, "export key file")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&filename, "filename", "", "the file where to print the new key pair")
	cmd.MarkFlagRequired("filename")
	return cmd
}

func runCmd(verbosity *int, configFile *string) *cobra.Command {
	var keysFile, committeeFile, parametersFile, storePath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a node",
	}
	cmd.PersistentFlags().StringVar(&keysFile, "keys", "", "the file containing the node's keys")
	cmd.PersistentFlags().StringVar(&committeeFile, "committee", "", "the file containing committee information")
	cmd.PersistentFlags().StringVar(&parametersFile, "parameters", "", "the file containing the node's parameters")
	cmd.PersistentFlags().StringVar(&storePath, "store", "", "the path where to create the data store")
	cmd.MarkPersistentFlagRequired("keys")
	cmd.MarkPersistentFlagRequired("committee")
	cmd.MarkPersistentFlagRequired("store")

	cmd.AddCommand(runPrimaryCmd(verbosity, configFile, &keysFile, &committeeFile, &parametersFile, &storePath))
	cmd.AddCommand(runWorkerCmd(verbosity, configFile, &keysFile, &committeeFile, &parametersFile, &storePath))
	return cmd
}

func loadRunInputs(lg *log.Logger, keysFile, committeeFile, parametersFile string) (core.KeyPair, core.Committee, core.Parameters, error) {
	keys, err := core.ImportKeyFile(keysFile)
	if err != nil {
		return core.KeyPair{}, core.Committee{}, core.Parameters{}, utils.Wrap(err, "load the node's keypair")
	}
	committee, err := core.ImportCommittee(committeeFile)
	if err != nil {
		return core.KeyPair{}, core.Committee{}, core.Parameters{}, utils.Wrap(err, "load the committee information")
	}
	params := core.DefaultParameters()
	if parametersFile != "" {
		params, err = core.ImportParameters(parametersFile)
		if err != nil {
			return core.KeyPair{}, core.Committee{}, core.Parameters{}, utils.Wrap(err, "load the node's parameters")
		}
	}
	lg.Debugf("loaded keypair %s, committee of %d authorities (%d stake), gc_depth=%d",
		keys.Name, committee.Size(), committee.Stake(), params.GCDepth)
	return keys, committee, params, nil
}

func newLogger(verbosity int, cfg nodeconfig.Config) *log.Logger {
	lg := log.New()
	level := logLevelFor(verbosity, cfg.Logging.Level)
	lg.SetLevel(level)
	if cfg.Logging.Format == "json" {
		lg.SetFormatter(&log.JSONFormatter{})
	}
	if cfg.Logging.File != "" {
		if f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			lg.SetOutput(f)
		} else {
			lg.Warnf("could not open log file %s: %v", cfg.Logging.File, err)
		}
	}
	return lg
}

// logLevelFor maps the repeated -v count (0-4, spec.md §4.E/§6) to a level,
// with an ambient-config level as the floor when -v is not given at all.
func logLevelFor(verbosity int, ambient string) log.Level {
	if verbosity == 0 {
		lvl, err := log.ParseLevel(ambient)
		if err == nil {
			return lvl
		}
		return log.ErrorLevel
	}
	switch {
	case verbosity == 1:
		return log.WarnLevel
	case verbosity == 2:
		return log.InfoLevel
	case verbosity == 3:
		return log.DebugLevel
	default:
		return log.TraceLevel
	}
}

// startMetrics brings up the Prometheus exposition endpoint named by
// cfg.Metrics (internal/nodeconfig), when enabled, and returns a registerer
// to thread into the store/pipeline constructors plus a shutdown func. When
// metrics are disabled it returns a nil registerer, matching NewStore's
// "nil skips registration" convention, since there is no listener for any
// registered counter to serve.
//
// The listener is bound with net.Listen before this function returns rather
// than inside the serving goroutine: two processes (e.g. a primary and a
// worker started on the same host) defaulting to the same
// cfg.Metrics.ListenAddr is a real, likely misconfiguration, and binding
// synchronously turns it into a startup error instead of a silently
// unreachable /metrics endpoint discovered only much later by an operator.
func startMetrics(cfg nodeconfig.Config, lg *log.Logger) (prometheus.Registerer, func(context.Context) error, error) {
	if !cfg.Metrics.Enabled {
		return nil, func(context.Context) error { return nil }, nil
	}
	ln, err := net.Listen("tcp", cfg.Metrics.ListenAddr)
	if err != nil {
		return nil, nil, utils.Wrap(err, "bind metrics listener on "+cfg.Metrics.ListenAddr)
	}
	reg := prometheus.NewRegistry()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			lg.Warnf("metrics listener on %s stopped: %v", cfg.Metrics.ListenAddr, err)
		}
	}()
	lg.Infof("metrics listening on %s", cfg.Metrics.ListenAddr)
	return reg, srv.Shutdown, nil
}

func runPrimaryCmd(verbosity *int, configFile, keysFile, committeeFile, parametersFile, storePath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "primary",
		Short: "Run a single primary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ncfg, err := nodeconfig.Load(*configFile)
			if err != nil {
				return utils.Wrap(err, "load node config")
			}
			lg := newLogger(*verbosity, ncfg)

			keys, committee, params, err := loadRunInputs(lg, *keysFile, *committeeFile, *parametersFile)
			if err != nil {
				return err
			}

			reg, stopMetrics, err := startMetrics(ncfg, lg)
			if err != nil {
				return err
			}
			defer stopMetrics(context.Background())

			store, err := core.NewStore(*storePath, lg, reg)
			if err != nil {
				return utils.Wrap(err, "create a store")
			}
			defer store.Close()

			certFilePath := filepath.Join(*storePath, "ordered_certificates.json")
			outputFilePath := filepath.Join(*storePath, "ordered_batches2.json")
			pipeline, err := core.NewOutputPipeline(*storePath, certFilePath, outputFilePath, lg, reg)
			if err != nil {
				return utils.Wrap(err, "open output pipeline")
			}
			defer pipeline.Close()

			authority, err := committee.Authority(keys.Name)
			if err != nil {
				return utils.Wrap(err, "look up this authority's own committee entry")
			}

			// newCertificates and feedback carry the Primary/Consensus
			// traffic described in spec.md §4.E. consensusHeader is wired
			// for topology parity with the upstream four-channel layout but
			// carries no traffic here: header-voting and tip-tracking (the
			// producer of that channel) is explicitly out of scope per
			// spec.md §1, so nothing ever sends on it.
			newCertificates := make(chan core.Header, channelCapacity)
			feedback := make(chan core.Digest, channelCapacity)
			consensusHeader := make(chan core.Header, channelCapacity)
			output := make(chan core.Certificate, channelCapacity)
			defer close(consensusHeader)

			primary := core.NewPrimary(keys.Name, lg, reg)
			consensus := core.NewConsensus(params.GCDepth, lg)

			// primaryCtx governs only the Primary's poll loop. It is
			// cancelled and fully drained before newCertificates is closed,
			// so the sole producer has stopped sending before the channel
			// is closed underneath it.
			primaryCtx, cancelPrimary := context.WithCancel(context.Background())
			defer cancelPrimary()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			workerIDs := make([]core.WorkerID, 0, len(authority.Workers))
			for id := range authority.Workers {
				workerIDs = append(workerIDs, id)
			}

			primaryDone := make(chan error, 1)
			go func() {
				primaryDone <- primary.Run(primaryCtx, *storePath, workerIDs, newCertificates, feedback)
			}()

			consensusDone := make(chan error, 1)
			go func() { consensusDone <- consensus.Run(ctx, newCertificates, feedback, output) }()

			pipelineDone := make(chan error, 1)
			go func() { pipelineDone <- pipeline.Run(ctx, output) }()

			lg.Infof("primary spawned. Blocking indefinitely...")
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			lg.Infof("primary received ctrl+c. Exiting.")

			// Stop the Primary first and wait for its loop to actually
			// return before closing newCertificates — it is the only
			// sender, so the channel must not be closed until it has
			// stopped, or a send would race the close and panic.
			cancelPrimary()
			if err := <-primaryDone; err != nil {
				lg.Debugf("primary stopped: %v", err)
			}

			// Close the inbound channel first so Consensus finishes and
			// closes output in turn: that lets the Output Pipeline observe
			// a clean end-of-stream and run WriteAggregate, rather than
			// reacting to ctx cancellation and skipping the final aggregate
			// write. cancel() remains a backstop for anything still
			// blocked on ctx (e.g. the output pipeline still polling for a
			// batch that will now never arrive).
			close(newCertificates)
			if err := <-consensusDone; err != nil {
				lg.Debugf("consensus stopped: %v", err)
			}
			cancel()
			if err := <-pipelineDone; err != nil {
				return utils.Wrap(err, "output pipeline")
			}
			return nil
		},
	}
}

func runWorkerCmd(verbosity *int, configFile, keysFile, committeeFile, parametersFile, storePath *string) *cobra.Command {
	var id uint32
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a single worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ncfg, err := nodeconfig.Load(*configFile)
			if err != nil {
				return utils.Wrap(err, "load node config")
			}
			lg := newLogger(*verbosity, ncfg)

			keys, committee, _, err := loadRunInputs(lg, *keysFile, *committeeFile, *parametersFile)
			if err != nil {
				return err
			}

			addrs, err := committee.Worker(keys.Name, core.WorkerID(id))
			if err != nil {
				return utils.Wrap(err, "look up worker addresses")
			}

			reg, stopMetrics, err := startMetrics(ncfg, lg)
			if err != nil {
				return err
			}
			defer stopMetrics(context.Background())

			workerStorePath := fmt.Sprintf("%s-%d", *storePath, id)
			workerStore, err := core.NewStore(workerStorePath, lg, reg)
			if err != nil {
				return utils.Wrap(err, "create a store")
			}
			defer workerStore.Close()

			w, err := core.NewWorker(core.WorkerID(id), addrs, workerStore, lg)
			if err != nil {
				return utils.Wrap(err, "start worker")
			}
			defer w.Close()

			lg.Infof("worker %d spawned. Blocking indefinitely...", id)
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			lg.Infof("worker %d received ctrl+c. Exiting.", id)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&id, "id", 0, "the worker id")
	cmd.MarkFlagRequired("id")
	return cmd
}

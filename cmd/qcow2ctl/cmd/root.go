package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	qcow2 "github.com/ehrlich-b/go-qcow2-engine"
	"github.com/ehrlich-b/go-qcow2-engine/driver"
)

var configFile string

// state shared by the subcommands of one invocation
var (
	cfg     *Config
	log     = logrus.New()
	metrics *qcow2.Metrics
	gather  *prometheus.Registry
)

var rootCmd = &cobra.Command{
	Use:   "qcow2ctl",
	Short: "Inspect and edit qcow2 disk images",
	Long: `qcow2ctl reads, writes and inspects qcow2 (v2/v3) disk images.

Commands:
  info     Show header and geometry
  create   Create an empty image
  read     Copy guest data out of an image
  write    Copy data into an image
  map      Show the allocation map
  check    Check refcount consistency`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = LoadConfig(configFile, cmd.Flags())
		if err != nil {
			return err
		}
		if err := setupLogging(cfg); err != nil {
			return err
		}
		gather, metrics = nil, nil
		if cfg.Stats {
			gather = prometheus.NewRegistry()
			metrics, err = qcow2.NewMetrics(gather)
			if err != nil {
				return err
			}
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if gather == nil {
			return nil
		}
		return dumpStats(cmd.ErrOrStderr(), gather)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default qcow2ctl.yaml)")
	flags.String("log-level", "warn", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.Bool("direct", false, "open image files with O_DIRECT")
	flags.String("barrier", qcow2.BarrierMetadata.String(), "write barrier mode (none, batched, metadata, full)")
	flags.String("backing", "", "backing file to read unallocated clusters from (overrides the header)")
	flags.Bool("no-backing", false, "ignore the backing file named in the header")
	flags.Bool("reuse-free-clusters", false, "allocate from free clusters anywhere in the file")
	flags.Bool("stats", false, "print engine metrics to stderr on exit")
}

func setupLogging(c *Config) error {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)
	switch c.LogFormat {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// dumpStats writes the gathered metrics in the Prometheus text format,
// skipping families that never recorded a sample.
func dumpStats(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if !hasSamples(mf) {
			continue
		}
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode metrics for %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

func hasSamples(mf *dto.MetricFamily) bool {
	for _, m := range mf.GetMetric() {
		switch {
		case m.GetCounter().GetValue() != 0:
			return true
		case m.GetGauge().GetValue() != 0:
			return true
		}
	}
	return false
}

// session is one image opened through the driver registry.
type session struct {
	reg     *driver.Registry
	handle  driver.Handle
	backing *qcow2.BackingChain
}

// openImage opens path with the qcow2 driver, wiring in the configured
// backing file, barrier mode and metrics.
func openImage(path string, readOnly bool) (*session, error) {
	f, err := qcow2.OpenHostFile(path, readOnly, cfg.Direct)
	if err != nil {
		return nil, err
	}

	s := &session{reg: driver.NewRegistry(log)}
	if err := s.reg.Register(driver.QCOW2()); err != nil {
		f.Close()
		return nil, err
	}

	opts := []qcow2.Option{
		qcow2.WithLogger(log.WithField("path", path)),
		qcow2.WithReadOnly(readOnly),
		qcow2.WithBarrierMode(cfg.BarrierMode()),
		qcow2.WithReuseFreeClusters(cfg.ReuseFreeClusters),
		qcow2.WithMetrics(metrics),
	}

	backingName := cfg.Backing
	if backingName == "" && !cfg.NoBacking {
		if backingName, err = qcow2.ReadBackingFileName(f); err != nil {
			f.Close()
			return nil, err
		}
	}
	if backingName != "" {
		s.backing, err = qcow2.OpenBackingChain(path, backingName, qcow2.WithLogger(log))
		if err != nil {
			f.Close()
			return nil, err
		}
		log.WithFields(logrus.Fields{
			"backing": s.backing.Path(),
			"depth":   s.backing.Depth(),
		}).Debug("opened backing chain")
		opts = append(opts, qcow2.WithBacking(s.backing))
	}

	s.handle, err = s.reg.Open(driver.QCOW2Name, f, opts...)
	if err != nil {
		f.Close()
		if s.backing != nil {
			s.backing.Close()
		}
		return nil, err
	}
	return s, nil
}

// image runs fn with the session's image.
func (s *session) image(fn func(img *qcow2.Image) error) error {
	return s.reg.Do(s.handle, func(state any) error {
		return fn(state.(*qcow2.Image))
	})
}

func (s *session) Close() error {
	err := s.reg.Close(s.handle)
	if s.backing != nil {
		if berr := s.backing.Close(); err == nil {
			err = berr
		}
	}
	return err
}

//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/netmap-fwd-go/ifacestat"
	"github.com/romshark/netmap-fwd-go/netmap"
	"github.com/romshark/netmap-fwd-go/ratelimit"
	"github.com/romshark/netmap-fwd-go/reactor"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "nmfwd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		fConfig     string
		fIfaces     []string
		fBurst      int
		fNoHostRing bool
		fLogLevel   string
		fStats      time.Duration
		fRatePPS    uint64
	)

	cmd := &cobra.Command{
		Use:           "nmfwd",
		Short:         "Drain netmap rings and bridge packets between NICs and the host stack",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig(fConfig)
			if err != nil {
				return err
			}
			for _, name := range fIfaces {
				conf.Interfaces = append(conf.Interfaces, InterfaceConfig{Name: name})
			}
			flags := cmd.Flags()
			if flags.Changed("burst") {
				conf.Burst = fBurst
			}
			if flags.Changed("no-host-ring") {
				conf.NoHostRing = fNoHostRing
			}
			if flags.Changed("log-level") {
				conf.LogLevel = fLogLevel
			}
			if flags.Changed("stats-interval") {
				conf.StatsInterval = fStats
			}
			if flags.Changed("rate-pps") {
				conf.RatePPS = fRatePPS
			}
			if err := conf.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, conf)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&fConfig, "config", "c", "", "path to config YAML file")
	flags.StringSliceVarP(&fIfaces, "interface", "i", nil, "hardware interface to open (repeatable)")
	flags.IntVarP(&fBurst, "burst", "b", netmap.DefaultBurst, "max packets per readiness event")
	flags.BoolVar(&fNoHostRing, "no-host-ring", false, "do not register the host stack rings")
	flags.StringVar(&fLogLevel, "log-level", "info", "log level")
	flags.DurationVar(&fStats, "stats-interval", 0, "print counters at this interval (0 disables)")
	flags.Uint64Var(&fRatePPS, "rate-pps", 0, "drop forwarded packets above this rate (0 disables)")
	return cmd
}

func run(ctx context.Context, conf *Config) error {
	log := newLogger(conf.LogLevel, conf.LogFormat)
	defer func() { _ = log.Sync() }()

	b, err := yaml.Marshal(conf)
	if err != nil {
		return fmt.Errorf("encoding final YAML config: %w", err)
	}
	log.Debug("config", zap.ByteString("yaml", b))

	loop, err := reactor.New()
	if err != nil {
		return fmt.Errorf("creating event loop: %w", err)
	}
	defer loop.Close()

	events := netmap.EventSourceFunc(func(fd int, fn func()) (netmap.Subscription, error) {
		w, err := loop.Subscribe(fd, fn)
		if err != nil {
			return nil, err
		}
		return w, nil
	})

	stats := ifacestat.NewCollector()
	ctrl, err := netmap.NewController(netmap.Config{
		Burst:      conf.Burst,
		NoHostRing: conf.NoHostRing,
		Logger:     log,
	}, netmap.SysKernel{}, events,
		stats.Process(makeClassifier(ratelimit.New(conf.RatePPS, conf.RateBurst))),
		stats.Bridge(netmap.HostBridge),
	)
	if err != nil {
		return err
	}

	for _, ifc := range conf.Interfaces {
		h := netmap.NewInterface(ifc.Name, ifc.mode())
		if err := ctrl.Open(h); err != nil {
			return errors.Join(
				fmt.Errorf("opening %s: %w", ifc.Name, err),
				ctrl.CloseAll(),
			)
		}
	}

	if conf.StatsInterval > 0 {
		go runStatsPrinter(ctx, stats, conf.StatsInterval)
	}

	start := time.Now()
	err = loop.Run(ctx)

	// Interfaces are closed on this goroutine, after the loop stopped
	// dispatching into their rings.
	closeErr := ctrl.CloseAll()
	printFinalReport(stats.Snapshot(), time.Since(start))

	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return errors.Join(err, closeErr)
}

// makeClassifier returns the packet pipeline: frames that are not valid
// Ethernet or exceed the policer's rate are dropped, everything else
// passes between NIC and host stack.
func makeClassifier(policer *ratelimit.Policer) netmap.ProcessFunc {
	var eth layers.Ethernet
	return func(_ *netmap.Interface, _ int, buf []byte) (netmap.Verdict, error) {
		if err := eth.DecodeFromBytes(buf, gopacket.NilDecodeFeedback); err != nil {
			return netmap.Consumed, nil
		}
		if !policer.Allow() {
			return netmap.Consumed, nil
		}
		return netmap.ForwardToBridge, nil
	}
}

func runStatsPrinter(ctx context.Context, stats *ifacestat.Collector, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	last := stats.Snapshot()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		now := stats.Snapshot()
		_ = ifacestat.Print(os.Stderr, now.Since(last))
		last = now
	}
}

func printFinalReport(stats ifacestat.Stats, elapsed time.Duration) {
	rxPackets := stats.Total(ifacestat.RxPackets)
	rxBytes := stats.Total(ifacestat.RxBytes)
	bridged := stats.Total(ifacestat.BridgedPackets)
	errs := stats.Total(ifacestat.Errors)

	secs := elapsed.Seconds()
	var avgPPS uint64
	var avgMbps float64
	if secs > 0 {
		avgPPS = uint64(float64(rxPackets) / secs)
		avgMbps = float64(rxBytes*8) / 1e6 / secs
	}

	p := message.NewPrinter(language.English)
	p.Fprint(os.Stderr, "\nFINAL REPORT\n")
	p.Fprintf(os.Stderr, " Elapsed:           %.3f s\n", secs)
	p.Fprintf(os.Stderr, " RX:                %d packets\n", rxPackets)
	p.Fprintf(os.Stderr, " Bridged:           %d packets\n", bridged)
	p.Fprintf(os.Stderr, " Errors:            %d\n", errs)
	p.Fprintf(os.Stderr, " RX Avg PPS:        %d\n", avgPPS)
	p.Fprintf(os.Stderr, " RX Avg rate:       %.1f Mbps\n", avgMbps)
	fmt.Fprintln(os.Stderr)
	_ = ifacestat.Print(os.Stderr, stats)
}

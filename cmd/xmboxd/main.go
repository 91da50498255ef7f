// Command xmboxd runs the mailbox transport for one core against the mapped
// interconnect, or for every core of the SoC on the simulated interconnect.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corebus/xmbox/kernel/config"
	"github.com/corebus/xmbox/kernel/hal"
	"github.com/corebus/xmbox/kernel/ipc"
	"github.com/corebus/xmbox/kernel/mailbox/sim"
	"github.com/corebus/xmbox/kernel/utils"
)

func main() {
	var (
		configPath = flag.String("config", "", "SoC description (YAML); empty uses the reference SoC")
		coreName   = flag.String("core", "ap0", "core to run in hardware mode")
		simulate   = flag.Bool("sim", false, "run every core on the simulated interconnect")
		metrics    = flag.String("metrics", "", "metrics listen address; overrides the config")
		interval   = flag.Duration("ping-interval", 5*time.Second, "platform ping sweep period; 0 disables")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			utils.Fatal("Failed to load config", utils.String("path", *configPath), utils.Err(err))
		}
	}
	if *metrics != "" {
		cfg.Runtime.MetricsAddr = *metrics
	}

	logger := utils.NewLogger(utils.LoggerConfig{
		Level:     utils.ParseLevel(cfg.Runtime.LogLevel),
		Component: "xmboxd",
		Output:    os.Stdout,
		Colorize:  true,
	})
	utils.SetGlobalLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown := utils.NewGracefulShutdown(5*time.Second, logger.Named("shutdown"))
	var cores []*ipc.Core
	var err error
	if *simulate {
		cores, err = startSimulated(ctx, cfg, logger, shutdown)
	} else {
		id, ok := cfg.CoreByName(*coreName)
		if !ok {
			logger.Fatal("Unknown core", utils.String("core", *coreName))
		}
		var c *ipc.Core
		c, err = startHardware(ctx, cfg, id, logger, shutdown)
		cores = []*ipc.Core{c}
	}
	if err != nil {
		_ = shutdown.Shutdown(context.Background())
		logger.Fatal("Failed to start transport", utils.Err(err))
	}

	if addr := cfg.Runtime.MetricsAddr; addr != "" {
		serveMetrics(addr, cores, logger, shutdown)
	}
	if *interval > 0 {
		go sweep(ctx, cfg, cores, *interval, logger)
	}

	logger.Info("Transport running", utils.Int("cores", len(cores)), utils.Bool("sim", *simulate))
	<-ctx.Done()

	if err := shutdown.Shutdown(context.Background()); err != nil {
		logger.Error("Shutdown incomplete", utils.Err(err))
		os.Exit(1)
	}
}

// startSimulated brings up every configured core on one in-process fabric.
func startSimulated(ctx context.Context, cfg *config.Config, logger *utils.Logger, shutdown *utils.GracefulShutdown) ([]*ipc.Core, error) {
	fabric := sim.NewFabric(len(cfg.Instances), sim.DefaultOptions())
	shutdown.Register("fabric", fabric.Close)

	var cores []*ipc.Core
	for _, core := range cfg.Cores {
		banks := make([]hal.RegisterBank, len(cfg.Instances))
		lines := make([]hal.InterruptLine, len(cfg.Instances))
		for i := range cfg.Instances {
			banks[i] = fabric.Bank(i)
			if ls, ok := cfg.LineOf(core.ID, i); ok {
				lines[i] = fabric.Bank(i).Line(ls.Line)
			}
		}
		c, err := ipc.New(ipc.Options{
			Config: cfg,
			Self:   core.ID,
			Banks:  banks,
			Lines:  lines,
			Logger: logger.Named(core.Name),
		})
		if err != nil {
			return cores, err
		}
		shutdown.Register("core "+core.Name, c.Close)
		if err := c.Start(ctx); err != nil {
			return cores, err
		}
		cores = append(cores, c)
	}
	return cores, nil
}

// startHardware maps each instance the core is wired to and opens its interrupt
// devices.
func startHardware(ctx context.Context, cfg *config.Config, self int, logger *utils.Logger, shutdown *utils.GracefulShutdown) (*ipc.Core, error) {
	banks := make([]hal.RegisterBank, len(cfg.Instances))
	lines := make([]hal.InterruptLine, len(cfg.Instances))
	for i, inst := range cfg.Instances {
		ls, ok := cfg.LineOf(self, i)
		if !ok {
			continue
		}
		if ls.UIO == "" {
			logger.Warn("No interrupt device for instance, skipping", utils.Int("instance", inst.ID))
			continue
		}
		bank, err := openBank(inst)
		if err != nil {
			return nil, utils.WrapErrorf(err, "instance %d", inst.ID)
		}
		shutdown.Register("bank "+ls.UIO, bank.Close)
		line, err := openLine(ls.UIO)
		if err != nil {
			return nil, utils.WrapErrorf(err, "instance %d", inst.ID)
		}
		banks[i], lines[i] = bank, line
	}

	c, err := ipc.New(ipc.Options{
		Config: cfg,
		Self:   self,
		Banks:  banks,
		Lines:  lines,
		Logger: logger.Named(cfg.CoreName(self)),
	})
	if err != nil {
		return nil, err
	}
	shutdown.Register("core", c.Close)
	return c, c.Start(ctx)
}

func serveMetrics(addr string, cores []*ipc.Core, logger *utils.Logger, shutdown *utils.GracefulShutdown) {
	gatherers := make(prometheus.Gatherers, 0, len(cores))
	for _, c := range cores {
		gatherers = append(gatherers, c.Metrics().Registry())
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", utils.Err(err))
		}
	}()
	shutdown.Register("metrics", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
	logger.Info("Serving metrics", utils.String("addr", addr))
}

// reachable returns the peers of c it has a path to.
func reachable(cfg *config.Config, c *ipc.Core) uint32 {
	var all uint32
	for _, p := range cfg.Cores {
		if p.ID != c.Self() {
			all |= 1 << p.ID
		}
	}
	r, err := c.Table().Compute(all)
	if err != nil {
		return 0
	}
	return all &^ r.Unreachable
}

// sweep announces each local core as powered on, then pings every peer it can route to
// on a fixed period and logs the round trips.
func sweep(ctx context.Context, cfg *config.Config, cores []*ipc.Core, every time.Duration, logger *utils.Logger) {
	for _, c := range cores {
		peers := reachable(cfg, c)
		if peers == 0 {
			continue
		}
		if err := c.AnnounceState(ctx, ipc.PowerOn, peers); err != nil {
			logger.Warn("Announce failed", utils.String("core", c.Name()), utils.Err(err))
		}
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, c := range cores {
			peers := reachable(cfg, c)
			for _, p := range cfg.Cores {
				if peers&(1<<p.ID) == 0 {
					continue
				}
				rtt, err := c.Ping(ctx, p.ID)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					logger.Warn("Ping failed", utils.String("from", c.Name()), utils.String("to", p.Name), utils.Err(err))
					continue
				}
				logger.Debug("Ping", utils.String("from", c.Name()), utils.String("to", p.Name), utils.Duration("rtt", rtt))
			}
			logger.Debug("Usage", utils.String("snapshot", c.Kernel().QueryMailboxUsage(nil).String()))
		}
	}
}

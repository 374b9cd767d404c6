// Command replaykit replays captured GPU pipeline state from a record
// database. By default it supervises the replay in a child worker process so
// that a driver crash on a poisoned record is contained and reported; with
// --worker it runs the replay itself against a shared control block.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/gogpu/replaykit"
)

// envConfig holds the defaults that can be set through the environment and
// overridden by flags.
type envConfig struct {
	Threads  int `env:"REPLAYKIT_THREADS"`
	Loop     int `env:"REPLAYKIT_LOOP"`
	RingSize int `env:"REPLAYKIT_RING_SIZE"`
}

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (m *multiFlag) String() string { return fmt.Sprint([]string(*m)) }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func main() {
	var cfg envConfig
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, "replaykit:", err)
		os.Exit(1)
	}

	var (
		worker       = flag.Bool("worker", false, "run as replay worker (internal)")
		shmName      = flag.String("shm", "", "control block segment name (worker mode)")
		db           = flag.String("db", "", "record database path")
		threads      = flag.Int("num-threads", cfg.Threads, "replay worker threads (0 = all CPUs)")
		loop         = flag.Int("loop", cfg.Loop, "re-create each object N times")
		ringSize     = flag.Int("ring-size", cfg.RingSize, "log ring size in bytes (0 = default)")
		nullDriver   = flag.Bool("null-driver", false, "replay against the in-memory device")
		onDiskCache  = flag.String("on-disk-cache", "", "pipeline cache file to load and save")
		quiet        = flag.Bool("quiet", false, "suppress log output")
		verbose      = flag.Bool("verbose", false, "enable debug logging")
		pollInterval = flag.Duration("poll-interval", time.Second, "progress report interval (supervisor mode)")

		filterGraphics multiFlag
		filterCompute  multiFlag
	)
	flag.Var(&filterGraphics, "filter-graphics", "replay only this graphics pipeline hash (repeatable)")
	flag.Var(&filterCompute, "filter-compute", "replay only this compute pipeline hash (repeatable)")
	flag.Parse()

	if !*quiet {
		level := slog.LevelInfo
		if *verbose {
			level = slog.LevelDebug
		}
		replaykit.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})))
	}

	// The database may also be given as the positional argument.
	if *db == "" && flag.NArg() > 0 {
		*db = flag.Arg(0)
	}
	if *db == "" {
		fmt.Fprintln(os.Stderr, "replaykit: no record database given")
		os.Exit(2)
	}

	if *worker {
		os.Exit(runWorker(workerConfig{
			segment:        *shmName,
			database:       *db,
			threads:        *threads,
			loop:           *loop,
			nullDriver:     *nullDriver,
			onDiskCache:    *onDiskCache,
			filterGraphics: filterGraphics,
			filterCompute:  filterCompute,
		}))
	}
	os.Exit(runSupervisor(replaykit.Options{
		Database:       *db,
		NumThreads:     *threads,
		LoopCount:      *loop,
		RingSize:       *ringSize,
		NullDriver:     *nullDriver,
		OnDiskCache:    *onDiskCache,
		Quiet:          *quiet,
		FilterGraphics: filterGraphics,
		FilterCompute:  filterCompute,
	}, *pollInterval))
}

// runSupervisor launches the worker, reports progress at every interval, and
// prints the final summary.
func runSupervisor(opts replaykit.Options, interval time.Duration) int {
	log := replaykit.Logger()
	sup := replaykit.NewSupervisor(opts)
	if err := sup.Start(); err != nil {
		log.Error("start failed", "err", err)
		return 1
	}
	defer func() {
		if err := sup.Close(); err != nil {
			log.Warn("close failed", "err", err)
		}
	}()

	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for !sup.IsComplete() {
		<-ticker.C
		state, p, err := sup.Poll()
		if err != nil {
			log.Error("poll failed", "err", err)
			return 1
		}
		if state == replaykit.PollRunning {
			log.Info("progress",
				"graphics", fmt.Sprintf("%d/%d", p.Graphics.Completed, p.Graphics.Total),
				"compute", fmt.Sprintf("%d/%d", p.Compute.Completed, p.Compute.Total),
				"modules", p.TotalModules, "banned", p.BannedModules)
		}
	}

	clean, err := sup.Wait()
	if err != nil {
		log.Error("wait failed", "err", err)
		return 1
	}
	p := sup.Progress()
	log.Info("replay summary",
		"graphics_total", p.Graphics.Total,
		"graphics_completed", p.Graphics.Completed,
		"graphics_skipped", p.Graphics.Skipped,
		"compute_total", p.Compute.Total,
		"compute_completed", p.Compute.Completed,
		"compute_skipped", p.Compute.Skipped,
		"modules", p.TotalModules,
		"banned_modules", p.BannedModules,
		"clean_deaths", p.CleanDeaths,
		"dirty_deaths", p.DirtyDeaths,
	)
	if !clean {
		log.Warn("worker did not complete cleanly")
		return 1
	}
	return 0
}

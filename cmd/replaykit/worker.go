package main

import (
	"errors"
	"os"

	"github.com/gogpu/replaykit"
	"github.com/gogpu/replaykit/internal/database"
	"github.com/gogpu/replaykit/internal/driver"
	"github.com/gogpu/replaykit/internal/records"
	"github.com/gogpu/replaykit/internal/replay"
	"github.com/gogpu/replaykit/internal/shm"
)

type workerConfig struct {
	segment        string
	database       string
	threads        int
	loop           int
	nullDriver     bool
	onDiskCache    string
	filterGraphics []string
	filterCompute  []string
}

// runWorker executes one replay batch. With a segment name it attaches the
// supervisor's control block and reports through it; without one (manual
// invocation) progress stays local. Exit code 0 means the whole batch was
// attempted.
func runWorker(cfg workerConfig) int {
	log := replaykit.Logger()

	var sink replay.ProgressSink = replay.NopSink{}
	if cfg.segment != "" {
		block, err := shm.Attach(cfg.segment)
		if err != nil {
			log.Error("control block attach failed", "segment", cfg.segment, "err", err)
			return 1
		}
		defer func() {
			if err := block.Close(); err != nil {
				log.Warn("control block close failed", "err", err)
			}
		}()
		sink = block
	}

	db, err := database.OpenSQLite(cfg.database)
	if err != nil {
		log.Error("database open failed", "path", cfg.database, "err", err)
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn("database close failed", "err", err)
		}
	}()

	var dev driver.Device
	if cfg.nullDriver {
		dev = driver.NewFake()
	} else {
		dev, err = driver.OpenWGPU(log)
		if err != nil {
			log.Error("device open failed", "err", err)
			return 1
		}
	}
	defer dev.Close()

	if cfg.onDiskCache != "" {
		loadPipelineCache(dev, cfg.onDiskCache)
	}

	filterGraphics, err := parseHashFilter(cfg.filterGraphics)
	if err != nil {
		log.Error("bad graphics filter", "err", err)
		return 2
	}
	filterCompute, err := parseHashFilter(cfg.filterCompute)
	if err != nil {
		log.Error("bad compute filter", "err", err)
		return 2
	}

	sched := replay.New(db, dev, sink, log, replay.Options{
		NumThreads:     cfg.threads,
		LoopCount:      cfg.loop,
		FilterGraphics: filterGraphics,
		FilterCompute:  filterCompute,
	})
	runErr := sched.Run()
	sched.Close()

	if cfg.onDiskCache != "" {
		savePipelineCache(dev, cfg.onDiskCache)
	}
	if runErr != nil {
		log.Error("replay failed", "err", runErr)
		return 1
	}
	return 0
}

// parseHashFilter converts hex hash strings into a membership set; nil when
// no filter was given.
func parseHashFilter(hashes []string) (map[records.Hash]struct{}, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	set := make(map[records.Hash]struct{}, len(hashes))
	for _, s := range hashes {
		h, err := records.ParseHash(s)
		if err != nil {
			return nil, err
		}
		set[h] = struct{}{}
	}
	return set, nil
}

// loadPipelineCache primes the device's pipeline cache from disk. A missing
// file is a cold start, not an error.
func loadPipelineCache(dev driver.Device, path string) {
	log := replaykit.Logger()
	cacher, ok := dev.(driver.PipelineCacher)
	if !ok {
		log.Warn("device has no pipeline cache support", "path", path)
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("pipeline cache read failed", "path", path, "err", err)
		}
		return
	}
	if err := cacher.LoadPipelineCache(data); err != nil {
		log.Warn("pipeline cache rejected", "path", path, "err", err)
	}
}

// savePipelineCache writes the device's pipeline cache back to disk.
func savePipelineCache(dev driver.Device, path string) {
	log := replaykit.Logger()
	cacher, ok := dev.(driver.PipelineCacher)
	if !ok {
		return
	}
	data, err := cacher.SavePipelineCache()
	if err != nil {
		log.Warn("pipeline cache snapshot failed", "err", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Warn("pipeline cache write failed", "path", path, "err", err)
	}
}

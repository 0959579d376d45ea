// Command maintenance reconciles the image directories on disk with the
// history records in the database. It repairs records left stale by an
// unclean shutdown and reports task directories no record owns, removing
// them only under -prune.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"redink/server/internal/domain"
	"redink/server/internal/history"
	"redink/server/internal/infra"
	"redink/server/internal/storage"
)

type sweeper struct {
	ctx     context.Context
	records *history.Store
	files   *storage.FileStore
	logger  infra.Logger
	prune   bool
}

func main() {
	_ = godotenv.Load()

	var (
		intervalFlag time.Duration
		onceFlag     bool
		pruneFlag    bool
	)
	flag.DurationVar(&intervalFlag, "interval", 10*time.Minute, "time between reconciliation sweeps")
	flag.BoolVar(&onceFlag, "once", false, "run a single sweep and exit")
	flag.BoolVar(&pruneFlag, "prune", false, "remove task directories no record owns")
	flag.Parse()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv).With().Str("cmd", "maintenance").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("maintenance: db connection failed")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)

	files, err := storage.NewFileStore(cfg.StoragePath, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("maintenance: failed to configure storage")
	}

	s := &sweeper{
		ctx:     ctx,
		records: history.NewStore(runner),
		files:   files,
		logger:  logger,
		prune:   pruneFlag,
	}

	if onceFlag {
		s.sweep()
		return
	}
	if err := s.Run(intervalFlag); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("maintenance: stopped with error")
	}
	logger.Info().Msg("maintenance: stopped")
}

func (s *sweeper) Run(interval time.Duration) error {
	s.logger.Info().Dur("interval", interval).Msg("maintenance: started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sweep()
	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep walks every task directory and rewrites the owning record's images,
// thumbnail and status from what is actually on disk.
func (s *sweeper) sweep() {
	dirs, err := s.files.TaskDirs(s.ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("maintenance: failed to list task directories")
		return
	}

	synced, orphans := 0, 0
	for _, taskID := range dirs {
		rec, err := s.records.ByTask(s.ctx, taskID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				orphans++
				s.handleOrphan(taskID)
				continue
			}
			s.logger.Error().Err(err).Str("task_id", taskID).Msg("maintenance: record lookup failed")
			continue
		}
		if err := s.syncRecord(rec, taskID); err != nil {
			s.logger.Error().Err(err).Str("task_id", taskID).Str("record_id", rec.ID).Msg("maintenance: sync failed")
			continue
		}
		synced++
	}
	s.logger.Info().Int("dirs", len(dirs)).Int("synced", synced).Int("orphans", orphans).Msg("maintenance: sweep finished")
}

func (s *sweeper) handleOrphan(taskID string) {
	if !s.prune {
		s.logger.Warn().Str("task_id", taskID).Msg("maintenance: orphan task directory")
		return
	}
	if err := s.files.RemoveDir(s.ctx, taskID); err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("maintenance: failed to prune orphan")
		return
	}
	s.logger.Info().Str("task_id", taskID).Msg("maintenance: pruned orphan task directory")
}

func (s *sweeper) syncRecord(rec *domain.History, taskID string) error {
	names, err := s.files.PageFiles(s.ctx, taskID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	generated := slotByIndex(names, len(rec.Pages))
	status := statusFor(countNonEmpty(generated), len(rec.Pages))

	upd := history.UpdateParams{
		Status: &status,
		Images: &history.ImagesUpdate{TaskID: taskID, Generated: generated},
	}
	if thumb := firstNonEmpty(generated); thumb != "" {
		upd.Thumbnail = &thumb
	}
	return s.records.Update(s.ctx, rec.ID, upd)
}

// slotByIndex places each filename at the page slot its numeric stem names,
// leaving failed slots empty.
func slotByIndex(names []string, pageCount int) []string {
	slots := make([]string, pageCount)
	for _, name := range names {
		idx, err := strconv.Atoi(strings.TrimSuffix(name, filepath.Ext(name)))
		if err != nil || idx < 0 {
			continue
		}
		for idx >= len(slots) {
			slots = append(slots, "")
		}
		slots[idx] = name
	}
	return slots
}

func statusFor(imageCount, pageCount int) domain.HistoryStatus {
	switch {
	case imageCount == 0:
		return domain.HistoryStatusDraft
	case imageCount >= pageCount:
		return domain.HistoryStatusCompleted
	default:
		return domain.HistoryStatusPartial
	}
}

func countNonEmpty(slots []string) int {
	n := 0
	for _, s := range slots {
		if s != "" {
			n++
		}
	}
	return n
}

func firstNonEmpty(slots []string) string {
	for _, s := range slots {
		if s != "" {
			return s
		}
	}
	return ""
}

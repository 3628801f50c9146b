package memory

import (
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/pkg/logger"
)

// RetentionConfig mirrors SPEC_FULL.md's memory.retention.* keys.
type RetentionConfig struct {
	MaxRecords int
	MaxAge     time.Duration
	MinAge     time.Duration // records younger than this are never evicted, even over MaxRecords
	Schedule   string        // cron expression, e.g. "@every 1h"
}

// Compactor periodically enforces the store's retention policy: records
// older than MaxAge are evicted outright; once the store exceeds
// MaxRecords, the oldest, lowest-importance records beyond MinAge are
// evicted down to the limit.
type Compactor struct {
	store *Store
	cfg   RetentionConfig
	log   zerolog.Logger
	cron  *cron.Cron
}

// NewCompactor wires a Compactor to store using the teacher's robfig/cron
// scheduling style already used for registry heartbeats.
func NewCompactor(store *Store, cfg RetentionConfig, log zerolog.Logger) *Compactor {
	return &Compactor{
		store: store,
		cfg:   cfg,
		log:   logger.Component(log, "memory_compactor"),
		cron:  cron.New(),
	}
}

// Start schedules the compaction run and begins the cron scheduler.
func (c *Compactor) Start() error {
	schedule := c.cfg.Schedule
	if schedule == "" {
		schedule = "@every 1h"
	}
	if _, err := c.cron.AddFunc(schedule, c.Run); err != nil {
		return err
	}
	c.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (c *Compactor) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}

// Run executes one compaction pass immediately. Exported so callers,
// such as the tests, can trigger it outside the cron cadence.
func (c *Compactor) Run() {
	now := time.Now().UTC()
	all := c.store.All()

	evicted := 0
	var survivors []*struct {
		id         string
		importance float64
		createdAt  time.Time
	}

	for _, rec := range all {
		if c.cfg.MaxAge > 0 && now.Sub(rec.CreatedAt) > c.cfg.MaxAge {
			if err := c.store.Delete(rec.ID); err != nil {
				c.log.Warn().Err(err).Str("id", rec.ID).Msg("failed to evict aged-out record")
				continue
			}
			evicted++
			continue
		}
		survivors = append(survivors, &struct {
			id         string
			importance float64
			createdAt  time.Time
		}{rec.ID, rec.Importance(), rec.CreatedAt})
	}

	if c.cfg.MaxRecords > 0 && len(survivors) > c.cfg.MaxRecords {
		sort.Slice(survivors, func(i, j int) bool {
			if survivors[i].importance != survivors[j].importance {
				return survivors[i].importance < survivors[j].importance
			}
			return survivors[i].createdAt.Before(survivors[j].createdAt)
		})

		over := len(survivors) - c.cfg.MaxRecords
		for _, s := range survivors {
			if over <= 0 {
				break
			}
			if c.cfg.MinAge > 0 && now.Sub(s.createdAt) < c.cfg.MinAge {
				continue
			}
			if err := c.store.Delete(s.id); err != nil {
				c.log.Warn().Err(err).Str("id", s.id).Msg("failed to evict over-capacity record")
				continue
			}
			evicted++
			over--
		}
	}

	if evicted > 0 {
		c.log.Info().Int("evicted", evicted).Int("remaining", c.store.Len()).Msg("retention compaction complete")
	}
}

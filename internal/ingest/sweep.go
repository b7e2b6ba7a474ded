package ingest

import (
	"path"
	"strings"
	"time"

	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/logger"
)

// SweepIncoming removes staged uploads older than maxAge, left behind when
// the process stopped during an ingestion. It returns the number removed.
func (c *Coordinator) SweepIncoming(maxAge time.Duration) (int, error) {
	names, err := c.fs.ReadDirNames(IncomingDir)
	if err != nil {
		return 0, fileError(err, "list_incoming")
	}

	cutoff := c.now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, name := range names {
		if !strings.HasSuffix(name, ".upload") && !strings.HasSuffix(name, ".tmp") {
			continue
		}
		rel := path.Join(IncomingDir, name)
		info, err := c.fs.Stat(rel)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !info.Mode().IsRegular() || info.ModTime().After(cutoff) {
			continue
		}
		if err := c.fs.Remove(rel); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		c.log.Info("removed stale uploads",
			logger.Int("count", removed),
			logger.Duration("max_age", maxAge))
	}
	if len(errs) > 0 {
		return removed, fileError(errors.Join(errs...), "sweep_incoming")
	}
	return removed, nil
}

// Package backup turns a directory of backup artifacts into a watermarked
// stream.
//
// Each regular file becomes a candidate whose identifier is its UTC
// modification time in fixed-width form followed by its name, so byte-wise
// order is write order. Files modified within the settle period are left
// out until the writer is done with them.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/daviddao/stationbot/pkg/clock"
	"github.com/daviddao/stationbot/pkg/model"
)

// IDLayout is the fixed-width time prefix of an artifact identifier.
const IDLayout = "20060102T150405.000000000"

// Defaults for Dir.
const (
	DefaultSettle = 2 * time.Minute
	DefaultLimit  = 100
)

// ArtifactID returns the stream identifier for a file.
func ArtifactID(mtime time.Time, name string) string {
	return mtime.UTC().Format(IDLayout) + "/" + name
}

// Dir lists settled artifacts in one directory.
type Dir struct {
	Path    string
	Pattern string // filepath.Match pattern on the base name; empty matches all
	Settle  time.Duration
	Limit   int
	Clock   clock.Clock
}

// Fetch returns up to Limit settled artifacts, newest first.
func (d *Dir) Fetch(ctx context.Context) ([]model.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	settle := d.Settle
	if settle < 0 {
		settle = 0
	}
	limit := d.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	now := clock.OrReal(d.Clock).Now()

	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", d.Path, err)
	}

	var out []model.Candidate
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		if d.Pattern != "" {
			ok, err := filepath.Match(d.Pattern, name)
			if err != nil {
				return nil, fmt.Errorf("pattern %q: %w", d.Pattern, err)
			}
			if !ok {
				continue
			}
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		if now.Sub(info.ModTime()) < settle {
			continue
		}
		out = append(out, model.Candidate{
			ID:        ArtifactID(info.ModTime(), name),
			Label:     name,
			CreatedAt: info.ModTime(),
			Size:      info.Size(),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Notice renders the announcement for one artifact.
func Notice(c model.Candidate, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return fmt.Sprintf("💾 バックアップが作成されました\n`%s` (%s)\n%s",
		c.Label, humanize.Bytes(uint64(max(c.Size, 0))), c.CreatedAt.In(loc).Format("2006-01-02 15:04 MST"))
}

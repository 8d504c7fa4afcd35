// Package watch feeds the dispatcher from a drop directory: every .torrent
// file that appears is dispatched and, on success, removed. A file inside a
// subdirectory gets that subdirectory's name as its category, so the naming
// convention is resolved before the request reaches the core.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/xwell/autobrr-loadbalance/internal/balancer"
)

// settleDelay gives the writer time to finish the file before we upload it.
const settleDelay = 500 * time.Millisecond

type Dispatch interface {
	Dispatch(ctx context.Context, req balancer.Request) (balancer.Result, error)
}

type Watcher struct {
	dir             string
	defaultCategory string
	d               Dispatch
	settle          time.Duration
}

func New(dir, defaultCategory string, d Dispatch) *Watcher {
	return &Watcher{
		dir:             dir,
		defaultCategory: defaultCategory,
		d:               d,
		settle:          settleDelay,
	}
}

// Run blocks watching the drop directory until ctx is cancelled. Files
// already present at startup are handled first, so nothing dropped while the
// process was down is lost.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()

	if err := fw.Add(w.dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := fw.Add(filepath.Join(w.dir, e.Name())); err != nil {
				log.Warn().Err(err).Str("dir", e.Name()).Msg("cannot watch category dir")
			}
		}
	}

	log.Info().Str("dir", w.dir).Msg("torrent watcher started")
	w.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				// New category directory: watch it and pick up anything
				// that was moved in together with it.
				if err := fw.Add(ev.Name); err != nil {
					log.Warn().Err(err).Str("dir", ev.Name).Msg("cannot watch category dir")
				}
				w.scan(ctx)
				continue
			}
			w.maybeHandle(ctx, ev.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watcher error")
		}
	}
}

// scan walks the drop directory and handles every torrent file found.
func (w *Watcher) scan(ctx context.Context) {
	_ = filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		w.maybeHandle(ctx, path)
		return nil
	})
}

func (w *Watcher) maybeHandle(ctx context.Context, path string) {
	if strings.ToLower(filepath.Ext(path)) != ".torrent" {
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(w.settle):
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	res, err := w.d.Dispatch(ctx, balancer.Request{
		FilePath: path,
		Name:     name,
		Category: w.category(path),
	})
	if err != nil {
		// Left in place: the next scan or directory event retries it.
		log.Warn().Err(err).Str("file", path).Msg("dispatch from watch dir failed")
		return
	}

	if err := os.Remove(path); err != nil {
		log.Warn().Err(err).Str("file", path).Msg("cannot remove dispatched file")
	}
	log.Info().Str("file", path).Str("instance", res.Instance).Msg("watched torrent dispatched")
}

// category resolves the naming convention: subdirectory name, or the
// configured default for files at the drop root.
func (w *Watcher) category(path string) string {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return w.defaultCategory
	}
	dir := filepath.Dir(rel)
	if dir == "." {
		return w.defaultCategory
	}
	return strings.Split(dir, string(filepath.Separator))[0]
}

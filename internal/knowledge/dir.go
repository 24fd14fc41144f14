package knowledge

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aimerfeng/AgentDesk/internal/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultExtensions are the file types picked up from a directory
var DefaultExtensions = []string{".pdf", ".txt", ".md", ".markdown", ".html", ".htm"}

// FileIngester ingests one uploaded file
type FileIngester interface {
	Ingest(ctx context.Context, agentID uuid.UUID, up Upload) (*IngestResult, error)
}

// DirResult summarizes a directory pass
type DirResult struct {
	Files   int `json:"files"`
	Chunks  int `json:"chunks"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// DirIngester feeds the files of a directory into one agent's knowledge base
type DirIngester struct {
	ingester   FileIngester
	agentID    uuid.UUID
	extensions []string
	debounce   time.Duration
	logger     zerolog.Logger
}

// NewDirIngester creates a directory ingester; nil extensions means DefaultExtensions
func NewDirIngester(ingester FileIngester, agentID uuid.UUID, extensions []string) *DirIngester {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	norm := make([]string, 0, len(extensions))
	for _, e := range extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" && !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		norm = append(norm, e)
	}
	return &DirIngester{
		ingester:   ingester,
		agentID:    agentID,
		extensions: norm,
		debounce:   500 * time.Millisecond,
		logger:     logging.NewLogger("dir-ingest"),
	}
}

func (d *DirIngester) watched(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return slices.Contains(d.extensions, strings.ToLower(filepath.Ext(path)))
}

// IngestDir ingests every matching file under dir. A failing file is counted, not fatal.
func (d *DirIngester) IngestDir(ctx context.Context, dir string) (*DirResult, error) {
	result := &DirResult{}
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if !d.watched(path) {
			result.Skipped++
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := d.IngestFile(ctx, path)
		if err != nil {
			result.Failed++
			return nil
		}
		result.Files++
		result.Chunks += res.Chunks
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	return result, nil
}

// IngestFile ingests one file; the content type is detected from its name and bytes
func (d *DirIngester) IngestFile(ctx context.Context, path string) (*IngestResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	res, err := d.ingester.Ingest(ctx, d.agentID, Upload{Name: filepath.Base(path), Data: data})
	if err != nil {
		d.logger.Warn().Err(err).Str("path", path).Msg("File ingestion failed")
		return nil, err
	}

	d.logger.Info().
		Str("path", path).
		Str("document_id", res.DocumentID.String()).
		Int("chunks", res.Chunks).
		Int("failed", res.Failed).
		Msg("File ingested")
	return res, nil
}

// Watch ingests matching files as they are created or rewritten until ctx is done.
// Bursts of writes to one file are coalesced into a single ingestion.
func (d *DirIngester) Watch(ctx context.Context, dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	var (
		mu      sync.Mutex
		pending = make(map[string]*time.Timer)
		wg      sync.WaitGroup
	)
	defer func() {
		mu.Lock()
		for _, t := range pending {
			if t.Stop() {
				wg.Done()
			}
		}
		mu.Unlock()
		wg.Wait()
	}()

	schedule := func(path string) {
		mu.Lock()
		defer mu.Unlock()
		if t, ok := pending[path]; ok && t.Stop() {
			wg.Done()
		}
		wg.Add(1)
		var t *time.Timer
		t = time.AfterFunc(d.debounce, func() {
			defer wg.Done()
			mu.Lock()
			if pending[path] == t {
				delete(pending, path)
			}
			mu.Unlock()
			_, _ = d.IngestFile(ctx, path)
		})
		pending[path] = t
	}

	d.logger.Info().Str("dir", dir).Strs("extensions", d.extensions).Msg("Watching directory")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !d.watched(event.Name) {
				continue
			}
			schedule(event.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}

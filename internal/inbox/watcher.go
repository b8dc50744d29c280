// Package inbox watches a drop folder and uploads the documents that land in
// it to the selected project.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/policypulse/policypulse-go/internal/models"
	"github.com/policypulse/policypulse-go/internal/notify"
	"github.com/policypulse/policypulse-go/internal/store"
	"github.com/policypulse/policypulse-go/internal/util"
)

var ErrNoProject = errors.New("inbox: no project selected")

// Uploader sends one document to the backend.
type Uploader interface {
	UploadDocument(ctx context.Context, projectID, fileName string, r io.Reader) (*models.UploadResponse, error)
}

// ProjectSource names the project uploads go to.
type ProjectSource interface {
	SelectedProject() (string, error)
}

// Watcher uploads new files dropped into a directory. Events are debounced so
// a file still being written is picked up once, after the writer is done.
type Watcher struct {
	dir      string
	uploader Uploader
	projects ProjectSource
	uploads  *store.UploadStore
	notifier notify.Sink

	watcher       *fsnotify.Watcher
	mu            sync.Mutex
	pending       map[string]bool
	debounceTimer *time.Timer
	debounceDelay time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets how long the folder must be quiet before files are handled.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounceDelay = d }
}

func New(dir string, uploader Uploader, projects ProjectSource, uploads *store.UploadStore, notifier notify.Sink, opts ...Option) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		dir:           dir,
		uploader:      uploader,
		projects:      projects,
		uploads:       uploads,
		notifier:      notifier,
		pending:       make(map[string]bool),
		debounceDelay: 2 * time.Second,
		ctx:           ctx,
		cancel:        cancel,
	}
	if w.notifier == nil {
		w.notifier = notify.Log{}
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start creates the folder if needed, begins watching it and queues files
// already there that were never uploaded.
func (w *Watcher) Start() error {
	if err := util.EnsureWritableDir(w.dir); err != nil {
		return fmt.Errorf("inbox %s: %w", w.dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch inbox %s: %w", w.dir, err)
	}
	w.watcher = watcher

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", w.dir).Msg("could not list inbox")
	}
	for _, e := range entries {
		if !e.IsDir() && Supported(e.Name()) {
			w.queue(filepath.Join(w.dir, e.Name()))
		}
	}

	log.Info().Str("dir", w.dir).Msg("inbox watcher started")
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop ends watching and waits for uploads in flight.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		w.cancel()
		w.mu.Lock()
		if w.debounceTimer != nil {
			w.debounceTimer.Stop()
		}
		w.mu.Unlock()
		if w.watcher != nil {
			err = w.watcher.Close()
		}
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("inbox watcher error")
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !Supported(event.Name) {
		return
	}
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.forget(event.Name)
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if info, err := os.Stat(event.Name); err != nil || info.IsDir() {
		return
	}
	w.queue(event.Name)
}

func (w *Watcher) queue(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx.Err() != nil {
		return
	}
	w.pending[path] = true
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, w.flush)
}

// forget drops a file that left the inbox, so dropping it again uploads it
// again.
func (w *Watcher) forget(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()
	if err := w.uploads.DeleteUploadByPath(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("could not forget inbox file")
	}
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 || w.ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	clear(w.pending)
	w.wg.Add(1)
	w.mu.Unlock()
	sort.Slice(paths, func(i, j int) bool { return util.NaturalLess(paths[i], paths[j]) })

	defer w.wg.Done()
	log.Debug().Int("files", len(paths)).Msg("inbox changed")
	for _, p := range paths {
		if _, err := w.Process(w.ctx, p); err != nil {
			log.Warn().Err(err).Str("path", p).Msg("inbox file not uploaded")
		}
	}
}

// Process preflights one file and uploads it to the selected project. A file
// already uploaded with the same size is skipped. The outcome is recorded in
// the upload ledger unless no project is selected.
func (w *Watcher) Process(ctx context.Context, path string) (*models.Upload, error) {
	name := filepath.Base(path)
	projectID, err := w.projects.SelectedProject()
	if err != nil {
		return nil, err
	}
	if projectID == "" {
		w.notifier.Notify(notify.Notification{
			Level:   notify.LevelWarning,
			Title:   fmt.Sprintf("%s was not uploaded", name),
			Message: "No project selected.",
		})
		return nil, ErrNoProject
	}

	rec := models.Upload{Path: path, FileName: name, ProjectID: projectID}
	if info, err := os.Stat(path); err == nil {
		rec.FileSize = info.Size()
	}

	prev, err := w.uploads.GetUpload(path)
	if err != nil {
		return nil, err
	}
	if prev != nil && prev.Status == models.UploadStatusUploaded && prev.FileSize == rec.FileSize && prev.ProjectID == projectID {
		log.Debug().Str("path", path).Msg("already uploaded")
		return prev, nil
	}

	if err := Preflight(ctx, path); err != nil {
		rec.Status = models.UploadStatusRejected
		rec.Error = string(models.ErrorIOError)
		var pe *PreflightError
		if errors.As(err, &pe) {
			rec.Error = string(pe.Code)
		}
		w.record(rec)
		w.notifier.Notify(notify.Notification{
			Level:   notify.LevelWarning,
			Title:   fmt.Sprintf("%s was rejected", name),
			Message: models.UploadError(rec.Error).String(),
		})
		return &rec, err
	}

	resp, err := w.upload(ctx, projectID, path)
	if err != nil {
		rec.Status = models.UploadStatusFailed
		rec.Error = string(models.ErrorUploadFailed)
		w.record(rec)
		w.notifier.Notify(notify.Notification{
			Level:   notify.LevelError,
			Title:   fmt.Sprintf("Upload of %s failed", name),
			Message: err.Error(),
		})
		return &rec, err
	}

	rec.Status = models.UploadStatusUploaded
	if resp.DocumentID != nil {
		rec.DocumentID = *resp.DocumentID
	}
	w.record(rec)
	log.Info().Str("project_id", projectID).Str("path", path).Str("document_id", rec.DocumentID).Msg("uploaded inbox file")
	w.notifier.Notify(notify.Notification{
		Level:   notify.LevelSuccess,
		Title:   fmt.Sprintf("Uploaded %s", name),
		Message: resp.Message,
	})
	return &rec, nil
}

func (w *Watcher) upload(ctx context.Context, projectID, path string) (*models.UploadResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	resp, err := w.uploader.UploadDocument(ctx, projectID, filepath.Base(path), f)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("backend refused upload: %s", resp.Message)
	}
	return resp, nil
}

func (w *Watcher) record(u models.Upload) {
	if err := w.uploads.RecordUpload(u); err != nil {
		log.Error().Err(err).Str("path", u.Path).Msg("could not record upload")
	}
}

// Package archive packages a finished bot run into a single compressed
// artifact, moves it to cold storage and records where it went.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/botvisor/botvisor/internal/archive/s3"
	"github.com/botvisor/botvisor/internal/event"
	"github.com/botvisor/botvisor/internal/metrics"
	"github.com/botvisor/botvisor/internal/store"
)

// ErrArchival marks every failure of Archive.
var ErrArchival = errors.New("archival failed")

type Config struct {
	// StagingDir holds packaged artifacts until their upload succeeds.
	StagingDir string `mapstructure:"staging_dir"`
	// Dir is the local destination, used when no bucket is configured.
	Dir               string        `mapstructure:"dir"`
	Compression       string        `mapstructure:"compression"`
	PurgeAfterArchive bool          `mapstructure:"purge_after_archive"`
	MaxRetries        uint64        `mapstructure:"max_retries"`
	RetryBase         time.Duration `mapstructure:"retry_base"`
	S3                s3.Config     `mapstructure:"s3"`
}

func (c Config) withDefaults() Config {
	if c.StagingDir == "" {
		c.StagingDir = filepath.Join(os.TempDir(), "botvisor-staging")
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	return c
}

// NewUploader picks the S3 uploader when a bucket is configured and the
// local directory otherwise.
func NewUploader(cfg Config) (Uploader, error) {
	if cfg.S3.Enabled() {
		return s3.New(cfg.S3)
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("archive: neither dir nor s3 bucket configured")
	}
	return LocalUploader{Dir: cfg.Dir}, nil
}

// Request identifies the run to archive.
type Request struct {
	Bot   string
	RunID string
	// InstanceDir is the bot's conf/data/logs root, packaged as instance/.
	InstanceDir string
}

type Option func(*Manager)

func WithNow(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// Manager archives runs. Each step is retried on its own; an artifact that was
// packaged but not uploaded stays staged so a later call picks it up again.
type Manager struct {
	st   store.Store
	up   Uploader
	cfg  Config
	comp Compression
	log  *slog.Logger
	now  func() time.Time
}

func New(st store.Store, up Uploader, cfg Config, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()
	comp, err := ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("staging dir: %w", err)
	}
	m := &Manager{st: st, up: up, cfg: cfg, comp: comp, log: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With(slog.String("component", "archive"))
	return m, nil
}

func fail(step string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrArchival, step, err)
}

// Archive packages, uploads and records one run. A run that already has a
// record returns it unchanged.
func (m *Manager) Archive(ctx context.Context, req Request) (rec store.ArchiveRecord, err error) {
	defer func() {
		if err != nil {
			metrics.IncArchive("error")
		}
	}()
	log := m.log.With(slog.String("bot", req.Bot), slog.String("run_id", req.RunID))

	var existing store.ArchiveRecord
	err = m.retry(ctx, "lookup", func() error {
		var e error
		existing, e = m.st.GetArchive(ctx, req.RunID)
		if errors.Is(e, store.ErrNotFound) {
			return backoff.Permanent(e)
		}
		return e
	})
	switch {
	case err == nil:
		log.Info("already archived", slog.String("location", existing.Location))
		metrics.IncArchive("existing")
		return existing, nil
	case !errors.Is(err, store.ErrNotFound):
		return store.ArchiveRecord{}, fail("lookup", err)
	}

	art, err := m.stage(ctx, req, log)
	if err != nil {
		return store.ArchiveRecord{}, err
	}

	key := fmt.Sprintf("%s/%s%s", req.Bot, req.RunID, m.comp.Ext())
	var location string
	if err := m.retry(ctx, "upload", func() error {
		var e error
		location, e = m.up.Upload(ctx, key, art.Path)
		return e
	}); err != nil {
		log.Warn("upload failed, artifact kept staged", slog.String("path", art.Path), slog.Any("error", err))
		return store.ArchiveRecord{}, fail("upload", err)
	}

	rec = store.ArchiveRecord{
		ID:         uuid.NewString(),
		Bot:        req.Bot,
		RunID:      req.RunID,
		ArchivedAt: m.now().UTC(),
		Location:   location,
		Checksum:   art.Checksum,
		SizeBytes:  art.SizeBytes,
		EventCount: art.EventCount,
	}
	var saved store.ArchiveRecord
	if err := m.retry(ctx, "record", func() error {
		var e error
		saved, e = m.st.SaveArchive(ctx, rec)
		return e
	}); err != nil {
		return store.ArchiveRecord{}, fail("record", err)
	}
	rec = saved

	_ = os.Remove(art.Path)
	_ = os.Remove(stagedMeta(art.Path))
	log.Info("archived", slog.String("location", rec.Location), slog.String("checksum", rec.Checksum), slog.Int("events", rec.EventCount))
	metrics.IncArchive("ok")

	if m.cfg.PurgeAfterArchive {
		m.purge(ctx, req, log)
	}
	return rec, nil
}

func stagedMeta(p string) string { return p + ".json" }

// stage returns the staged artifact for the run, packaging it when absent.
func (m *Manager) stage(ctx context.Context, req Request, log *slog.Logger) (packed, error) {
	p := filepath.Join(m.cfg.StagingDir, req.Bot+"-"+req.RunID+m.comp.Ext())
	if art, err := readStaged(p); err == nil {
		log.Info("reusing staged artifact", slog.String("path", p))
		return art, nil
	}

	var (
		evs    []event.StatusEvent
		latest *event.LatestState
	)
	if err := m.retry(ctx, "snapshot", func() error {
		var e error
		if evs, e = m.st.Events(ctx, req.Bot, req.RunID); e != nil {
			return e
		}
		latest, e = m.st.Latest(ctx, req.Bot, req.RunID)
		return e
	}); err != nil {
		return packed{}, fail("snapshot", err)
	}

	man := Manifest{
		Bot:          req.Bot,
		RunID:        req.RunID,
		CreatedAt:    m.now().UTC(),
		LastSequence: latest.LastSequence,
		Compression:  m.comp,
	}
	var art packed
	if err := m.retry(ctx, "package", func() error {
		var e error
		art, e = pack(p, man, evs, latest, req.InstanceDir)
		return e
	}); err != nil {
		return packed{}, fail("package", err)
	}
	b, err := json.Marshal(art)
	if err != nil {
		return packed{}, fail("package", err)
	}
	if err := os.WriteFile(stagedMeta(p), b, 0o644); err != nil {
		return packed{}, fail("package", err)
	}
	log.Debug("artifact staged", slog.String("path", p), slog.Int64("bytes", art.SizeBytes))
	return art, nil
}

func readStaged(p string) (packed, error) {
	b, err := os.ReadFile(stagedMeta(p))
	if err != nil {
		return packed{}, err
	}
	var art packed
	if err := json.Unmarshal(b, &art); err != nil {
		return packed{}, err
	}
	if _, err := os.Stat(art.Path); err != nil {
		return packed{}, err
	}
	return art, nil
}

// purge drops the run's source state. It only runs once the record exists;
// failures are logged and leave the data in place.
func (m *Manager) purge(ctx context.Context, req Request, log *slog.Logger) {
	if err := m.st.PurgeRun(ctx, req.Bot, req.RunID); err != nil {
		log.Warn("purge events failed", slog.Any("error", err))
	}
	if req.InstanceDir != "" {
		if err := os.RemoveAll(req.InstanceDir); err != nil {
			log.Warn("purge instance dir failed", slog.Any("error", err))
		}
	}
}

func (m *Manager) retry(ctx context.Context, step string, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.cfg.RetryBase
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, m.cfg.MaxRetries), ctx)
	return backoff.RetryNotify(fn, b, func(err error, d time.Duration) {
		m.log.Debug("archive step retry", slog.String("step", step), slog.Duration("in", d), slog.Any("error", err))
	})
}

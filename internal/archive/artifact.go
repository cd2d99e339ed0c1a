package archive

import (
	"archive/tar"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/botvisor/botvisor/internal/event"
)

// Compression names the stream codec wrapped around the tar.
type Compression string

const (
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zstd", "zst":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	}
	return "", fmt.Errorf("unknown compression %q", s)
}

// Ext is the artifact file suffix.
func (c Compression) Ext() string {
	if c == CompressionLZ4 {
		return ".tar.lz4"
	}
	return ".tar.zst"
}

// CompressionFromPath infers the codec from an artifact file name.
func CompressionFromPath(p string) (Compression, error) {
	switch {
	case strings.HasSuffix(p, CompressionZstd.Ext()):
		return CompressionZstd, nil
	case strings.HasSuffix(p, CompressionLZ4.Ext()):
		return CompressionLZ4, nil
	}
	return "", fmt.Errorf("unrecognized artifact extension: %s", filepath.Base(p))
}

const (
	manifestEntry = "manifest.json"
	eventsEntry   = "events.cbor"
	latestEntry   = "latest.json"
	instancePath  = "instance/"

	formatVersion = 1
)

// Manifest is the first entry of every artifact.
type Manifest struct {
	FormatVersion int         `json:"format_version"`
	Bot           string      `json:"bot_name"`
	RunID         string      `json:"run_id"`
	CreatedAt     time.Time   `json:"created_at"`
	EventCount    int         `json:"event_count"`
	LastSequence  uint64      `json:"last_sequence"`
	Compression   Compression `json:"compression"`
	Files         []string    `json:"files,omitempty"`
}

// Contents is a fully read artifact.
type Contents struct {
	Manifest Manifest
	Events   []event.StatusEvent
	Latest   *event.LatestState
	Files    map[string][]byte
}

type cborEvent struct {
	Seq        uint64    `cbor:"seq"`
	Kind       string    `cbor:"kind"`
	Payload    []byte    `cbor:"payload"`
	Topic      string    `cbor:"topic,omitempty"`
	ReceivedAt time.Time `cbor:"received_at"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	// deterministic encoding keeps a re-packaged log byte-identical
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	if encMode, err = opts.EncMode(); err != nil {
		panic("archive: cbor encoder: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("archive: cbor decoder: " + err.Error())
	}
}

func encodeEvents(evs []event.StatusEvent) ([]byte, error) {
	out := make([]cborEvent, 0, len(evs))
	for _, ev := range evs {
		out = append(out, cborEvent{
			Seq:        ev.Sequence,
			Kind:       string(ev.Kind),
			Payload:    []byte(ev.Payload),
			Topic:      ev.Topic,
			ReceivedAt: ev.ReceivedAt.UTC(),
		})
	}
	return encMode.Marshal(out)
}

func decodeEvents(bot, runID string, data []byte) ([]event.StatusEvent, error) {
	var in []cborEvent
	if err := decMode.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	evs := make([]event.StatusEvent, 0, len(in))
	for _, c := range in {
		evs = append(evs, event.StatusEvent{
			Bot:        bot,
			RunID:      runID,
			Sequence:   c.Seq,
			Kind:       event.Kind(c.Kind),
			Payload:    json.RawMessage(c.Payload),
			Topic:      c.Topic,
			ReceivedAt: c.ReceivedAt.UTC(),
		})
	}
	return evs, nil
}

func compressor(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionZstd:
		return zstd.NewWriter(w)
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	}
	return nil, fmt.Errorf("unknown compression %q", c)
}

func decompressor(r io.Reader, c Compression) (io.Reader, func(), error) {
	switch c {
	case CompressionZstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	case CompressionLZ4:
		return lz4.NewReader(r), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown compression %q", c)
}

// packed describes a written artifact.
type packed struct {
	Path       string `json:"path"`
	Checksum   string `json:"checksum"`
	SizeBytes  int64  `json:"size_bytes"`
	EventCount int    `json:"event_count"`
}

// pack writes the artifact to path and returns its BLAKE3 checksum. The file
// appears under path only once complete.
func pack(path string, m Manifest, evs []event.StatusEvent, latest *event.LatestState, instanceDir string) (packed, error) {
	files, err := instanceFiles(instanceDir)
	if err != nil {
		return packed{}, err
	}
	m.Files = files
	m.EventCount = len(evs)
	m.FormatVersion = formatVersion

	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return packed{}, err
	}
	defer func() { _ = os.Remove(tmp) }()

	h := blake3.New()
	cw, err := compressor(io.MultiWriter(f, h), m.Compression)
	if err != nil {
		_ = f.Close()
		return packed{}, err
	}
	tw := tar.NewWriter(cw)
	if err := writeArtifact(tw, m, evs, latest, instanceDir); err != nil {
		_ = f.Close()
		return packed{}, err
	}
	if err := tw.Close(); err != nil {
		_ = f.Close()
		return packed{}, err
	}
	if err := cw.Close(); err != nil {
		_ = f.Close()
		return packed{}, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return packed{}, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return packed{}, err
	}
	if err := f.Close(); err != nil {
		return packed{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return packed{}, err
	}
	return packed{
		Path:       path,
		Checksum:   "blake3:" + hex.EncodeToString(h.Sum(nil)),
		SizeBytes:  info.Size(),
		EventCount: len(evs),
	}, nil
}

func writeArtifact(tw *tar.Writer, m Manifest, evs []event.StatusEvent, latest *event.LatestState, instanceDir string) error {
	mb, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := writeEntry(tw, manifestEntry, mb, m.CreatedAt); err != nil {
		return err
	}
	eb, err := encodeEvents(evs)
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}
	if err := writeEntry(tw, eventsEntry, eb, m.CreatedAt); err != nil {
		return err
	}
	lb, err := json.MarshalIndent(latest, "", "  ")
	if err != nil {
		return err
	}
	if err := writeEntry(tw, latestEntry, lb, m.CreatedAt); err != nil {
		return err
	}
	for _, rel := range m.Files {
		if err := writeFile(tw, instanceDir, rel); err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(tw *tar.Writer, name string, data []byte, mod time.Time) error {
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), ModTime: mod, Typeflag: tar.TypeReg}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

func writeFile(tw *tar.Writer, root, rel string) error {
	p := filepath.Join(root, filepath.FromSlash(rel))
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = instancePath + rel
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// instanceFiles lists regular files under dir as slash paths, sorted.
func instanceFiles(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	var out []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	return out, err
}

// Read unpacks an artifact stream.
func Read(r io.Reader, c Compression) (*Contents, error) {
	dr, closeFn, err := decompressor(r, c)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	out := &Contents{Files: map[string][]byte{}}
	var rawEvents []byte
	tr := tar.NewReader(dr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		switch {
		case hdr.Name == manifestEntry:
			if err := json.Unmarshal(data, &out.Manifest); err != nil {
				return nil, fmt.Errorf("manifest: %w", err)
			}
		case hdr.Name == eventsEntry:
			rawEvents = data
		case hdr.Name == latestEntry:
			out.Latest = &event.LatestState{}
			if err := json.Unmarshal(data, out.Latest); err != nil {
				return nil, fmt.Errorf("latest state: %w", err)
			}
		case strings.HasPrefix(hdr.Name, instancePath):
			out.Files[strings.TrimPrefix(hdr.Name, instancePath)] = data
		}
	}
	if out.Manifest.FormatVersion == 0 {
		return nil, fmt.Errorf("artifact has no %s", manifestEntry)
	}
	evs, err := decodeEvents(out.Manifest.Bot, out.Manifest.RunID, rawEvents)
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	out.Events = evs
	return out, nil
}

// ReadFile unpacks the artifact at path, inferring the codec from its name.
func ReadFile(path string) (*Contents, error) {
	c, err := CompressionFromPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Read(f, c)
}

// Checksum computes the artifact checksum of a file.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return "blake3:" + hex.EncodeToString(h.Sum(nil)), nil
}

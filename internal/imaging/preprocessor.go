// Package imaging validates and normalizes uploaded medical images. Every
// accepted upload is transcoded (TIFF for TIFF/DICOM-tagged input, JPEG
// for everything else), thumbnailed, and written to a scratch directory
// under a name carrying its expiry so a restart can sweep stale files.
package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/apperr"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/config"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/hash"
)

const (
	jpegQuality   = 90
	thumbnailSide = 300

	// Dimension advisories; neither is an error.
	minAdvisoryPx = 100
	maxAdvisoryPx = 4096
)

// Artifact is one normalized upload: the transcoded main image, its
// thumbnail, and enough metadata for the orchestrator and the sweeper.
type Artifact struct {
	ID             string    `json:"id"`
	Format         string    `json:"format"` // jpeg or tiff
	OriginalFormat string    `json:"originalFormat"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	OriginalSize   int       `json:"originalSize"`
	Warnings       []string  `json:"warnings,omitempty"`
	SessionHash    string    `json:"sessionHash"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`

	Content   []byte `json:"-"`
	Thumbnail []byte `json:"-"`
	Path      string `json:"-"`
	ThumbPath string `json:"-"`
}

// MIME returns the content type of the normalized bytes.
func (a *Artifact) MIME() string {
	if a.Format == "tiff" {
		return "image/tiff"
	}
	return "image/jpeg"
}

// Preprocessor is safe for concurrent use; each Process call is
// independent and the TTL timers it schedules are self-contained.
type Preprocessor struct {
	cfg    *config.ImageConfig
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewPreprocessor creates the scratch directory if needed.
func NewPreprocessor(cfg *config.ImageConfig, logger *zap.Logger) (*Preprocessor, error) {
	if err := os.MkdirAll(cfg.ScratchDir, 0o700); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeConfiguration, "cannot create image scratch directory")
	}
	return &Preprocessor{
		cfg:    cfg,
		logger: logger.Named("imaging"),
		now:    time.Now,
		timers: make(map[string]*time.Timer),
	}, nil
}

// WithClock overrides the clock for tests.
func (p *Preprocessor) WithClock(now func() time.Time) *Preprocessor {
	p.now = now
	return p
}

// Process validates, transcodes, thumbnails, and stores one upload. The
// returned artifact's files are deleted automatically at its expiry.
func (p *Preprocessor) Process(ctx context.Context, data []byte, mime, filename, sessionID string) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	maxBytes := p.cfg.MaxSizeMB << 20
	if len(data) > maxBytes {
		return nil, apperr.Newf(apperr.CodePayloadTooLarge,
			"image exceeds the %d MiB limit", p.cfg.MaxSizeMB)
	}
	if len(data) == 0 {
		return nil, apperr.New(apperr.CodeInvalidImage, "empty image payload")
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if !p.formatAllowed(ext, mime) {
		return nil, apperr.Newf(apperr.CodeUnsupportedMediaType,
			"format %q is not in the supported set", ext)
	}

	img, originalFormat, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInvalidImage, "image could not be decoded")
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, apperr.New(apperr.CodeInvalidImage, "image has no pixels")
	}

	var warnings []string
	if width < minAdvisoryPx || height < minAdvisoryPx {
		warnings = append(warnings, fmt.Sprintf("low resolution %dx%d may limit analysis quality", width, height))
	}
	if width > maxAdvisoryPx || height > maxAdvisoryPx {
		warnings = append(warnings, fmt.Sprintf("large dimensions %dx%d will be analyzed at reduced scale", width, height))
	}

	format := "jpeg"
	if isTIFFLike(ext, mime) {
		format = "tiff"
	}
	content, err := encodeMain(img, format)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInvalidImage, "image transcode failed")
	}
	thumb, err := encodeThumbnail(img)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInvalidImage, "thumbnail encode failed")
	}

	now := p.now()
	art := &Artifact{
		ID:             uuid.NewString(),
		Format:         format,
		OriginalFormat: originalFormat,
		Width:          width,
		Height:         height,
		OriginalSize:   len(data),
		Warnings:       warnings,
		SessionHash:    hash.ShortIdentifier(sessionID),
		CreatedAt:      now,
		ExpiresAt:      now.Add(p.cfg.TTL),
		Content:        content,
		Thumbnail:      thumb,
	}

	if err := p.store(art); err != nil {
		return nil, err
	}
	p.scheduleDelete(art)

	p.logger.Debug("image artifact stored",
		zap.String("artifact_id", art.ID),
		zap.String("format", art.Format),
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Strings("warnings", warnings))
	return art, nil
}

func (p *Preprocessor) formatAllowed(ext, mime string) bool {
	mime = strings.ToLower(mime)
	for _, f := range p.cfg.SupportedFormats {
		f = strings.ToLower(f)
		if ext == f || strings.Contains(mime, f) {
			return true
		}
	}
	return false
}

func isTIFFLike(ext, mime string) bool {
	mime = strings.ToLower(mime)
	return ext == "tiff" || ext == "tif" || ext == "dcm" ||
		strings.Contains(mime, "tiff") || strings.Contains(mime, "dicom")
}

func encodeMain(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	if format == "tiff" {
		if err := tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeThumbnail(img image.Image) ([]byte, error) {
	fit := imaging.Fit(img, thumbnailSide, thumbnailSide, imaging.Lanczos)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, fit, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// store writes both files under names carrying the artifact id and expiry
// mark, so the startup sweep can decide staleness from the name alone.
func (p *Preprocessor) store(art *Artifact) error {
	expiry := art.ExpiresAt.Unix()
	ext := "jpg"
	if art.Format == "tiff" {
		ext = "tiff"
	}
	art.Path = filepath.Join(p.cfg.ScratchDir, fmt.Sprintf("%s_%d.%s", art.ID, expiry, ext))
	art.ThumbPath = filepath.Join(p.cfg.ScratchDir, fmt.Sprintf("%s_%d_thumb.jpg", art.ID, expiry))

	if err := os.WriteFile(art.Path, art.Content, 0o600); err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "cannot persist image artifact")
	}
	if err := os.WriteFile(art.ThumbPath, art.Thumbnail, 0o600); err != nil {
		_ = os.Remove(art.Path)
		return apperr.Wrap(err, apperr.CodeInternal, "cannot persist image thumbnail")
	}
	return nil
}

// scheduleDelete arms the best-effort TTL timer for both files.
func (p *Preprocessor) scheduleDelete(art *Artifact) {
	ttl := time.Until(art.ExpiresAt)
	if ttl < 0 {
		ttl = 0
	}
	id, path, thumb := art.ID, art.Path, art.ThumbPath
	t := time.AfterFunc(ttl, func() {
		p.remove(id, path, thumb)
	})
	p.mu.Lock()
	p.timers[id] = t
	p.mu.Unlock()
}

func (p *Preprocessor) remove(id, path, thumb string) {
	_ = os.Remove(path)
	_ = os.Remove(thumb)
	p.mu.Lock()
	delete(p.timers, id)
	p.mu.Unlock()
	p.logger.Debug("image artifact expired", zap.String("artifact_id", id))
}

// Delete removes an artifact ahead of its TTL.
func (p *Preprocessor) Delete(art *Artifact) {
	p.mu.Lock()
	if t, ok := p.timers[art.ID]; ok {
		t.Stop()
		delete(p.timers, art.ID)
	}
	p.mu.Unlock()
	_ = os.Remove(art.Path)
	_ = os.Remove(art.ThumbPath)
}

// SweepScratch deletes stale artifacts left behind by a previous process.
// TTL timers are in-memory only, so this runs at startup.
func (p *Preprocessor) SweepScratch() (removed int) {
	entries, err := os.ReadDir(p.cfg.ScratchDir)
	if err != nil {
		p.logger.Warn("scratch sweep failed", zap.Error(err))
		return 0
	}
	now := p.now().Unix()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		expiry, ok := expiryFromName(e.Name())
		if !ok {
			continue
		}
		if expiry <= now {
			if err := os.Remove(filepath.Join(p.cfg.ScratchDir, e.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		p.logger.Info("removed stale image artifacts", zap.Int("count", removed))
	}
	return removed
}

// Close stops all outstanding TTL timers; files stay for the next sweep.
func (p *Preprocessor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
}

// expiryFromName parses the `<id>_<expiryUnix>[_thumb].<ext>` layout.
func expiryFromName(name string) (int64, bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	base = strings.TrimSuffix(base, "_thumb")
	idx := strings.LastIndex(base, "_")
	if idx < 0 {
		return 0, false
	}
	expiry, err := strconv.ParseInt(base[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return expiry, true
}

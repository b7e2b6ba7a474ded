package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/phenolog/phenolog/internal/conf"
	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/logger"
	"github.com/phenolog/phenolog/internal/observation"
	"github.com/phenolog/phenolog/internal/securefs"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testDestDir = "5/9"

func testSettings() *conf.MediaSettings {
	return &conf.MediaSettings{Quality: 80, StageTimeout: 10 * time.Second}
}

func newTestPipeline(t *testing.T, settings *conf.MediaSettings, opts ...Option) (*Pipeline, *securefs.SecureFS) {
	t.Helper()
	fsys, err := securefs.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsys.Close() })
	opts = append([]Option{WithLogger(logger.NopLogger())}, opts...)
	return NewPipeline(fsys, settings, opts...), fsys
}

// encodeJPEG draws a gradient so the encoder has real content to work with
func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

// withExif inserts an APP1 segment carrying DateTimeOriginal after the SOI marker
func withExif(t *testing.T, jpg []byte, dateTime string) []byte {
	t.Helper()
	require.Len(t, dateTime, 19)
	le := binary.LittleEndian

	var tiff bytes.Buffer
	tiff.WriteString("II")
	_ = binary.Write(&tiff, le, uint16(42))
	_ = binary.Write(&tiff, le, uint32(8))
	// IFD0: one entry pointing at the Exif IFD
	_ = binary.Write(&tiff, le, uint16(1))
	_ = binary.Write(&tiff, le, uint16(0x8769))
	_ = binary.Write(&tiff, le, uint16(4))
	_ = binary.Write(&tiff, le, uint32(1))
	_ = binary.Write(&tiff, le, uint32(26))
	_ = binary.Write(&tiff, le, uint32(0))
	// Exif IFD: DateTimeOriginal
	_ = binary.Write(&tiff, le, uint16(1))
	_ = binary.Write(&tiff, le, uint16(0x9003))
	_ = binary.Write(&tiff, le, uint16(2))
	_ = binary.Write(&tiff, le, uint32(20))
	_ = binary.Write(&tiff, le, uint32(44))
	_ = binary.Write(&tiff, le, uint32(0))
	tiff.WriteString(dateTime)
	tiff.WriteByte(0)

	payload := append([]byte("Exif\x00\x00"), tiff.Bytes()...)
	var out bytes.Buffer
	out.Write(jpg[:2])
	out.Write([]byte{0xFF, 0xE1})
	_ = binary.Write(&out, binary.BigEndian, uint16(len(payload)+2))
	out.Write(payload)
	out.Write(jpg[2:])
	return out.Bytes()
}

func stageSource(t *testing.T, fsys *securefs.SecureFS, data []byte) string {
	t.Helper()
	require.NoError(t, fsys.MkdirAll("incoming"))
	rel := "incoming/upload.jpg"
	require.NoError(t, fsys.WriteFileAtomic(rel, data))
	return rel
}

func decodeSize(t *testing.T, fsys *securefs.SecureFS, rel string) image.Point {
	t.Helper()
	f, err := fsys.Open(rel)
	require.NoError(t, err)
	defer f.Close()
	cfg, err := jpeg.DecodeConfig(f)
	require.NoError(t, err)
	return image.Pt(cfg.Width, cfg.Height)
}

func TestProcessProducesAllRenditions(t *testing.T) {
	p, fsys := newTestPipeline(t, testSettings())
	src := stageSource(t, fsys, encodeJPEG(t, 2000, 1500))

	res, err := p.Process(context.Background(), src, testDestDir, 17)
	require.NoError(t, err)
	require.Len(t, res.Derivatives, 4)

	want := map[observation.Kind]image.Point{
		observation.KindOrig:      image.Pt(2000, 1500),
		observation.KindThumbnail: image.Pt(133, 100),
		observation.KindSmall:     image.Pt(640, 480),
		observation.KindLarge:     image.Pt(1066, 800),
	}
	for i, d := range res.Derivatives {
		assert.Equal(t, observation.Kinds[i], d.Kind, "stage order")
		assert.Equal(t, observation.FilePath(5, 9, d.Kind, 17), d.Path)
		assert.Positive(t, d.Size)
		assert.Equal(t, want[d.Kind], image.Pt(d.Width, d.Height))
		assert.Equal(t, want[d.Kind], decodeSize(t, fsys, d.Path))
	}

	path, ok := res.Path(observation.KindSmall)
	assert.True(t, ok)
	assert.Equal(t, "5/9/small/17.jpg", path)
}

func TestProcessIsIdempotent(t *testing.T) {
	p, fsys := newTestPipeline(t, testSettings())
	src := stageSource(t, fsys, encodeJPEG(t, 800, 600))

	_, err := p.Process(context.Background(), src, testDestDir, 3)
	require.NoError(t, err)
	first := map[observation.Kind][]byte{}
	for _, kind := range observation.Kinds {
		data, err := fsys.ReadFile(observation.FilePath(5, 9, kind, 3))
		require.NoError(t, err)
		first[kind] = data
	}

	_, err = p.Process(context.Background(), src, testDestDir, 3)
	require.NoError(t, err)
	for _, kind := range observation.Kinds {
		data, err := fsys.ReadFile(observation.FilePath(5, 9, kind, 3))
		require.NoError(t, err)
		assert.Equal(t, first[kind], data, "%s differs on re-run", kind)
	}

	for _, kind := range observation.Kinds {
		entries, err := os.ReadDir(filepath.Join(fsys.BaseDir(), "5", "9", string(kind)))
		require.NoError(t, err)
		assert.Len(t, entries, 1, "%s holds only the derivative", kind)
	}
}

func TestProcessNeverUpscales(t *testing.T) {
	p, fsys := newTestPipeline(t, testSettings())
	src := stageSource(t, fsys, encodeJPEG(t, 100, 80))

	res, err := p.Process(context.Background(), src, testDestDir, 1)
	require.NoError(t, err)
	for _, d := range res.Derivatives {
		assert.Equal(t, image.Pt(100, 80), image.Pt(d.Width, d.Height), d.Kind)
	}
}

func TestProcessStopsAtFailedStage(t *testing.T) {
	p, fsys := newTestPipeline(t, testSettings())
	src := stageSource(t, fsys, encodeJPEG(t, 800, 600))

	// a regular file where the small directory belongs
	require.NoError(t, fsys.MkdirAll(testDestDir))
	require.NoError(t, fsys.WriteFileAtomic(testDestDir+"/small", []byte("blocker")))

	res, err := p.Process(context.Background(), src, testDestDir, 8)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDerivativeStage))

	stage, ok := FailedStage(err)
	require.True(t, ok)
	assert.Equal(t, observation.KindSmall, stage)
	assert.Contains(t, err.Error(), "small")

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	var cause *errors.EnhancedError
	require.ErrorAs(t, stageErr.Err, &cause)
	fields := cause.GetContext()
	assert.Equal(t, "create_stage_dir", fields["operation"])
	assert.Equal(t, "none", fields["file_extension"])
	assert.NotContains(t, fields, "path", "paths stay out of error context")

	require.Len(t, res.Derivatives, 2)
	for kind, want := range map[observation.Kind]bool{
		observation.KindOrig:      true,
		observation.KindThumbnail: true,
		observation.KindLarge:     false,
	} {
		exists, err := fsys.Exists(observation.FilePath(5, 9, kind, 8))
		require.NoError(t, err)
		assert.Equal(t, want, exists, kind)
	}
}

func TestProcessDiskPreflight(t *testing.T) {
	settings := testSettings()
	settings.MinFreeMB = 100
	p, fsys := newTestPipeline(t, settings, WithFreeSpaceFunc(func(string) (uint64, error) {
		return 5 * bytesPerMB, nil
	}))
	src := stageSource(t, fsys, encodeJPEG(t, 64, 64))

	res, err := p.Process(context.Background(), src, testDestDir, 1)
	require.Error(t, err)
	assert.Empty(t, res.Derivatives)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, observation.KindOrig, stageErr.Stage)
	assert.True(t, errors.IsCategory(stageErr.Err, errors.CategoryDiskUsage))

	var cause *errors.EnhancedError
	require.ErrorAs(t, stageErr.Err, &cause)
	assert.Equal(t, errors.PriorityHigh, cause.GetPriority())
}

func TestProcessStageTimeout(t *testing.T) {
	settings := testSettings()
	settings.StageTimeout = time.Nanosecond
	p, fsys := newTestPipeline(t, settings)
	src := stageSource(t, fsys, encodeJPEG(t, 64, 64))

	_, err := p.Process(context.Background(), src, testDestDir, 1)
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, observation.KindOrig, stageErr.Stage)
	assert.True(t, errors.IsCategory(stageErr.Err, errors.CategoryTimeout))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var cause *errors.EnhancedError
	require.ErrorAs(t, stageErr.Err, &cause)
	fields := cause.GetContext()
	assert.Equal(t, "render_orig", fields["operation"])
	assert.Contains(t, fields, "duration_ms")
}

func TestProcessCancelledStageCommitsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	settings := testSettings()
	settings.MinFreeMB = 1
	// the disk check runs inside the first stage, after its context check
	p, fsys := newTestPipeline(t, settings, WithFreeSpaceFunc(func(string) (uint64, error) {
		cancel()
		return math.MaxUint64, nil
	}))
	src := stageSource(t, fsys, encodeJPEG(t, 64, 64))

	_, err := p.Process(ctx, src, testDestDir, 1)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, observation.KindOrig, stageErr.Stage)
	assert.True(t, errors.IsCategory(stageErr.Err, errors.CategoryCancellation))

	names, err := fsys.ReadDirNames(path.Join(testDestDir, string(observation.KindOrig)))
	require.NoError(t, err)
	assert.Empty(t, names, "no derivative or temp file is left behind")
}

func TestProcessRejectsUndecodableSource(t *testing.T) {
	p, fsys := newTestPipeline(t, testSettings())
	src := stageSource(t, fsys, []byte("definitely not an image"))

	_, err := p.Process(context.Background(), src, testDestDir, 1)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, observation.KindOrig, stageErr.Stage)
	assert.True(t, errors.IsCategory(stageErr.Err, errors.CategoryImageProcessing))
}

type recordingObserver struct {
	mu     sync.Mutex
	stages []observation.Kind
	failed []observation.Kind
}

func (r *recordingObserver) ObserveStage(stage observation.Kind, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
	if err != nil {
		r.failed = append(r.failed, stage)
	}
}

func TestProcessReportsStages(t *testing.T) {
	obs := &recordingObserver{}
	p, fsys := newTestPipeline(t, testSettings(), WithObserver(obs))
	src := stageSource(t, fsys, encodeJPEG(t, 300, 200))

	_, err := p.Process(context.Background(), src, testDestDir, 1)
	require.NoError(t, err)
	assert.Equal(t, observation.Kinds, obs.stages)
	assert.Empty(t, obs.failed)
}

func TestCaptureTime(t *testing.T) {
	helsinki, err := time.LoadLocation("Europe/Helsinki")
	require.NoError(t, err)
	p, fsys := newTestPipeline(t, testSettings(), WithLocation(helsinki))

	src := stageSource(t, fsys, withExif(t, encodeJPEG(t, 32, 32), "2015:05:09 14:22:05"))
	got, ok := p.CaptureTime(src)
	require.True(t, ok)
	assert.True(t, got.Equal(time.Date(2015, 5, 9, 14, 22, 5, 0, helsinki)), "got %v", got)

	// the EXIF segment does not disturb the derivative stages
	_, err = p.Process(context.Background(), src, testDestDir, 1)
	require.NoError(t, err)

	plain := stageSource(t, fsys, encodeJPEG(t, 32, 32))
	_, ok = p.CaptureTime(plain)
	assert.False(t, ok)

	_, ok = p.CaptureTime("incoming/missing.jpg")
	assert.False(t, ok)
}

func TestStageFit(t *testing.T) {
	t.Parallel()
	thumb := Stage{Name: observation.KindThumbnail, Width: 150, Height: 100}
	tests := []struct {
		src  image.Rectangle
		want image.Point
	}{
		{image.Rect(0, 0, 3000, 2000), image.Pt(150, 100)},
		{image.Rect(0, 0, 2000, 3000), image.Pt(66, 100)},
		{image.Rect(0, 0, 4000, 1000), image.Pt(150, 37)},
		{image.Rect(0, 0, 100, 50), image.Pt(100, 50)},
		{image.Rect(0, 0, 10000, 10), image.Pt(150, 1)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, thumb.fit(tt.src), "%v", tt.src)
	}
	assert.Equal(t, image.Pt(5000, 10), Stage{}.fit(image.Rect(0, 0, 5000, 10)))
}

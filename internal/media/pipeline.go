package media

import (
	"context"
	"image"
	"image/color"
	_ "image/gif" // register decoder
	"image/jpeg"
	_ "image/png" // register decoder
	"io"
	"path"
	"time"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register decoder

	"github.com/phenolog/phenolog/internal/conf"
	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/logger"
	"github.com/phenolog/phenolog/internal/observation"
	"github.com/phenolog/phenolog/internal/securefs"
)

const bytesPerMB = 1024 * 1024

// StageObserver receives the outcome of every stage run
type StageObserver interface {
	ObserveStage(stage observation.Kind, duration time.Duration, err error)
}

// Derivative describes one produced rendition
type Derivative struct {
	Kind   observation.Kind
	Path   string // relative to the media root
	Width  int
	Height int
	Size   int64
}

// Result lists the renditions produced so far, in stage order
type Result struct {
	Derivatives []Derivative
}

// Path returns the produced file for kind
func (r *Result) Path(kind observation.Kind) (string, bool) {
	for _, d := range r.Derivatives {
		if d.Kind == kind {
			return d.Path, true
		}
	}
	return "", false
}

// Pipeline produces the renditions of one source image. Stages of a single
// run execute strictly in order; separate runs share nothing but the root.
type Pipeline struct {
	fs           *securefs.SecureFS
	stages       []Stage
	quality      int
	stageTimeout time.Duration
	minFree      uint64
	freeSpace    FreeSpaceFunc
	location     *time.Location
	observer     StageObserver
	interp       draw.Interpolator
	log          logger.Logger
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithStages replaces DefaultStages
func WithStages(stages []Stage) Option {
	return func(p *Pipeline) { p.stages = stages }
}

// WithFreeSpaceFunc replaces the disk usage query used by the preflight check
func WithFreeSpaceFunc(fn FreeSpaceFunc) Option {
	return func(p *Pipeline) { p.freeSpace = fn }
}

// WithObserver reports stage timings and failures
func WithObserver(o StageObserver) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithLocation sets the zone used for EXIF timestamps that carry none
func WithLocation(loc *time.Location) Option {
	return func(p *Pipeline) { p.location = loc }
}

// WithLogger sets the pipeline logger
func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// NewPipeline creates a pipeline writing below fsys
func NewPipeline(fsys *securefs.SecureFS, settings *conf.MediaSettings, opts ...Option) *Pipeline {
	p := &Pipeline{
		fs:           fsys,
		stages:       DefaultStages,
		quality:      settings.Quality,
		stageTimeout: settings.StageTimeout,
		minFree:      settings.MinFreeMB * bytesPerMB,
		freeSpace:    diskFree,
		location:     time.UTC,
		interp:       draw.CatmullRom,
	}
	if p.quality <= 0 || p.quality > 100 {
		p.quality = jpeg.DefaultQuality
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.Global().Module("media")
	}
	return p
}

// CaptureTime reads the embedded capture time of a file below the media
// root. Unreadable metadata is logged and reported as absent.
func (p *Pipeline) CaptureTime(sourceRel string) (time.Time, bool) {
	f, err := p.fs.Open(sourceRel)
	if err != nil {
		p.log.Debug("cannot open source for metadata", logger.String("path", sourceRel), logger.Error(err))
		return time.Time{}, false
	}
	defer func() { _ = f.Close() }()

	t, ok, err := ExtractCaptureTime(f, p.location)
	if err != nil {
		p.log.Debug("no readable EXIF metadata",
			logger.String("path", sourceRel),
			logger.String("category", string(errors.CategoryMetadataExtraction)),
			logger.Error(err))
		return time.Time{}, false
	}
	return t, ok
}

// job carries the state shared by the stages of one run
type job struct {
	sourceRel string
	destDir   string
	id        int
	prevPath  string
	src       image.Image
}

// Process runs every stage for observation id, writing
// {destDir}/{stage}/{id}.jpg. The first failing stage stops the run and is
// named by a *StageError in the returned error; files of earlier stages are
// left in place. Re-running overwrites the same files.
func (p *Pipeline) Process(ctx context.Context, sourceRel, destDir string, id int) (*Result, error) {
	began := time.Now()
	result := &Result{}
	j := &job{sourceRel: sourceRel, destDir: destDir, id: id}

	for _, stage := range p.stages {
		d, err := p.runStage(ctx, stage, j)
		if err != nil {
			p.log.Warn("derivative pipeline stopped",
				logger.Int("observation_id", id),
				logger.String("stage", string(stage.Name)),
				logger.Error(err))
			return result, p.stageFailure(stage, err, id)
		}
		result.Derivatives = append(result.Derivatives, d)
		j.prevPath = d.Path
	}

	p.log.Debug("derivatives complete",
		logger.Int("observation_id", id),
		logger.String("dir", destDir),
		logger.Duration("elapsed", time.Since(began)))
	return result, nil
}

// runStage executes one stage under the stage timeout. The stage runs on the
// calling goroutine and its output is renamed into place only while the stage
// context is live, so a failed stage never commits a file.
func (p *Pipeline) runStage(ctx context.Context, stage Stage, j *job) (Derivative, error) {
	var stageCtx context.Context
	var cancel context.CancelFunc
	if p.stageTimeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, p.stageTimeout)
	} else {
		stageCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	began := time.Now()
	d, decoded, err := p.execute(stageCtx, stage, j, j.src)
	if err != nil {
		err = classify(err, stage, p.stageTimeout, time.Since(began))
	} else if j.src == nil {
		j.src = decoded
	}

	if p.observer != nil {
		p.observer.ObserveStage(stage.Name, time.Since(began), err)
	}
	return d, err
}

// classify tags context failures with timeout or cancellation categories
func classify(err error, stage Stage, timeout, elapsed time.Duration) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errors.New(err).
			Component("media").
			Category(errors.CategoryTimeout).
			Context("stage", string(stage.Name)).
			Context("timeout", timeout.String()).
			Timing("render_"+string(stage.Name), elapsed).
			Build()
	case errors.Is(err, context.Canceled):
		return errors.New(err).
			Component("media").
			Category(errors.CategoryCancellation).
			Context("stage", string(stage.Name)).
			Timing("render_"+string(stage.Name), elapsed).
			Build()
	}
	return err
}

func (p *Pipeline) stageFailure(stage Stage, err error, id int) error {
	return errors.New(&StageError{Stage: stage.Name, Err: err}).
		Component("media").
		Category(errors.CategoryDerivativeStage).
		Context("stage", string(stage.Name)).
		Context("observation_id", id).
		Context("cause_category", string(errors.CategoryOf(err))).
		Build()
}

// execute performs one stage. src is nil for the first stage, which decodes
// the source and returns it for the stages that follow.
func (p *Pipeline) execute(ctx context.Context, stage Stage, j *job, src image.Image) (Derivative, image.Image, error) {
	if err := ctx.Err(); err != nil {
		return Derivative{}, nil, err
	}

	dir := path.Join(j.destDir, string(stage.Name))
	if err := p.fs.MkdirAll(dir); err != nil {
		return Derivative{}, nil, fileError(err, "create_stage_dir", dir)
	}

	if j.prevPath != "" {
		if err := p.requireOutput(j.prevPath); err != nil {
			return Derivative{}, nil, err
		}
	}

	if src == nil {
		if err := p.preflight(); err != nil {
			return Derivative{}, nil, err
		}
		decoded, err := p.decodeSource(j.sourceRel)
		if err != nil {
			return Derivative{}, nil, err
		}
		src = decoded
	}

	size := stage.fit(src.Bounds())
	img := p.render(src, size)

	rel := path.Join(dir, observation.FileName(j.id))
	err := p.fs.WriteAtomicContext(ctx, rel, func(w io.Writer) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := jpeg.Encode(w, img, &jpeg.Options{Quality: p.quality}); err != nil {
			return errors.New(err).
				Component("media").
				Category(errors.CategoryImageProcessing).
				Context("operation", "encode").
				Build()
		}
		return ctx.Err()
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
			errors.IsCategory(err, errors.CategoryImageProcessing) {
			return Derivative{}, nil, err
		}
		return Derivative{}, nil, fileError(err, "write_derivative", rel)
	}

	info, err := p.fs.Stat(rel)
	if err != nil {
		return Derivative{}, nil, fileError(err, "stat_derivative", rel)
	}
	return Derivative{
		Kind:   stage.Name,
		Path:   rel,
		Width:  size.X,
		Height: size.Y,
		Size:   info.Size(),
	}, src, nil
}

// requireOutput checks that a preceding stage left a non-empty file
func (p *Pipeline) requireOutput(rel string) error {
	info, err := p.fs.Stat(rel)
	if err != nil {
		return fileError(err, "check_previous_stage", rel)
	}
	if info.Size() == 0 {
		return errors.Newf("previous stage output %s is empty", rel).
			Component("media").
			Category(errors.CategoryFileIO).
			Build()
	}
	return nil
}

// preflight refuses to start when the media filesystem is nearly full
func (p *Pipeline) preflight() error {
	if p.minFree == 0 || p.freeSpace == nil {
		return nil
	}
	free, err := p.freeSpace(p.fs.BaseDir())
	if err != nil {
		p.log.Warn("disk usage check failed, continuing", logger.Error(err))
		return nil
	}
	if free < p.minFree {
		return errors.Newf("insufficient disk space: %d MB free, %d MB required", free/bytesPerMB, p.minFree/bytesPerMB).
			Component("media").
			Category(errors.CategoryDiskUsage).
			Priority(errors.PriorityHigh).
			Context("free_bytes", free).
			Context("required_bytes", p.minFree).
			Build()
	}
	return nil
}

func (p *Pipeline) decodeSource(rel string) (image.Image, error) {
	f, err := p.fs.Open(rel)
	if err != nil {
		return nil, fileError(err, "open_source", rel)
	}
	defer func() { _ = f.Close() }()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, errors.New(err).
			Component("media").
			Category(errors.CategoryImageProcessing).
			Context("operation", "decode").
			Context("path", rel).
			Build()
	}
	p.log.Trace("source decoded",
		logger.String("format", format),
		logger.Int("width", img.Bounds().Dx()),
		logger.Int("height", img.Bounds().Dy()))
	return img, nil
}

// render scales src to size over a white background, so transparent sources
// encode predictably as JPEG.
func (p *Pipeline) render(src image.Image, size image.Point) image.Image {
	b := src.Bounds()
	if size == b.Size() {
		switch src.(type) {
		case *image.YCbCr, *image.Gray:
			return src
		}
	}
	dst := image.NewRGBA(image.Rectangle{Max: size})
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	if size == b.Size() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
		return dst
	}
	p.interp.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

func fileError(err error, operation, rel string) error {
	return errors.New(err).
		Component("media").
		Category(errors.CategoryFileIO).
		Context("operation", operation).
		FileContext(rel, 0).
		Build()
}

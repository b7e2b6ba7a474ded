// Package media derives the display renditions of an observation photograph
// and reads its embedded capture time.
package media

import (
	"fmt"
	"image"

	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/observation"
)

// Stage is one rendition step. A zero Width and Height means the source is
// re-encoded at its own size.
type Stage struct {
	Name   observation.Kind
	Width  int
	Height int
}

// DefaultStages run in this order; each requires the previous stage's file.
var DefaultStages = []Stage{
	{Name: observation.KindOrig},
	{Name: observation.KindThumbnail, Width: 150, Height: 100},
	{Name: observation.KindSmall, Width: 640, Height: 480},
	{Name: observation.KindLarge, Width: 1200, Height: 800},
}

// fit returns the largest size inside the stage box that keeps the aspect
// ratio of src. Images are never enlarged.
func (s Stage) fit(src image.Rectangle) image.Point {
	w, h := src.Dx(), src.Dy()
	if s.Width == 0 && s.Height == 0 {
		return image.Pt(w, h)
	}
	if w <= s.Width && h <= s.Height {
		return image.Pt(w, h)
	}
	// compare w/h against Width/Height without floating point
	if w*s.Height >= h*s.Width {
		return image.Pt(s.Width, max(1, h*s.Width/w))
	}
	return image.Pt(max(1, w*s.Height/h), s.Height)
}

// StageError reports the stage at which a pipeline run stopped
type StageError struct {
	Stage observation.Kind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("derivative stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ErrorCategory implements errors.CategorizedError
func (e *StageError) ErrorCategory() errors.ErrorCategory {
	return errors.CategoryDerivativeStage
}

// FailedStage returns the stage named by a StageError in err's chain
func FailedStage(err error) (observation.Kind, bool) {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage, true
	}
	return "", false
}

package media

import (
	"io"
	"time"

	"github.com/rwcarlsen/goexif/exif"

	"github.com/phenolog/phenolog/internal/datefix"
)

// captureTags are consulted in order
var captureTags = []exif.FieldName{exif.DateTimeOriginal, exif.DateTimeDigitized, exif.DateTime}

// ExtractCaptureTime reads the capture timestamp from EXIF metadata. Zone-less
// values are read in loc. Missing or unreadable metadata gives ok == false.
func ExtractCaptureTime(r io.Reader, loc *time.Location) (t time.Time, ok bool, err error) {
	x, err := exif.Decode(r)
	if err != nil {
		if exif.IsCriticalError(err) {
			return time.Time{}, false, err
		}
		// non-critical errors still leave a usable x
		if x == nil {
			return time.Time{}, false, err
		}
	}

	for _, name := range captureTags {
		tag, tagErr := x.Get(name)
		if tagErr != nil {
			continue
		}
		s, tagErr := tag.StringVal()
		if tagErr != nil {
			continue
		}
		if parsed, valid := datefix.ParseEmbedded(s, loc); valid {
			return parsed, true, nil
		}
	}
	return time.Time{}, false, nil
}

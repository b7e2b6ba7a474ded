// Package observation defines the observation record, its derivative file
// layout and the formatted record handed to clients.
package observation

import (
	"path"
	"strconv"
	"time"
)

// Observation is one photographic record of a plant at a location within an experiment
type Observation struct {
	ID           int       `json:"id"`
	LocationID   int       `json:"locationId"`
	PlantID      int       `json:"plantId"`
	ExperimentID int       `json:"experimentId"`
	Date         Date      `json:"date"`
	DateUser     Date      `json:"dateUser"`
	DateCreated  *Date     `json:"dateCreated,omitempty"`
	DateUpload   time.Time `json:"dateUpload"`
	Deleted      bool      `json:"deleted"`
}

// EntityID implements tablestore.Entity
func (o Observation) EntityID() int {
	return o.ID
}

// SameSubject reports whether other refers to the same experiment, plant and location
func (o Observation) SameSubject(other Observation) bool {
	return o.ExperimentID == other.ExperimentID &&
		o.PlantID == other.PlantID &&
		o.LocationID == other.LocationID
}

// Kind names one rendition of an observation's photograph
type Kind string

const (
	KindOrig      Kind = "orig"
	KindThumbnail Kind = "thumbnail"
	KindSmall     Kind = "small"
	KindLarge     Kind = "large"
)

// Kinds lists the renditions in the order they are produced
var Kinds = []Kind{KindOrig, KindThumbnail, KindSmall, KindLarge}

// FileExt is the extension of every derivative
const FileExt = ".jpg"

// MediaDir returns the slash separated directory, relative to the media root,
// holding the derivatives of one location and plant.
func MediaDir(locationID, plantID int) string {
	return path.Join(strconv.Itoa(locationID), strconv.Itoa(plantID))
}

// FileName returns "{id}.jpg"
func FileName(id int) string {
	return strconv.Itoa(id) + FileExt
}

// FilePath returns {dir}/{kind}/{id}.jpg for a derivative, relative to the media root
func FilePath(locationID, plantID int, kind Kind, id int) string {
	return path.Join(MediaDir(locationID, plantID), string(kind), FileName(id))
}

// Paths are the public URLs of the four renditions
type Paths struct {
	Orig      string `json:"orig"`
	Small     string `json:"small"`
	Large     string `json:"large"`
	Thumbnail string `json:"thumbnail"`
}

// PathsFor computes rendition URLs under baseURL. The result depends only on
// the location, plant and observation ids.
func PathsFor(baseURL string, o Observation) Paths {
	url := func(kind Kind) string {
		return path.Join("/", baseURL, FilePath(o.LocationID, o.PlantID, kind, o.ID))
	}
	return Paths{
		Orig:      url(KindOrig),
		Small:     url(KindSmall),
		Large:     url(KindLarge),
		Thumbnail: url(KindThumbnail),
	}
}

// Package datefix reconciles the date a submitter claims for a photograph
// with the capture time embedded in the image, and places dates into
// experiment weeks.
package datefix

import (
	"math"
	"time"

	"github.com/phenolog/phenolog/internal/observation"
)

// MaxDriftDays is the exclusive bound on the distance between the claimed
// and embedded dates for the embedded date to be adopted.
const MaxDriftDays = 32

// Reason explains the outcome of Resolve
type Reason string

const (
	ReasonNoEmbedded  Reason = "no-embedded-date"
	ReasonAdopted     Reason = "adopted"
	ReasonTooFar      Reason = "drift-too-large"
	ReasonInFuture    Reason = "embedded-in-future"
	ReasonBeforeStart Reason = "embedded-before-start"
)

// Resolution is the authoritative date and how it was chosen
type Resolution struct {
	Date     observation.Date
	Adopted  bool
	DiffDays float64
	Reason   Reason
}

// Resolve picks the authoritative observation date. The embedded capture time
// wins only when it lies within MaxDriftDays of the claimed date, is not
// after now, and is not before the experiment start. Otherwise, or when no
// embedded time exists, the claimed date is kept unchanged.
func Resolve(claimed observation.Date, embedded *time.Time, start, now time.Time) Resolution {
	if embedded == nil || embedded.IsZero() {
		return Resolution{Date: claimed, Reason: ReasonNoEmbedded}
	}

	diff := math.Abs(claimed.Time.Sub(*embedded).Hours()) / 24
	res := Resolution{Date: claimed, DiffDays: diff}

	switch {
	case diff >= MaxDriftDays:
		res.Reason = ReasonTooFar
	case embedded.After(now):
		res.Reason = ReasonInFuture
	case embedded.Before(start):
		res.Reason = ReasonBeforeStart
	default:
		res.Date = observation.DateTimeOf(*embedded)
		res.Adopted = true
		res.Reason = ReasonAdopted
	}
	return res
}

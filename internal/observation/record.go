package observation

// Labels carries the display fields joined in from the catalog
type Labels struct {
	LocationName string
	PlantFamily  string
	PlantVariety string
	AccountID    string
}

// Record is the formatted observation returned to clients
type Record struct {
	ID           int    `json:"id"`
	Date         Date   `json:"date"`
	DateCreated  *Date  `json:"dateCreated"`
	ExperimentID int    `json:"experimentId"`
	LocationID   int    `json:"locationId"`
	LocationName string `json:"locationName"`
	PlantID      int    `json:"plantId"`
	PlantFamily  string `json:"plantFamily"`
	PlantVariety string `json:"plantVariety"`
	AccountID    string `json:"accountId"`
	Deleted      bool   `json:"deleted,omitempty"`
	Paths
}

// Format joins an observation with its catalog labels and rendition URLs
func Format(o Observation, labels Labels, baseURL string) *Record {
	return &Record{
		ID:           o.ID,
		Date:         o.Date,
		DateCreated:  o.DateCreated,
		ExperimentID: o.ExperimentID,
		LocationID:   o.LocationID,
		LocationName: labels.LocationName,
		PlantID:      o.PlantID,
		PlantFamily:  labels.PlantFamily,
		PlantVariety: labels.PlantVariety,
		AccountID:    labels.AccountID,
		Deleted:      o.Deleted,
		Paths:        PathsFor(baseURL, o),
	}
}

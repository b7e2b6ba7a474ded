// Package notify publishes week index cell changes to an MQTT broker so that
// dashboards can refresh the affected cells without polling.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/logger"
	"github.com/phenolog/phenolog/internal/weekindex"
)

// GetLogger returns the notify module logger
func GetLogger() logger.Logger {
	return logger.Global().Module("notify")
}

// ChangeType names what happened to a cell
type ChangeType string

const (
	ChangeInserted ChangeType = "inserted"
	ChangeMoved    ChangeType = "moved"
	ChangeRemoved  ChangeType = "removed"
)

// CellChange describes one observation entering, leaving or moving between cells
type CellChange struct {
	Type          ChangeType       `json:"type"`
	ExperimentID  int              `json:"experimentId"`
	ObservationID int              `json:"observationId"`
	From          *weekindex.Coord `json:"from,omitempty"`
	To            *weekindex.Coord `json:"to,omitempty"`
	Time          time.Time        `json:"time"`
}

// Publisher receives cell changes after they are applied to the index
type Publisher interface {
	Publish(ctx context.Context, change CellChange) error
}

// Noop discards every change
type Noop struct{}

// Publish implements Publisher
func (Noop) Publish(context.Context, CellChange) error { return nil }

// MQTTPublisher sends changes as JSON to {topic}/experiments/{id}/cells
type MQTTPublisher struct {
	client Client
	topic  string
	log    logger.Logger
}

// NewMQTTPublisher creates a publisher on an already configured client
func NewMQTTPublisher(client Client, topic string) *MQTTPublisher {
	return &MQTTPublisher{
		client: client,
		topic:  strings.TrimRight(topic, "/"),
		log:    GetLogger(),
	}
}

// Topic returns the topic the changes of an experiment are sent to
func (p *MQTTPublisher) Topic(experimentID int) string {
	return fmt.Sprintf("%s/experiments/%d/cells", p.topic, experimentID)
}

// Publish implements Publisher
func (p *MQTTPublisher) Publish(ctx context.Context, change CellChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return errors.New(err).
			Component("notify").
			Category(errors.CategoryIntegration).
			Context("operation", "marshal_change").
			Build()
	}
	topic := p.Topic(change.ExperimentID)
	if err := p.client.Publish(ctx, topic, payload); err != nil {
		p.log.Warn("failed to publish cell change",
			logger.String("topic", topic),
			logger.Int("observation_id", change.ObservationID),
			logger.Error(err))
		return err
	}
	return nil
}

// Close disconnects the underlying client
func (p *MQTTPublisher) Close() {
	p.client.Disconnect()
}

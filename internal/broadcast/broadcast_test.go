package broadcast_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/qualboard/qualboard/internal/broadcast"
)

func TestExecutionChannelKey(t *testing.T) {
	assert.Equal(t, "execution_updates_project_apollo", broadcast.ExecutionChannelKey("apollo"))
}

func TestNewKafkaPublisherValidation(t *testing.T) {
	_, err := broadcast.NewKafkaPublisher(broadcast.KafkaPublisherConfig{Topic: "events"})
	assert.Error(t, err)

	_, err = broadcast.NewKafkaPublisher(broadcast.KafkaPublisherConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}

func TestNoopPublisher(t *testing.T) {
	var p broadcast.NoopPublisher
	assert.NoError(t, p.Publish(context.Background(), "any", nil))
	assert.NoError(t, p.Close())
}

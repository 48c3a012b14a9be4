package ingest

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/gridscope/gridscope/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EncodeObservation builds the kafka record for one observation. The record
// key is the (collector, camera) partition key so per-stream ordering holds.
func EncodeObservation(topic string, obs model.Observation) (*kgo.Record, error) {
	b, err := json.Marshal(obs)
	if err != nil {
		return nil, errors.Wrap(err, "marshal observation")
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(obs.PartitionKey()),
		Value: b,
	}, nil
}

// DecodeObservation parses a record value produced by EncodeObservation.
func DecodeObservation(value []byte) (model.Observation, error) {
	var obs model.Observation
	if err := json.Unmarshal(value, &obs); err != nil {
		return model.Observation{}, errors.Wrap(err, "unmarshal observation")
	}
	return obs, nil
}

// FeedbackUpdate is the wire form on the feedback topic: an operation name
// and its raw payload, decoded by the feedback processor.
type FeedbackUpdate struct {
	Type    string              `json:"type"`
	Payload jsoniter.RawMessage `json:"payload"`
}

func EncodeFeedbackUpdate(topic, opType string, payload any) (*kgo.Record, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal feedback payload")
	}
	b, err := json.Marshal(FeedbackUpdate{Type: opType, Payload: raw})
	if err != nil {
		return nil, errors.Wrap(err, "marshal feedback update")
	}
	return &kgo.Record{Topic: topic, Value: b}, nil
}

func DecodeFeedbackUpdate(value []byte) (FeedbackUpdate, error) {
	var update FeedbackUpdate
	if err := json.Unmarshal(value, &update); err != nil {
		return FeedbackUpdate{}, errors.Wrap(err, "unmarshal feedback update")
	}
	return update, nil
}

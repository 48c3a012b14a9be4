// Package collector is the camera-facing ingress: it validates frame
// payloads, explodes them into observations and produces them onto the
// raw detections topic. Producing is asynchronous so a slow broker shows
// up as consumer lag, never as ingestion backpressure.
package collector

import (
	"context"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/gridscope/gridscope/pkg/api"
	"github.com/gridscope/gridscope/pkg/griderr"
	"github.com/gridscope/gridscope/pkg/ingest"
	"github.com/gridscope/gridscope/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// producer is the slice of kgo.Client the handler needs; tests swap in a
// recording fake.
type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
}

type Collector struct {
	services.Service

	kafkaCfg   ingest.Config
	normalizer *Normalizer
	logger     log.Logger
	reg        prometheus.Registerer

	client   *kgo.Client
	producer producer

	metrics *collectorPrometheus
}

func New(grid model.Grid, kafkaCfg ingest.Config, logger log.Logger, reg prometheus.Registerer) *Collector {
	c := &Collector{
		kafkaCfg:   kafkaCfg,
		normalizer: NewNormalizer(grid),
		logger:     log.With(logger, "component", "collector"),
		reg:        reg,
		metrics:    newCollectorPrometheus(reg),
	}
	c.Service = services.NewIdleService(c.starting, c.stopping)
	return c
}

func (c *Collector) starting(ctx context.Context) error {
	client, err := ingest.NewWriterClient(c.kafkaCfg, ingest.NewWriterClientMetrics("collector", c.reg), c.logger)
	if err != nil {
		return err
	}
	c.client = client
	c.producer = client

	return ingest.WaitForBroker(ctx, client, c.logger)
}

func (c *Collector) stopping(_ error) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.kafkaCfg.CommitInterval)
	defer cancel()

	if err := c.client.Flush(ctx); err != nil {
		level.Warn(c.logger).Log("msg", "failed to flush pending records on shutdown", "err", err)
	}
	c.client.Close()
	return nil
}

type frameResponse struct {
	Status          string `json:"status"`
	FrameID         string `json:"frame_id"`
	ObjectsAccepted int    `json:"objects_accepted"`
	ObjectsDropped  int    `json:"objects_dropped"`
	TimestampMs     int64  `json:"timestamp"`
}

// FramesHandler implements POST /frames.
func (c *Collector) FramesHandler(w http.ResponseWriter, r *http.Request) {
	c.metrics.framesReceived.Inc()

	var frame FramePayload
	if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
		c.metrics.framesRejected.Inc()
		api.WriteError(w, griderr.Wrap(griderr.CodeInvalidPayload, err, "malformed frame body"))
		return
	}

	observations, dropped, err := c.normalizer.Normalize(frame)
	if err != nil {
		c.metrics.framesRejected.Inc()
		api.WriteError(w, err)
		return
	}
	c.metrics.objectsDropped.Add(float64(dropped))
	c.metrics.objectsAccepted.Add(float64(len(observations)))

	for _, obs := range observations {
		rec, err := ingest.EncodeObservation(c.kafkaCfg.Topic, obs)
		if err != nil {
			c.metrics.produceFailures.Inc()
			level.Error(c.logger).Log("msg", "failed to encode observation", "event_id", obs.EventID, "err", err)
			continue
		}
		c.producer.Produce(context.Background(), rec, c.onDelivery)
	}

	api.WriteJSON(w, http.StatusOK, frameResponse{
		Status:          "accepted",
		FrameID:         frame.FrameID,
		ObjectsAccepted: len(observations),
		ObjectsDropped:  dropped,
		TimestampMs:     api.NowMs(),
	})
}

// onDelivery only counts: the frame was already acked, redelivery is the
// camera's business on the next frame.
func (c *Collector) onDelivery(rec *kgo.Record, err error) {
	if err != nil {
		c.metrics.produceFailures.Inc()
		level.Error(c.logger).Log("msg", "failed to produce observation", "topic", rec.Topic, "err", err)
	}
}

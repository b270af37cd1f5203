package bus

import (
	"time"

	"github.com/nats-io/nats.go"
)

const (
	StreamMaxAge   = 24 * time.Hour
	StreamMaxMsgs  = 500_000
	StreamMaxBytes = 256 * 1024 * 1024
)

const ConsumerAckWait = 30 * time.Second

var ConsumerBackoff = []time.Duration{
	time.Second,
	5 * time.Second,
	30 * time.Second,
}

func PipelineStreamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:      StreamPipeline,
		Subjects:  []string{SubjectAll, SubjectUndeliverable},
		Retention: nats.LimitsPolicy,
		MaxAge:    StreamMaxAge,
		MaxMsgs:   StreamMaxMsgs,
		MaxBytes:  StreamMaxBytes,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	}
}

// ConsumerConfig is a durable pull consumer that redelivers with
// ConsumerBackoff before giving up.
func ConsumerConfig(durable, filterSubject string) *nats.ConsumerConfig {
	return &nats.ConsumerConfig{
		Durable:       durable,
		Name:          durable,
		FilterSubject: filterSubject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       ConsumerAckWait,
		MaxDeliver:    MaxDeliver(),
		BackOff:       append([]time.Duration(nil), ConsumerBackoff...),
		DeliverPolicy: nats.DeliverAllPolicy,
		ReplayPolicy:  nats.ReplayInstantPolicy,
	}
}

func MaxDeliver() int {
	return len(ConsumerBackoff) + 1
}

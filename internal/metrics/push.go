package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Job is the Pushgateway job name used for every pushed group.
const Job = "docingest"

// Pusher replaces this instance's metric group on a Pushgateway.
type Pusher struct {
	pusher *push.Pusher
}

// NewPusher pushes everything g gathers, grouped by instance.
func NewPusher(gatewayURL, instance string, g prometheus.Gatherer) *Pusher {
	return &Pusher{
		pusher: push.New(gatewayURL, Job).Grouping("instance", instance).Gatherer(g),
	}
}

func (p *Pusher) Push(ctx context.Context) error {
	return p.pusher.PushContext(ctx)
}

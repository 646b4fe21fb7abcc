package pipeline

import (
	"time"

	"github.com/tinytelemetry/outpost/internal/batch"
	"github.com/tinytelemetry/outpost/internal/model"
)

// NetworkStatus is the monitor's current view.
type NetworkStatus struct {
	Type  string `json:"type"`
	Class string `json:"class"`
}

// Status is a diagnostic snapshot of the whole pipeline.
type Status struct {
	Mode     string           `json:"mode"`
	Endpoint string           `json:"endpoint"`
	Encoding string           `json:"encoding"`
	Resource model.Attributes `json:"resource"`
	Uptime   string           `json:"uptime"`
	// Pending counts items still held by each provider.
	Pending map[string]int `json:"pending"`
	Queues  []batch.Status `json:"queues,omitempty"`
	Network *NetworkStatus `json:"network,omitempty"`
}

// Status reports providers, queues and network state.
func (c *Client) Status() Status {
	st := Status{
		Mode:     "direct",
		Endpoint: c.exporter.Endpoint(),
		Encoding: string(c.exporter.Encoding()),
		Resource: c.resource.Attributes.Clone(),
		Uptime:   time.Since(c.started).Round(time.Second).String(),
		Pending: map[string]int{
			"traces":  c.traces.PendingCount(),
			"metrics": c.meters.PendingCount(),
			"logs":    c.logs.PendingCount(),
		},
	}
	if c.cfg.Durable {
		st.Mode = "durable"
		st.Queues = []batch.Status{c.spanQ.Status(), c.metricQ.Status(), c.logQ.Status()}
	}
	if c.monitor != nil {
		st.Network = &NetworkStatus{Type: string(c.monitor.Current()), Class: string(c.monitor.Class())}
	}
	return st
}

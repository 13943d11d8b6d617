package model

// Metrics is the periodic snapshot written to state/metrics.yaml and returned
// by the control socket's stats command.
type Metrics struct {
	SchemaVersion int             `yaml:"schema_version" json:"schema_version"`
	FileType      string          `yaml:"file_type" json:"file_type"`
	Identity      string          `yaml:"identity" json:"identity"`
	PID           int             `yaml:"pid" json:"pid"`
	Broker        string          `yaml:"broker" json:"broker"`
	Pool          PoolMetrics     `yaml:"pool" json:"pool"`
	Counters      MetricsCounters `yaml:"counters" json:"counters"`
	Reconnects    int64           `yaml:"reconnects" json:"reconnects"`
	Queues        []QueueMetrics  `yaml:"queues" json:"queues"`
	Heartbeat     string          `yaml:"heartbeat" json:"heartbeat"`
	StartedAt     string          `yaml:"started_at" json:"started_at"`
}

type PoolMetrics struct {
	Capacity int `yaml:"capacity" json:"capacity"`
	InFlight int `yaml:"in_flight" json:"in_flight"`
}

type MetricsCounters struct {
	Dispatched    int64 `yaml:"dispatched" json:"dispatched"`
	Succeeded     int64 `yaml:"succeeded" json:"succeeded"`
	Failed        int64 `yaml:"failed" json:"failed"`
	TimedOut      int64 `yaml:"timed_out" json:"timed_out"`
	Retried       int64 `yaml:"retried" json:"retried"`
	DeadLettered  int64 `yaml:"dead_lettered" json:"dead_lettered"`
	Released      int64 `yaml:"released" json:"released"`
	DuplicateAcks int64 `yaml:"duplicate_acks" json:"duplicate_acks"`
	Malformed     int64 `yaml:"malformed" json:"malformed"`
}

// QueueMetrics describes one dispatcher. Ready and Dead come from the broker
// when it supports inspection and are -1 otherwise.
type QueueMetrics struct {
	Queue    string `yaml:"queue" json:"queue"`
	Shard    string `yaml:"shard" json:"shard"`
	State    string `yaml:"state" json:"state"`
	InFlight int    `yaml:"in_flight" json:"in_flight"`
	Pending  int    `yaml:"pending" json:"pending"`
	Ready    int    `yaml:"ready" json:"ready"`
	Dead     int    `yaml:"dead" json:"dead"`
}

package model

// QueueAssignment binds one concrete queue to one dispatcher shard.
type QueueAssignment struct {
	Pattern string `yaml:"pattern"`
	Queue   string `yaml:"queue"`
	Shard   string `yaml:"shard"`
}

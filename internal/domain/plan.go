package domain

// Plan holds the capacity ceilings a tenant's subscription grants.
// RunningCapacity and QueuedCapacity bound concurrent and waiting work per
// queue kind; MonitorLimit bounds active monitors. Zero means "no limit" only
// for MonitorLimit; capacity ceilings of zero admit nothing.
type Plan struct {
	Name string `yaml:"name" json:"name"`

	RunningCapacity int `yaml:"running_capacity" json:"runningCapacity"`
	QueuedCapacity  int `yaml:"queued_capacity" json:"queuedCapacity"`

	MonitorLimit int `yaml:"monitor_limit" json:"monitorLimit"`
}

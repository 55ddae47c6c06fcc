package queue

import "github.com/supercheck-io/supercheck-sub010/internal/domain"

// queueKeys derives every Redis key used for one physical queue. All keys
// share the configured prefix so several deployments can share a Redis.
type queueKeys struct {
	prefix string
	name   string
}

func keysFor(prefix string, kind domain.TaskKind) queueKeys {
	return queueKeys{prefix: prefix, name: kind.QueueName()}
}

func (k queueKeys) base() string {
	return k.prefix + ":" + k.name
}

// waiting is a sorted set ordered by (priority, enqueue sequence).
func (k queueKeys) waiting() string { return k.base() + ":waiting" }

// active is a list of entry ids currently claimed by workers.
func (k queueKeys) active() string { return k.base() + ":active" }

// delayed is a sorted set scored by ready-at unix milliseconds.
func (k queueKeys) delayed() string { return k.base() + ":delayed" }

// completed and failed hold terminal entry ids scored by finish time.
func (k queueKeys) completed() string { return k.base() + ":completed" }
func (k queueKeys) failed() string    { return k.base() + ":failed" }

// job is the hash holding one entry's fields.
func (k queueKeys) job(id string) string { return k.base() + ":job:" + id }

// jobPrefix is passed to scripts that rebuild job keys from entry ids.
func (k queueKeys) jobPrefix() string { return k.base() + ":job:" }

// dedup maps dedup keys to the live entry id holding them.
func (k queueKeys) dedup() string { return k.base() + ":dedup" }

// seq backs the per-queue enqueue sequence counter.
func (k queueKeys) seq() string { return k.base() + ":seq" }

// tenant is a hash of per-organization occupancy counters
// ("<org>:waiting", "<org>:active").
func (k queueKeys) tenant() string { return k.base() + ":tenant" }

// repeat is a sorted set of recurring registration handles scored by next
// fire time; repeatMeta holds one registration's fields; repeatIndex maps
// registration keys to their current handle.
func (k queueKeys) repeat() string                  { return k.base() + ":repeat" }
func (k queueKeys) repeatMeta(handle string) string { return k.base() + ":repeat:" + handle }
func (k queueKeys) repeatIndex() string             { return k.base() + ":repeat:index" }

// events is the pub/sub channel carrying normalized lifecycle events.
func (k queueKeys) events() string { return k.base() + ":events" }

func tenantField(org string, state string) string {
	return org + ":" + state
}

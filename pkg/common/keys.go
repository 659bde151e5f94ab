package common

import "fmt"

var (
	// Lock keys
	lockPrefix   string = "orchfs:lock"
	lockResource string = "orchfs:lock:resource:%s:%s" // server, resource key

	// Event keys
	eventsChannel string = "orchfs:events:%s" // server
)

var Keys = &redisKeys{}

type redisKeys struct{}

// Lock keys
func (rk *redisKeys) LockPrefix() string {
	return lockPrefix
}

func (rk *redisKeys) LockResource(server, key string) string {
	return fmt.Sprintf(lockResource, server, key)
}

// Event keys
func (rk *redisKeys) EventsChannel(server string) string {
	return fmt.Sprintf(eventsChannel, server)
}

package common

import (
	"github.com/alicebob/miniredis/v2"

	"github.com/beam-cloud/orchfs/pkg/types"
)

// NewRedisClientForTest creates a Redis client backed by miniredis for testing.
// Close the returned server when done.
func NewRedisClientForTest() (*RedisClient, *miniredis.Miniredis, error) {
	s, err := miniredis.Run()
	if err != nil {
		return nil, nil, err
	}

	rdb, err := NewRedisClient(types.RedisConfig{Addrs: []string{s.Addr()}})
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	return rdb, s, nil
}

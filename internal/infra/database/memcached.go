package database

import (
	"github.com/bradfitz/gomemcache/memcache"
)

const defaultMemcachedAddr = "localhost:11211"

// NewMemcached connects the response cache used for terminal DeltaFiles.
// The client dials lazily, so a missing cache surfaces as per-request
// errors rather than a startup failure.
func NewMemcached(server string) *memcache.Client {
	if server == "" {
		server = defaultMemcachedAddr
	}
	return memcache.New(server)
}

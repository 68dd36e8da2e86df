// Package redis builds the Redis clients used by the tracking service.
package redis

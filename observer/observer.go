// Package observer defines the lifecycle-notification and metrics-export
// surface a QueryClient exposes to external monitoring code.
//
// Grounded on monitoring/dashboard.go's subscriber-callback shape
// (RegisterAlertHandler-style fan-out to independently-failing listeners),
// adapted from a dashboard's server-sent alert stream to in-process Query
// lifecycle notifications.
package observer

import "time"

// Observer receives lifecycle notifications for every Query a QueryClient
// manages. Implementations should return quickly: callbacks run
// synchronously on the Query's own notification path, so a slow Observer
// delays every subscriber of that Query.
type Observer interface {
	OnQueryLoading(key string)
	OnQuerySuccess(key string, snapshot QuerySnapshot)
	OnQueryError(key string, err error)
	OnQuerySettled(key string)
}

// QuerySnapshot is a narrow, type-erased view of a successful fetch — enough
// for an Observer to report on without needing the Query's generic value
// type.
type QuerySnapshot struct {
	Key           string
	RequestID     string
	DataUpdatedAt time.Time
	FromCache     bool
}

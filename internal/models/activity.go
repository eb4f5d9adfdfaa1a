package models

import "time"

// Access channels recorded on activity entries.
const (
	ServiceWebUI  = "WEBUI"
	ServiceHTTP   = "HTTP"
	ServiceXMLRPC = "XMLRPC"
	ServiceWorker = "Scheduler"
)

// Activity object kinds.
const (
	ObjectJob       = "job"
	ObjectRecipeSet = "recipeset"
	ObjectSystem    = "system"
)

// Activity is an audit row written in the same transaction as the change it
// describes.
type Activity struct {
	ID         int64     `json:"id"`
	ObjectKind string    `json:"object_kind"`
	ObjectID   int64     `json:"object_id"`
	User       string    `json:"user"`
	Service    string    `json:"service"`
	Field      string    `json:"field_name"`
	Action     string    `json:"action"`
	OldValue   string    `json:"old_value"`
	NewValue   string    `json:"new_value"`
	CreatedAt  time.Time `json:"created"`
}

// Actor identifies who performed a mutation and through which channel.
type Actor struct {
	User    User
	Service string
}

// Package models defines the types exchanged between the engine and its
// collaborators.
package models

// ChangeKind says which tree a changed file belongs to.
type ChangeKind string

const (
	ChangeData     ChangeKind = "data"
	ChangeTemplate ChangeKind = "template"
)

// Reason describes what happened to a changed file.
type Reason string

const (
	Added    Reason = "Added"
	Modified Reason = "Modified"
	Deleted  Reason = "Deleted"
)

// Change is a single notification emitted by the watcher.
type Change struct {
	Kind   ChangeKind `json:"kind"`
	Path   string     `json:"path"`
	Reason Reason     `json:"reason"`
}

// Trigger records why a task was cued. It is handed to scripts as
// inputs.triggeredBy.
type Trigger struct {
	Path   string `json:"path"`
	Reason Reason `json:"reason"`
}

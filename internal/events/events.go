// Package events defines the bus subjects and event types published by the
// service.
package events

// Bus subjects. All subjects share the codepod prefix so subscribers can
// watch the whole service with codepod.>.
const (
	SubjectSandboxStatus = "codepod.sandbox.status"
	SubjectReaperSweep   = "codepod.reaper.sweep"
)

// Event types carried in bus events.
const (
	TypeSandboxStatus = "sandbox.status"
	TypeReaperSweep   = "reaper.sweep"
)

// Source identifies this service on the bus.
const Source = "codepod"

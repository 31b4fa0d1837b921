package defs

// Common labels for logging
const (
	LabelComponent = "component"
	LabelName      = "name"
	LabelPart      = "part"
	LabelStream    = "stream"
	LabelGroup     = "group"

	LabelRemote = "remote"
	LabelServer = "server"
)

// DeadLetterSuffix is appended to a stream ID to form its dead-letter stream.
// Streams carrying the suffix are never assigned to shipper workers.
const DeadLetterSuffix = "~dlq"

// EntryFilenameSuffix is the file extension of buffer entry files
const EntryFilenameSuffix = ".ent"

package bus

import "strings"

const StreamPipeline = "PIPELINE"

const (
	SubjectPrefix = "pipeline."
	// SubjectAll matches every item lifecycle event.
	SubjectAll = SubjectPrefix + ">"
	// SubjectUndeliverable receives events a consumer gave up on. It sits
	// outside SubjectAll so consumers never see their own rejects.
	SubjectUndeliverable = "undeliverable.pipeline"
)

// Subject maps an event name such as "item.enriched" to its subject.
func Subject(event string) string {
	return SubjectPrefix + strings.TrimPrefix(event, SubjectPrefix)
}

func DurableName(stream, service string) string {
	stream = strings.ToLower(strings.TrimSpace(stream))
	service = strings.TrimSpace(service)
	switch {
	case stream == "":
		return service
	case service == "":
		return stream
	}
	return stream + "-" + service
}

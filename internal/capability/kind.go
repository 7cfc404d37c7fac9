package capability

import (
	"fmt"
	"strings"
)

// Kind is one of the capability types a run can be given.
type Kind string

const (
	SourceControl      Kind = "source-control"
	Messaging          Kind = "messaging"
	TaskManagement     Kind = "task-management"
	Analytics          Kind = "analytics"
	MediaGeneration    Kind = "media-generation"
	RepositoryAnalysis Kind = "repository-analysis"
)

// Kinds lists every capability kind in a stable order.
func Kinds() []Kind {
	return []Kind{SourceControl, Messaging, TaskManagement, Analytics, MediaGeneration, RepositoryAnalysis}
}

// ParseKind maps a configured capability name onto a Kind.
func ParseKind(name string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown capability %q", name)
}

// Transport is how the engine reaches a capability provider.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

// Descriptor tells the engine how to reach one capability provider.
type Descriptor struct {
	Transport Transport         `json:"type"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

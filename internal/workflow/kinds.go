package workflow

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/linnemanlabs/muster/internal/agents"
)

// RequestKind selects the agent a routed request goes to.
type RequestKind int

const (
	RequestNLQuery RequestKind = iota + 1
	RequestRCA
	RequestCompliance
	RequestChat
	RequestReasoning
	RequestLearning
	RequestMeeting
)

var requestKeys = map[string]RequestKind{
	"query":            RequestNLQuery,
	"nl_query":         RequestNLQuery,
	"failure_analysis": RequestRCA,
	"rca":              RequestRCA,
	"compliance_check": RequestCompliance,
	"compliance":       RequestCompliance,
	"chat":             RequestChat,
	"conversation":     RequestChat,
	"problem_solving":  RequestReasoning,
	"reasoning":        RequestReasoning,
	"learning":         RequestLearning,
	"meeting":          RequestMeeting,
	"meeting_context":  RequestMeeting,
	"slotify":          RequestMeeting,
}

var requestAgents = map[RequestKind]string{
	RequestNLQuery:    agents.NameQuery,
	RequestRCA:        agents.NameRCA,
	RequestCompliance: agents.NameCompliance,
	RequestChat:       agents.NameMemory,
	RequestReasoning:  agents.NameReasoning,
	RequestLearning:   agents.NameLearning,
	RequestMeeting:    agents.NameMeeting,
}

// ParseRequestKind maps a wire key to its kind, ignoring case.
func ParseRequestKind(key string) (RequestKind, error) {
	if k, ok := requestKeys[strings.ToLower(strings.TrimSpace(key))]; ok {
		return k, nil
	}
	return 0, &UnknownKeyError{What: "request type", Key: key, Available: sortedKeys(requestKeys)}
}

// kindForAgent resolves a parallel task target, which may be an agent name
// or a request key.
func kindForAgent(name string) (RequestKind, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for k, agent := range requestAgents {
		if agent == name {
			return k, true
		}
	}
	k, ok := requestKeys[name]
	return k, ok
}

// String returns the canonical wire key.
func (k RequestKind) String() string {
	switch k {
	case RequestNLQuery:
		return "nl_query"
	case RequestRCA:
		return "rca"
	case RequestCompliance:
		return "compliance"
	case RequestChat:
		return "chat"
	case RequestReasoning:
		return "reasoning"
	case RequestLearning:
		return "learning"
	case RequestMeeting:
		return "meeting"
	default:
		return fmt.Sprintf("RequestKind(%d)", int(k))
	}
}

// Agent returns the name of the agent serving k.
func (k RequestKind) Agent() string { return requestAgents[k] }

// Kind selects a multi-agent workflow.
type Kind int

const (
	KindIncidentResponse Kind = iota + 1
	KindComplianceWithRCA
	KindConversationalProblemSolving
	KindAlertToMeeting
)

var kindNames = map[string]Kind{
	"intelligent_incident_response":  KindIncidentResponse,
	"compliance_with_rca":            KindComplianceWithRCA,
	"conversational_problem_solving": KindConversationalProblemSolving,
	"alert_to_meeting":               KindAlertToMeeting,
}

// ParseKind maps a workflow name to its kind, ignoring case.
func ParseKind(name string) (Kind, error) {
	if k, ok := kindNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return k, nil
	}
	return 0, &UnknownKeyError{What: "workflow", Key: name, Available: sortedKeys(kindNames)}
}

func (k Kind) String() string {
	for name, v := range kindNames {
		if v == k {
			return name
		}
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// UnknownKeyError reports an unrecognized request type or workflow name.
type UnknownKeyError struct {
	What      string
	Key       string
	Available []string
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("unknown %s: %q", e.What, e.Key)
}

// HTTPStatus implements apierr.StatusCoder.
func (e *UnknownKeyError) HTTPStatus() int { return http.StatusBadRequest }

// Details implements apierr.Detailer.
func (e *UnknownKeyError) Details() map[string]any {
	return map[string]any{"available": e.Available}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

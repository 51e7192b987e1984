package domain

import "fmt"

// ProblemKind categorizes a ProblemDetails without prescribing its URI.
type ProblemKind string

const (
	ProblemKindValidation    ProblemKind = "validation"
	ProblemKindCommunication ProblemKind = "communication"
	ProblemKindTimeout       ProblemKind = "timeout"
	ProblemKindAuthentication ProblemKind = "authentication"
	ProblemKindRuntime       ProblemKind = "runtime"
	ProblemKindUserRaised    ProblemKind = "user-raised"
	ProblemKindCancellation  ProblemKind = "cancellation"
)

// ProblemDetails is the RFC 7807 error envelope used both as a task outcome
// and as the payload of Raise tasks.
type ProblemDetails struct {
	Type     string      `json:"type"`
	Status   int         `json:"status"`
	Title    string      `json:"title"`
	Detail   string      `json:"detail,omitempty"`
	Instance string      `json:"instance,omitempty"`
	Kind     ProblemKind `json:"-"`
}

func (p *ProblemDetails) Error() string {
	if p.Detail != "" {
		return fmt.Sprintf("%s: %s", p.Title, p.Detail)
	}
	return p.Title
}

// NewProblemDetails builds a ProblemDetails whose type URI is namespaced
// under /errors/<kind>/<slug>.
func NewProblemDetails(kind ProblemKind, slug string, status int, title, detail, instancePointer string) *ProblemDetails {
	return &ProblemDetails{
		Type:     fmt.Sprintf("https://serverlessworkflow.io/spec/1.0.0/errors/%s/%s", kind, slug),
		Status:   status,
		Title:    title,
		Detail:   detail,
		Instance: instancePointer,
		Kind:     kind,
	}
}

func ValidationProblem(slug, detail, instancePointer string) *ProblemDetails {
	return NewProblemDetails(ProblemKindValidation, slug, 400, "workflow document validation failed", detail, instancePointer)
}

func CommunicationProblem(slug, detail, instancePointer string) *ProblemDetails {
	return NewProblemDetails(ProblemKindCommunication, slug, 502, "external call failed", detail, instancePointer)
}

func TimeoutProblem(slug, detail, instancePointer string) *ProblemDetails {
	return NewProblemDetails(ProblemKindTimeout, slug, 504, "deadline exceeded", detail, instancePointer)
}

func AuthenticationProblem(slug, detail, instancePointer string) *ProblemDetails {
	return NewProblemDetails(ProblemKindAuthentication, slug, 401, "authentication failed", detail, instancePointer)
}

func RuntimeProblem(slug, detail, instancePointer string) *ProblemDetails {
	return NewProblemDetails(ProblemKindRuntime, slug, 500, "internal invariant violated", detail, instancePointer)
}

func CancellationProblem(instancePointer string) *ProblemDetails {
	return NewProblemDetails(ProblemKindCancellation, "cancelled", 499, "instance cancelled", "", instancePointer)
}

package domain

import (
	"fmt"
	"strings"
)

// DocumentMeta is the `document` block: identity and DSL version.
type DocumentMeta struct {
	DSL       string `yaml:"dsl" json:"dsl"`
	Namespace string `yaml:"namespace" json:"namespace"`
	Name      string `yaml:"name" json:"name"`
	Version   string `yaml:"version" json:"version"`
	Title     string `yaml:"title,omitempty" json:"title,omitempty"`
	Summary   string `yaml:"summary,omitempty" json:"summary,omitempty"`
}

// WorkflowDocument is the immutable, in-memory representation of a
// Serverless Workflow DSL document after loading. Identified by
// (namespace, name, version).
type WorkflowDocument struct {
	Document DocumentMeta `yaml:"document" json:"document"`
	Input    *InputFilter `yaml:"input,omitempty" json:"input,omitempty"`
	Output   *OutputFilter `yaml:"output,omitempty" json:"output,omitempty"`
	Use      *UseBlock    `yaml:"use,omitempty" json:"use,omitempty"`
	Do       *TaskList    `yaml:"do" json:"do"`
	Timeout  *TimeoutDefinition `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Schedule *ScheduleTrigger `yaml:"schedule,omitempty" json:"schedule,omitempty"`
}

// Ref identifies a WorkflowDocument by its three-part key.
type Ref struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Version   string `json:"version"`
}

func (r Ref) String() string {
	return r.Namespace + "/" + r.Name + "@" + r.Version
}

// Ref returns the document's own identity key.
func (d *WorkflowDocument) Ref() Ref {
	return Ref{Namespace: d.Document.Namespace, Name: d.Document.Name, Version: d.Document.Version}
}

// ParseRef parses the "namespace/name@version" form Ref.String produces.
// It rejects bare "name:version" catalog references (CatalogRegistry's
// LoadFromCatalog handles those) since that form carries no namespace.
func ParseRef(s string) (Ref, error) {
	namespace, rest, ok := strings.Cut(s, "/")
	if !ok {
		return Ref{}, fmt.Errorf("invalid workflow reference %q: expected namespace/name@version", s)
	}
	name, version, ok := strings.Cut(rest, "@")
	if !ok {
		return Ref{}, fmt.Errorf("invalid workflow reference %q: expected namespace/name@version", s)
	}
	if namespace == "" || name == "" || version == "" {
		return Ref{}, fmt.Errorf("invalid workflow reference %q: namespace, name, and version must be non-empty", s)
	}
	return Ref{Namespace: namespace, Name: name, Version: version}, nil
}

// ScheduleTrigger is carried for document fidelity but out of scope for the
// core scheduler, which only ever drives instances created by an explicit
// `start`.
type ScheduleTrigger struct {
	Cron string `yaml:"cron,omitempty" json:"cron,omitempty"`
}

// UseBlock holds reusable authentications, retries, errors, timeouts,
// catalogs, and function references, resolved by name from task
// definitions (RetryRef.Name, TimeoutDefinition.Name, RaiseSpec.ErrorRef).
type UseBlock struct {
	Authentications map[string]AuthenticationScheme `yaml:"authentications,omitempty" json:"authentications,omitempty"`
	Retries         map[string]RetryPolicy          `yaml:"retries,omitempty" json:"retries,omitempty"`
	Errors          map[string]ProblemDetails       `yaml:"errors,omitempty" json:"errors,omitempty"`
	Timeouts        map[string]Duration             `yaml:"timeouts,omitempty" json:"timeouts,omitempty"`
	Catalogs        map[string]CatalogRef           `yaml:"catalogs,omitempty" json:"catalogs,omitempty"`
	Functions       map[string]FunctionRef          `yaml:"functions,omitempty" json:"functions,omitempty"`
	Secrets         []string                        `yaml:"secrets,omitempty" json:"secrets,omitempty"`
}

// AuthenticationSchemeKind selects the shape of an authentication.
type AuthenticationSchemeKind string

const (
	AuthBasic  AuthenticationSchemeKind = "basic"
	AuthBearer AuthenticationSchemeKind = "bearer"
	AuthOAuth2 AuthenticationSchemeKind = "oauth2"
	AuthOIDC   AuthenticationSchemeKind = "oidc"
	AuthDigest AuthenticationSchemeKind = "digest"
)

// AuthenticationScheme is a `use.authentications` entry.
type AuthenticationScheme struct {
	Kind     AuthenticationSchemeKind `yaml:"-" json:"-"`
	Basic    *BasicAuth               `yaml:"basic,omitempty" json:"basic,omitempty"`
	Bearer   *BearerAuth              `yaml:"bearer,omitempty" json:"bearer,omitempty"`
	OAuth2   *OAuth2Auth              `yaml:"oauth2,omitempty" json:"oauth2,omitempty"`
}

type BasicAuth struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

type BearerAuth struct {
	Token string `yaml:"token" json:"token"`
}

type OAuth2Auth struct {
	Authority string `yaml:"authority" json:"authority"`
	ClientID  string `yaml:"client,omitempty" json:"client,omitempty"`
	Scopes    []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
}

// CatalogRef points at a catalog root, e.g. `file://./catalog` or
// `https://catalog.example.com/functions`.
type CatalogRef struct {
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

// FunctionRef names a reusable function definition, resolved through a
// catalog or defined inline.
type FunctionRef struct {
	Catalog string   `yaml:"catalog,omitempty" json:"catalog,omitempty"`
	Call    CallTask `yaml:",inline" json:",inline"`
}

package model

// ExecutionMode controls how a plan's nodes are visited
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
)

// AuthKind represents the authentication method for a node
type AuthKind string

const (
	AuthPassword   AuthKind = "password"
	AuthPrivateKey AuthKind = "private_key"
)

// NodeTarget identifies a reachable remote endpoint. Immutable once a plan
// is built.
type NodeTarget struct {
	Name     string   `json:"name"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Username string   `json:"username"`
	AuthKind AuthKind `json:"auth_kind"`

	// CredentialRef points at a stored credential resolved at run time.
	// InlineCredential, when set, takes precedence and is never serialized.
	CredentialRef    string `json:"credential_ref,omitempty"`
	InlineCredential string `json:"-"`
}

// Addr returns host:port with the default SSH port applied.
func (n NodeTarget) Addr() (string, int) {
	port := n.Port
	if port == 0 {
		port = 22
	}
	return n.Host, port
}

// CommandSpec is a single shell command plus a human-readable description of
// what "bad" output looks like, consumed by the output analyzer. Ordering
// within a plan's command list is significant.
type CommandSpec struct {
	Text         string `json:"text"`
	SuccessLogic string `json:"success_logic,omitempty"`
}

// Plan is the full specification of what to run, where, and in what mode.
// It is created once per execution request and owned exclusively by the
// orchestrator for the duration of one run.
type Plan struct {
	RunbookName string        `json:"runbook_name,omitempty"`
	Nodes       []NodeTarget  `json:"nodes"`
	Commands    []CommandSpec `json:"commands"`
	Mode        ExecutionMode `json:"mode"`

	// Condition is the global failure condition checked against every
	// command's output, e.g. "alert if usage exceeds 80%".
	Condition string `json:"condition,omitempty"`
}

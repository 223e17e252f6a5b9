// Package hub holds the types and interfaces shared by every core subsystem:
// backend configuration, connection state, capability records, chain data
// structures, and the collaborator interfaces (EventSink, CredentialProvider,
// Clock, Random) the hub consumes but never implements itself.
package hub

import "time"

// TransportKind identifies which wire transport a backend speaks.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportHTTPSSE        TransportKind = "httpSse"
	TransportStreamableHTTP TransportKind = "streamableHttp"
)

// BackendConfig describes one backend MCP server as read from the backend
// configuration file (SPEC_FULL.md §2.3).
type BackendConfig struct {
	Name        string            `yaml:"-" json:"name"`
	Transport   TransportKind     `yaml:"transport" json:"transport"`
	Command     string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args        []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	URL         string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Disabled    bool              `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	AutoApprove []string          `yaml:"autoApprove,omitempty" json:"autoApprove,omitempty"`
	DisplayName string            `yaml:"displayName,omitempty" json:"displayName,omitempty"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
}

// ConnectionState is the backend connection lifecycle state (spec.md §4.2).
type ConnectionState string

const (
	StateDisabled     ConnectionState = "Disabled"
	StateIdle         ConnectionState = "Idle"
	StateStarting     ConnectionState = "Starting"
	StateHandshaking  ConnectionState = "Handshaking"
	StateConnected    ConnectionState = "Connected"
	StateDegraded     ConnectionState = "Degraded"
	StateReconnecting ConnectionState = "Reconnecting"
	StateStopping     ConnectionState = "Stopping"
	StateFailed       ConnectionState = "Failed"
)

// FailureReason qualifies why a Connection landed in StateFailed.
type FailureReason string

const (
	FailureNone          FailureReason = ""
	FailureSelfReference FailureReason = "SelfReference"
	FailureInitError     FailureReason = "InitializeError"
	FailureMaxAttempts   FailureReason = "MaxAttempts"
)

// CapabilityKind enumerates the four MCP primitive kinds the hub aggregates.
type CapabilityKind string

const (
	KindTool             CapabilityKind = "tool"
	KindResource         CapabilityKind = "resource"
	KindResourceTemplate CapabilityKind = "resourceTemplate"
	KindPrompt           CapabilityKind = "prompt"
)

// NamespaceDelim separates safeId(backendName) from originalName.
const NamespaceDelim = "__"

// HubInternalName is the serverInfo.name the hub advertises on its own
// virtual endpoint, used for self-reference detection (spec.md §4.3, §9).
const HubInternalName = "muster-hub"

// Capability is one namespaced tool/resource/resourceTemplate/prompt entry
// in the CapabilityIndex (spec.md §3).
type Capability struct {
	NamespacedName string
	BackendName    string
	OriginalName   string
	Kind           CapabilityKind
	Definition     CapabilityDefinition
	Version        uint64
}

// CapabilityDefinition is the tagged-variant payload for a Capability,
// matching spec.md §9's "dynamic dispatch" design note: a typed wrapper
// around an opaque JSON-ish blob, no reflection.
type CapabilityDefinition struct {
	Tool             *ToolDefinition
	Resource         *ResourceDefinition
	ResourceTemplate *ResourceTemplateDefinition
	Prompt           *PromptDefinition
	Raw              map[string]interface{}
}

type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
	WriteOp     bool
}

type ResourceDefinition struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

type ResourceTemplateDefinition struct {
	URITemplate string
	Name        string
	Description string
	MimeType    string
}

type PromptDefinition struct {
	Name        string
	Description string
	Arguments   []PromptArgument
}

type PromptArgument struct {
	Name        string
	Description string
	Required    bool
}

// VirtualSession is one upstream MCP client connection (spec.md §3).
type VirtualSession struct {
	SessionID    string
	Transport    TransportKind
	ClientName   string
	ClientVer    string
	ListChanged  ListChangedCapabilities
	CreatedAt    time.Time
	LastActivity time.Time
	MetaOnly     bool
}

// ListChangedCapabilities records which listChanged notifications a
// particular upstream client declared support for during its initialize.
type ListChangedCapabilities struct {
	Tools     bool
	Resources bool
	Prompts   bool
}

// ChainStep is one step of a Call_Tool_Chain invocation (spec.md §3, §4.6).
type ChainStep struct {
	ID             string                 `json:"id,omitempty"`
	ServerName     string                 `json:"server_name"`
	ToolName       string                 `json:"tool_name"`
	Arguments      map[string]interface{} `json:"arguments,omitempty"`
	InputMapping   map[string]string      `json:"input_mapping,omitempty"`
	Transformations []StepTransformation  `json:"transformations,omitempty"`
	Conditions     *StepConditions        `json:"conditions,omitempty"`
	Retry          *StepRetry             `json:"retry,omitempty"`
	ParallelGroup  string                 `json:"parallel_group,omitempty"`
	RollbackAction *ChainStep             `json:"rollback_action,omitempty"`
	TimeoutMs      int                    `json:"timeout_ms,omitempty"`
}

// StepTransformation is one entry in ChainStep.Transformations.
type StepTransformation struct {
	Type   string                 `json:"type"`
	Source string                 `json:"source,omitempty"`
	Target string                 `json:"target,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// StepConditions carries execute_if / skip_on_error flags for a step.
type StepConditions struct {
	ExecuteIf    string `json:"execute_if,omitempty"`
	SkipOnError  bool   `json:"skip_on_error,omitempty"`
}

// StepRetry carries retry policy overrides for a step.
type StepRetry struct {
	MaxAttempts       int `json:"max_attempts,omitempty"`
	DelayMs           int `json:"delay_ms,omitempty"`
	BackoffMultiplier int `json:"backoff_multiplier,omitempty"`
}

// ExecutionOptions configures a single Call_Tool_Chain invocation.
type ExecutionOptions struct {
	TimeoutMs        int  `json:"timeout_ms,omitempty"`
	MaxParallel      int  `json:"max_parallel,omitempty"`
	RollbackOnError  bool `json:"rollback_on_error,omitempty"`
	FailFast         bool `json:"fail_fast,omitempty"`
	ApprovalGranted  bool `json:"approval_granted,omitempty"`
}

// StepResult records the outcome of one ChainStep execution (spec.md §3).
type StepResult struct {
	StepID     string                 `json:"stepId"`
	Backend    string                 `json:"backend"`
	Tool       string                 `json:"tool"`
	Args       map[string]interface{} `json:"args,omitempty"`
	Result     map[string]interface{} `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	ExecutedAt time.Time              `json:"executedAt"`
	DurationMs int64                  `json:"durationMs"`
	Skipped    string                 `json:"skipped,omitempty"`
}

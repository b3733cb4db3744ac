// Package backend implements the C4 build-backend abstraction: a uniform
// interface over an in-process backend and a JSON-RPC-over-stdio child
// process backend, with API-version negotiation masking which procedures a
// given backend instance actually supports (§4.4).
package backend

import (
	"context"

	"pixi.build/dispatcher/go/pixitypes"
)

// APIVersion is the build-backend protocol version. Bumped when the wire
// contract changes in a backward-incompatible way.
type APIVersion int

const (
	APIVersionV0 APIVersion = iota
	APIVersionV1
)

// CurrentAPIVersion is the highest protocol version this dispatcher speaks.
const CurrentAPIVersion = APIVersionV1

// Capabilities describes which procedures a negotiated backend instance
// supports, masked by the API version actually agreed upon at initialize
// time (§4.4).
type Capabilities struct {
	ProvidesCondaOutputs  bool
	ProvidesCondaBuildV1  bool
}

// ErrIncompatibleAPI reports that the backend's negotiated API version does
// not provide the procedure the dispatcher is about to invoke (scenario 6,
// §8; expansion point 2 of SPEC_FULL.md). CondaOutputs and CondaBuildV1
// return it, as do the source-metadata and source-build pipelines when the
// backend's capabilities lack the procedure; Initialize does not return it.
type ErrIncompatibleAPI struct {
	Required  APIVersion
	Available APIVersion
}

func (e *ErrIncompatibleAPI) Error() string {
	return "backend declares API version " + versionString(e.Available) + " but " + versionString(e.Required) + " is required"
}

func versionString(v APIVersion) string {
	switch v {
	case APIVersionV0:
		return "v0"
	case APIVersionV1:
		return "v1"
	default:
		return "unknown"
	}
}

// ProjectModel is the already-validated manifest-derived project
// description passed to initialize; manifest parsing itself is out of
// scope (§1 Non-goals), so this is treated as an opaque payload the caller
// supplies.
type ProjectModel map[string]interface{}

// Configuration is backend-specific configuration, passed through from the
// manifest's build section.
type Configuration map[string]interface{}

// CondaOutputsRequest is the payload of a conda/outputs call.
type CondaOutputsRequest struct {
	HostPlatform string
	Variants     []map[string]interface{}
	Channels     []string
}

// CondaOutput is one entry of a conda/outputs response (§4.4).
type CondaOutput struct {
	Name             string
	Version          string
	Build            string
	BuildNumber      int64
	Subdir           string
	Noarch           string
	Depends          []string
	Constrains       []string
	RunExports       map[string][]string
	IgnoreRunExports []string
	InputGlobs       []string
	Variant          map[string]interface{}
}

// CondaOutputsResponse is the result of a conda/outputs call.
type CondaOutputsResponse struct {
	Outputs []CondaOutput
}

// CondaBuildV1Request is the payload of a conda/build-v1 call.
type CondaBuildV1Request struct {
	Output          CondaOutput
	HostPrefix      string
	BuildPrefix     string
	WorkDir         string
	OutputDir       string
}

// CondaBuildV1Response is the result of a conda/build-v1 call.
type CondaBuildV1Response struct {
	OutputFile string
	InputGlobs []string
}

// OutputLineHandler receives streamed build output, one line at a time, so
// a reporter can display it live (§4.4, §6).
type OutputLineHandler func(line string)

// Backend is the uniform interface over an in-process or JSON-RPC build
// backend. One Backend value corresponds to one initialized backend
// instance for one checkout.
type Backend interface {
	// Initialize negotiates the API version and passes project context. It
	// must be called exactly once before any other method.
	Initialize(ctx context.Context, project ProjectModel, manifestPath string, config Configuration) error
	// Capabilities reports which procedures this backend instance
	// supports, masked by the negotiated API version.
	Capabilities() Capabilities
	// NegotiatedVersion is the API version actually agreed at Initialize.
	NegotiatedVersion() APIVersion
	// Identifier names the backend (tool name/version) for diagnostics.
	Identifier() string

	CondaOutputs(ctx context.Context, req CondaOutputsRequest) (*CondaOutputsResponse, error)
	CondaBuildV1(ctx context.Context, req CondaBuildV1Request, onLine OutputLineHandler) (*CondaBuildV1Response, error)

	// Close terminates the backend (for JSON-RPC, kills the child
	// process). Safe to call multiple times.
	Close() error
}

// DiscoverSpec describes what backend a checkout declares, discovered by
// looking at manifest/recipe files in a fixed order (§4.5 step 4).
type DiscoverSpec struct {
	Checkout pixitypes.SourceCheckout
	// Tool is the backend executable name, resolved from the checkout's
	// declared build section; empty selects the in-process test backend.
	Tool string
	Args []string
}

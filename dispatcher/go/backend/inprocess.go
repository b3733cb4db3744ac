package backend

import "context"

// InProcessHandler is implemented by test doubles and any backend linked
// directly into the dispatcher binary (§4.4: "trait objects invoked
// directly, errors propagated in-memory").
type InProcessHandler interface {
	Initialize(ctx context.Context, project ProjectModel, manifestPath string, config Configuration) (APIVersion, error)
	Capabilities() Capabilities
	Identifier() string
	CondaOutputs(ctx context.Context, req CondaOutputsRequest) (*CondaOutputsResponse, error)
	CondaBuildV1(ctx context.Context, req CondaBuildV1Request, onLine OutputLineHandler) (*CondaBuildV1Response, error)
}

// InProcess adapts an InProcessHandler to the Backend interface.
type InProcess struct {
	handler  InProcessHandler
	version  APIVersion
	capabilities Capabilities
}

// NewInProcess wraps handler as a Backend.
func NewInProcess(handler InProcessHandler) *InProcess {
	return &InProcess{handler: handler}
}

func (b *InProcess) Initialize(ctx context.Context, project ProjectModel, manifestPath string, config Configuration) error {
	v, err := b.handler.Initialize(ctx, project, manifestPath, config)
	if err != nil {
		return err
	}
	if v > CurrentAPIVersion {
		v = CurrentAPIVersion
	}
	b.version = v
	b.capabilities = maskCapabilities(b.handler.Capabilities(), v)
	return nil
}

func (b *InProcess) Capabilities() Capabilities      { return b.capabilities }
func (b *InProcess) NegotiatedVersion() APIVersion    { return b.version }
func (b *InProcess) Identifier() string               { return b.handler.Identifier() }

func (b *InProcess) CondaOutputs(ctx context.Context, req CondaOutputsRequest) (*CondaOutputsResponse, error) {
	if !b.capabilities.ProvidesCondaOutputs {
		return nil, &ErrIncompatibleAPI{Required: APIVersionV0, Available: b.version}
	}
	return b.handler.CondaOutputs(ctx, req)
}

func (b *InProcess) CondaBuildV1(ctx context.Context, req CondaBuildV1Request, onLine OutputLineHandler) (*CondaBuildV1Response, error) {
	if !b.capabilities.ProvidesCondaBuildV1 {
		return nil, &ErrIncompatibleAPI{Required: APIVersionV1, Available: b.version}
	}
	return b.handler.CondaBuildV1(ctx, req, onLine)
}

func (b *InProcess) Close() error { return nil }

// maskCapabilities zeroes out capabilities that the negotiated version
// doesn't support, regardless of what the handler itself reports (§4.4:
// "masks capabilities by the API version actually negotiated").
func maskCapabilities(c Capabilities, v APIVersion) Capabilities {
	if v < APIVersionV1 {
		c.ProvidesCondaBuildV1 = false
	}
	return c
}

package llm

import "context"

// Client is the interface every completion provider implements. Send
// must be safe for concurrent use. Any error it returns is a transport
// failure: the service could not be reached, rejected the credentials, or
// returned an unusable payload.
type Client interface {
	Send(ctx context.Context, req Request) (*Response, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

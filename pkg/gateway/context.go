package gateway

import "context"

type callerKey struct{}

// withCaller marks ctx as a request made over client's WebSocket connection.
func withCaller(ctx context.Context, client *Client) context.Context {
	return context.WithValue(ctx, callerKey{}, client)
}

// callerFrom returns the WebSocket client behind ctx. HTTP requests have none.
func callerFrom(ctx context.Context) (*Client, bool) {
	client, ok := ctx.Value(callerKey{}).(*Client)
	return client, ok && client != nil
}

// Package gateway exposes data-quality sessions to presentation clients.
//
// Clients speak JSON-RPC 2.0, either one request per HTTP POST on /rpc or
// over a WebSocket on /ws. A WebSocket client first answers an HMAC
// challenge derived from the shared secret; HTTP callers send the secret in
// the X-DQAgent-Secret header. Work for one session is serialized through a
// command queue lane, and WebSocket clients receive plan and run events for
// the sessions they touch.
package gateway

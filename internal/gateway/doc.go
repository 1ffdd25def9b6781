// Package gateway serves the thread-gateway HTTP API.
//
// # Overview
//
// The Gateway owns the link store, the LangGraph client, the conversation
// service and the HTTP server. It listens on a TCP address or, when
// tailscale.enabled is set, on a tsnet node.
//
//	gw, err := gateway.New(ctx, cfg, logger, logs)
//	if err != nil { ... }
//	return gw.Run(ctx)
//
// # HTTP API
//
// Every route except health lives under server.path_prefix:
//
//	POST   /conversation                      send a message, JSON or streamed text reply
//	GET    /conversation/{id}                 read a link
//	DELETE /conversation/{id}                 delete a link and its remote thread
//	DELETE /conversation/inactive?unused_from delete links idle since a timestamp
//	GET    /logs?offset=&limit=               recent log lines (debug only)
//	GET    /health                            liveness
//	GET    /health/ready                      store reachability
//
// Errors are JSON objects with a single "detail" field. Invalid input returns
// 422, unknown conversations 404 and remote failures 500 carrying the remote
// error text.
//
// # Streaming
//
// With "stream": true the reply is text/plain and each assistant fragment is
// flushed as soon as it arrives. A remote failure after the first byte ends
// the body early.
//
// # Sweeper
//
// When sweep.interval is set, a background loop deletes conversations idle
// for longer than sweep.max_idle.
package gateway

// Package langgraph is a small client for LangGraph-compatible deployments.
//
// Only the thread and run endpoints the gateway needs are covered:
//
//	POST   /threads                              CreateThread
//	DELETE /threads/{thread_id}                  DeleteThread
//	GET    /threads/{thread_id}/state            GetThreadState
//	POST   /threads/{thread_id}/runs             CreateRun
//	GET    /threads/{thread_id}/runs/{id}/join   JoinRun
//	POST   /threads/{thread_id}/runs/stream      StreamRun
//
// Requests carry the API key in the x-api-key header. The key can be static or
// fetched once from a parameter store. Non-2xx responses are returned as
// *HTTPStatusError.
package langgraph

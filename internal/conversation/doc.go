// Package conversation links external conversations to remote LangGraph threads.
//
// # Overview
//
// A conversation is identified by an opaque conversation_id chosen by the
// caller. The first message for an unknown conversation provisions a thread on
// the orchestration deployment and records the link. Every later message is
// dispatched to that same thread.
//
//	svc := conversation.New(links, client, conversation.Config{AssistantID: "agent"}, logger)
//	reply, err := svc.Send(ctx, &conversation.Request{ConversationID: "c1", Message: "hi"})
//
// # Lifecycle
//
// A conversation moves through three states:
//
//  1. Unlinked: no link exists. The first Send or Stream provisions a thread.
//  2. Linked: each successful dispatch refreshes the link's last-used time.
//  3. Gone: Delete or DeleteInactive removed the link. A later message starts over.
//
// Failed or canceled dispatches never refresh last-used, so a conversation
// whose runs keep failing still ages out.
//
// # Concurrency
//
// Two first messages for the same conversation may both provision a thread.
// The store's unique constraint lets exactly one link win; the loser deletes
// its thread and continues on the winner's.
//
// # Streaming
//
// Stream returns a channel of text deltas extracted from "values" snapshots.
// Only assistant messages produced after the newest user message are
// considered, so earlier turns are never repeated.
//
// # Remote cleanup
//
// Remote thread deletion is best-effort everywhere. It runs on a context
// detached from the caller with its own timeout, and its failures are logged
// rather than returned.
package conversation

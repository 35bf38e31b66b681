// Package conversation implements one-to-one conversations and their message
// ledger.
//
// # Resolver
//
// GetOrCreate maps an unordered pair of users to exactly one conversation.
// The pair is sorted into canonical order and inserted with a conditional
// insert, so concurrent callers converge on the same row.
//
// # Ledger
//
// Append assigns each message the next per-conversation sequence number and
// advances the conversation's activity time in the same transaction. Only the
// two participants may append. After commit the service publishes the keys the
// write touched:
//
//	messages/<message id>
//	conversation_messages/<conversation id>
//	conversations/<conversation id>
//
// # Live queries
//
// ListMessages and ListConversations each have a Watch form that registers a
// standing query on the live hub. The query reports the keys it read; any later
// write touching one of them re-runs the query and pushes the full result.
//
//	sub, err := svc.WatchMessages(ctx, caller, convID)
//	for msgs := range sub.C() {
//	    render(msgs)
//	}
package conversation

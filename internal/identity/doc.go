// Package identity maps verified external identity tokens to internal users.
//
// The transport verifies a bearer token and hands its subject to
// ResolveCaller exactly once per request. The resulting Caller is passed
// explicitly to every conversation operation:
//
//	caller, err := ids.ResolveCaller(ctx, subject)
//	convs, err := conversations.ListConversations(ctx, caller)
//
// The zero Caller is anonymous. Reads made by an anonymous caller, or by a
// verified identity that has not been synced yet, see empty results; writes
// fail with ErrUnauthenticated or ErrUserNotFound.
//
// UpsertUser is called by the identity provider's sync hook. It is keyed on
// the external id, so repeated calls patch the same row. It publishes both the
// user row and the external id, so live queries of a caller that subscribed
// before its first sync (see Refresh) re-run once the row exists.
package identity

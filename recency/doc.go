// Recency cache: the authority on which templates and quoted posts were used
// recently and must not be reused yet.
//
// Entries carry their own TTL. An expired entry is never reported as
// blocking, whether or not the backend has physically evicted it.
package recency

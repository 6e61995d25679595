// Package presence tracks live gateway connections in Redis: which user owns
// a connection, which gateway instance holds it, and which call room it is
// in. The disconnect path reads it to clean up room membership.
package presence

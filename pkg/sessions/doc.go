// Package sessions stores login sessions in redis.
//
// Keys:
//
//	warden:session:<sha256(token)>    -> user id (expires with the session TTL)
//	warden:user_sessions:<user id>    -> set of session token hashes
//
// DestroyAll uses the per-user set to end every session of an account at
// once, which the suspension controller does when an account is locked.
package sessions

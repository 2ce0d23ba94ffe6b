// Package async runs detached background work with panic recovery,
// timeouts and structured error logging.
package async

// Package admin is the administrative surface over change history and
// account suspension.
//
// Service carries the operations and is shared by the HTTP handlers and
// wardenctl:
//
//   - History pages a subject's entries newest first and resolves actor
//     display names through an expirable LRU cache
//   - Count, Purge, Export and Archive work on a subject's whole history
//   - Status, Lock and Unlock delegate to the suspension controller after
//     checking the subject exists
//   - RenameLogin validates and applies a login name change, records it and
//     ends the subject's sessions
//   - Search returns the union of accounts whose current fields match and
//     accounts whose historic values match
//
// Handlers maps validation failures to 400, protected subjects to 403,
// missing subjects to 404 and login collisions to 409.
package admin

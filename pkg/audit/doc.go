// Package audit stores and serves the per-user change history.
//
// # Overview
//
// Every row in user_change_log records one transition of one field of one
// subject: who made it (actor_id, 0 for the system), the old and new values
// (either may be NULL, and NULL is distinct from the empty string), and a
// change type of update, create, lock or unlock.
//
// Writes go through Recorder.LogChange, which drops no-op updates, blanks
// credential values and never fails the caller: storage errors are logged.
//
// # Field names
//
// Core account columns are stored under their column name (user_email,
// user_url, ...). Auxiliary attributes use "meta:<key>", role transitions use
// "role" and synthetic events use "event:account_created",
// "event:account_locked" and "event:account_unlocked".
//
// # Usage
//
//	store, err := audit.NewDBStore(db, audit.WithMetrics(metrics))
//	recorder := audit.NewRecorder(store, logger, metrics)
//	recorder.LogChange(ctx, audit.Change{
//		SubjectID: 42,
//		ActorID:   1,
//		FieldName: "user_email",
//		OldValue:  audit.StringPtr("a@x.io"),
//		NewValue:  audit.StringPtr("b@x.io"),
//	})
//
// Entries can be exported as JSON, CSV or NDJSON and archived to S3 with
// Archiver.
package audit

// Package capture turns account lifecycle notifications into change history.
//
// Engine subscribes to accounts.Service and writes through audit.Recorder.
// Each request carries a Tracker (see Middleware, Begin and Engine.Run) that
// holds the pre-mutation snapshots, the deferred role transitions and the
// subjects whose role change was already logged through the dedicated
// assignment path. Finalize flushes the deferred role transitions once every
// other mutation of the request has run.
//
// Credential changes are logged without values. Identical saves write
// nothing. History writes never fail the mutation that produced them.
package capture

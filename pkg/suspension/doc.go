// Package suspension locks and unlocks accounts.
//
// An account is either Active or Locked. The state is the account_locked
// attribute ("1" when locked). Lock refuses the caller's own account and
// protected accounts (owners and the configured protected ids), ends every
// live session of the subject and writes a lock entry to the change history.
// Repeating a lock or unlock is a successful no-op that writes nothing.
//
// Controller is also an auth.Gate: password logins, session resolution and
// app credentials of locked accounts are refused with a *LockedError carrying
// the operator notice. Session checks run on every request, except for
// contexts marked with contextkeys.WithTrustedAutomation.
package suspension

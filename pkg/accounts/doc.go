// Package accounts is the account runtime: core user records, auxiliary
// attributes, role assignment and the host HTTP endpoints.
//
// Every mutation goes through Service, which notifies subscribed Observers
// around it. Update notifications fire before and after core fields are
// persisted; attribute notifications fire around each single attribute
// write; RoleAssigned fires only for the dedicated assign operation, after
// the role attribute itself has been written. AddRole and RemoveRole only
// produce attribute notifications.
//
// Roles live in the attribute <prefix>capabilities as {"editor": true}.
package accounts

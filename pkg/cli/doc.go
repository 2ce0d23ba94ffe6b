// Package cli implements wardenctl, the operator tool for change history
// and account suspension.
//
// Every command runs as trusted automation: the session lock gate does not
// apply and changes are attributed to the account given with --actor (or
// WARDEN_CLI_ACTOR). Mutating commands run inside a capture scope so their
// history is complete when the command returns.
//
//	wardenctl history 42 --limit 50
//	wardenctl export 42 --format csv > history-42.csv
//	wardenctl lock 42 --actor 1
//	wardenctl rename 42 new.login --actor 1
//	wardenctl purge 42 --actor 1 --yes
//	wardenctl search old@example.com -o json
package cli

// Package main (cmd/admin) is the operator command line for an actuation gate.
//
// Admin commands are signed with the operator's P-256 key and sent to the
// gate's /admin API. The admin id defaults to the fingerprint of the public
// key, which is also the id generate-config writes into the admins file.
//
// Commands:
//
//	status            - Bootstrap, lockdown and ledger summary
//	generate-keypair  - Generate an admin or voter keypair
//	generate-config   - Write an admins or voters file from public keys
//	export-shares     - Split the master key into shares sealed per admin
//	start-recovery    - Open a master key recovery on a fresh gate
//	submit-share      - Decrypt and submit this admin's recovery share
//	authorize-target  - Sign a target into the table
//	revoke-target     - Remove a target
//	targets           - List authorized targets
//	rotate-keys       - Rotate the master key
//	key-history       - List retired keys
//	lockdown          - Stop command execution
//	release-lockdown  - Resume command execution
//	snapshot          - Persist gate state now
//	audit             - Show retained audit records
//	vote              - Cast a signed consensus vote
//
// Example recovery onto a new node:
//
//  1. On the running gate, export 2-of-N shares:
//     admin export-shares --threshold=2 --shares-file=shares.json
//
//  2. Start the new gate with --bootstrap=recover and open the recovery:
//     admin start-recovery --threshold=2
//
//  3. Each admin submits their share:
//     admin submit-share --shares-file=shares.json --admin-privkey-file=admin1-private.pem --admin-pubkey-file=admin1-public.pem
package main

/*
Package clients provides Go clients for the gate HTTP API.

# GateClient

GateClient calls the unauthenticated command API under /api/v1:

  - Submit, Resume and Parked for command proposals
  - Vote, Decision and Votes for consensus
  - Ledger, Pending, Transaction and Confirm for the ledger
  - Targets and Target for the authorized target table
  - Deliver to decrypt a received envelope on the gate

Submit and Resume return the gate's verdict for rejected commands as well
as executed ones; only transport and request errors are returned as errors.
Non-2xx responses become an *APIError carrying the stable reason code.

# AdminClient

AdminClient calls the admin API under /admin. Every request carries the
X-Admin-ID, X-Admin-Timestamp and X-Admin-Signature headers. The signature is
an ECDSA P-256 signature over

	sha256(method SP path LF unix-timestamp LF body)

and the server rejects timestamps outside its allowed clock skew.

Recovering a gate from Shamir shares:

	admin := clients.NewAdminClient(url, "admin-1", key)
	if err := admin.StartRecovery(ctx, 2); err != nil {
		return err
	}
	share, err := cryptoutils.DecryptWithPrivateKey(adminPriv, sealedShare)
	if err != nil {
		return err
	}
	progress, err := admin.SubmitShare(ctx, share)
*/
package clients

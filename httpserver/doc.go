/*
Package httpserver implements the HTTP surface of the actuation gate.

The server exposes two APIs on one listener:

 1. Gate API under /api/v1, for decision sources, voters, validators and
    controllers
 2. Admin API under /admin, for operators holding a registered admin key

# Gate API

  - POST /api/v1/commands submits a scored proposal and returns the verdict
    (200 executed, 202 pending consensus, 4xx/5xx rejected with a reason code)
  - POST /api/v1/commands/{id}/resume resumes a pending command
  - GET /api/v1/commands/parked lists pending command ids
  - POST /api/v1/envelopes authenticates and decrypts a raw envelope
  - POST /api/v1/votes submits a signed consensus vote
  - GET /api/v1/decisions/{hash} and /votes report a decision
  - GET /api/v1/ledger, /ledger/pending and /transactions/{id} read the chain
  - POST /api/v1/transactions/{id}/confirm records a validator confirmation
  - GET /api/v1/targets and /targets/{id} read the target table
  - GET /api/v1/status summarizes the node

The gate API answers 503 until a Handler is attached, which lets the server
start before the master key has been recovered.

# Admin API

Every admin request carries three headers:

	X-Admin-ID: <admin id>
	X-Admin-Timestamp: <unix seconds>
	X-Admin-Signature: base64(ASN.1 ECDSA signature over AdminRequestDigest)

The digest binds the method, path, timestamp and body, and timestamps outside
the allowed clock skew are refused.

  - GET /admin/status reports bootstrap, recovery and lockdown state
  - POST /admin/recovery/start, /recovery/share and /recovery/export manage
    Shamir recovery of the master key
  - POST /admin/targets, DELETE /admin/targets/{id} and
    POST /admin/targets/parameters manage the target table
  - POST /admin/keys/rotate and GET /admin/keys/history manage keys
  - POST and DELETE /admin/lockdown engage and lift the lockdown
  - POST /admin/snapshot persists the durable state
  - GET /admin/audit lists the retained audit trail

# Health

/livez, /readyz, /drain and /undrain behave as load balancers expect; the
metrics server listens separately.
*/
package httpserver

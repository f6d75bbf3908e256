/*
Command custody-server runs the wallet signing key custody service.

Usage:

	custody-server [global flags] serve --config custody.yaml
	custody-server [global flags] reconcile --config custody.yaml
	custody-server [global flags] mock-ledger --ledger-listen-addr 127.0.0.1:8545
	custody-server issue-token --issuer-seed <hex> --subject alice@example.com --wallet w1

serve exposes the HTTP API and runs reconciliation of stale pending rotations
on the configured cron schedule. reconcile performs a single reconciliation
pass, for example from an external scheduler. mock-ledger serves an in-memory
ledger over JSON-RPC so the service can be run locally against a real RPC
endpoint. issue-token signs a caller token with a development issuer key.

Global flags control logging (--log-json, --log-debug, --log-uid,
--log-service), the metrics listener (--metrics-addr), pprof (--pprof) and the
drain period (--drain-seconds).
*/
package main

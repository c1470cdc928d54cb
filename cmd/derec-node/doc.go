// Package main (cmd/derec-node) runs a DeRec node.
//
// A node hosts a Sharer, a Helper, or both, behind the HTTP transport. Each
// role has its own key file in --key-dir, created on first start, and a
// contact card (<role>.card.json) that is handed to peers out of band.
//
// A Sharer given --helper-card and --secret-file protects the file's content
// with those Helpers. Started with --recover on a new device, it pairs with
// the Helpers in recovery mode and restores every secret they hold for it.
//
// The status of a secret is served at GET /api/status/{secret_id} and
// Prometheus metrics on --metrics-addr.
//
// Example usage:
//
//	derec-node --role helper --name bob --advertise-uri http://bob:8080/derec --key-dir /var/lib/derec
//	derec-node --role sharer --name alice --advertise-uri http://alice:8080/derec \
//	    --helper-card bob.card.json --helper-card carol.card.json --secret-file seed.txt
package main

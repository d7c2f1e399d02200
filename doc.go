// Package vlt is a local-first, project-scoped secrets vault with
// token-mediated access.
//
// Secrets live in a single encrypted file: an XChaCha20-Poly1305
// envelope whose data key is wrapped per recipient, so a passphrase
// holder and a KMS-backed service can open the same vault. Inside the
// envelope every secret value carries its own AES-256-GCM layer keyed
// by a per-secret subkey, so revealing one value never exposes
// another's plaintext.
//
// External callers never touch the vault directly. An administrator
// issues short-lived Ed25519-signed tokens scoped to a project, a key
// set, and an action set; the access broker validates each token,
// applies principal policies, and serves reads and rotations. Every
// terminal outcome lands in a hash-chained, append-only audit log.
//
// # Quick start
//
//	cfg := vlt.DefaultConfig()
//	cfg.VaultPath = "/var/lib/vlt/vault.vlt"
//	cfg.AuditDir = "/var/lib/vlt/audit"
//
//	core, err := vlt.Create(cfg, []byte(passphrase))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer core.Close()
//
//	core.CreateProject("billing", "billing service credentials")
//	core.PutSecret("billing", "db-password", []byte("s3cret"), vlt.SecretMeta{})
//	core.SetPrincipalPolicy("ci", vlt.PrincipalPolicy{
//	    Projects: []string{"billing"},
//	    Actions:  []string{vlt.ActionRead},
//	})
//	core.Save()
//
//	bearer, _, err := core.IssueToken(ctx, vlt.IssueRequest{
//	    Principal: "ci",
//	    Scope:     vlt.Scope{Project: "billing", Keys: []string{"db-password"}, Actions: []string{vlt.ActionRead}},
//	    TTL:       15 * time.Minute,
//	})
//
//	resp, err := core.Access(ctx, bearer, vlt.AccessRequest{
//	    Project: "billing", Key: "db-password", Action: vlt.ActionRead,
//	})
//
// Rotation policies regenerate values on a schedule with a grace
// window during which the previous version stays readable, so clients
// can cut over without a flag day.
package vlt

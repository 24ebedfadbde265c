// Package securestore persists small blobs with confidentiality and
// integrity protection.
//
// Every blob is encrypted with AES-256-GCM and authenticated with
// HMAC-SHA256. Both keys are derived with HKDF from host-bound material
// (machine id, hostname and a local salt file) and never stored next to
// the data. Load verifies the MAC before decrypting and returns
// ErrIntegrityViolation, never partially-decrypted data, when verification
// fails.
//
// Two backends are provided: FileBackend writes one file per key with an
// atomic rename and overwrites the file before unlinking it on delete;
// SQLiteBackend keeps blobs in a table with secure_delete enabled.
package securestore

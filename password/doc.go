// Package password implements password hashing and verification with Argon2id.
//
// # Output format
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Stored hashes verify against their own embedded parameters, so cost
// parameters can be raised without invalidating existing hashes;
// [Hasher.NeedsRehash] tells the caller when to re-hash on the next
// successful login.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords — callers supply plaintext and receive hashes.
//   - Enforce password policy (length, strength); that belongs to the Engine.
//   - Import any other authcore package.
package password

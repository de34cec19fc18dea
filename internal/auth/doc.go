// Package auth issues and verifies bearer tokens for the maintenance API.
//
// Tokens are HS256 JWTs signed with the configured secret. There are no
// stored accounts: an operator mints a token with `bacnethub -issue-token`
// and presents it as "Authorization: Bearer <token>".
//
// Three roles map statically to permissions:
//
//	viewer    read health, entries, mappings, remote state, metrics
//	operator  viewer + reload entries, enable/disable imported points
//	admin     operator + change entry labels
package auth

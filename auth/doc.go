// Package auth defines the access-control vocabulary shared by the local
// and cloud surfaces of the device: user roles, the identity attached to a
// parsed access token, and the ownership states of the root client token.
//
// The token formats themselves (minting, parsing, revocation) live in
// internal packages; hosts only ever see these types.
package auth

// Package auth resolves who is calling parley-gateway.
//
// # Modes
//
// With auth.jwt_secret configured, every API and websocket request must carry an HS256
// JWT, either as "Authorization: Bearer <token>" or, for websocket upgrades from a
// browser, the access_token query parameter. The token's "sub" claim is the user ID and
// its "email" claim is the participant address used throughout the conversation layer.
//
// Without a secret the gateway runs in anonymous mode: the identity is taken from the
// X-User-ID/X-User-Email headers or the user_id/email query parameters. This is meant
// for local development behind a trusted proxy.
//
// # Sender checks
//
// Handlers call CheckEmail with the senderEmail of a request body. When an identity is
// present the two addresses must match, so one user cannot send on behalf of another.
//
// # Tokens
//
//	v, err := auth.NewJWTVerifier(secret)
//	token, err := v.Generate(auth.Identity{UserID: "u-1", Email: "a@x.com"}, time.Hour)
//	id, err := v.Verify(token)
package auth

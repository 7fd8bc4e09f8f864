// Package auth provides authentication for parlor.
//
// Users authenticate with HS256 JWTs whose "sub" claim is the user ID.
// Tokens are issued by POST /users/login after a bcrypt password check and
// verified by HTTPAuthMiddleware on REST routes and by Authenticate during the
// WebSocket handshake, where the credential may also arrive in the "token"
// query parameter.
//
// The authenticated identity travels through request contexts as an
// AuthContext:
//
//	ctx = auth.WithAuth(ctx, &auth.AuthContext{UserID: id})
//	who := auth.FromContext(ctx)
package auth

/*
Package authsdk is the wire layer of the session client: request and
response types of the authentication API, the error taxonomy shared by the
rest of the module, and the Backend strategies that speak to the server.

# Backends

Two API dialects exist. The plain dialect answers login with

	{"user": {...}, "accessToken": "...", "refreshCredential": "...", "expiresIn": 900}

while the legacy envelope dialect wraps everything:

	{"success": true, "message": "...", "data": {"user": {...}, "token": "...", "refreshToken": "...", "expiresIn": 900}}

Pick one once, from configuration:

	client := authsdk.NewSDKClient("https://api.example.com", httpx.WithTimeout(30*time.Second))
	backend, err := authsdk.NewBackend(cfg.Backend, client)

# Errors

Every failure maps onto one of the typed errors in errors.go and matches a
sentinel with errors.Is:

	switch {
	case errors.Is(err, authsdk.ErrLockedOut):
		var lockout *authsdk.LockoutError
		errors.As(err, &lockout)
		fmt.Println("try again in", lockout.RetryAfter(time.Now()))
	case errors.Is(err, authsdk.ErrUnauthenticated):
		fmt.Println("wrong username or password")
	}

NetworkError is the only transient kind; everything else is final.
*/
package authsdk

// Package esia is a client for the ESIA identity provider (the Russian
// Unified Identification and Authentication System).
//
// ESIA speaks OAuth 2.0 with two twists: the client authenticates by signing
// the request parameters with its certificate instead of sending a shared
// secret, and access tokens are signed with either RS256 or
// GOST3410_2012_256. Signing and verification are delegated to the
// signature package so keys may live in files, a PKCS#11 token, a TPM or a
// separate signing service.
//
// # Authorization Code Flow
//
//	bundle, err := certstore.LoadFiles("client.crt", "client.key")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client, err := esia.NewClient(&esia.Config{
//	    ClientID:    "MYSYSTEM",
//	    Scopes:      []string{"openid", "fullname", "email"},
//	    Endpoint:    esia.Testing(),
//	    CallbackURL: "https://app.example/esia-signin",
//	    Signer:      signature.NewDefault(bundle.SigningFunc(), nil),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	redirect, err := client.AuthCodeURL(ctx, "")
//	// redirect the user agent, then on callback:
//	resp, err := client.Exchange(ctx, code, "")
//	token, err := esia.NewToken(resp)
//	client.SetToken(token)
//
//	person, err := client.PersonInfo(ctx, "")
//
// # Authenticated Requests
//
// Send attaches the current token as a bearer credential. With the Normal
// policy an expired token is refreshed before the request, and a 401 answer
// triggers one refresh and exactly one retry. Refreshes are serialised, so a
// Client may be shared between goroutines.
//
// # Client Secret Encoding
//
// client_secret values use a base64url dialect with a trailing padding
// marker; see package base64url.
package esia

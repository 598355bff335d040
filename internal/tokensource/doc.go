// Package tokensource provides bearer token acquisition for the Revos API.
//
// The Revos gateway exposes two credential-exchange paths:
//   - The primary path is a standard OAuth2 client-credentials exchange
//     (form-encoded, handled by golang.org/x/oauth2/clientcredentials).
//   - The fallback path is the gateway's legacy JSON endpoint, which accepts
//     the same credentials as a JSON-encoded request body. It exists for
//     deployments where the form-encoded path is rejected by intermediate
//     proxies.
//
// A Fetcher performs exactly one outbound exchange per call and never retries
// internally; retry, backoff, and method escalation belong to the caller
// (see the tokenmanager package).
//
// # Usage
//
//	fetcher := tokensource.NewFetcher(tokensource.Credentials{
//		ClientID:     clientID,
//		ClientSecret: clientSecret,
//		TokenURL:     "https://gateway.example.com/oauth/token",
//	})
//	record, err := fetcher.Fetch(ctx, tokensource.MethodPrimary)
//	// record.Token carries the bearer token, record.ExpiresAt its deadline.
package tokensource

// Package extractor provides structured data extraction on top of the
// LLM endpoint behind the Revos gateway.
//
// An Extractor is a token consumer: at construction it looks for the active
// token manager and registers itself as an observer, receiving the cached
// bearer token synchronously when one exists and fresh tokens on every
// refresh thereafter. When no manager is live it degrades to a one-shot
// standalone fetch with no automatic refresh.
//
// Extraction sends a prompt to the model with instructions to answer in
// strict JSON and unmarshals the reply into a caller-provided value. A 401
// from the API triggers one forced token refresh and a single retry.
package extractor

// Package api hosts the HTTP handlers that front the LearnHub REST API.
//
// Handlers validate requests, resolve the caller and shape responses while
// delegating persistence to storage.Repository and the chunked upload
// protocol to upload.Service. Every failure is written through WriteError so
// clients always receive the same JSON error envelope.
//
// Handlers assume the middleware in internal/server has already resolved the
// bearer credential for protected routes and placed the identity on the
// request context.
package api

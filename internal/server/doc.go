// Package server hosts the LearnHub API, including the resumable upload
// routes, behind a single HTTP server.
//
// Every request passes the same middleware chain: request ids, logging,
// audit, metrics, security headers, CORS, rate limiting, route timeouts and
// authentication. Uploaded media can optionally be served from /media/ when
// the filesystem object store is in use.
package server

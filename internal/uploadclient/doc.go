// Package uploadclient drives the resumable chunked upload protocol from the
// client side. A Driver splits a file into ordered chunks, sends them through
// a Transport with bounded retries, shrinks the chunk size and restarts under
// a new session when the server rejects a chunk as too large, and finalizes
// the session once every chunk is acknowledged.
package uploadclient

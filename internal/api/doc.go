// Package api exposes the REST interface of the swarm daemon: asynchronous
// workflow jobs, the tool-style operations (inference, verification, worker
// listing, audit, health), raw evidence bundles and the session log export.
package api

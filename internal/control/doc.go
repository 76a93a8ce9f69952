// Package control sends playback and volume commands to players over
// their SOAP control endpoints.
//
// The action table maps command names to services, control paths and
// default arguments; callers supply only what varies. Delivery is
// at-most-once: failed or rejected commands surface as a CommandError
// and are never retried here.
package control

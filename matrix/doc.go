// Package matrix defines the capability interface the transport consumes
// from the underlying federated publish/subscribe network.
//
// The network offers rooms (broadcast channels with membership and
// invites), presence events, device-directed events and a small
// account-wide key/value store. It provides no delivery or ordering
// guarantees; the transport layers its own reliability on top.
//
// The package also ships an in-memory federation (Hub) implementing the
// same interface. It backs the test suite and the demo daemon; a production
// deployment plugs in a real homeserver client instead.
package matrix

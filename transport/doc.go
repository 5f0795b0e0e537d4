// Package transport implements reliable at-least-once message delivery
// over an unreliable federated room-based network.
//
// The Transport owns one retry worker per peer, a single global broadcast
// worker for well-known shared rooms, an address directory classifying
// peer reachability from presence events, and a room resolver that finds
// or creates a shared room with a peer and persists the choice in
// account-wide storage.
//
// Outbound messages flow Transport -> per-peer retry queue -> room
// resolver -> room send. Inbound room events are validated (signature,
// whitelist, room policy), acknowledged with a Delivered message enqueued
// on the sender's global sub-queue, and forwarded to the application
// layer.
package transport

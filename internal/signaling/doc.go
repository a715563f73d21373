// Package signaling implements the relay side of the LAN signaling protocol:
// JSON text frames carried over a websocket, routed between registered
// connections by their self-declared LAN address.
//
// The relay never interprets SDP or ICE payloads. Offers, answers and
// candidates are forwarded with every original field intact, plus a fromIP
// stamped from the registry.
package signaling

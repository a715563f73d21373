// Package negotiation drives one WebRTC call at a time for a local endpoint.
//
// A Peer owns at most one session. The caller side moves through
// idle → offering → awaiting-answer → connected, the callee side through
// idle → offered → answering → connected. ICE candidates generated locally are
// held until the local description has been handed to the Signaler; candidates
// received before a remote description is applied are queued and flushed once
// it is. When ICE fails, the side that placed the call restarts ICE on the
// existing session.
package negotiation

// Package udpst implements the UDP Speed Test (UDPST) protocol: an
// authenticated, stateful, closed-loop rate-adaptive measurement protocol
// between a client and a server.
//
// This includes the wire codec, the KBKDF/HMAC-SHA-256 authentication
// envelope, connection table, control and data state machines, and the
// adaptive sending-rate controller.
package udpst

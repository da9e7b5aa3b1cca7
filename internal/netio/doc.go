// Package netio provides UDP socket abstractions for UDPST packet I/O,
// using golang.org/x/net/ipv4 and golang.org/x/net/ipv6 for DSCP/ECN
// tagging and golang.org/x/sys/unix for buffer-size and address-family
// socket options.
package netio

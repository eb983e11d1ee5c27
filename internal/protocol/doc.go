// Package protocol models the relay's wire surface: the closed taxonomy of
// client messages, their per-kind field contracts, and the server-to-client
// message shapes.
//
// Classification is pure and stateless. Frames that fail validation carry no
// signal back to the sender; the caller drops them without a response.
package protocol

// Package protocol defines the messages exchanged between the uvimage CLI and
// the uvimage daemon.
//
// Each connection carries one exchange. The client writes a single
// newline-terminated JSON [Envelope]; the server answers with one envelope
// whose command is [CmdOK] or [CmdError]. Payload types are plain structs,
// decoded with [DecodePayload] once the command is known.
package protocol

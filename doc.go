// Package keyholder implements keyholderd, a multi-user SSH agent.
//
// A [Server] holds SSH private keys in memory and signs authentication
// challenges on behalf of distinct local users, gated by a group-based
// authorization policy read from on-disk configuration. Unlike a personal
// SSH agent, keyholderd does not let every connecting peer use every
// loaded key: each key is associated with a set of groups via the policy
// directory, and a signing request is honored only when the requesting
// peer's user belongs to one of them, or is root.
//
// Clients connect over a UNIX domain socket and speak the standard SSH
// agent wire protocol, so any unmodified SSH client can use the agent as
// its SSH_AUTH_SOCK.
package keyholder

const rootUser = "root"

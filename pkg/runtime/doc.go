// Package runtime implements the Runtime Adapter: a least-privilege,
// read-mostly capability over the container runtime that the rest of
// vaultkeeper depends on through the ContainerRuntime interface rather
// than a concrete SDK.
//
// ContainerdRuntime is the production implementation, wrapping
// containerd's client exactly the way a container orchestrator would:
// a namespaced client, OCI exec specs for ephemeral admin processes
// (database dump tools, tar), and SIGTERM-then-SIGKILL stop semantics.
// Every call validates its container id first; mutating calls
// (Stop/Start) are refused outright when the adapter is constructed in
// read-only mode (the default), which is how vaultkeeper stays safe to
// point at a shared cluster's containerd socket.
package runtime

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package bus is the collaborator-facing surface of the mesh engine. A Bus
// owns one socket registry and one routing table; a Node is a per-token
// handle that builds session ids, sends routed calls and installs callbacks.
//
// Nodes only hold weak references: once the Bus is closed every Node call
// degrades to a no-op.
package bus

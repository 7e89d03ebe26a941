// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the readiness multiplexer binding used by the socket
// registry: edge-triggered epoll on Linux and an unsupported stub elsewhere.
package reactor

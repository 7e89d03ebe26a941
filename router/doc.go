// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package router maps logical mesh node ids to socket tokens and forwards
// routed messages between them.
//
// Nodes are sharded into 256 service lists by bits 16..23 of their id. Each
// list is kept sorted by id and elects the lowest id as its master after every
// mutation. Forwarding rewrites the RpcType of the header to RemoteCall,
// keeps the caller flags, and hands header plus payload to the registry as a
// single scatter write.
package router

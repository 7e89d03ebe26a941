// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Mesh wire format: the packed RouterHeader/TransferHeader prefixes carried by
// every routed message, the RpcType tag stored in the header context byte, and
// the receive-side frame assembler that splits a stream into packages.
//
// All multi-byte fields use the host's native byte order and headers carry no
// padding, so a header is a fixed binary prefix directly followed by its payload.
package protocol

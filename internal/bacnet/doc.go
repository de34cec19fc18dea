// Package bacnet defines the BACnet object model and the protocol-stack
// abstraction consumed by the hub engine.
//
// The wire codec (BVLC/NPDU/APDU framing, UDP transport) lives behind the
// Stack interface. This package provides the vocabulary shared by the local
// virtual device and the remote client side:
//
//	┌──────────────┐  ObjectServer   ┌───────────────┐
//	│  hub engine  │────────────────►│               │
//	└──────────────┘                 │     Stack     │◄────► BACnet/IP
//	┌──────────────┐  Client         │               │
//	│ remote mgr   │────────────────►│               │
//	└──────────────┘                 └───────────────┘
//
// # Objects
//
// Objects are identified by (ObjectType, instance). Published mappings use
// AnalogValue, BinaryValue and MultiStateValue; remote imports additionally
// understand analog/binary inputs and outputs and CharacterStringValue.
//
// # Bind addresses
//
// The local device binds to an address of the form IPv4[/prefix][:port]:
//
//	addr, err := bacnet.ParseBindAddress("192.168.1.10/24:47808")
//
// Bind retries on address-in-use are handled by BindWithRetry.
//
// # In-memory stack
//
// MemoryStack implements Stack entirely in process. It backs the virtual
// device when no codec-backed stack is configured and is the test double
// for every package that talks to the protocol stack.
package bacnet

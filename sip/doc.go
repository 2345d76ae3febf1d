// Package sip implements the signaling core of a SIP stack: the message model, the
// RFC 3261 transaction layer with its four timer driven state machines, and the
// [Endpoint] which owns the priority ordered module chain that routes messages
// between transports, transactions, dialogs and applications.
//
// Wire format parsing, transport sockets and DNS resolution are external collaborators
// plugged in through the [Parser], [Transport] and [Resolver] interfaces.
//
// Concurrency model: every transaction is serialized by a [GroupLock]. Transactions that
// belong to a dialog share the dialog's group lock, so all mutations of a dialog, its
// usages and its transactions are totally ordered. Timer callbacks and asynchronous
// transport completions acquire the owning lock before touching any state machine.
package sip

/*

Package circuit implements an agreement protocol by which a set of
nodes forms a "circuit," an isolated multi-party channel, and then
relays opaque payloads over it.

A Node is a participant in the network. A caller feeds incoming
protocol messages (raw envelope bytes, or decoded Msg values) to the
node's Receive or Handle method. The node may respond with further
messages, which the caller should then disseminate to the other
network nodes.

A requester proposes a circuit by its id. Every node tracks the
proposal and tallies the votes of a voter set fixed when the proposal
was submitted. Once a quorum of voters accepts, each node announces
its acceptance; when the requester has seen enough acceptances it
announces the proposal ready and then the circuit created. From then
on, payload messages addressed to the circuit are routed to the
consumer the application registered for it.

A network demo can be found in cmd/circuitsim. It takes the name of a
TOML file describing the nodes and the circuits to create. A node
daemon speaking the protocol over HTTP is in cmd/circuitd.

*/
package circuit

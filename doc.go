// Package bitcoin is a secondary index that, given a scriptPubKey,
// answers which transactions created or spent an output paying that script.
// It is a standalone component a full node wires into its own block
// ingestion: the node owns consensus and storage of blocks themselves, this
// package owns the (script -> transaction) mapping built on top of them.
//
// Construct an Index with New, call Start once the host's chain-event
// source and block directory are ready, query it with FindTxsByScript, and
// call Stop before discarding it. An Index is not reusable after Stop.
package bitcoin

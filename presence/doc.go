// Package presence tracks which peers are currently reachable.
//
// It maps peer addresses to the federated-network user identifiers claiming
// them, keeps a per-user presence cache fed by presence events, and folds
// both into a per-address reachability verdict. User identifiers are
// untrusted until their display-name proof-of-keys validates against the
// claimed address.
package presence

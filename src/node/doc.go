// Package node implements the synchronization state machine between one
// master and many slaves.
//
// # Sync
//
// Every node has a guid: the netloc of a master, a persisted UUID for a
// slave. Nodes exchange packet streams whose header names the sender, the
// recipient and, for parcels, a session. A slave sends a push segment with
// the content of its own seqnos the master has not acked yet, and a pull
// segment with the seqnos of the master it has not received yet. The master
// stores pushed content under fresh seqnos and answers with an ack pairing
// the pushed ranges to its own seqnos, then with a push of what the slave
// pulls. The commit record closing a push tells the receiver which seqnos it
// may consider delivered, even when the transfer was cut by the
// accept_length of the slave.
//
// # Conversations
//
// The master keeps no state per slave. What a conversation needs between two
// requests, the ranges still pulled, the acks given and the forwarding
// requests, travels in the sugar_network_node cookie. A small LRU of recent
// conversations lets a slave ask for the ack another slave was given, to
// carry it to that slave.
//
// # Parcels
//
// When no network is available the same streams are written to gzipped
// .parcel files carried by hand. A slave names its parcel after its guid and
// starts a new session with each export; a master answers every parcel it
// imports with a response parcel for the sender.
package node

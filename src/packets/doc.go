// Package packets implements the framed stream every transfer between nodes
// goes through.
//
// A stream is a sequence of newline terminated JSON records, gzipped or not.
// The first record is the header, eg. {"from": ..., "to": ..., "session":
// ...}. A record with a "segment" key opens a segment (push, ack, pull,
// request); the records up to the next segment belong to it. A record
// declaring "content-length" is followed by that many bytes of blob body and a
// newline. An optional {"segment": "last"} record terminates the stream.
package packets

// Package config defines the configuration of a Sugar Network node.
//
// Regardless of how the node is started, it uses the Config object defined
// in this package. On top of these options, a node relies on its data
// directory, Config.DataDir, where it keeps:
//
//	var/                    // counters, node guid, slave ranges, seqno index
//	db/                     // one directory per resource record
//	blobs/, files/          // content- and path-addressed blobs
//	etc/authorization.conf  // (optional) INI file mapping user guids to roles
//	log/sugar-network.log   // rotated JSON log
package config

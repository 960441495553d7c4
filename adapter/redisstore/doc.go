// Package redisstore provides a Redis persistence adapter for xmesh.
//
// Store name: "redis"
//
// Every key is stored as a plain string value under "<prefix>:<key>". List
// scans "<prefix>:<dir>/*" and keeps direct children only.
//
// Minimal config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - password, username, db
//   - prefix: key namespace (default "xmesh")
//   - ttl: expiry applied on every save (default 0 = none)
//   - scan_count: SCAN COUNT hint (default 256)
//   - tls, tls_server_name
//
// Example builder usage:
//
//	node, _ := xmesh.NewNodeBuilder().
//	    WithConfig(cfg).
//	    WithStore(redisstore.StoreName, map[string]any{
//	        "addr":   "localhost:6379",
//	        "prefix": "agents-dev",
//	        "ttl":    "72h",
//	    }).
//	    Build()
package redisstore

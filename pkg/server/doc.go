/*
Package server runs the network front of a keystone node: the TCP
listener, the connection worker pool, and the observability endpoint.

Frames are newline-delimited JSON arrays. This codec is the development
pipeline; production deployments put their own framing (compression,
encryption, websockets) in front and speak the same message shapes:

	["rpc", name, args?]                  →  ["rsp", payload]
	["sub", table, "get", col, v]         →  ["subOk", subId, row]
	["sub", table, "range", col, l, r,
	        limit, desc, force]           →  ["subOk", subId, rows]
	["unsub", subId]                      →  (no reply)
	["query", table, col, l, r,
	        limit, desc]                  →  ["rsp", rows]
	server push                           →  ["updt", subId, {id: row}]
	eviction                              →  ["subErr", subId, error]

Each accepted connection gets a reader and a writer goroutine; inbound
frames are executed by a fixed pool of workers, serially per connection.
Idle connections close at the gate's idle deadline, which advances on
every RPC.

The package also owns backend construction from configuration and the
built-in elevation system (see Elevation).
*/
package server

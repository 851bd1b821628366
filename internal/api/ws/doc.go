/*
Package ws streams a chain's traces over WebSocket.

The frame sequence matches the SSE endpoint: replayed history, then live
entries, keepalives while idle, and a terminal timeout frame followed by a
normal close.

	{"type":"trace","trace":{...}}
	{"type":"keepalive"}
	{"type":"timeout"}
*/
package ws

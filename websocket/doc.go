// Package websocket implements RFC 6455 channels over a raw connection:
// the client-side upgrade transport, the server-side upgrader and the
// Channel state machine shared by both. A gorilla/websocket backed
// transport offers the same api.Channel contract on a second stack.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package websocket

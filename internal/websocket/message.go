// Package websocket implements the real-time pub/sub hub that pushes run
// progress to connected clients. It uses gorilla/websocket under the hood and
// exposes a topic-based broadcast API consumed by the runner.
//
// Topic naming convention:
//
//	execution:<uuid> — live log, progress, and status frames for one run
package websocket

// Message is the envelope for every WebSocket frame sent to clients. The
// payload carries its own "type" discriminator ("log", "progress", "status"),
// so the envelope only adds the topic the frame was published on.
//
// JSON example:
//
//	{"topic":"execution:018f...","payload":{"type":"progress","stage":"upload","percent":72.5}}
type Message struct {
	// Topic is the pub/sub channel this message was published on. Clients
	// use it to associate the frame with the correct run.
	Topic string `json:"topic"`

	// Payload is the event data as published by the runner:
	//   - {"type":"log","level":"info","stage":"dump","message":"..."}
	//   - {"type":"progress","stage":"upload","percent":72.5}
	//   - {"type":"status","status":"Success","percent":100}
	Payload any `json:"payload"`
}

// Package httpserver is courier's REST surface on net/http:
//
//	POST /messages                      submit, 202 {"id": ...} or 400 {"error": ...}
//	GET  /messages/{receiverId}         ?cursor=&limit= ordered offline log
//	POST /messages/{receiverId}/ack     {"cursor": ...} commit read position
//	GET  /messages/{receiverId}/unread  {"unread": n} unacknowledged messages
//	GET  /deadletters, /deadletters/{id}
//	GET  /stats, /healthz
//	GET  /ws?userId=                    websocket live push
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: config.Default()})
//	s := httpserver.New(rt, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver

// Package pebblestore provides a thin wrapper around Pebble with fsync policy,
// batches, prefix scans, and minimal metrics hooks.
//
// Every durable structure in courier lives in one DB and owns a key prefix:
//
//	q/...    delivery queue (messages, ready/delay/lease indexes, meta)
//	m/...    receiver-partitioned message log
//	i/...    message id -> log key
//	c/...    committed read cursors
//	dlq/...  dead-lettered messages
//
// Usage:
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	b := db.NewBatch()
//	_ = b.Set([]byte("k"), []byte("v"), nil)
//	_ = db.CommitBatch(context.Background(), b)
//	b.Close()
//
//	it, _ := db.NewPrefixIter([]byte("m/"))
//	defer it.Close()
package pebblestore

// Package ledger provides the idempotency ledger that records which records
// (or whole groups of records) have already been delivered to the sink.
//
// Marks live in an external keyspace under "s3:<id>". A mark is written after
// a successful delivery and never removed. A record is skipped when either its
// own id or its group id is marked:
//
//	l := ledger.NewRedis(redisClient)
//
//	level, err := ledger.Check(ctx, l, "12345/ABCD2345")
//	if err != nil {
//		// ledger transport errors are fatal
//	}
//	if level != ledger.LevelNone {
//		// already delivered, skip
//	}
//
//	// after the object was written
//	err = l.Mark(ctx, "12345/ABCD2345")
//
// # Backends
//
// Redis is the production backend. Memory keeps marks in process and is used
// for dry runs and tests.
package ledger

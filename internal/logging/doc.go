// Package logging provides structured zap logging for docrag.
//
// # Overview
//
// The package builds a *zap.Logger from config and adds:
//   - Custom Trace level (-2, below Debug)
//   - Context field injection (trace_id, span_id, tenant, request id)
//   - An observer-backed TestLogger for assertions in tests
//
// # Usage
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync(logger)
//
//	ctx = logging.WithTenant(ctx, "project-42")
//	logging.For(ctx, logger).Info("document ingested", zap.Int("chunks", n))
//
// Components receive a *zap.Logger through their constructors and fall back
// to zap.NewNop() when none is given.
package logging

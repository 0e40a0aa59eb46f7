// Package measured provides an in-process metrics layer keyed by metric name
// and an arbitrary set of named dimensions, a registry that periodically
// delivers windowed snapshots to a pluggable reporter, and HTTP request
// instrumentation built on top of both.
//
// Design goals:
//   - Get-or-create is atomic per storage key
//   - Counters and timers are reported per window, gauges keep their level
//   - Reporters are swappable and never stop the reporting loop
//   - Request timers are labelled by route template, not resolved path
//
// Basic usage:
//
//	rep, err := remotewrite.New(remotewrite.Config{
//	  URL:         "http://prometheus:9090/api/v1/write",
//	  ServiceName: "service",
//	})
//	if err != nil {
//	  log.Fatal(err)
//	}
//
//	reg, err := measured.NewSelfReportingRegistry(rep, measured.DefaultConfig())
//	if err != nil {
//	  log.Fatal(err)
//	}
//	defer reg.Shutdown()
//
//	router := gin.New()
//	router.Use(ginmetrics.New(reg))
//
//	events, _ := reg.Counter("events", measured.MustDimensions("type", "signup"))
//	events.Inc()
package measured

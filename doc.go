// Package pocketfence is a local content-filtering HTTP proxy for
// households. Each outbound request is scored against weighted keyword
// tables and blocked when the score exceeds the threshold of the active
// age level.
//
// # Scoring
//
// An [Engine] holds the keyword tables, the age level and the child-mode
// flag. [Engine.Score] averages the weights of every threat and safe
// phrase contained in a text and clamps the result to [0, 1]. Safe
// phrases have negative weights and pull the average down:
//
//	engine := pocketfence.NewEngine(nil) // built-in tables
//	engine.Score("http://gambling-casino.example/") // 0.9
//	engine.Score("http://school-tutorial.edu/help") // 0
//
// [Engine.Assess] scores a request's URL, host and user agent separately
// and keeps the highest score. The request is blocked when that score is
// strictly greater than the age threshold:
//
//	early       0.2  Early Childhood (5-8)
//	elementary  0.4  Elementary (9-12)
//	teen        0.6  Teen (13-17)
//	adult       0.8  Adult (18+)
//
// A panic inside scoring is recovered and scored as 0, so a filtering bug
// lets traffic through instead of stopping the proxy.
//
// # Keyword Tables
//
// The default tables are embedded from keywords.yaml. Additional or
// replacement phrases can come from CSV files, YAML files or an HTTP
// endpoint, combined with [MultiLoader] and swapped in at runtime by
// [ReloadableTables]:
//
//	loader := pocketfence.NewMultiLoader(
//	    pocketfence.EmbeddedLoader{},
//	    pocketfence.NewCSVLoader("keywords.csv"),
//	)
//	tables := pocketfence.NewReloadableTables(engine, loader)
//	if err := tables.Load(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	cancel := tables.StartAutoReload(ctx, 10*time.Minute)
//	defer cancel()
//
// CSV rows are "table,phrase,weight" where table is threat, child_unsafe
// or safe.
//
// # Proxy
//
// [Proxy] binds 127.0.0.1 and localhost on the configured port and
// handles absolute-form HTTP requests and CONNECT tunnels:
//
//	proxy := pocketfence.NewProxy(engine, 8888)
//	if err := proxy.Start(ctx); err != nil {
//	    log.Fatal(err) // port in use
//	}
//	defer proxy.Shutdown(context.Background())
//
// Blocked requests get the block page with status 200 so that browsers
// render it. The response carries the X-PocketFence-Blocked header for
// programmatic clients. Allowed requests are forwarded without their
// hop-by-hop headers; an unreachable origin yields 502. CONNECT tunnels
// are relayed without inspection.
//
// # Settings and Control
//
// User settings (age level, child mode, port, auto start) live in a JSON
// file managed by [SettingsStore] and watched by [SettingsWatcher].
// [Controller] applies changes to the engine and persists them. It backs
// both the line-oriented [Console] and the REST [AdminAPI], which is
// served on the proxy port under /api alongside /metrics, /healthz and
// /readyz.
package pocketfence

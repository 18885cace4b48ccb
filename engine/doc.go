// Package engine is an in-process service dependency graph and lifecycle
// scheduler.
//
// Callers declare named services in a Batch: their dependencies on other
// service names or capabilities, the values they publish, a start mode and a
// pair of start/stop bodies. Installing the batch is atomic. The Container
// then drives every service DOWN → STARTING → UP → STOPPING → DOWN while
// keeping two guarantees: a service starts only once its required
// dependencies are up, and a dependency stops only after every dependent
// holding it has stopped.
//
// Each service is run by a controller with its own mutex and inbox.
// Controllers never lock each other; they exchange messages that a pool of
// bookkeeping workers drains, and start/stop bodies run on a separate bounded
// pool so bookkeeping never waits on user code.
//
//	ct := engine.New(engine.Options{Logger: log})
//	_ = ct.Start(ctx)
//	b := ct.NewBatch()
//	db := b.AddService(engine.MustParseName("app.db"), engine.ModeOnDemand)
//	conn := db.Provides(engine.MustParseName("app.db"))
//	db.SetRunnable(func(ctx context.Context) error { conn.Set(open()); return nil }, nil)
//	api := b.AddService(engine.MustParseName("app.api"), engine.ModeActive)
//	dbRef := api.Requires(engine.MustParseName("app.db"))
//	res, err := b.Install(ctx)
package engine

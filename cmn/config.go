package cmn

import "sync/atomic"

// Config holds the runtime parameters that are not expressible in the
// construction-pipeline parameter object because they are process-wide,
// following a cmn.Config + cmn.GCO (Global Config Owner) pattern. The
// engines in this module take their settings as constructor or call
// arguments; none of them reads GCO itself.
type Config struct {
	// KeepLastElmOnMigrate is the process-wide value of the setting
	// migrate.New takes as keepLast: refuse MigrationEngine.MigrateOut
	// when the element being moved is the only element left in its Holder.
	KeepLastElmOnMigrate bool

	// FilesPerDirectory is a checkpoint bucketing factor (spec.md §4.9).
	// CheckpointToFile takes its factor as an argument and does not fall
	// back to this field.
	FilesPerDirectory int

	// NumNodes is the fixed size of the process set this runtime is
	// deployed over (spec.md §1: "a fixed set of processes").
	NumNodes int
}

func DefaultConfig() *Config {
	return &Config{
		KeepLastElmOnMigrate: false,
		FilesPerDirectory:    1000,
		NumNodes:             1,
	}
}

// gco is the global config owner: a single atomically-swapped pointer,
// so readers never block on a lock and writers (rare: at startup, or in
// tests) replace the whole struct.
type gco struct {
	p atomic.Pointer[Config]
}

func (g *gco) Get() *Config {
	c := g.p.Load()
	if c == nil {
		c = DefaultConfig()
		g.p.Store(c)
	}
	return c
}

func (g *gco) Put(c *Config) { g.p.Store(c) }

// GCO is the process-wide Global Config Owner, providing the
// `cmn.GCO.Get()` call convention for code that reads process-wide
// settings instead of receiving a *Config.
var GCO = &gco{}

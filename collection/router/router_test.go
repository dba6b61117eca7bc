package router_test

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/arkscale/vt/collection"
	"github.com/arkscale/vt/collection/build"
	"github.com/arkscale/vt/collection/migrate"
	"github.com/arkscale/vt/collection/router"
	"github.com/arkscale/vt/core"
	"github.com/arkscale/vt/core/meta"
	"github.com/arkscale/vt/locmgr"
	"github.com/arkscale/vt/sched"
)

// harness wires one Router, one per-node Registry, and a shared Cluster
// transport / location manager / handler registry / map registry, the
// minimal stand-in for the "surrounding scheduler/epoch/termination
// service" and other out-of-scope collaborators named in spec.md §1.
type harness struct {
	numNodes     int
	cluster      *sched.Cluster
	handlers     *core.HandlerRegistry
	mapReg       *meta.MapRegistry
	locMgr       locmgr.LocationManager
	dir          *collection.Directory
	buildDir     *build.Directory
	routers      []*router.Router
	registries   []*collection.Registry
	pipelines    []*build.Pipeline
	migFactories *migrate.FactoryRegistry
}

func newHarness(numNodes int) *harness {
	cluster := sched.NewCluster(numNodes)
	cluster.Start()
	lm, err := locmgr.New()
	Expect(err).NotTo(HaveOccurred())

	h := &harness{
		numNodes: numNodes, cluster: cluster,
		handlers: core.NewHandlerRegistry(), mapReg: meta.NewMapRegistry(), locMgr: lm,
		migFactories: migrate.NewFactoryRegistry(),
		dir:          collection.NewDirectory(),
		buildDir:     build.NewDirectory(),
	}
	for n := 0; n < numNodes; n++ {
		reg := collection.NewRegistry()
		h.registries = append(h.registries, reg)
		h.dir.Register(n, reg)
		node := n
		r := router.New(node, h.cluster, reg, h.dir, lm, h.mapReg, h.handlers, h.cluster.Node(node).NextEpoch)
		h.routers = append(h.routers, r)
		pf := core.NewProxyFactory(node)
		pl := build.New(node, h.cluster, reg, h.buildDir, lm, h.mapReg, h.migFactories, pf)
		h.pipelines = append(h.pipelines, pl)
		h.buildDir.Register(node, pl)
	}
	return h
}

func (h *harness) stop() { h.cluster.Stop() }

// buildCollective calls Wait identically on every node (SPMD), relying
// on collective proxies encoding a fixed creator_node so every node
// computes the same CollectionProxy without coordination.
func (h *harness) buildCollective(params build.Params) core.CollectionProxy {
	params.Collective = true
	params.NumNodes = h.numNodes
	var cp core.CollectionProxy
	for n := 0; n < h.numNodes; n++ {
		got, err := h.pipelines[n].Wait(params)
		Expect(err).NotTo(HaveOccurred())
		if n == 0 {
			cp = got
		} else {
			Expect(got).To(Equal(cp), "every node must compute the same collective CollectionProxy")
		}
	}
	return cp
}

type pingElem struct{}

var _ = Describe("Send", func() {
	// spec.md §8 scenario S1.
	It("delivers Ping(k*10+j) to each idx=2k+j on a 4-node block-mapped [0,8) collection", func() {
		h := newHarness(4)
		defer h.stop()

		var mu sync.Mutex
		received := make(map[int64]int)
		handlerID := h.handlers.Register("s1-ping", func(ctx *core.RunContext, _ core.Element, msg any) {
			mu.Lock()
			received[ctx.Index.Dim(0)] = msg.(int)
			mu.Unlock()
		})

		cp := h.buildCollective(build.Params{
			Bounds: core.DenseIndex{8},
			ConsFn: func(core.Index) core.Element { return &pingElem{} },
		})

		for k := 0; k < 4; k++ {
			for j := int64(0); j < 2; j++ {
				idx := int64(k)*2 + j
				payload := k*10 + int(j)
				Expect(h.routers[0].Send(cp, core.NewIndex(idx), handlerID, payload)).To(Succeed())
			}
		}

		Eventually(func() int {
			mu.Lock()
			defer mu.Unlock()
			return len(received)
		}, time.Second, 5*time.Millisecond).Should(Equal(8))

		mu.Lock()
		defer mu.Unlock()
		for k := 0; k < 4; k++ {
			for j := int64(0); j < 2; j++ {
				idx := int64(k)*2 + j
				Expect(received[idx]).To(Equal(k*10 + int(j)))
			}
		}
	})

	It("TryGetLocalPtr reports false for an index nothing constructed", func() {
		h := newHarness(2)
		defer h.stop()
		cp := h.buildCollective(build.Params{Bounds: core.DenseIndex{2}})
		_, ok := h.routers[0].TryGetLocalPtr(cp, core.NewIndex(5))
		Expect(ok).To(BeFalse())
	})
})

type tagElem struct{}

// MarshalMsg/UnmarshalMsg give tagElem a minimal, valid msgp payload
// (an empty fixmap) so it satisfies core.Serializable for the migration
// path exercised below; the element carries no mutable state of its own,
// so round-tripping a fixed empty payload is sufficient.
func (*tagElem) MarshalMsg(b []byte) ([]byte, error) { return append(b, 0x80), nil }
func (*tagElem) UnmarshalMsg(bts []byte) ([]byte, error) {
	if len(bts) == 0 {
		return bts, nil
	}
	return bts[1:], nil
}

var _ = Describe("Migrate then Broadcast", func() {
	// spec.md §8 scenario S3: migrate idx=3 from its owner to node 3, then
	// broadcast Tag=7; every index must receive exactly one handler call.
	It("delivers the broadcast exactly once per index even though one element just migrated", func() {
		h := newHarness(4)
		defer h.stop()

		cp := h.buildCollective(build.Params{
			Bounds: core.DenseIndex{8},
			ConsFn: func(core.Index) core.Element { return &tagElem{} },
		})
		h.migFactories.Register(cp, func() core.Element { return &tagElem{} })

		// idx=3 is owned by node 1 under BlockMap (node k owns {2k,2k+1}).
		mig := migrate.New(1, h.cluster, h.registries[1], h.dir, h.locMgr, h.mapReg, h.migFactories, false)
		Expect(mig.MigrateOut(cp, core.NewIndex(3), 3)).To(Succeed())

		var mu sync.Mutex
		counts := make(map[int64]int)
		handlerID := h.handlers.Register("s3-tag", func(ctx *core.RunContext, _ core.Element, _ any) {
			mu.Lock()
			counts[ctx.Index.Dim(0)]++
			mu.Unlock()
		})

		Expect(h.routers[0].Broadcast(cp, handlerID, 7)).To(Succeed())

		Eventually(func() int {
			mu.Lock()
			defer mu.Unlock()
			total := 0
			for _, c := range counts {
				total += c
			}
			return total
		}, time.Second, 5*time.Millisecond).Should(Equal(8))

		mu.Lock()
		defer mu.Unlock()
		Expect(counts).To(HaveLen(8))
		for idx, c := range counts {
			Expect(c).To(Equal(1), "index %d must be delivered exactly once", idx)
		}
	})
})

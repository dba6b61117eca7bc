package insert_test

import (
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/arkscale/vt/cmn"
	"github.com/arkscale/vt/collection"
	"github.com/arkscale/vt/collection/insert"
	"github.com/arkscale/vt/core"
	"github.com/arkscale/vt/locmgr"
	"github.com/arkscale/vt/sched"
)

func TestInsert(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, t.Name())
}

type constHomeMap struct{ home int }

func (m constHomeMap) Map(core.Index, int, int) int { return m.home }

type dim0HomeMap struct{}

func (dim0HomeMap) Map(idx core.Index, _ int, _ int) int { return int(idx.Dim(0)) }

type blankElem struct{}

var _ = Describe("Engine.Insert at home", func() {
	// spec.md §8 scenario S4 (same-node leg): a second insert for an
	// already-present index cancels with ErrInsertionRace instead of
	// clobbering the first.
	It("the second of two same-node inserts for the same index is rejected", func() {
		cluster := sched.NewCluster(1)
		cluster.Start()
		defer cluster.Stop()
		lm, err := locmgr.New()
		Expect(err).NotTo(HaveOccurred())
		defer lm.Close()

		reg := collection.NewRegistry()
		cp := core.CollectionProxy(1)
		mc := collection.NewMetaCollection(cp, 1)
		mc.MapObject = constHomeMap{home: 0}
		reg.Register(mc)

		dir := collection.NewDirectory()
		dir.Register(0, reg)
		engines := insert.NewDirectory()

		epochs := sched.NewEpochService()
		e := insert.New(0, cluster, reg, dir, engines, lm, nil, epochs)
		engines.Register(0, e)
		e.RegisterFactory(cp, func(any) core.Element { return &blankElem{} })

		tok := e.BeginModification(cp, "s4", 1)
		idx := core.NewIndex(7)

		Expect(e.Insert(tok, idx, nil, nil)).To(Succeed())
		err = e.Insert(tok, idx, nil, nil)
		Expect(err).To(HaveOccurred())
		Expect(cmn.IsKind(err, cmn.KindInsertionRace)).To(BeTrue())

		Expect(mc.Holder.Len()).To(Equal(1))
	})
})

var _ = Describe("Engine.Insert ping-home reservation", func() {
	// spec.md §8 scenario S4: two concurrent inserts for the same index,
	// routed to a destination distinct from the index's home, race at the
	// home node's reservation; exactly one wins.
	It("admits exactly one of two concurrent same-index inserts", func() {
		cluster := sched.NewCluster(2)
		cluster.Start()
		defer cluster.Stop()
		lm, err := locmgr.New()
		Expect(err).NotTo(HaveOccurred())
		defer lm.Close()

		reg1 := collection.NewRegistry()
		cp := core.CollectionProxy(1)
		mc1 := collection.NewMetaCollection(cp, 2)
		mc1.MapObject = constHomeMap{home: 0} // home is node 0, this engine is node 1
		reg1.Register(mc1)

		dir := collection.NewDirectory()
		dir.Register(1, reg1)
		engines := insert.NewDirectory()

		epochs := sched.NewEpochService()
		e1 := insert.New(1, cluster, reg1, dir, engines, lm, nil, epochs)
		engines.Register(1, e1)
		e1.RegisterFactory(cp, func(any) core.Element { return &blankElem{} })

		tok := e1.BeginModification(cp, "s4-race", 2)
		idx := core.NewIndex(9)
		dest := 1

		var wg sync.WaitGroup
		wg.Add(2)
		for i := 0; i < 2; i++ {
			go func() {
				defer wg.Done()
				_ = e1.Insert(tok, idx, &dest, nil)
			}()
		}
		wg.Wait()

		Eventually(func() int { return mc1.Holder.Len() }, time.Second, 5*time.Millisecond).Should(Equal(1))
		Consistently(func() int { return mc1.Holder.Len() }, 50*time.Millisecond, 5*time.Millisecond).Should(Equal(1))
	})

	// same race, but neither concurrent caller is the destination (which
	// also happens to be the home here): routing must still go through
	// the home node's reservation, not skip straight to the destination,
	// or both callers would win and clobber each other.
	It("admits exactly one of two concurrent same-index inserts issued by third-party callers", func() {
		cluster := sched.NewCluster(3)
		cluster.Start()
		defer cluster.Stop()
		lm, err := locmgr.New()
		Expect(err).NotTo(HaveOccurred())
		defer lm.Close()

		cp := core.CollectionProxy(1)
		dir := collection.NewDirectory()
		engines := insert.NewDirectory()
		epochs := sched.NewEpochService()

		reg2 := collection.NewRegistry()
		mc2 := collection.NewMetaCollection(cp, 3)
		mc2.MapObject = constHomeMap{home: 2}
		reg2.Register(mc2)
		dir.Register(2, reg2)
		e2 := insert.New(2, cluster, reg2, dir, engines, lm, nil, epochs)
		engines.Register(2, e2)

		reg0 := collection.NewRegistry()
		mc0 := collection.NewMetaCollection(cp, 3)
		mc0.MapObject = constHomeMap{home: 2}
		reg0.Register(mc0)
		dir.Register(0, reg0)
		e0 := insert.New(0, cluster, reg0, dir, engines, lm, nil, epochs)
		engines.Register(0, e0)
		e0.RegisterFactory(cp, func(any) core.Element { return &blankElem{} })

		reg1 := collection.NewRegistry()
		mc1 := collection.NewMetaCollection(cp, 3)
		mc1.MapObject = constHomeMap{home: 2}
		reg1.Register(mc1)
		dir.Register(1, reg1)
		e1 := insert.New(1, cluster, reg1, dir, engines, lm, nil, epochs)
		engines.Register(1, e1)
		e1.RegisterFactory(cp, func(any) core.Element { return &blankElem{} })

		tok := e2.BeginModification(cp, "s4-third-party", 3)
		idx := core.NewIndex(11)
		dest := 2 // == home, but neither caller below is node 2

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); _ = e0.Insert(tok, idx, &dest, nil) }()
		go func() { defer wg.Done(); _ = e1.Insert(tok, idx, &dest, nil) }()
		wg.Wait()

		Eventually(func() int { return mc2.Holder.Len() }, time.Second, 5*time.Millisecond).Should(Equal(1))
		Consistently(func() int { return mc2.Holder.Len() }, 50*time.Millisecond, 5*time.Millisecond).Should(Equal(1))
	})
})

var _ = Describe("Engine.FinishModification", func() {
	// spec.md §8 scenario S6: a node with no prior elements inserts a new
	// one during a dynamic-membership window; the collectively agreed
	// minimum reduce stamp (from the node that already had a stamped
	// element) is what the new element is reconciled onto.
	It("reconciles a newly inserted element's reduce stamp onto the collective minimum", func() {
		cluster := sched.NewCluster(2)
		cluster.Start()
		defer cluster.Stop()
		lm, err := locmgr.New()
		Expect(err).NotTo(HaveOccurred())
		defer lm.Close()

		cp := core.CollectionProxy(1)
		epochs := sched.NewEpochService()
		dir := collection.NewDirectory()
		engines := insert.NewDirectory()

		reg0 := collection.NewRegistry()
		mc0 := collection.NewMetaCollection(cp, 2)
		mc0.MapObject = dim0HomeMap{}
		reg0.Register(mc0)
		dir.Register(0, reg0)
		existing := core.NewElementHolder(&blankElem{}, core.NewIndex(0), 0, "")
		existing.SetReduceStamp(5)
		Expect(mc0.Holder.Insert(existing)).To(BeTrue())
		e0 := insert.New(0, cluster, reg0, dir, engines, lm, nil, epochs)
		engines.Register(0, e0)

		reg1 := collection.NewRegistry()
		mc1 := collection.NewMetaCollection(cp, 2)
		mc1.MapObject = dim0HomeMap{}
		reg1.Register(mc1)
		dir.Register(1, reg1)
		e1 := insert.New(1, cluster, reg1, dir, engines, lm, nil, epochs)
		engines.Register(1, e1)
		e1.RegisterFactory(cp, func(any) core.Element { return &blankElem{} })

		tok := e0.BeginModification(cp, "s6", 2)
		Expect(e1.Insert(tok, core.NewIndex(1), nil, nil)).To(Succeed())

		newEh := mc1.Holder.Lookup(core.NewIndex(1))
		Expect(newEh).NotTo(BeNil())
		Expect(newEh.ReduceStamp()).To(Equal(uint64(0)), "sentinel stamp before reconciliation")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); Expect(e0.FinishModification(tok, 2)).To(Succeed()) }()
		go func() { defer wg.Done(); Expect(e1.FinishModification(tok, 2)).To(Succeed()) }()
		wg.Wait()

		Expect(newEh.ReduceStamp()).To(Equal(uint64(5)))
		Expect(mc0.LastEpochStamp()).To(Equal(uint64(5)))
		Expect(mc1.LastEpochStamp()).To(Equal(uint64(5)))
	})

	// spec.md §8 scenario S6, the literal case: every index in the epoch
	// is a brand-new insert, so no node has a pre-existing stamped
	// element to reconcile against. Invariant 2 (spec.md §8) still
	// requires the agreed stamp to be > 0.
	It("assigns a stamp greater than zero when every element in the epoch is newly inserted", func() {
		cluster := sched.NewCluster(2)
		cluster.Start()
		defer cluster.Stop()
		lm, err := locmgr.New()
		Expect(err).NotTo(HaveOccurred())
		defer lm.Close()

		cp := core.CollectionProxy(1)
		epochs := sched.NewEpochService()
		dir := collection.NewDirectory()
		engines := insert.NewDirectory()

		reg0 := collection.NewRegistry()
		mc0 := collection.NewMetaCollection(cp, 2)
		mc0.MapObject = dim0HomeMap{}
		reg0.Register(mc0)
		dir.Register(0, reg0)
		e0 := insert.New(0, cluster, reg0, dir, engines, lm, nil, epochs)
		engines.Register(0, e0)
		e0.RegisterFactory(cp, func(any) core.Element { return &blankElem{} })

		reg1 := collection.NewRegistry()
		mc1 := collection.NewMetaCollection(cp, 2)
		mc1.MapObject = dim0HomeMap{}
		reg1.Register(mc1)
		dir.Register(1, reg1)
		e1 := insert.New(1, cluster, reg1, dir, engines, lm, nil, epochs)
		engines.Register(1, e1)
		e1.RegisterFactory(cp, func(any) core.Element { return &blankElem{} })

		tok := e0.BeginModification(cp, "s6-all-new", 2)
		Expect(e0.Insert(tok, core.NewIndex(0), nil, nil)).To(Succeed())
		Expect(e1.Insert(tok, core.NewIndex(1), nil, nil)).To(Succeed())

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); Expect(e0.FinishModification(tok, 2)).To(Succeed()) }()
		go func() { defer wg.Done(); Expect(e1.FinishModification(tok, 2)).To(Succeed()) }()
		wg.Wait()

		eh0 := mc0.Holder.Lookup(core.NewIndex(0))
		eh1 := mc1.Holder.Lookup(core.NewIndex(1))
		Expect(eh0).NotTo(BeNil())
		Expect(eh1).NotTo(BeNil())
		Expect(eh0.ReduceStamp()).To(BeNumerically(">", 0))
		Expect(eh0.ReduceStamp()).To(Equal(eh1.ReduceStamp()))
		Expect(mc0.LastEpochStamp()).To(Equal(eh0.ReduceStamp()))
	})
})

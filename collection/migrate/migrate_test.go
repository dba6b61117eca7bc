package migrate_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/arkscale/vt/cmn"
	"github.com/arkscale/vt/collection"
	"github.com/arkscale/vt/collection/migrate"
	"github.com/arkscale/vt/core"
	"github.com/arkscale/vt/locmgr"
	"github.com/arkscale/vt/sched"
)

func TestMigrate(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, t.Name())
}

type constMap struct{ node int }

func (m constMap) Map(core.Index, int, int) int { return m.node }

// syncTransport runs Post's closure inline, before Post itself returns --
// the worst case for ordering the source's Deregister against the
// destination's Register, since nothing about a real async transport can
// deliver any faster than that.
type syncTransport struct{}

func (syncTransport) Post(_ int, fn func()) error {
	fn()
	return nil
}

type tagElem struct{ Tag int }

func (e *tagElem) MarshalMsg(b []byte) ([]byte, error) {
	return append(b, byte(e.Tag)), nil
}
func (e *tagElem) UnmarshalMsg(bts []byte) ([]byte, error) {
	if len(bts) == 0 {
		return bts, nil
	}
	e.Tag = int(bts[0])
	return bts[1:], nil
}

var _ = Describe("Engine.MigrateOut", func() {
	It("rejects migrating to the current node with MigrationNoOp", func() {
		cluster := sched.NewCluster(1)
		cluster.Start()
		defer cluster.Stop()
		lm, err := locmgr.New()
		Expect(err).NotTo(HaveOccurred())
		defer lm.Close()

		reg := collection.NewRegistry()
		cp := core.CollectionProxy(1)
		mc := collection.NewMetaCollection(cp, 1)
		reg.Register(mc)
		dir := collection.NewDirectory()
		dir.Register(0, reg)

		e := migrate.New(0, cluster, reg, dir, lm, nil, migrate.NewFactoryRegistry(), false)
		err = e.MigrateOut(cp, core.NewIndex(0), 0)
		Expect(cmn.IsKind(err, cmn.KindMigrationNoOp)).To(BeTrue())
	})

	// spec.md §8 scenario S3's migration leg in isolation: moving an
	// element from its owner to another node hands the destination its
	// own deserialized copy and updates the location manager to point at
	// the new owner, not the old one.
	It("delivers the element to the destination node and updates its location", func() {
		cluster := sched.NewCluster(2)
		cluster.Start()
		defer cluster.Stop()
		lm, err := locmgr.New()
		Expect(err).NotTo(HaveOccurred())
		defer lm.Close()

		cp := core.CollectionProxy(1)
		dir := collection.NewDirectory()
		factories := migrate.NewFactoryRegistry()
		factories.Register(cp, func() core.Element { return &tagElem{} })

		regSrc := collection.NewRegistry()
		mcSrc := collection.NewMetaCollection(cp, 2)
		mcSrc.MapObject = constMap{node: 0}
		regSrc.Register(mcSrc)
		dir.Register(0, regSrc)
		eh := core.NewElementHolder(&tagElem{Tag: 42}, core.NewIndex(5), 0, "")
		Expect(mcSrc.Holder.Insert(eh)).To(BeTrue())
		srcKey := core.NewElementProxy(cp, core.NewIndex(5)).Key()
		lm.Register(srcKey, 0)

		regDst := collection.NewRegistry()
		mcDst := collection.NewMetaCollection(cp, 2)
		mcDst.MapObject = constMap{node: 0}
		regDst.Register(mcDst)
		dir.Register(1, regDst)

		eng := migrate.New(0, cluster, regSrc, dir, lm, nil, factories, false)
		Expect(eng.MigrateOut(cp, core.NewIndex(5), 1)).To(Succeed())

		Eventually(func() bool { return mcDst.Holder.Exists(core.NewIndex(5)) },
			time.Second, 5*time.Millisecond).Should(BeTrue())

		got := mcDst.Holder.Lookup(core.NewIndex(5))
		Expect(got).NotTo(BeNil())
		Expect(got.Elem.(*tagElem).Tag).To(Equal(42))

		Expect(mcSrc.Holder.Exists(core.NewIndex(5))).To(BeFalse())

		node, ok := lm.Lookup(srcKey)
		Expect(ok).To(BeTrue())
		Expect(node).To(Equal(1))
	})

	// the source must deregister the old location before posting to the
	// destination, never after: deliverIn's Register has no ordering
	// guarantee relative to the rest of MigrateOut beyond "happens as a
	// consequence of the Post call", so a Deregister issued after Post
	// could race in and wipe out a destination that registered first. A
	// synchronous transport makes that race land every time a reordering
	// regresses, rather than only under unlucky scheduling.
	It("never lets the source's deregister race past the destination's register", func() {
		lm, err := locmgr.New()
		Expect(err).NotTo(HaveOccurred())
		defer lm.Close()

		cp := core.CollectionProxy(1)
		dir := collection.NewDirectory()
		factories := migrate.NewFactoryRegistry()
		factories.Register(cp, func() core.Element { return &tagElem{} })

		regSrc := collection.NewRegistry()
		mcSrc := collection.NewMetaCollection(cp, 2)
		mcSrc.MapObject = constMap{node: 0}
		regSrc.Register(mcSrc)
		dir.Register(0, regSrc)
		eh := core.NewElementHolder(&tagElem{Tag: 7}, core.NewIndex(3), 0, "")
		Expect(mcSrc.Holder.Insert(eh)).To(BeTrue())
		key := core.NewElementProxy(cp, core.NewIndex(3)).Key()
		lm.Register(key, 0)

		regDst := collection.NewRegistry()
		mcDst := collection.NewMetaCollection(cp, 2)
		mcDst.MapObject = constMap{node: 0}
		regDst.Register(mcDst)
		dir.Register(1, regDst)

		eng := migrate.New(0, syncTransport{}, regSrc, dir, lm, nil, factories, false)
		Expect(eng.MigrateOut(cp, core.NewIndex(3), 1)).To(Succeed())

		node, ok := lm.Lookup(key)
		Expect(ok).To(BeTrue())
		Expect(node).To(Equal(1))
	})

	It("refuses to migrate the only element when keep-last is configured", func() {
		cluster := sched.NewCluster(2)
		cluster.Start()
		defer cluster.Stop()
		lm, err := locmgr.New()
		Expect(err).NotTo(HaveOccurred())
		defer lm.Close()

		cp := core.CollectionProxy(1)
		reg := collection.NewRegistry()
		mc := collection.NewMetaCollection(cp, 2)
		mc.MapObject = constMap{node: 0}
		reg.Register(mc)
		dir := collection.NewDirectory()
		dir.Register(0, reg)
		Expect(mc.Holder.Insert(core.NewElementHolder(&tagElem{}, core.NewIndex(0), 0, ""))).To(BeTrue())

		e := migrate.New(0, cluster, reg, dir, lm, nil, migrate.NewFactoryRegistry(), true)
		err = e.MigrateOut(cp, core.NewIndex(0), 1)
		Expect(cmn.IsKind(err, cmn.KindMigrationNoOp)).To(BeTrue())
		Expect(mc.Holder.Exists(core.NewIndex(0))).To(BeTrue())
	})
})

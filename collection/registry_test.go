package collection_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/arkscale/vt/cmn"
	"github.com/arkscale/vt/collection"
	"github.com/arkscale/vt/core"
	"github.com/arkscale/vt/core/meta"
)

var _ = Describe("Registry", func() {
	It("returns ProxyMissing for an unregistered proxy", func() {
		r := collection.NewRegistry()
		_, err := r.MustGet(core.CollectionProxy(999))
		Expect(cmn.IsKind(err, cmn.KindProxyMissing)).To(BeTrue())
	})

	It("round-trips a registered MetaCollection", func() {
		r := collection.NewRegistry()
		mc := collection.NewMetaCollection(core.CollectionProxy(1), 4)
		r.Register(mc)
		got, err := r.MustGet(core.CollectionProxy(1))
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(BeIdenticalTo(mc))
	})

	It("runs cleanup closures and destroys the holder on Destroy", func() {
		r := collection.NewRegistry()
		mc := collection.NewMetaCollection(core.CollectionProxy(1), 1)
		ran := false
		mc.AddCleanup(func() { ran = true })
		r.Register(mc)
		r.Destroy(core.CollectionProxy(1))
		Expect(ran).To(BeTrue())
		Expect(mc.Holder.Destroyed()).To(BeTrue())
		_, ok := r.Get(core.CollectionProxy(1))
		Expect(ok).To(BeFalse())
	})

	It("TeardownAll destroys every registered collection", func() {
		r := collection.NewRegistry()
		r.Register(collection.NewMetaCollection(core.CollectionProxy(1), 1))
		r.Register(collection.NewMetaCollection(core.CollectionProxy(2), 1))
		r.TeardownAll()
		Expect(r.Len()).To(Equal(0))
	})
})

var _ = Describe("MetaCollection.Map", func() {
	It("returns MapInvalid when neither a map handle nor a map object was configured", func() {
		mc := collection.NewMetaCollection(core.CollectionProxy(1), 2)
		reg := meta.NewMapRegistry()
		_, err := mc.Map(reg, core.NewIndex(0))
		Expect(cmn.IsKind(err, cmn.KindMapInvalid)).To(BeTrue())
	})

	It("resolves through a registered map handle", func() {
		mc := collection.NewMetaCollection(core.CollectionProxy(1), 4)
		mc.Bounds = core.DenseIndex{8}
		mc.MapHandle = meta.HandleBlockMap
		reg := meta.NewMapRegistry()
		node, err := mc.Map(reg, core.NewIndex(3))
		Expect(err).NotTo(HaveOccurred())
		Expect(node).To(Equal(1))
	})

	It("resolves through a map object when configured instead of a handle", func() {
		mc := collection.NewMetaCollection(core.CollectionProxy(1), 4)
		mc.MapObject = constMapObject(2)
		reg := meta.NewMapRegistry()
		node, err := mc.Map(reg, core.NewIndex(0))
		Expect(err).NotTo(HaveOccurred())
		Expect(node).To(Equal(2))
	})

	It("advances a monotone per-collection broadcast epoch", func() {
		mc := collection.NewMetaCollection(core.CollectionProxy(1), 1)
		Expect(mc.NextBcastEpoch()).To(Equal(uint64(1)))
		Expect(mc.NextBcastEpoch()).To(Equal(uint64(2)))
	})
})

type constMapObject int

func (c constMapObject) Map(core.Index, int, int) int { return int(c) }

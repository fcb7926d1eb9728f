package registry_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/comfylb/balancer/errs"
	"github.com/comfylb/balancer/registry"
)

var _ = Describe("Registry", func() {
	var reg *registry.Registry

	BeforeEach(func() {
		reg = registry.New(nil)
	})

	It("rejects a duplicate name with NameConflict", func() {
		_, err := reg.Add(registry.Backend{Name: "comfy-1", Host: "h", Port: 8188, Enabled: true})
		Expect(err).NotTo(HaveOccurred())

		_, err = reg.Add(registry.Backend{Name: "comfy-1", Host: "h2", Port: 8188, Enabled: true})
		Expect(err).To(HaveOccurred())
		kind, _ := errs.KindOf(err)
		Expect(kind).To(Equal(errs.NameConflict))
	})

	It("defaults weight and max_queue to 1", func() {
		b, err := reg.Add(registry.Backend{Name: "comfy-1", Enabled: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(b.Weight).To(Equal(1))
		Expect(b.MaxQueue).To(Equal(1))
		Expect(b.Status).To(Equal(registry.Unknown))
	})

	It("refuses to remove an enabled backend with BackendBusy", func() {
		_, _ = reg.Add(registry.Backend{Name: "comfy-1", Enabled: true})
		err := reg.Remove("comfy-1")
		Expect(err).To(HaveOccurred())
		kind, _ := errs.KindOf(err)
		Expect(kind).To(Equal(errs.BackendBusy))
	})

	It("refuses to remove a disabled but undrained backend", func() {
		reg.Add(registry.Backend{Name: "comfy-1", Enabled: true, MaxQueue: 2})
		reg.Reserve("comfy-1")
		reg.Disable("comfy-1")

		err := reg.Remove("comfy-1")
		Expect(err).To(HaveOccurred())
		kind, _ := errs.KindOf(err)
		Expect(kind).To(Equal(errs.BackendBusy))
	})

	It("removes a disabled, drained backend", func() {
		reg.Add(registry.Backend{Name: "comfy-1", Enabled: true})
		reg.Disable("comfy-1")
		Expect(reg.Remove("comfy-1")).To(Succeed())

		_, err := reg.Get("comfy-1")
		Expect(err).To(HaveOccurred())
	})

	It("enforces reserved+pending+running <= max_queue on Reserve", func() {
		reg.Add(registry.Backend{Name: "comfy-1", Enabled: true, MaxQueue: 1})

		b, err := reg.Reserve("comfy-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(b.Reserved).To(Equal(1))

		_, err = reg.Reserve("comfy-1")
		Expect(err).To(HaveOccurred())
		kind, _ := errs.KindOf(err)
		Expect(kind).To(Equal(errs.NoCapacity))
	})

	It("moves charge from reserved to pending on ConfirmDispatch", func() {
		reg.Add(registry.Backend{Name: "comfy-1", Enabled: true, MaxQueue: 2})
		reg.Reserve("comfy-1")
		reg.ConfirmDispatch("comfy-1")

		b, _ := reg.Get("comfy-1")
		Expect(b.Reserved).To(Equal(0))
		Expect(b.Pending).To(Equal(1))
	})

	It("transitions unknown to healthy once consecutive_ok reaches the threshold", func() {
		reg.Add(registry.Backend{Name: "comfy-1", Enabled: true})

		before, after, err := reg.RecordProbe("comfy-1", true, 2, 3, 0, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(before).To(Equal(registry.Unknown))
		Expect(after).To(Equal(registry.Unknown)) // threshold not yet met

		_, after, _ = reg.RecordProbe("comfy-1", true, 2, 3, 0, 0)
		Expect(after).To(Equal(registry.Healthy))
	})

	It("transitions healthy to unhealthy once consecutive_fail reaches the threshold", func() {
		reg.Add(registry.Backend{Name: "comfy-1", Enabled: true})
		reg.RecordProbe("comfy-1", true, 1, 2, 0, 0)

		b, _ := reg.Get("comfy-1")
		Expect(b.Status).To(Equal(registry.Healthy))

		reg.RecordProbe("comfy-1", false, 1, 2, 0, 0)
		_, after, _ := reg.RecordProbe("comfy-1", false, 1, 2, 0, 0)
		Expect(after).To(Equal(registry.Unhealthy))
	})

	It("returns backends from Snapshot in stable insertion order", func() {
		reg.Add(registry.Backend{Name: "b", Enabled: true})
		reg.Add(registry.Backend{Name: "a", Enabled: true})
		reg.Add(registry.Backend{Name: "c", Enabled: true})

		names := []string{}
		for _, b := range reg.Snapshot() {
			names = append(names, b.Name)
		}
		Expect(names).To(Equal([]string{"b", "a", "c"}))
	})
})

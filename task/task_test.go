package task_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/comfylb/balancer/errs"
	"github.com/comfylb/balancer/task"
)

var _ = Describe("Store", func() {
	var store *task.Store

	BeforeEach(func() {
		store = task.NewStore(2)
	})

	It("creates distinct task ids for identical payloads (no dedup)", func() {
		t1, err := store.Create([]byte(`{"prompt":1}`), "client-a")
		Expect(err).NotTo(HaveOccurred())
		t2, err := store.Create([]byte(`{"prompt":1}`), "client-a")
		Expect(err).NotTo(HaveOccurred())
		Expect(t1.ID).NotTo(Equal(t2.ID))
		Expect(t1.State).To(Equal(task.Pending))
	})

	It("fails with QueueFull once max_size live tasks are held", func() {
		_, err := store.Create([]byte("a"), "c")
		Expect(err).NotTo(HaveOccurred())
		_, err = store.Create([]byte("b"), "c")
		Expect(err).NotTo(HaveOccurred())

		_, err = store.Create([]byte("c"), "c")
		Expect(err).To(HaveOccurred())
		kind, ok := errs.KindOf(err)
		Expect(ok).To(BeTrue())
		Expect(kind).To(Equal(errs.QueueFull))
	})

	It("allows Create again once a task reaches a terminal state", func() {
		t1, err := store.Create([]byte("a"), "c")
		Expect(err).NotTo(HaveOccurred())
		_, err = store.Create([]byte("b"), "c")
		Expect(err).NotTo(HaveOccurred())

		_, err = store.Cancel(t1.ID)
		Expect(err).NotTo(HaveOccurred())

		_, err = store.Create([]byte("c"), "c")
		Expect(err).NotTo(HaveOccurred())
	})

	It("walks the full happy-path lifecycle and indexes by upstream id", func() {
		t1, _ := store.Create([]byte("a"), "client-a")

		_, err := store.Transition(t1.ID, task.Dispatching)
		Expect(err).NotTo(HaveOccurred())

		dispatched, err := store.Transition(t1.ID, task.Dispatched,
			task.WithBackendAssignment("comfy-1", "prompt-123"))
		Expect(err).NotTo(HaveOccurred())
		Expect(dispatched.AssignedBackend).To(Equal("comfy-1"))
		Expect(dispatched.UpstreamPromptID).To(Equal("prompt-123"))

		found, err := store.ByUpstream("comfy-1", "prompt-123")
		Expect(err).NotTo(HaveOccurred())
		Expect(found.ID).To(Equal(t1.ID))

		done, err := store.Transition(t1.ID, task.Completed)
		Expect(err).NotTo(HaveOccurred())
		Expect(done.State).To(Equal(task.Completed))

		// A stale lookup after completion is a miss — the dispatcher's
		// terminal-transition path already consumed this pair.
		_, err = store.ByUpstream("comfy-1", "prompt-123")
		Expect(err).To(HaveOccurred())
	})

	It("rejects illegal transitions without mutating the task", func() {
		t1, _ := store.Create([]byte("a"), "client-a")

		_, err := store.Transition(t1.ID, task.Completed)
		Expect(err).To(HaveOccurred())
		kind, _ := errs.KindOf(err)
		Expect(kind).To(Equal(errs.InvalidTransition))

		reread, err := store.Get(t1.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(reread.State).To(Equal(task.Pending))
	})

	It("treats a redundant terminal transition as a no-op", func() {
		t1, _ := store.Create([]byte("a"), "client-a")
		_, _ = store.Transition(t1.ID, task.Dispatching)
		_, _ = store.Transition(t1.ID, task.Dispatched, task.WithBackendAssignment("b", "p1"))
		_, err := store.Transition(t1.ID, task.Completed)
		Expect(err).NotTo(HaveOccurred())

		again, err := store.Transition(t1.ID, task.Completed)
		Expect(err).NotTo(HaveOccurred())
		Expect(again.State).To(Equal(task.Completed))
	})

	It("makes cancelling a terminal task a no-op that succeeds", func() {
		t1, _ := store.Create([]byte("a"), "client-a")
		_, _ = store.Transition(t1.ID, task.Dispatching)
		_, _ = store.Transition(t1.ID, task.Failed)

		cancelled, err := store.Cancel(t1.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(cancelled.State).To(Equal(task.Failed)) // unchanged, not forced to Cancelled
	})

	It("supports re-queue from dispatched back to pending with attempt tracking", func() {
		t1, _ := store.Create([]byte("a"), "client-a")
		_, _ = store.Transition(t1.ID, task.Dispatching)
		_, _ = store.Transition(t1.ID, task.Dispatched, task.WithBackendAssignment("b", "p1"))

		requeued, err := store.Transition(t1.ID, task.Pending,
			task.WithAttemptIncrement(),
			task.WithError(errs.BackendLost, "backend b went unhealthy"))
		Expect(err).NotTo(HaveOccurred())
		Expect(requeued.Attempts).To(Equal(1))
		Expect(requeued.LastErrorKind).To(Equal(errs.BackendLost))

		// The original CreatedAt is preserved — re-queue keeps original
		// timestamp per spec.md §5's documented default policy.
		Expect(requeued.CreatedAt).To(Equal(t1.CreatedAt))
	})
})

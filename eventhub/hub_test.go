package eventhub_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/comfylb/balancer/backend"
	"github.com/comfylb/balancer/eventhub"
	"github.com/comfylb/balancer/registry"
	"github.com/comfylb/balancer/task"
)

type fakeCompleter struct {
	calls []string
}

func (f *fakeCompleter) CompleteUpstream(backendName, promptID string, success bool, message string) {
	f.calls = append(f.calls, backendName+"/"+promptID)
}

func frame(backendName, kind, promptID string) backend.Frame {
	raw, _ := json.Marshal(map[string]any{
		"type": kind,
		"data": map[string]any{"prompt_id": promptID},
	})
	return backend.Frame{Backend: backendName, Type: kind, PromptID: promptID, Raw: raw}
}

var _ = Describe("Hub", func() {
	It("rewrites the upstream prompt id to the task id and fans out to the matching client", func() {
		store := task.NewStore(10)
		t, _ := store.Create([]byte("{}"), "client-a")
		store.Transition(t.ID, task.Dispatching)
		store.Transition(t.ID, task.Dispatched, task.WithBackendAssignment("comfy-1", "up-1"))

		completer := &fakeCompleter{}
		hub := eventhub.New(store, completer, nil)

		frames, unregister := hub.Register("client-a", "")
		defer unregister()

		hub.HandleFrame(frame("comfy-1", "progress", "up-1"))

		received := <-frames
		var envelope struct {
			Data struct {
				PromptID string `json:"prompt_id"`
			} `json:"data"`
		}
		Expect(json.Unmarshal(received, &envelope)).To(Succeed())
		Expect(envelope.Data.PromptID).To(Equal(t.ID))
	})

	It("mirrors a terminal frame into the Dispatcher completion path", func() {
		store := task.NewStore(10)
		t, _ := store.Create([]byte("{}"), "client-a")
		store.Transition(t.ID, task.Dispatching)
		store.Transition(t.ID, task.Dispatched, task.WithBackendAssignment("comfy-1", "up-1"))

		completer := &fakeCompleter{}
		hub := eventhub.New(store, completer, nil)

		hub.HandleFrame(frame("comfy-1", "execution_success", "up-1"))
		Expect(completer.calls).To(ConsistOf("comfy-1/up-1"))
	})

	It("promotes a backend's pending count to running on the first executing frame, once only", func() {
		store := task.NewStore(10)
		t, _ := store.Create([]byte("{}"), "client-a")
		store.Transition(t.ID, task.Dispatching)
		store.Transition(t.ID, task.Dispatched, task.WithBackendAssignment("comfy-1", "up-1"))

		reg := registry.New(nil)
		reg.Add(registry.Backend{Name: "comfy-1", Enabled: true, MaxQueue: 2})
		reg.ConfirmDispatch("comfy-1") // backend now shows one Pending task

		hub := eventhub.New(store, &fakeCompleter{}, reg)

		hub.HandleFrame(frame("comfy-1", "executing", "up-1"))
		hub.HandleFrame(frame("comfy-1", "executing", "up-1")) // second node executing; must not double-promote

		b, err := reg.Get("comfy-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(b.Pending).To(Equal(0))
		Expect(b.Running).To(Equal(1))
	})

	It("does not fan out frames to a client with no subscription", func() {
		store := task.NewStore(10)
		t, _ := store.Create([]byte("{}"), "client-a")
		store.Transition(t.ID, task.Dispatching)
		store.Transition(t.ID, task.Dispatched, task.WithBackendAssignment("comfy-1", "up-1"))

		hub := eventhub.New(store, &fakeCompleter{}, nil)
		frames, unregister := hub.Register("someone-else", "")
		defer unregister()

		hub.HandleFrame(frame("comfy-1", "progress", "up-1"))

		Consistently(frames).ShouldNot(Receive())
	})
})

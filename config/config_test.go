package config_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/comfylb/balancer/config"
)

func writeTempConfig(contents string) string {
	dir := GinkgoT().TempDir()
	path := filepath.Join(dir, "config.yaml")
	Expect(os.WriteFile(path, []byte(contents), 0o644)).To(Succeed())
	return path
}

var _ = Describe("Load", func() {
	It("returns an error when the file does not exist", func() {
		_, err := config.Load(filepath.Join(GinkgoT().TempDir(), "missing.yaml"))
		Expect(err).To(HaveOccurred())
	})

	It("fills in defaults for fields the document leaves out", func() {
		path := writeTempConfig("server:\n  port: 9000\n")
		cfg, err := config.Load(path)
		Expect(err).NotTo(HaveOccurred())

		Expect(cfg.Server.Port).To(Equal(9000))
		Expect(cfg.Scheduler.Strategy).To(Equal("least_busy"))
		Expect(cfg.Scheduler.PreferIdle).To(BeFalse())
		Expect(cfg.HealthCheck.HealthyThreshold).To(Equal(1))
		Expect(cfg.HealthCheck.UnhealthyThreshold).To(Equal(3))
		Expect(cfg.Queue.MaxSize).To(Equal(1000))
		Expect(cfg.Queue.MaxRetries).To(Equal(3))
	})

	It("parses a full backend list and applies per-backend defaults", func() {
		path := writeTempConfig(`
server:
  host: 0.0.0.0
  port: 8188
scheduler:
  strategy: weighted
  prefer_idle: true
health_check:
  interval: 10s
  timeout: 2s
  unhealthy_threshold: 2
  healthy_threshold: 2
queue:
  max_size: 50
  retry_interval: 1s
  max_retries: 5
backends:
  - name: comfy-1
    host: 10.0.0.1
    port: 8188
    enabled: true
  - name: comfy-2
    host: 10.0.0.2
    port: 8188
    weight: 3
    max_queue: 4
    enabled: false
`)
		cfg, err := config.Load(path)
		Expect(err).NotTo(HaveOccurred())

		Expect(cfg.Scheduler.Strategy).To(Equal("weighted"))
		Expect(cfg.Scheduler.PreferIdle).To(BeTrue())
		Expect(cfg.HealthCheck.UnhealthyThreshold).To(Equal(2))
		Expect(cfg.Queue.MaxSize).To(Equal(50))

		Expect(cfg.Backends).To(HaveLen(2))
		Expect(cfg.Backends[0].Weight).To(Equal(1))    // default applied
		Expect(cfg.Backends[0].MaxQueue).To(Equal(1))  // default applied
		Expect(cfg.Backends[1].Weight).To(Equal(3))
		Expect(cfg.Backends[1].MaxQueue).To(Equal(4))
		Expect(cfg.Backends[1].Enabled).To(BeFalse())
	})

	It("rejects an unknown scheduler strategy", func() {
		path := writeTempConfig("scheduler:\n  strategy: fastest\n")
		_, err := config.Load(path)
		Expect(err).To(MatchError(ContainSubstring("unknown scheduler strategy")))
	})

	It("rejects duplicate backend names", func() {
		path := writeTempConfig(`
backends:
  - name: comfy-1
    enabled: true
  - name: comfy-1
    enabled: true
`)
		_, err := config.Load(path)
		Expect(err).To(MatchError(ContainSubstring("duplicate backend name")))
	})

	It("rejects malformed YAML", func() {
		path := writeTempConfig("server: [this is not a map\n")
		_, err := config.Load(path)
		Expect(err).To(HaveOccurred())
	})
})

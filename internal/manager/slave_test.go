package manager_test

import (
	"context"
	"errors"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"cloudslave/internal/config"
	"cloudslave/internal/manager"
	"cloudslave/internal/provisioning"
)

var _ = Describe("Slave", func() {
	var (
		ctx context.Context
		f   *cloudFixture
	)

	BeforeEach(func() {
		ctx = context.Background()
		f = newCloudFixture()
	})

	firstSlave := func() *manager.Slave {
		r, err := f.cloud.CreateReservation(ctx, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Start(ctx)).To(Succeed())
		slaves, err := r.Slaves(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(slaves).To(HaveLen(1))
		return slaves[0]
	}

	Context("IP", func() {
		BeforeEach(func() {
			f.client.Networks = []provisioning.Network{
				{Name: "net", Addresses: []string{"10.0.0.5", "10.0.0.6", "203.0.113.5"}},
				{Name: "other", Addresses: []string{"192.168.1.1"}},
			}
		})

		It("uses the first address without a floating IP", func() {
			ip, err := firstSlave().IP(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ip).To(Equal("10.0.0.5"))
		})

		DescribeTable("uses the last address of the first network with a floating IP",
			func(mode config.FloatingIPMode) {
				client := f.client
				f = newCloudFixture(func(c *config.Cloud) { c.FloatingIPMode = mode })
				f.client.Networks = client.Networks

				slave := firstSlave()
				ip, err := slave.IP(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(ip).To(Equal("203.0.113.5"))
				Expect(slave.Record().FloatingIP).To(Equal("203.0.113.5"))
			},
			Entry("needs assignment", config.FloatingIPNeedsAssignment),
			Entry("auto assigned", config.FloatingIPAutoAssigned),
		)

		It("caches the address", func() {
			slave := firstSlave()
			_, err := slave.IP(ctx)
			Expect(err).NotTo(HaveOccurred())
			_, err = slave.IP(ctx)
			Expect(err).NotTo(HaveOccurred())

			_, gets, _ := f.client.Calls()
			Expect(gets).To(HaveLen(1))
		})

		It("fails while the instance has no addresses", func() {
			f.client.Networks = nil
			_, err := firstSlave().IP(ctx)
			Expect(err).To(MatchError(manager.ErrNoNetworks))
		})
	})

	Context("Delete", func() {
		It("succeeds for an instance the provider no longer knows", func() {
			slave := firstSlave()
			f.client.Forget(slave.Record().CloudNodeID)

			Expect(slave.Delete(ctx)).To(Succeed())
			slaves, err := f.store.ListSlaves(ctx, slave.Record().ReservationID)
			Expect(err).NotTo(HaveOccurred())
			Expect(slaves).To(BeEmpty())
		})

		It("keeps the record when the provider refuses", func() {
			slave := firstSlave()
			f.client.DeleteErr = errProvider

			err := slave.Delete(ctx)
			var perr *manager.ProviderError
			Expect(errors.As(err, &perr)).To(BeTrue())

			slaves, err := f.store.ListSlaves(ctx, slave.Record().ReservationID)
			Expect(err).NotTo(HaveOccurred())
			Expect(slaves).To(HaveLen(1))
		})
	})

	It("persists the polled status", func() {
		slave := firstSlave()
		f.client.SetAllStatuses(provisioning.StatusActive)

		status, err := slave.UpdateState(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(provisioning.StatusActive))

		slaves, err := f.store.ListSlaves(ctx, slave.Record().ReservationID)
		Expect(err).NotTo(HaveOccurred())
		Expect(slaves[0].State).To(Equal(provisioning.StatusActive))
	})

	Context("RunCommand", func() {
		It("yields output chunks in order and calls the callback", func() {
			f.dialer.Controller.Chunks = []string{"hello ", "world\n", "bye"}
			slave := firstSlave()

			var seen []string
			var got strings.Builder
			for chunk, err := range slave.RunCommand(ctx, "echo hello",
				manager.WithOutputCallback(func(b []byte) { seen = append(seen, string(b)) })) {
				Expect(err).NotTo(HaveOccurred())
				got.Write(chunk)
			}

			Expect(got.String()).To(Equal("hello world\nbye"))
			Expect(strings.Join(seen, "")).To(Equal("hello world\nbye"))
			Expect(f.dialer.Controller.Commands).To(Equal([]string{"echo hello"}))
			Expect(f.dialer.Controller.IsClosed()).To(BeTrue())
		})

		It("dials the slave with the cloud keypair and user", func() {
			slave := firstSlave()
			_, err := slave.Output(ctx, "true")
			Expect(err).NotTo(HaveOccurred())

			kp, err := f.cloud.KeyPair(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(f.dialer.Configs).To(HaveLen(1))
			cfg := f.dialer.Configs[0]
			Expect(cfg.Host).To(Equal("10.0.0.5"))
			Expect(cfg.User).To(Equal("ubuntu"))
			Expect(cfg.PrivateKey).To(Equal(kp.PrivateKey))
			Expect(cfg.InstanceName).To(Equal(slave.Name()))
		})

		It("passes input to the command", func() {
			slave := firstSlave()
			_, err := slave.Output(ctx, "cat", manager.WithInput([]byte("payload")))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(f.dialer.Controller.Input)).To(Equal("payload"))
		})

		It("ends with a CommandExecutionError on a non-zero exit", func() {
			f.dialer.Controller.Chunks = []string{"partial"}
			f.dialer.Controller.ExitStatus = 3
			slave := firstSlave()

			out, err := slave.Output(ctx, "false")
			Expect(out).To(Equal("partial"))
			var cerr *manager.CommandExecutionError
			Expect(errors.As(err, &cerr)).To(BeTrue())
			Expect(cerr.ExitStatus).To(Equal(3))
			Expect(cerr.Command).To(Equal("false"))
			Expect(cerr.Slave).To(Equal(slave.Name()))
		})

		It("yields a chunk before the command finishes", func() {
			gate := make(chan struct{})
			f.dialer.Controller.Chunks = []string{"first", "second"}
			f.dialer.Controller.Gate = gate
			slave := firstSlave()

			var got []string
			for chunk, err := range slave.RunCommand(ctx, "stream") {
				Expect(err).NotTo(HaveOccurred())
				got = append(got, string(chunk))
				if len(got) == 1 {
					close(gate)
				}
			}
			Expect(strings.Join(got, "")).To(Equal("firstsecond"))
		})

		It("closes the session when the consumer stops early", func() {
			gate := make(chan struct{})
			f.dialer.Controller.Chunks = []string{"first", "second"}
			f.dialer.Controller.Gate = gate
			slave := firstSlave()

			for chunk, err := range slave.RunCommand(ctx, "stream") {
				Expect(err).NotTo(HaveOccurred())
				Expect(string(chunk)).To(Equal("first"))
				break
			}
			Expect(f.dialer.Controller.IsClosed()).To(BeTrue())
		})

		It("reports dial failures", func() {
			f.dialer.Err = errProvider
			slave := firstSlave()

			_, err := slave.Output(ctx, "true")
			Expect(err).To(MatchError(errProvider))
		})
	})

	It("fetches remote paths over the controller", func() {
		slave := firstSlave()
		Expect(slave.Fetch(ctx, "/var/log/syslog", "/tmp/syslog")).To(Succeed())
		Expect(f.dialer.Controller.SyncCalls).To(Equal([][2]string{{"/var/log/syslog", "/tmp/syslog"}}))
		Expect(f.dialer.Controller.IsClosed()).To(BeTrue())
	})
})

package manager_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"cloudslave/internal/config"
	"cloudslave/internal/manager"
	"cloudslave/internal/model"
	"cloudslave/internal/provisioning"
)

var _ = Describe("Reservation", func() {
	var (
		ctx context.Context
		f   *cloudFixture
	)

	BeforeEach(func() {
		ctx = context.Background()
		f = newCloudFixture()
	})

	start := func(n int) *manager.Reservation {
		r, err := f.cloud.CreateReservation(ctx, n)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Start(ctx)).To(Succeed())
		return r
	}

	storedSlaves := func(r *manager.Reservation) []model.Slave {
		slaves, err := f.store.ListSlaves(ctx, r.ID())
		Expect(err).NotTo(HaveOccurred())
		return slaves
	}

	Context("Start", func() {
		It("creates every slave and moves to BOOTING", func() {
			r := start(3)

			Expect(r.State()).To(Equal(model.StateBooting))
			slaves := storedSlaves(r)
			Expect(slaves).To(HaveLen(3))
			Expect(slaves[0].CloudNodeID).To(Equal("srv-1"))
			Expect(slaves[2].CloudNodeID).To(Equal("srv-3"))
			for _, s := range slaves {
				Expect(s.Name).To(MatchRegexp(`^cloudslave-[a-zA-Z0-9]{8}$`))
				Expect(s.ReservationID).To(Equal(r.ID()))
			}

			stored, err := f.store.GetReservation(ctx, r.ID())
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.State).To(Equal(model.StateBooting))
		})

		It("stops at the first failed creation and keeps the partial batch", func() {
			f.client.CreateFailsAt = 6
			r, err := f.cloud.CreateReservation(ctx, 10)
			Expect(err).NotTo(HaveOccurred())

			err = r.Start(ctx)
			Expect(err).To(MatchError(errProvider))
			var perr *manager.ProviderError
			Expect(errors.As(err, &perr)).To(BeTrue())

			Expect(f.client.CreateServerCalls).To(Equal(6))
			Expect(storedSlaves(r)).To(HaveLen(5))
			Expect(r.State()).To(Equal(model.StateFailedToStart))
		})

		It("fails to start when no image matches", func() {
			f = withImage(f, "centos")
			r, err := f.cloud.CreateReservation(ctx, 2)
			Expect(err).NotTo(HaveOccurred())

			Expect(r.Start(ctx)).To(MatchError(manager.ErrNoMatchingImage))
			Expect(r.State()).To(Equal(model.StateFailedToStart))
			Expect(f.client.CreateServerCalls).To(BeZero())
		})

		It("refuses to start twice", func() {
			r := start(1)
			Expect(r.Start(ctx)).To(MatchError(manager.ErrInvalidState))
			Expect(f.client.CreateServerCalls).To(Equal(1))
		})

		It("gives every slave the cloud keypair", func() {
			r := start(2)
			kp, err := f.cloud.KeyPair(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(f.client.CreateKeyPairCalls).To(Equal(1))
			Expect(r.Record().NumberOfSlaves).To(Equal(2))
			Expect(kp.Cloud).To(Equal("test"))
		})
	})

	Context("UpdateState", func() {
		It("becomes READY once every slave is ACTIVE", func() {
			r := start(10)
			f.client.SetAllStatuses(provisioning.StatusActive)

			state, err := r.UpdateState(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(model.StateReady))

			_, gets, _ := f.client.Calls()
			Expect(gets).To(HaveLen(10))
			for _, s := range storedSlaves(r) {
				Expect(s.State).To(Equal(provisioning.StatusActive))
			}
		})

		It("fails and deletes every slave when one reports ERROR", func() {
			r := start(10)
			f.client.SetAllStatuses(provisioning.StatusActive)
			f.client.SetStatuses(provisioning.StatusError)

			state, err := r.UpdateState(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(model.StateFailedToStart))

			_, gets, deletes := f.client.Calls()
			Expect(gets).To(HaveLen(1))
			Expect(deletes).To(HaveLen(10))
			Expect(storedSlaves(r)).To(BeEmpty())

			stored, err := f.store.GetReservation(ctx, r.ID())
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.State).To(Equal(model.StateFailedToStart))
		})

		It("stays BOOTING while a slave builds before the deadline", func() {
			r := start(10)

			state, err := r.UpdateState(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(model.StateBooting))

			_, gets, deletes := f.client.Calls()
			Expect(gets).To(HaveLen(1))
			Expect(deletes).To(BeEmpty())
		})

		It("fails and deletes every slave when building past the deadline", func() {
			r := start(10)
			f.clock.Advance(3*time.Minute + time.Second)

			state, err := r.UpdateState(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(model.StateFailedToStart))

			_, _, deletes := f.client.Calls()
			Expect(deletes).To(HaveLen(10))
			Expect(storedSlaves(r)).To(BeEmpty())
		})

		It("becomes READY when a slave removed on its own leaves only ACTIVE ones", func() {
			r := start(3)
			slaves, err := r.Slaves(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(slaves[0].Delete(ctx)).To(Succeed())

			f.client.SetAllStatuses(provisioning.StatusActive)
			f.clock.Advance(time.Hour)

			state, err := r.UpdateState(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(model.StateReady))
			Expect(storedSlaves(r)).To(HaveLen(2))
		})

		It("makes no provider calls outside BOOTING", func() {
			r, err := f.cloud.CreateReservation(ctx, 2)
			Expect(err).NotTo(HaveOccurred())

			state, err := r.UpdateState(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(model.StateNew))

			r = start(2)
			f.client.SetAllStatuses(provisioning.StatusActive)
			Expect(r.UpdateState(ctx)).To(Equal(model.StateReady))
			_, before, _ := f.client.Calls()

			Expect(r.UpdateState(ctx)).To(Equal(model.StateReady))
			_, after, _ := f.client.Calls()
			Expect(after).To(HaveLen(len(before)))
		})

		It("propagates polling errors and keeps the state", func() {
			r := start(2)
			f.client.GetErr = errProvider

			state, err := r.UpdateState(ctx)
			Expect(err).To(MatchError(errProvider))
			Expect(state).To(Equal(model.StateBooting))
		})

		It("sees state changes made through the store", func() {
			r := start(1)
			Expect(f.store.UpdateReservationState(ctx, r.ID(), model.StateTerminated)).To(Succeed())

			state, err := r.UpdateState(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(model.StateTerminated))
		})

		It("does not wait behind a running update", func() {
			r := start(1)
			f.client.GetStarted = make(chan struct{}, 1)
			f.client.GetBlock = make(chan struct{})

			done := make(chan struct{})
			go func() {
				defer close(done)
				defer GinkgoRecover()
				_, err := r.UpdateState(ctx)
				Expect(err).NotTo(HaveOccurred())
			}()
			Eventually(f.client.GetStarted).Should(Receive())

			_, ok, err := r.TryUpdateState(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())

			close(f.client.GetBlock)
			Eventually(done).Should(BeClosed())

			f.client.GetStarted = nil
			f.client.GetBlock = nil
			state, ok, err := r.TryUpdateState(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(state).To(Equal(model.StateBooting))
		})
	})

	Context("Terminate", func() {
		It("attempts every delete and terminates even when all fail", func() {
			r := start(10)
			f.client.DeleteErr = errProvider

			Expect(r.Terminate(ctx)).To(Succeed())
			Expect(r.State()).To(Equal(model.StateTerminated))

			_, _, deletes := f.client.Calls()
			Expect(deletes).To(HaveLen(10))
			Expect(storedSlaves(r)).To(HaveLen(10))
		})

		It("deletes the slaves and their records", func() {
			r := start(3)

			Expect(r.Terminate(ctx)).To(Succeed())
			Expect(storedSlaves(r)).To(BeEmpty())

			stored, err := f.store.GetReservation(ctx, r.ID())
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.State).To(Equal(model.StateTerminated))
		})

		It("terminates even when the slaves cannot be listed", func() {
			broken := &brokenSlaveListStore{MemoryStore: f.store}
			cloud := manager.NewCloud(testCloudConfig(), broken, f.factory.New, manager.WithClock(f.clock.Now))
			r, err := cloud.CreateReservation(ctx, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Start(ctx)).To(Succeed())

			broken.ListErr = errors.New("store unavailable")
			Expect(r.Terminate(ctx)).To(Succeed())
			Expect(r.State()).To(Equal(model.StateTerminated))

			stored, err := f.store.GetReservation(ctx, r.ID())
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.State).To(Equal(model.StateTerminated))
		})

		It("does nothing for a terminated reservation", func() {
			r := start(2)
			Expect(r.Terminate(ctx)).To(Succeed())
			_, _, before := f.client.Calls()

			Expect(r.Terminate(ctx)).To(Succeed())
			_, _, after := f.client.Calls()
			Expect(after).To(HaveLen(len(before)))
		})

		It("cleans up the partial batch of a failed start", func() {
			f.client.CreateFailsAt = 3
			r, err := f.cloud.CreateReservation(ctx, 5)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Start(ctx)).NotTo(Succeed())
			Expect(storedSlaves(r)).To(HaveLen(2))

			Expect(r.Terminate(ctx)).To(Succeed())
			Expect(storedSlaves(r)).To(BeEmpty())
			Expect(r.State()).To(Equal(model.StateTerminated))
		})

		It("treats slaves already gone at the provider as deleted", func() {
			r := start(2)
			f.client.Forget("srv-1")

			Expect(r.Terminate(ctx)).To(Succeed())
			Expect(storedSlaves(r)).To(BeEmpty())
		})
	})

	It("persists SetState", func() {
		r, err := f.cloud.CreateReservation(ctx, 1)
		Expect(err).NotTo(HaveOccurred())

		Expect(r.SetState(ctx, model.StateReady)).To(Succeed())
		stored, err := f.store.GetReservation(ctx, r.ID())
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.State).To(Equal(model.StateReady))
	})
})

var _ = Describe("Registry", func() {
	var (
		ctx      context.Context
		f        *cloudFixture
		registry *manager.Registry
	)

	BeforeEach(func() {
		ctx = context.Background()
		f = newCloudFixture()
		clouds := []config.Cloud{
			withCfg(func(c *config.Cloud) { c.Name = "zeta" }),
			withCfg(func(c *config.Cloud) { c.Name = "alpha" }),
		}
		registry = manager.NewRegistry(clouds, f.store, f.factory.New, manager.WithClock(f.clock.Now))
	})

	It("lists clouds by name", func() {
		clouds := registry.Clouds()
		Expect(clouds).To(HaveLen(2))
		Expect(clouds[0].Name()).To(Equal("alpha"))
		Expect(clouds[1].Name()).To(Equal("zeta"))
	})

	It("rejects unknown clouds", func() {
		_, err := registry.Cloud("missing")
		Expect(err).To(MatchError(manager.ErrUnknownCloud))
	})

	It("picks a configured cloud at random", func() {
		for i := 0; i < 10; i++ {
			c, err := registry.Random()
			Expect(err).NotTo(HaveOccurred())
			Expect([]string{"alpha", "zeta"}).To(ContainElement(c.Name()))
		}
	})

	It("shares reservation objects with their cloud", func() {
		cloud, err := registry.Cloud("alpha")
		Expect(err).NotTo(HaveOccurred())
		r, err := cloud.CreateReservation(ctx, 1)
		Expect(err).NotTo(HaveOccurred())

		loaded, err := registry.Reservation(ctx, r.ID())
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded).To(BeIdenticalTo(r))

		all, err := registry.Reservations(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(all).To(HaveLen(1))
		Expect(all[0]).To(BeIdenticalTo(r))
	})

	It("skips reservations of clouds no longer configured", func() {
		Expect(f.store.CreateReservation(ctx, model.Reservation{ID: "old", Cloud: "retired"})).To(Succeed())

		all, err := registry.Reservations(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(all).To(BeEmpty())

		_, err = registry.Reservation(ctx, "old")
		Expect(err).To(MatchError(manager.ErrUnknownCloud))
	})
})

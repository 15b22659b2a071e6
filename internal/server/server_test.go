package server_test

import (
	"context"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"cloudslave/internal/config"
	"cloudslave/internal/manager"
	"cloudslave/internal/model"
	"cloudslave/internal/provisioning"
	"cloudslave/internal/server"
	"cloudslave/internal/store"
)

func newRegistry(client *FakeClient, st store.Store) *manager.Registry {
	clouds := []config.Cloud{{
		Name:        "test",
		Provider:    config.ProviderHetzner,
		ImageName:   "ubuntu",
		FlavorName:  "small",
		BootTimeout: time.Hour,
		Token:       "token",
	}}
	factory := func(ctx context.Context, cfg config.Cloud) (provisioning.Client, error) {
		return client, nil
	}
	return manager.NewRegistry(clouds, st, factory)
}

var _ = Describe("Poller", func() {
	var (
		ctx      context.Context
		client   *FakeClient
		st       *store.MemoryStore
		registry *manager.Registry
		poller   *server.Poller
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = NewFakeClient()
		st = store.NewMemoryStore()
		registry = newRegistry(client, st)
		poller = server.NewPoller(registry, time.Hour, 2)
	})

	booting := func(n int) *manager.Reservation {
		cloud, err := registry.Cloud("test")
		Expect(err).NotTo(HaveOccurred())
		r, err := cloud.CreateReservation(ctx, n)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Start(ctx)).To(Succeed())
		return r
	}

	It("moves booting reservations to READY", func() {
		first := booting(2)
		second := booting(3)
		client.SetStatus(provisioning.StatusActive)

		Expect(poller.PollOnce(ctx)).To(Succeed())
		Expect(first.State()).To(Equal(model.StateReady))
		Expect(second.State()).To(Equal(model.StateReady))
	})

	It("leaves reservations that are not booting alone", func() {
		cloud, err := registry.Cloud("test")
		Expect(err).NotTo(HaveOccurred())
		r, err := cloud.CreateReservation(ctx, 1)
		Expect(err).NotTo(HaveOccurred())

		Expect(poller.PollOnce(ctx)).To(Succeed())
		Expect(r.State()).To(Equal(model.StateNew))
		Expect(client.GetCount()).To(BeZero())
	})

	It("picks up states written by another process", func() {
		r := booting(1)
		Expect(st.UpdateReservationState(ctx, r.ID(), model.StateTerminated)).To(Succeed())

		Expect(poller.PollOnce(ctx)).To(Succeed())
		Expect(client.GetCount()).To(BeZero())
	})

	It("skips a reservation whose previous poll is still running", func() {
		r := booting(1)
		client.Started = make(chan struct{}, 1)
		client.Block = make(chan struct{})

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = r.UpdateState(ctx)
		}()
		Eventually(client.Started).Should(Receive())

		Expect(poller.PollOnce(ctx)).To(Succeed())
		close(client.Block)
		Eventually(done).Should(BeClosed())
		Expect(client.GetCount()).To(Equal(1))
	})
})

var _ = Describe("Server", func() {
	const bufSize = 1024 * 1024

	var (
		lis    *bufconn.Listener
		conn   *grpc.ClientConn
		cancel context.CancelFunc
		done   chan error
	)

	BeforeEach(func() {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		lis = bufconn.Listen(bufSize)

		registry := newRegistry(NewFakeClient(), store.NewMemoryStore())
		srv := server.NewServer(config.ServerConfig{PollInterval: 10 * time.Millisecond, PollWorkers: 1}, registry)

		done = make(chan error, 1)
		go func() { done <- srv.Serve(ctx, lis) }()

		var err error
		conn, err = grpc.NewClient("passthrough://bufnet",
			grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
				return lis.Dial()
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		conn.Close()
		cancel()
		Eventually(done, 5*time.Second).Should(Receive(BeNil()))
	})

	It("reports the server and the poller as serving", func() {
		health := healthpb.NewHealthClient(conn)

		Eventually(func() healthpb.HealthCheckResponse_ServingStatus {
			resp, err := health.Check(context.Background(), &healthpb.HealthCheckRequest{})
			if err != nil {
				return healthpb.HealthCheckResponse_UNKNOWN
			}
			return resp.Status
		}).Should(Equal(healthpb.HealthCheckResponse_SERVING))

		Eventually(func() healthpb.HealthCheckResponse_ServingStatus {
			resp, err := health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: server.PollerService})
			if err != nil {
				return healthpb.HealthCheckResponse_UNKNOWN
			}
			return resp.Status
		}).Should(Equal(healthpb.HealthCheckResponse_SERVING))
	})
})

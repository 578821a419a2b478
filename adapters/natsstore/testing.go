package natsstore

import (
	"context"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// natsImage pins the server used in tests; JetStream needs 2.2+.
const natsImage = "nats:2.11-alpine"

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

// NewTestContainer starts a throwaway JetStream-enabled server and returns a
// Connector pointed at it. The container is terminated on test cleanup.
func NewTestContainer(t Testing) Connector {
	ctx := t.Context()
	srv, err := testcontainers.Run(
		ctx, natsImage,
		testcontainers.WithCmd("-js"),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(srv); err != nil {
			t.Errorf("failed to terminate nats container: %s", err.Error())
		}
	})

	ip, err := srv.ContainerIP(ctx)
	require.NoError(t, err)
	url := "nats://" + ip + ":4222"
	t.Logf("nats test server: %s", url)
	return ConnectURL(url)
}

package helixconnect

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/godaddy/asherah/go/securememory/memguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFactory(opts ...FactoryOption) (*ClientFactory, *fakeStore, *fakeQueue) {
	store := newFakeStore()
	queue := newFakeQueue()

	config := NewConfig(
		WithChunkSize(8),
		WithMaxConcurrentChunks(3),
		WithMaxRetries(2),
		WithBackoff(time.Millisecond, 2*time.Millisecond),
		WithPollWait(50*time.Millisecond),
	)

	return NewClientFactory(config, new(testWrapper), store, queue, opts...), store, queue
}

func TestNewClientFactory_NilConfigUsesDefaults(t *testing.T) {
	factory := NewClientFactory(nil, new(testWrapper), newFakeStore(), newFakeQueue())

	defer factory.Close()

	require.NotNil(t, factory.Config)
	assert.Equal(t, int64(DefaultChunkSize), factory.Config.ChunkSize)
	assert.Equal(t, DefaultCompressionLevel, factory.Config.CompressionLevel)
	assert.IsType(t, new(memguard.SecretFactory), factory.SecretFactory)
}

func TestClientFactory_WithSecretFactory(t *testing.T) {
	secretFactory := new(memguard.SecretFactory)

	factory, _, _ := newTestFactory(WithSecretFactory(secretFactory))

	defer factory.Close()

	assert.Same(t, secretFactory, factory.SecretFactory)

	// The codec is built after options apply, so sealing exercises the
	// supplied factory.
	producer := factory.Producer()

	sealed, err := producer.Seal(context.Background(), payloadBytes)
	require.NoError(t, err)
	assert.NotEmpty(t, sealed)
}

func TestClientFactory_CapabilitySets(t *testing.T) {
	factory, _, _ := newTestFactory()

	defer factory.Close()

	consumer := factory.Consumer()
	assert.True(t, consumer.Can(CapabilityConsume))
	assert.False(t, consumer.Can(CapabilityProduce))
	assert.False(t, consumer.Can(CapabilityAdminister))

	// A producer is a consumer plus the produce group.
	producer := factory.Producer()
	assert.True(t, producer.Can(CapabilityProduce))
	assert.True(t, producer.Can(CapabilityConsume))
	assert.False(t, producer.Can(CapabilityAdminister))

	produceOnly := factory.NewClient(CapabilityProduce)
	assert.True(t, produceOnly.Can(CapabilityProduce))
	assert.False(t, produceOnly.Can(CapabilityConsume))

	none := factory.NewClient()
	assert.False(t, none.Can(CapabilityConsume))
	assert.False(t, none.Can(CapabilityProduce))
}

func TestClient_WithCapabilities(t *testing.T) {
	factory, _, _ := newTestFactory()

	defer factory.Close()

	consumer := factory.Consumer()

	// Deriving adds groups without touching the parent.
	derived := consumer.WithCapabilities(CapabilityProduce)
	assert.True(t, derived.Can(CapabilityConsume))
	assert.True(t, derived.Can(CapabilityProduce))
	assert.False(t, consumer.Can(CapabilityProduce))

	// The derived client shares the parent's engines.
	assert.Same(t, consumer.factory, derived.factory)

	admin := derived.WithCapabilities(CapabilityAdminister)
	assert.True(t, admin.Can(CapabilityConsume))
	assert.True(t, admin.Can(CapabilityProduce))
	assert.True(t, admin.Can(CapabilityAdminister))
}

func TestClient_SealOpenRoundTrip(t *testing.T) {
	factory, _, _ := newTestFactory()
	ctx := context.Background()

	defer factory.Close()

	sealed, err := factory.Producer().Seal(ctx, payloadBytes)
	require.NoError(t, err)
	assert.NotEqual(t, payloadBytes, sealed)

	opened, err := factory.Consumer().Open(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, payloadBytes, opened)
}

func TestClient_UploadDownloadRoundTrip(t *testing.T) {
	factory, _, _ := newTestFactory()
	ctx := context.Background()

	defer factory.Close()

	payload := makePayload(50)

	session, err := factory.Producer().Upload(ctx, transferObjectID, bytes.NewReader(payload))
	require.NoError(t, err)
	assert.True(t, session.Completed())

	var sink bytes.Buffer

	session, err = factory.Consumer().Download(ctx, transferObjectID, &sink)
	require.NoError(t, err)
	assert.True(t, session.Completed())
	assert.Equal(t, payload, sink.Bytes())
}

func TestClient_PollAcknowledgeThroughFacade(t *testing.T) {
	factory, _, queue := newTestFactory()
	ctx := context.Background()

	defer factory.Close()

	queue.push(notificationJSON("e-1", "orders", "2024-06-01"))

	consumer := factory.Consumer()

	records, err := consumer.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)

	require.NoError(t, consumer.Acknowledge(ctx, records[0]))
	assert.Len(t, queue.ackedHandles(), 1)
}

func TestClient_ListenThroughFacade(t *testing.T) {
	factory, _, queue := newTestFactory()

	defer factory.Close()

	queue.push(notificationJSON("e-1", "orders", "2024-06-01"))

	handled := make(chan NotificationRecord, 1)

	listener, err := factory.Consumer().Listen(context.Background(),
		func(_ context.Context, record NotificationRecord) error {
			handled <- record
			return nil
		})
	require.NoError(t, err)

	select {
	case record := <-handled:
		assert.Equal(t, "e-1", record.EventID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handler")
	}

	listener.Stop()
	assert.NoError(t, listener.Err())
}

func TestClient_CapabilityGating(t *testing.T) {
	factory, _, _ := newTestFactory()
	ctx := context.Background()

	defer factory.Close()

	consumer := factory.Consumer()
	produceOnly := factory.NewClient(CapabilityProduce)

	tests := []struct {
		name    string
		run     func() error
		wantOp  string
		missing Capability
	}{
		{
			name: "seal needs produce",
			run: func() error {
				_, err := consumer.Seal(ctx, payloadBytes)
				return err
			},
			wantOp:  "seal",
			missing: CapabilityProduce,
		},
		{
			name: "upload needs produce",
			run: func() error {
				_, err := consumer.Upload(ctx, transferObjectID, bytes.NewReader(payloadBytes))
				return err
			},
			wantOp:  "upload",
			missing: CapabilityProduce,
		},
		{
			name: "open needs consume",
			run: func() error {
				_, err := produceOnly.Open(ctx, payloadBytes)
				return err
			},
			wantOp:  "open",
			missing: CapabilityConsume,
		},
		{
			name: "download needs consume",
			run: func() error {
				_, err := produceOnly.Download(ctx, transferObjectID, new(bytes.Buffer))
				return err
			},
			wantOp:  "download",
			missing: CapabilityConsume,
		},
		{
			name: "poll needs consume",
			run: func() error {
				_, err := produceOnly.Poll(ctx)
				return err
			},
			wantOp:  "poll",
			missing: CapabilityConsume,
		},
		{
			name: "acknowledge needs consume",
			run: func() error {
				return produceOnly.Acknowledge(ctx, NotificationRecord{})
			},
			wantOp:  "acknowledge",
			missing: CapabilityConsume,
		},
		{
			name: "listen needs consume",
			run: func() error {
				_, err := produceOnly.Listen(ctx, func(context.Context, NotificationRecord) error { return nil })
				return err
			},
			wantOp:  "listen",
			missing: CapabilityConsume,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			require.Error(t, err)

			var authErr *AuthorizationError
			require.ErrorAs(t, err, &authErr)
			assert.Equal(t, tt.wantOp, authErr.Op)
			assert.ErrorContains(t, err, string(tt.missing))
		})
	}
}

func TestClient_EmptyObjectID(t *testing.T) {
	factory, _, _ := newTestFactory()
	ctx := context.Background()

	defer factory.Close()

	_, err := factory.Producer().Upload(ctx, "", bytes.NewReader(payloadBytes))
	assert.EqualError(t, err, "object id cannot be empty")

	_, err = factory.Consumer().Download(ctx, "", new(bytes.Buffer))
	assert.EqualError(t, err, "object id cannot be empty")
}

func TestClient_GatingFailsBeforeAnyWork(t *testing.T) {
	factory, store, queue := newTestFactory()
	ctx := context.Background()

	defer factory.Close()

	none := factory.NewClient()

	_, err := none.Upload(ctx, transferObjectID, bytes.NewReader(payloadBytes))
	require.Error(t, err)

	_, err = none.Poll(ctx)
	require.Error(t, err)

	assert.Zero(t, store.puts(transferObjectID, 0), "denied uploads must not touch the store")
	assert.Empty(t, queue.ackedHandles())
}

func TestClientFactory_Close(t *testing.T) {
	factory, _, _ := newTestFactory()

	assert.NoError(t, factory.Close())
}

func TestClient_OpenRejectsGarbage(t *testing.T) {
	factory, _, _ := newTestFactory()

	defer factory.Close()

	_, err := factory.Consumer().Open(context.Background(), []byte("tooShort"))

	var formatErr *FormatError
	assert.ErrorAs(t, err, &formatErr)
}

package helixconnect

import (
	"context"
	"io"

	"github.com/godaddy/asherah/go/securememory"
	"github.com/godaddy/asherah/go/securememory/memguard"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
)

// Capability names one independently grantable slice of the SDK surface.
// Capabilities separate roles within a process; they are not a security
// boundary, since any holder of the factory can mint any client.
type Capability string

const (
	// CapabilityConsume covers downloading, opening sealed payloads, and
	// receiving notifications.
	CapabilityConsume Capability = "consume"
	// CapabilityProduce covers sealing payloads and uploading.
	CapabilityProduce Capability = "produce"
	// CapabilityAdminister is reserved for dataset management surfaces.
	CapabilityAdminister Capability = "administer"
)

// ClientFactory wires the SDK's engines once per application and hands out
// capability-scoped clients that share them. It should be created on
// application start up and stored for the lifetime of the app.
type ClientFactory struct {
	Config        *Config
	Wrapper       KeyWrapper
	Store         ObjectStore
	Queue         NotificationQueue
	SecretFactory securememory.SecretFactory

	codec  *EnvelopeCodec
	engine *TransferEngine
	poller *NotificationPoller
}

// FactoryOption is used to configure additional options in a ClientFactory.
type FactoryOption func(*ClientFactory)

// WithSecretFactory sets the factory to use for protecting data keys in
// memory.
func WithSecretFactory(f securememory.SecretFactory) FactoryOption {
	return func(factory *ClientFactory) {
		factory.SecretFactory = f
	}
}

// WithMetrics enables or disables metrics.
func WithMetrics(enabled bool) FactoryOption {
	return func(factory *ClientFactory) {
		if !enabled {
			metrics.DefaultRegistry.UnregisterAll()
		}
	}
}

// NewClientFactory creates a factory from the supplied collaborators. A nil
// config uses defaults.
func NewClientFactory(config *Config, wrapper KeyWrapper, store ObjectStore, queue NotificationQueue, opts ...FactoryOption) *ClientFactory {
	if config == nil {
		config = NewConfig()
	}

	factory := &ClientFactory{
		Config:        config,
		Wrapper:       wrapper,
		Store:         store,
		Queue:         queue,
		SecretFactory: new(memguard.SecretFactory),
	}

	for _, opt := range opts {
		opt(factory)
	}

	factory.codec = NewEnvelopeCodec(wrapper, config.CompressionLevel,
		WithCodecSecretFactory(factory.SecretFactory))
	factory.engine = NewTransferEngine(factory.codec, store, config)
	factory.poller = NewNotificationPoller(queue, config,
		WithDownloadEngine(factory.engine))

	return factory
}

// Close releases resources owned by the factory. Collaborators supplied by
// the caller (key wrapper, store, queue) remain the caller's to close, and
// clients minted from the factory must not be used afterwards.
func (f *ClientFactory) Close() error {
	return f.poller.Close()
}

// Consumer returns a client scoped to the consume capability.
func (f *ClientFactory) Consumer() *Client {
	return f.NewClient(CapabilityConsume)
}

// Producer returns a client holding the consume and produce capabilities. A
// producer is a consumer plus the produce group, so it can verify its own
// uploads.
func (f *ClientFactory) Producer() *Client {
	return f.NewClient(CapabilityConsume, CapabilityProduce)
}

// NewClient returns a client scoped to exactly the provided capabilities.
// Clients are cheap: all of them share the factory's codec, transfer engine,
// and poller, and hold no key material of their own.
func (f *ClientFactory) NewClient(capabilities ...Capability) *Client {
	c := &Client{
		factory:      f,
		capabilities: make(map[Capability]bool, len(capabilities)),
	}

	for _, capability := range capabilities {
		c.capabilities[capability] = true
	}

	return c
}

// Client is a capability-scoped view over the factory's engines. Operations
// outside the client's capabilities fail with an AuthorizationError naming
// the capability they require.
type Client struct {
	factory      *ClientFactory
	capabilities map[Capability]bool
}

// Can reports whether the client holds capability.
func (c *Client) Can(capability Capability) bool {
	return c.capabilities[capability]
}

// WithCapabilities derives a new client holding the parent's capabilities
// plus the provided ones. Deriving is purely a permission change; the new
// client shares the parent's engines and performs no I/O.
func (c *Client) WithCapabilities(capabilities ...Capability) *Client {
	combined := make([]Capability, 0, len(c.capabilities)+len(capabilities))
	for capability := range c.capabilities {
		combined = append(combined, capability)
	}

	combined = append(combined, capabilities...)

	return c.factory.NewClient(combined...)
}

func (c *Client) require(capability Capability, op string) error {
	if !c.capabilities[capability] {
		return &AuthorizationError{
			Op:  op,
			Err: errors.Errorf("client lacks the %s capability", capability),
		}
	}

	return nil
}

// Seal compresses and encrypts one payload in memory, returning its stored
// wire form. Requires the produce capability.
func (c *Client) Seal(ctx context.Context, data []byte) ([]byte, error) {
	if err := c.require(CapabilityProduce, "seal"); err != nil {
		return nil, err
	}

	env, err := c.factory.codec.Seal(ctx, data)
	if err != nil {
		return nil, err
	}

	return env.MarshalBinary()
}

// Open recovers the plaintext of a sealed payload. Requires the consume
// capability.
func (c *Client) Open(ctx context.Context, sealed []byte) ([]byte, error) {
	if err := c.require(CapabilityConsume, "open"); err != nil {
		return nil, err
	}

	env := new(Envelope)
	if err := env.UnmarshalBinary(sealed); err != nil {
		return nil, err
	}

	return c.factory.codec.Open(ctx, env)
}

// Upload seals src chunk by chunk and stores it as objectID. Requires the
// produce capability.
func (c *Client) Upload(ctx context.Context, objectID string, src io.Reader, opts ...TransferOption) (*TransferSession, error) {
	if err := c.require(CapabilityProduce, "upload"); err != nil {
		return nil, err
	}

	if objectID == "" {
		return nil, errors.New("object id cannot be empty")
	}

	return c.factory.engine.Upload(ctx, objectID, src, opts...)
}

// Download streams the verified plaintext of objectID into sink. Requires
// the consume capability.
func (c *Client) Download(ctx context.Context, objectID string, sink io.Writer, opts ...TransferOption) (*TransferSession, error) {
	if err := c.require(CapabilityConsume, "download"); err != nil {
		return nil, err
	}

	if objectID == "" {
		return nil, errors.New("object id cannot be empty")
	}

	return c.factory.engine.Download(ctx, objectID, sink, opts...)
}

// Poll issues one long-poll receive for dataset notifications. Requires the
// consume capability.
func (c *Client) Poll(ctx context.Context) ([]NotificationRecord, error) {
	if err := c.require(CapabilityConsume, "poll"); err != nil {
		return nil, err
	}

	return c.factory.poller.Poll(ctx)
}

// Acknowledge consumes a polled record. Requires the consume capability.
func (c *Client) Acknowledge(ctx context.Context, record NotificationRecord) error {
	if err := c.require(CapabilityConsume, "acknowledge"); err != nil {
		return err
	}

	return c.factory.poller.Acknowledge(ctx, record)
}

// Listen starts a background consumer that invokes handler for each
// notification. Requires the consume capability.
func (c *Client) Listen(ctx context.Context, handler NotificationHandler, opts ...ListenOption) (*Listener, error) {
	if err := c.require(CapabilityConsume, "listen"); err != nil {
		return nil, err
	}

	return c.factory.poller.Listen(ctx, handler, opts...)
}

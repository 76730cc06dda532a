// Package matrix is a Session Engine backed by mautrix. It delivers
// messages, looks up devices and identities, runs the /sync loop that feeds
// incoming verification requests, and drives SAS verification through the
// mautrix verification helper once end-to-end encryption is up.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/matheus3301/mtx/internal/engine"
	"github.com/matheus3301/mtx/internal/status"
	"go.uber.org/zap"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds the credentials of one session.
type Config struct {
	Homeserver  string
	UserID      string
	DeviceID    string
	AccessToken string

	// CryptoDB is the path of the Olm account and key database. Empty
	// leaves end-to-end encryption and verification off.
	CryptoDB  string
	PickleKey string

	// HTTPClient is used for all requests. Nil uses a client with a
	// timeout longer than the sync long-poll.
	HTTPClient *http.Client
}

// Checkpoints persists sync progress.
type Checkpoints interface {
	SyncState(key string) (string, error)
	SetSyncState(key, value string) error
}

// Client implements engine.Engine on a mautrix client.
type Client struct {
	cli         *mautrix.Client
	cfg         Config
	checkpoints Checkpoints
	machine     *status.Machine
	logger      *zap.Logger

	syncTimeout time.Duration
	retryBase   time.Duration
	retryMax    time.Duration

	flows          *flowTable
	deviceRequests fanout[engine.IncomingDeviceRequest]
	roomRequests   fanout[engine.IncomingRoomRequest]

	mu      sync.Mutex
	crypto  cryptoCloser
	started bool
}

var _ engine.Engine = (*Client)(nil)

// New creates a client. checkpoints and machine may be nil.
func New(cfg Config, checkpoints Checkpoints, machine *status.Machine, logger *zap.Logger) (*Client, error) {
	if cfg.Homeserver == "" {
		return nil, errors.New("matrix: homeserver is required")
	}
	if _, err := url.Parse(cfg.Homeserver); err != nil {
		return nil, fmt.Errorf("matrix: invalid homeserver %q: %w", cfg.Homeserver, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cli, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	cli.DeviceID = id.DeviceID(cfg.DeviceID)
	cli.Syncer = mautrix.NewDefaultSyncer()
	// The outbox and the sync loop own retries.
	cli.DefaultHTTPRetries = 0
	if cfg.HTTPClient != nil {
		cli.Client = cfg.HTTPClient
	} else {
		cli.Client = &http.Client{Timeout: 90 * time.Second}
	}

	c := &Client{
		cli:         cli,
		cfg:         cfg,
		checkpoints: checkpoints,
		machine:     machine,
		logger:      logger,
		syncTimeout: 30 * time.Second,
		retryBase:   time.Second,
		retryMax:    30 * time.Second,
	}
	c.flows = newFlowTable(c.publishDeviceRequest, logger)
	c.registerHandlers()
	return c, nil
}

// HasCredentials reports whether an access token is configured.
func (c *Client) HasCredentials() bool {
	return c.cli.AccessToken != ""
}

// OwnUserID returns the logged-in user id.
func (c *Client) OwnUserID() string { return c.cli.UserID.String() }

// OwnDeviceID returns this client's device id.
func (c *Client) OwnDeviceID() string { return c.cli.DeviceID.String() }

// Send puts an m.text message into roomID. The homeserver deduplicates
// repeated txnIDs and returns the original event id. Every failure is
// retriable; the outbox decides when to give up.
func (c *Client) Send(ctx context.Context, roomID, body, txnID string) (string, error) {
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: body}
	resp, err := c.cli.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content,
		mautrix.ReqSendEvent{TransactionID: txnID})
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", roomID, err)
	}
	return resp.EventID.String(), nil
}

// OwnDevices lists the user's devices.
func (c *Client) OwnDevices(ctx context.Context) ([]engine.Device, error) {
	resp, err := c.cli.GetDevicesInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	devices := make([]engine.Device, 0, len(resp.Devices))
	for _, d := range resp.Devices {
		devices = append(devices, engine.Device{
			UserID:      c.OwnUserID(),
			DeviceID:    d.DeviceID.String(),
			DisplayName: d.DisplayName,
		})
	}
	return devices, nil
}

// UserIdentity returns the user's cross-signing master key, or
// engine.ErrNotFound when the user has not set up cross-signing.
func (c *Client) UserIdentity(ctx context.Context, userID string) (*engine.Identity, error) {
	resp, err := c.cli.QueryKeys(ctx, &mautrix.ReqQueryKeys{
		DeviceKeys: mautrix.DeviceKeysRequest{id.UserID(userID): mautrix.DeviceIDList{}},
	})
	if err != nil {
		return nil, fmt.Errorf("query keys for %s: %w", userID, lookupErr(err))
	}
	master, ok := resp.MasterKeys[id.UserID(userID)]
	if !ok || len(master.Keys) == 0 {
		return nil, fmt.Errorf("identity of %s: %w", userID, engine.ErrNotFound)
	}
	for _, key := range master.Keys {
		return &engine.Identity{UserID: userID, MasterKey: string(key)}, nil
	}
	return nil, engine.ErrNotFound
}

// IncomingDeviceRequests streams to-device verification requests until ctx
// is done.
func (c *Client) IncomingDeviceRequests(ctx context.Context) <-chan engine.IncomingDeviceRequest {
	return c.deviceRequests.subscribe(ctx)
}

// IncomingRoomRequests streams in-room verification requests seen by the
// sync loop until ctx is done.
func (c *Client) IncomingRoomRequests(ctx context.Context) <-chan engine.IncomingRoomRequest {
	return c.roomRequests.subscribe(ctx)
}

func (c *Client) publishDeviceRequest(req engine.IncomingDeviceRequest) {
	c.deviceRequests.publish(req)
}

// Close releases the crypto store.
func (c *Client) Close() error {
	c.mu.Lock()
	closer := c.crypto
	c.crypto = nil
	c.mu.Unlock()
	if closer == nil {
		return nil
	}
	return closer.Close()
}
